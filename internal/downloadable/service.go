package downloadable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/Anuril/FOSSBilling/internal/model"
	"github.com/Anuril/FOSSBilling/internal/queue"
	"github.com/Anuril/FOSSBilling/internal/storage"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"gorm.io/gorm"
)

// OrderServiceResolver 解析订单绑定的服务记录；订单尚未激活时返回 nil。
type OrderServiceResolver interface {
	GetOrderService(order *model.ClientOrder) (*model.ServiceDownloadable, error)
}

// EventPublisher 投递下载审计事件。投递失败不影响下载本身。
type EventPublisher interface {
	Publish(ctx context.Context, msg queue.DownloadMessage) error
}

// Service 实现可下载商品的配置管理、订单开通与下载闸门。
type Service struct {
	db       *gorm.DB
	store    *storage.Store
	logger   *log.Logger
	events   EventPublisher // 可为 nil
	resolver OrderServiceResolver
}

func NewService(db *gorm.DB, store *storage.Store, logger *log.Logger, events EventPublisher, resolver OrderServiceResolver) *Service {
	return &Service{db: db, store: store, logger: logger, events: events, resolver: resolver}
}

// GormResolver 是 OrderServiceResolver 的数据库实现。
type GormResolver struct {
	DB *gorm.DB
}

func (r GormResolver) GetOrderService(order *model.ClientOrder) (*model.ServiceDownloadable, error) {
	var sd model.ServiceDownloadable
	err := r.DB.Where("order_id = ?", order.ID).First(&sd).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve order service: %w", err)
	}
	return &sd, nil
}

// GetOrderService 透出生命周期解析器，供管理端直接查询绑定记录。
func (s *Service) GetOrderService(order *model.ClientOrder) (*model.ServiceDownloadable, error) {
	return s.resolver.GetOrderService(order)
}

// SaveProductConfig 将 opts 合并进商品既有配置后持久化。
// 已有键（含 filename）不会被未出现在 opts 里的字段覆盖丢失。
func (s *Service) SaveProductConfig(product *model.Product, opts map[string]any) error {
	cfg, err := model.ParseProductConfig(product.Config)
	if err != nil {
		// 坏配置按空配置处理，合并后会被修复成合法 JSON
		cfg = model.ProductConfig{}
	}
	if err := mergeConfig(&cfg, opts); err != nil {
		return err
	}
	blob, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode product config: %w", err)
	}
	product.Config = string(blob)
	if err := s.db.Save(product).Error; err != nil {
		return fmt.Errorf("store product: %w", err)
	}
	return nil
}

func mergeConfig(cfg *model.ProductConfig, opts map[string]any) error {
	for k, v := range opts {
		switch k {
		case "filename":
			sv, ok := v.(string)
			if !ok {
				return NewValidation("Filename must be a string")
			}
			cfg.Filename = sv
		case "update_orders":
			cfg.UpdateOrders = toBool(v)
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode config option %q: %w", k, err)
			}
			if cfg.Extra == nil {
				cfg.Extra = map[string]json.RawMessage{}
			}
			cfg.Extra[k] = raw
		}
	}
	return nil
}

// toBool 容忍 HTTP 表单里常见的布尔写法。
func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		return err == nil && b
	case float64:
		return t != 0
	default:
		return false
	}
}

// UploadProductFile 保存上传的文件并把文件名写入商品配置。
// 当配置开启 update_orders 时，已开通订单的服务记录同步换成新文件。
func (s *Service) UploadProductFile(product *model.Product, filename string, r io.Reader) error {
	if filename == "" || r == nil {
		return NewValidation("File was not uploaded.")
	}
	if err := s.store.Save(filename, r); err != nil {
		return err
	}
	cfg, err := model.ParseProductConfig(product.Config)
	if err != nil {
		cfg = model.ProductConfig{}
	}
	cfg.Filename = filename
	blob, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode product config: %w", err)
	}
	product.Config = string(blob)
	if err := s.db.Save(product).Error; err != nil {
		return fmt.Errorf("store product: %w", err)
	}

	if cfg.UpdateOrders {
		sub := s.db.Model(&model.ClientOrder{}).Select("id").Where("product_id = ?", product.ID)
		if err := s.db.Model(&model.ServiceDownloadable{}).
			Where("order_id IN (?)", sub).
			Update("filename", filename).Error; err != nil {
			return fmt.Errorf("propagate filename to orders: %w", err)
		}
	}

	s.logger.Info("Uploaded new file for product", "product_id", product.ID, "filename", filename)
	return nil
}

// ValidateOrderData 在订单配置落库前确认商品已配置文件。
func (s *Service) ValidateOrderData(data map[string]any) error {
	v, ok := data["filename"]
	if !ok {
		return NewValidation("Filename is missing in product config")
	}
	sv, ok := v.(string)
	if !ok || sv == "" {
		return NewValidation("Filename is missing in product config")
	}
	return nil
}

// AttachOrderConfig 把商品配置合并到下单数据之上（商品配置优先）。
func (s *Service) AttachOrderConfig(product *model.Product, data map[string]any) (map[string]any, error) {
	cfg, err := model.ParseProductConfig(product.Config)
	if err != nil || cfg.Filename == "" {
		return nil, NewConfiguration("Product is not configured completely.")
	}
	merged := map[string]any{}
	for k, v := range data {
		merged[k] = v
	}
	for k, raw := range cfg.Extra {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			merged[k] = v
		}
	}
	merged["filename"] = cfg.Filename
	if cfg.UpdateOrders {
		merged["update_orders"] = true
	}
	return merged, nil
}

// ActionCreate 订单激活时创建服务记录，文件名从订单配置拷贝。
func (s *Service) ActionCreate(order *model.ClientOrder) (*model.ServiceDownloadable, error) {
	cfg, err := model.ParseProductConfig(order.Config)
	if order.Config == "" || err != nil {
		return nil, NewConfiguration(fmt.Sprintf("Order #%d config is missing", order.ID))
	}
	if cfg.Filename == "" {
		return nil, NewValidation("Filename is missing in product config")
	}
	sd := &model.ServiceDownloadable{
		ClientID:  order.ClientID,
		OrderID:   order.ID,
		Filename:  cfg.Filename,
		Downloads: 0,
	}
	if err := s.db.Create(sd).Error; err != nil {
		return nil, fmt.Errorf("store service record: %w", err)
	}
	return sd, nil
}

// 其余生命周期动作对该服务类型均为无操作。

func (s *Service) ActionActivate(*model.ClientOrder) error  { return nil }
func (s *Service) ActionRenew(*model.ClientOrder) error     { return nil }
func (s *Service) ActionSuspend(*model.ClientOrder) error   { return nil }
func (s *Service) ActionUnsuspend(*model.ClientOrder) error { return nil }
func (s *Service) ActionCancel(*model.ClientOrder) error    { return nil }
func (s *Service) ActionUncancel(*model.ClientOrder) error  { return nil }

// ActionDelete 删除订单绑定的服务记录；没有绑定时为幂等空操作。
func (s *Service) ActionDelete(order *model.ClientOrder) error {
	sd, err := s.resolver.GetOrderService(order)
	if err != nil {
		return err
	}
	if sd == nil {
		return nil
	}
	if err := s.db.Delete(sd).Error; err != nil {
		return fmt.Errorf("delete service record: %w", err)
	}
	return nil
}

// UpdateProductFile 管理员触发：把商品当前配置的文件重新拷入某个订单的服务记录。
func (s *Service) UpdateProductFile(sd *model.ServiceDownloadable, order *model.ClientOrder) error {
	var product model.Product
	if err := s.db.First(&product, order.ProductID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewNotFound("Product not found")
		}
		return fmt.Errorf("load product: %w", err)
	}
	cfg, err := model.ParseProductConfig(product.Config)
	if err != nil || cfg.Filename == "" {
		return NewConfiguration("Product is not configured completely.")
	}
	sd.Filename = cfg.Filename
	if err := s.db.Save(sd).Error; err != nil {
		return fmt.Errorf("store service record: %w", err)
	}
	s.logger.Info("Updated order file from product config", "order_id", order.ID, "filename", cfg.Filename)
	return nil
}

// APIService 是服务记录的对外投影。Downloads 仅管理员可见。
type APIService struct {
	Path      string `json:"path"`
	Filename  string `json:"filename"`
	Downloads *int   `json:"downloads,omitempty"`
}

// ToAPIArray 构造服务记录视图；isFullList 预留给列表场景，当前不影响字段。
func (s *Service) ToAPIArray(sd *model.ServiceDownloadable, isFullList bool, identity model.Identity) APIService {
	view := APIService{
		Path:     s.store.PathFor(sd.Filename),
		Filename: sd.Filename,
	}
	if identity != nil && identity.IsAdmin() {
		n := sd.Downloads
		view.Downloads = &n
	}
	return view
}

// SendProductFile 管理员路径：直接按商品配置取文件，不动下载计数。
// 返回打开的 blob、大小与原始文件名，由 HTTP 层负责流式输出。
func (s *Service) SendProductFile(product *model.Product) (afero.File, int64, string, error) {
	cfg, err := model.ParseProductConfig(product.Config)
	if err != nil || cfg.Filename == "" {
		return nil, 0, "", NewConfiguration("No file associated with this product")
	}
	if !s.store.Exists(cfg.Filename) {
		return nil, 0, "", NewUnavailable("File cannot be downloaded at the moment. Please contact support.")
	}
	f, size, err := s.store.Open(cfg.Filename)
	if err != nil {
		return nil, 0, "", err
	}
	s.logger.Info("Downloaded product file by admin", "product_id", product.ID)
	return f, size, cfg.Filename, nil
}

// SendFile 客户路径的终点：校验 blob 存在后计数 +1 并打开文件。
// 任何失败都发生在计数之前，失败的下载不会改变计数。
func (s *Service) SendFile(ctx context.Context, sd *model.ServiceDownloadable) (afero.File, int64, error) {
	if !s.store.Exists(sd.Filename) {
		return nil, 0, NewUnavailable("File cannot be downloaded at the moment. Please contact support.")
	}
	sd.Downloads++
	if err := s.db.Save(sd).Error; err != nil {
		sd.Downloads--
		return nil, 0, fmt.Errorf("store service record: %w", err)
	}
	f, size, err := s.store.Open(sd.Filename)
	if err != nil {
		return nil, 0, err
	}
	s.publishDownload(ctx, sd)
	s.logger.Info("Downloaded file", "order_id", sd.OrderID, "client_id", sd.ClientID, "filename", sd.Filename)
	return f, size, nil
}

// SendFileForOrder 客户下载入口：订单必须属于请求方且处于激活状态。
// 订单不存在与订单属于他人返回同一错误，避免泄露他人订单的存在性。
func (s *Service) SendFileForOrder(ctx context.Context, orderID string, clientID int64) (afero.File, int64, *model.ServiceDownloadable, error) {
	if orderID == "" {
		return nil, 0, nil, NewValidation("Order ID is required")
	}
	id, err := strconv.ParseUint(orderID, 10, 32)
	if err != nil {
		return nil, 0, nil, NewNotFound("Order not found")
	}

	var order model.ClientOrder
	err = s.db.Where("id = ? AND client_id = ?", uint(id), clientID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, nil, NewNotFound("Order not found")
	}
	if err != nil {
		return nil, 0, nil, fmt.Errorf("load order: %w", err)
	}

	sd, err := s.resolver.GetOrderService(&order)
	if err != nil {
		return nil, 0, nil, err
	}
	// 未绑定服务与状态未激活折叠为同一错误：对请求方而言补救方式相同。
	if sd == nil || order.Status != model.OrderStatusActive {
		return nil, 0, nil, NewBusinessRule("Order is not activated")
	}

	f, size, err := s.SendFile(ctx, sd)
	if err != nil {
		return nil, 0, nil, err
	}
	return f, size, sd, nil
}

func (s *Service) publishDownload(ctx context.Context, sd *model.ServiceDownloadable) {
	if s.events == nil {
		return
	}
	msg := queue.DownloadMessage{
		EventID:    uuid.New().String(),
		OrderID:    sd.OrderID,
		ClientID:   sd.ClientID,
		Filename:   sd.Filename,
		Actor:      "client",
		OccurredAt: time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, msg); err != nil {
		// 审计事件尽力投递，失败只记日志
		s.logger.Warn("publish download event", "order_id", sd.OrderID, "error", err)
	}
}
