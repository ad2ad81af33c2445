package order

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Anuril/FOSSBilling/internal/downloadable"
	"github.com/Anuril/FOSSBilling/internal/model"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"
)

// Service 驱动可下载商品订单的生命周期：
// 下单时校验并合并商品配置，激活时创建服务记录，删除时联动清理。
type Service struct {
	db     *gorm.DB
	dl     *downloadable.Service
	logger *log.Logger
}

func NewService(db *gorm.DB, dl *downloadable.Service, logger *log.Logger) *Service {
	return &Service{db: db, dl: dl, logger: logger}
}

// Create 为客户创建 pending 订单。商品必须存在且为 downloadable 类型，
// 且已配置文件，否则下单被拒绝。
func (s *Service) Create(clientID int64, productID uint, data map[string]any) (*model.ClientOrder, error) {
	var product model.Product
	if err := s.db.First(&product, productID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, downloadable.NewNotFound("Product not found")
		}
		return nil, fmt.Errorf("load product: %w", err)
	}
	if product.Type != model.ProductTypeDownloadable {
		return nil, downloadable.NewValidation("Product is not of downloadable type")
	}

	if data == nil {
		data = map[string]any{}
	}
	merged, err := s.dl.AttachOrderConfig(&product, data)
	if err != nil {
		return nil, err
	}
	if err := s.dl.ValidateOrderData(merged); err != nil {
		return nil, err
	}

	blob, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode order config: %w", err)
	}
	o := &model.ClientOrder{
		ClientID:  clientID,
		ProductID: productID,
		Status:    model.OrderStatusPending,
		Config:    string(blob),
	}
	if err := s.db.Create(o).Error; err != nil {
		return nil, fmt.Errorf("store order: %w", err)
	}
	s.logger.Info("Created order", "order_id", o.ID, "client_id", clientID, "product_id", productID)
	return o, nil
}

// Activate 执行 create 生命周期钩子并把订单置为 active。
func (s *Service) Activate(orderID uint) (*model.ServiceDownloadable, error) {
	o, err := s.get(orderID)
	if err != nil {
		return nil, err
	}
	sd, err := s.dl.ActionCreate(o)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatusActive
	if err := s.db.Save(o).Error; err != nil {
		return nil, fmt.Errorf("store order: %w", err)
	}
	s.logger.Info("Activated order", "order_id", o.ID)
	return sd, nil
}

// Delete 删除订单及其绑定的服务记录；重复删除不报错。
func (s *Service) Delete(orderID uint) error {
	o, err := s.get(orderID)
	if err != nil {
		return err
	}
	if err := s.dl.ActionDelete(o); err != nil {
		return err
	}
	if err := s.db.Delete(o).Error; err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	s.logger.Info("Deleted order", "order_id", orderID)
	return nil
}

// Get 按 id 取订单，供管理端使用。
func (s *Service) Get(orderID uint) (*model.ClientOrder, error) {
	return s.get(orderID)
}

func (s *Service) get(orderID uint) (*model.ClientOrder, error) {
	var o model.ClientOrder
	if err := s.db.First(&o, orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, downloadable.NewNotFound("Order not found")
		}
		return nil, fmt.Errorf("load order: %w", err)
	}
	return &o, nil
}
