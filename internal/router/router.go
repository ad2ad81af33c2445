package router

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/Anuril/FOSSBilling/internal/config"
	"github.com/Anuril/FOSSBilling/internal/downloadable"
	"github.com/Anuril/FOSSBilling/internal/middleware"
	"github.com/Anuril/FOSSBilling/internal/model"
	"github.com/Anuril/FOSSBilling/internal/order"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"gorm.io/gorm"
)

// Setup 注册全部 HTTP 路由。
// 管理端路由由 X-Admin-Token 保护；客户端身份来自上游网关写入的 X-Client-ID。
func Setup(r *gin.Engine, db *gorm.DB, rdb *rd.Client, svc *downloadable.Service, orders *order.Service, cfg config.AppConfig) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	admin := r.Group("/api/admin", adminGuard(cfg.AdminToken))
	admin.POST("/servicedownloadable/upload", uploadFile(db, svc))
	admin.POST("/servicedownloadable/config_save", configSave(db, svc))
	admin.GET("/servicedownloadable/send_file", sendProductFile(db, svc))
	admin.POST("/servicedownloadable/update", updateOrderFile(svc, orders))
	admin.POST("/order/create", createOrder(orders))
	admin.POST("/order/activate", activateOrder(orders))
	admin.POST("/order/delete", deleteOrder(orders))
	admin.GET("/order/service", getOrderService(svc, orders))

	client := r.Group("/api/client")
	client.GET("/servicedownloadable/send_file",
		middleware.DownloadRateLimit(rdb, cfg.DownloadRateLimit, cfg.DownloadRateWindow),
		clientSendFile(svc))
}

// adminGuard 校验管理员令牌。
func adminGuard(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Token") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "Invalid admin token"})
			return
		}
		c.Next()
	}
}

// respondErr 将业务错误映射为结构化响应；未归类错误一律 500。
func respondErr(c *gin.Context, err error) {
	var derr *downloadable.Error
	if errors.As(err, &derr) {
		c.JSON(derr.HTTPStatus(), gin.H{"code": derr.HTTPStatus(), "msg": derr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
}

// streamBlob 嗅探内容类型后把 blob 作为附件流式输出。
func streamBlob(c *gin.Context, f afero.File, size int64, filename string) {
	defer f.Close()

	head := make([]byte, 3072)
	n, _ := io.ReadFull(f, head)
	mtype := mimetype.Detect(head[:n])
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
		return
	}

	c.DataFromReader(http.StatusOK, size, mtype.String(), f, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", filename),
	})
}

// loadProduct 按表单/查询参数里的 id 解析商品。
func loadProduct(c *gin.Context, db *gorm.DB, idParam string) (*model.Product, bool) {
	if idParam == "" {
		respondErr(c, downloadable.NewValidation("Product ID is missing"))
		return nil, false
	}
	id, err := strconv.ParseUint(idParam, 10, 32)
	if err != nil {
		respondErr(c, downloadable.NewNotFound("Product not found"))
		return nil, false
	}
	var p model.Product
	if err := db.First(&p, uint(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondErr(c, downloadable.NewNotFound("Product not found"))
			return nil, false
		}
		respondErr(c, err)
		return nil, false
	}
	return &p, true
}

// uploadFile 接收 multipart 上传并落盘、写入商品配置。
func uploadFile(db *gorm.DB, svc *downloadable.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := loadProduct(c, db, c.PostForm("id"))
		if !ok {
			return
		}

		fh, err := c.FormFile("file_data")
		if err != nil || fh.Size == 0 {
			respondErr(c, downloadable.NewValidation("File was not uploaded."))
			return
		}
		src, err := fh.Open()
		if err != nil {
			respondErr(c, err)
			return
		}
		defer src.Close()

		if err := svc.UploadProductFile(p, fh.Filename, src); err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": true})
	}
}

// configSave 合并保存商品配置（update_orders 等）。
func configSave(db *gorm.DB, svc *downloadable.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		idParam := ""
		if v, ok := body["id"]; ok {
			idParam = fmt.Sprintf("%v", v)
		}
		p, ok := loadProduct(c, db, idParam)
		if !ok {
			return
		}
		delete(body, "id")

		if err := svc.SaveProductConfig(p, body); err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": true})
	}
}

// sendProductFile 管理员直接下载商品文件，不影响下载计数。
func sendProductFile(db *gorm.DB, svc *downloadable.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := loadProduct(c, db, c.Query("id"))
		if !ok {
			return
		}
		f, size, filename, err := svc.SendProductFile(p)
		if err != nil {
			respondErr(c, err)
			return
		}
		streamBlob(c, f, size, filename)
	}
}

// updateOrderFile 把商品当前文件重新拷入订单服务记录。
func updateOrderFile(svc *downloadable.Service, orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			OrderID uint `json:"order_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.OrderID == 0 {
			respondErr(c, downloadable.NewValidation("Order ID is missing"))
			return
		}
		o, err := orders.Get(body.OrderID)
		if err != nil {
			respondErr(c, err)
			return
		}
		sd, err := svc.GetOrderService(o)
		if err != nil {
			respondErr(c, err)
			return
		}
		if sd == nil {
			respondErr(c, downloadable.NewBusinessRule("Order is not activated"))
			return
		}
		if err := svc.UpdateProductFile(sd, o); err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": true})
	}
}

// createOrder 管理员为客户创建 pending 订单。
func createOrder(orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			ClientID  int64          `json:"client_id" binding:"required,min=1"`
			ProductID uint           `json:"product_id" binding:"required,min=1"`
			Config    map[string]any `json:"config"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		o, err := orders.Create(body.ClientID, body.ProductID, body.Config)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"order_id": o.ID}})
	}
}

// activateOrder 激活订单并创建可下载服务记录。
func activateOrder(orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			OrderID uint `json:"order_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.OrderID == 0 {
			respondErr(c, downloadable.NewValidation("Order ID is missing"))
			return
		}
		if _, err := orders.Activate(body.OrderID); err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": true})
	}
}

// deleteOrder 删除订单并联动清理服务记录。
func deleteOrder(orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			OrderID uint `json:"order_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.OrderID == 0 {
			respondErr(c, downloadable.NewValidation("Order ID is missing"))
			return
		}
		if err := orders.Delete(body.OrderID); err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": true})
	}
}

// getOrderService 返回订单服务记录的管理员视图（含下载计数）。
func getOrderService(svc *downloadable.Service, orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		idParam := c.Query("order_id")
		if idParam == "" {
			respondErr(c, downloadable.NewValidation("Order ID is missing"))
			return
		}
		id, err := strconv.ParseUint(idParam, 10, 32)
		if err != nil {
			respondErr(c, downloadable.NewNotFound("Order not found"))
			return
		}
		o, err := orders.Get(uint(id))
		if err != nil {
			respondErr(c, err)
			return
		}
		sd, err := svc.GetOrderService(o)
		if err != nil {
			respondErr(c, err)
			return
		}
		if sd == nil {
			respondErr(c, downloadable.NewBusinessRule("Order is not activated"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": svc.ToAPIArray(sd, false, model.Admin{})})
	}
}

// clientSendFile 客户下载入口：订单必须属于请求方且已激活。
func clientSendFile(svc *downloadable.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID, err := strconv.ParseInt(c.GetHeader("X-Client-ID"), 10, 64)
		if err != nil || clientID <= 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "Client identification required"})
			return
		}

		f, size, sd, err := svc.SendFileForOrder(c.Request.Context(), c.Query("order_id"), clientID)
		if err != nil {
			respondErr(c, err)
			return
		}
		streamBlob(c, f, size, sd.Filename)
	}
}
