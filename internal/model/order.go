package model

import (
	"time"

	"gorm.io/gorm"
)

// 订单生命周期状态。只有 active 状态允许客户端下载。
const (
	OrderStatusPending   = "pending"
	OrderStatusActive    = "active"
	OrderStatusSuspended = "suspended"
	OrderStatusCancelled = "cancelled"
)

// ClientOrder 客户对某个商品的购买记录。
type ClientOrder struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ClientID  int64  `gorm:"not null;index" json:"client_id"`
	ProductID uint   `gorm:"not null;index" json:"product_id"`
	Status    string `gorm:"size:32;not null;default:pending;index" json:"status"`
	// Config 在下单时由商品配置合并而来，激活时原样拷入服务记录。
	Config string `gorm:"type:text" json:"config"`
}

func (ClientOrder) TableName() string { return "client_orders" }
