package model

import (
	"time"

	"gorm.io/gorm"
)

// ServiceDownloadable 是订单激活后生成的可下载服务记录。
// Filename 在创建时从订单配置拷贝，之后不随商品文件替换而变化
// （除非管理员显式触发 update）。Downloads 只通过客户端下载递增。
type ServiceDownloadable struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ClientID  int64  `gorm:"not null;index" json:"client_id"`
	OrderID   uint   `gorm:"not null;uniqueIndex" json:"order_id"`
	Filename  string `gorm:"size:255;not null" json:"filename"`
	Downloads int    `gorm:"not null;default:0" json:"downloads"`
}

func (ServiceDownloadable) TableName() string { return "service_downloadables" }
