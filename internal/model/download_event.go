package model

import "time"

// DownloadEvent 下载审计流水，由 Kafka 消费者落库。
// EventID 唯一索引保证消息重投不会产生重复行。
type DownloadEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	EventID    string    `gorm:"size:64;uniqueIndex;not null" json:"event_id"`
	OrderID    uint      `gorm:"index" json:"order_id"`
	ClientID   int64     `gorm:"index" json:"client_id"`
	Filename   string    `gorm:"size:255;not null" json:"filename"`
	Actor      string    `gorm:"size:16;not null" json:"actor"` // admin / client
	OccurredAt time.Time `gorm:"not null" json:"occurred_at"`
}

func (DownloadEvent) TableName() string { return "download_events" }
