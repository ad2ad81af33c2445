package queue

import (
	"fmt"
	"time"
)

// DownloadMessage 是写入 Kafka 的下载审计事件。
type DownloadMessage struct {
	EventID    string    `json:"event_id"`
	OrderID    uint      `json:"order_id"`
	ClientID   int64     `json:"client_id"`
	Filename   string    `json:"filename"`
	Actor      string    `json:"actor"` // admin / client
	OccurredAt time.Time `json:"occurred_at"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (m DownloadMessage) Validate() error {
	if m.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if m.OrderID == 0 {
		return fmt.Errorf("order_id is required")
	}
	if m.Filename == "" {
		return fmt.Errorf("filename is required")
	}
	if m.Actor != "admin" && m.Actor != "client" {
		return fmt.Errorf("actor must be admin or client")
	}
	return nil
}
