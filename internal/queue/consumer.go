package queue

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Anuril/FOSSBilling/internal/model"

	"github.com/charmbracelet/log"
	"github.com/segmentio/kafka-go"
	"gorm.io/gorm"
)

// Consumer 消费下载事件并落 download_events 审计表。
type Consumer struct {
	r      *kafka.Reader
	db     *gorm.DB
	logger *log.Logger
}

func NewConsumer(brokers []string, topic, groupID string, db *gorm.DB, logger *log.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		db:     db,
		logger: logger,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}

		var msg DownloadMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			c.logger.Error("consumer unmarshal", "error", err)
			continue
		}
		if err := msg.Validate(); err != nil {
			c.logger.Error("consumer skip invalid message", "error", err)
			continue
		}

		event := &model.DownloadEvent{
			EventID:    msg.EventID,
			OrderID:    msg.OrderID,
			ClientID:   msg.ClientID,
			Filename:   msg.Filename,
			Actor:      msg.Actor,
			OccurredAt: msg.OccurredAt,
		}

		if err := c.db.Create(event).Error; err != nil {
			// 幂等：重复消息导致 UNIQUE 冲突，直接当作成功
			if errorsLikeUnique(err) {
				continue
			}
			c.logger.Error("consumer db create", "error", err)
			continue
		}
	}
}

func errorsLikeUnique(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique")
}
