package models

import (
	"fmt"
	"time"

	"github.com/comedorsoft/pantry_backend/config"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// StockEventRecord is the transactional outbox row for inventory events.
// Rows are written inside the same transaction as the stock effect and
// published after commit by the dispatcher.
type StockEventRecord struct {
	ID            int                `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	OccurredAt    time.Time          `gorm:"index;not null" json:"occurred_at"`
	ReferenceId   int                `json:"reference_id"`
	ReferenceType StockReferenceType `gorm:"type:enum('RC','SL','OP')" json:"reference_type"`
	Action        OutboxAction       `gorm:"type:enum('C')" json:"action"`
	Payload       []byte             `gorm:"type:blob" json:"payload"`

	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToStockEvent(record StockEventRecord) config.StockEventMessage {
	return config.StockEventMessage{
		ID:            fmt.Sprintf("%d", record.ID),
		OccurredAt:    record.OccurredAt,
		ReferenceId:   record.ReferenceId,
		ReferenceType: string(record.ReferenceType),
		Action:        string(record.Action),
		Payload:       record.Payload,
		CorrelationId: record.CorrelationId,
	}
}
