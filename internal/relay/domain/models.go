package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// WebhookDelivery records one outbound notification attempt to a client's
// webhook URL. There is no retry scheduler; a failed row is the audit trail
// clients reconcile against with the pull endpoint.
type WebhookDelivery struct {
	ID        snowflake.ID      `json:"id" gorm:"primaryKey"`
	ClientID  snowflake.ID      `json:"client_id" gorm:"not null;index"`
	SessionID snowflake.ID      `json:"session_id" gorm:"not null;index"`
	EventType string            `json:"event_type" gorm:"type:text;not null"`
	Payload   datatypes.JSONMap `json:"payload" gorm:"type:jsonb"`
	Delivered bool              `json:"delivered" gorm:"not null;default:false"`
	Attempts  int               `json:"attempts" gorm:"not null;default:0"`
	LastError string            `json:"last_error" gorm:"type:text;not null;default:''"`
	CreatedAt time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (WebhookDelivery) TableName() string { return "webhook_deliveries" }
