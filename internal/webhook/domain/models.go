package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// WebhookLogEntry is the idempotency record for one inbound vendor event.
// PayloadHash fingerprints the event's identity fields; the unique index on
// it is what makes redelivery a no-op.
type WebhookLogEntry struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	PayloadHash   string       `json:"payload_hash" gorm:"type:text;not null;uniqueIndex:ux_webhook_log_entries_payload_hash"`
	ClientID      snowflake.ID `json:"client_id" gorm:"not null;index"`
	ExternalRefID string       `json:"external_ref_id" gorm:"type:text;not null;index"`
	Processed     bool         `json:"processed" gorm:"not null;default:false"`
	ReceivedAt    time.Time    `json:"received_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	ProcessedAt   *time.Time   `json:"processed_at,omitempty"`
}

func (WebhookLogEntry) TableName() string { return "webhook_log_entries" }

var (
	ErrUnknownSession = errors.New("webhook_unknown_session")
	ErrInvalidPayload = errors.New("webhook_invalid_payload")
)
