package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
)

// APIKey stores hashed API credentials scoped to a client.
type APIKey struct {
	ID        snowflake.ID   `gorm:"primaryKey"`
	ClientID  snowflake.ID   `gorm:"column:client_id;not null;index"`
	KeyHash   string         `gorm:"column:key_hash;type:text;not null;uniqueIndex:ux_api_keys_hash"`
	Scopes    pq.StringArray `gorm:"type:text[]"`
	IsActive  bool           `gorm:"column:is_active;not null;default:true"`
	ExpiresAt *time.Time     `gorm:"column:expires_at"`
	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (APIKey) TableName() string { return "api_keys" }
