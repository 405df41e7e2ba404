package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Client is a platform tenant submitting verification sessions.
type Client struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	Name          string       `json:"name" gorm:"type:text;not null"`
	Timezone      string       `json:"timezone" gorm:"type:text;not null;default:'UTC'"`
	WebhookURL    string       `json:"webhook_url" gorm:"type:text;not null;default:''"`
	WebhookSecret string       `json:"-" gorm:"type:text;not null;default:''"`
	CreatedAt     time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Client) TableName() string { return "clients" }

// Location resolves the client's monthly billing boundary timezone.
// Invalid or empty zones fall back to UTC.
func (c Client) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ProductConfig carries per-(client, product) billing flags.
type ProductConfig struct {
	ID                 snowflake.ID `json:"id" gorm:"primaryKey"`
	ClientID           snowflake.ID `json:"client_id" gorm:"not null;uniqueIndex:ux_product_configs_client_product,priority:1"`
	ProductCode        string       `json:"product_code" gorm:"type:text;not null;uniqueIndex:ux_product_configs_client_product,priority:2"`
	Enabled            bool         `json:"enabled" gorm:"not null;default:true"`
	AllowOverdraft     bool         `json:"allow_overdraft" gorm:"not null;default:false"`
	DefaultRateCredits int64        `json:"default_rate_credits" gorm:"not null;default:0"`
	CreatedAt          time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (ProductConfig) TableName() string { return "product_configs" }
