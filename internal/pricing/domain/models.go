package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// PricingTier maps a 1-indexed monthly volume range to a per-session credit
// rate. MaxVolume nil means the range is unbounded above.
type PricingTier struct {
	ID                snowflake.ID `json:"id" gorm:"primaryKey"`
	ClientID          snowflake.ID `json:"client_id" gorm:"not null;index:ix_pricing_tiers_client_product,priority:1"`
	ProductCode       string       `json:"product_code" gorm:"type:text;not null;index:ix_pricing_tiers_client_product,priority:2"`
	TierName          string       `json:"tier_name" gorm:"type:text;not null"`
	MinVolume         int64        `json:"min_volume" gorm:"not null"`
	MaxVolume         *int64       `json:"max_volume,omitempty" gorm:""`
	CreditsPerSession int64        `json:"credits_per_session" gorm:"not null"`
	CreatedAt         time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PricingTier) TableName() string { return "pricing_tiers" }

// Covers reports whether the tier's volume range includes ordinal.
func (t PricingTier) Covers(ordinal int64) bool {
	if ordinal < t.MinVolume {
		return false
	}
	if t.MaxVolume != nil && ordinal > *t.MaxVolume {
		return false
	}
	return true
}
