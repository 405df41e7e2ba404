package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/verihub/verihub/internal/vendorapi"
	"gorm.io/datatypes"
)

// VerificationSession tracks one identity-verification attempt. Status
// transitions are monotonic; Billed flips false -> true at most once, and
// only the settlement coordinator may flip it.
type VerificationSession struct {
	ID            snowflake.ID             `json:"id" gorm:"primaryKey"`
	ClientID      snowflake.ID             `json:"client_id" gorm:"not null;index"`
	ProductCode   string                   `json:"product_code" gorm:"type:text;not null"`
	ExternalRefID string                   `json:"external_ref_id" gorm:"type:text;not null;uniqueIndex:ux_verification_sessions_external_ref"`
	OnboardingID  string                   `json:"onboarding_id" gorm:"type:text;not null;default:''"`
	Status        vendorapi.SessionStatus  `json:"status" gorm:"type:text;not null"`
	Result        *vendorapi.SessionResult `json:"result,omitempty" gorm:"type:text"`
	RejectReason  string                   `json:"reject_reason" gorm:"type:text;not null;default:''"`
	Billed        bool                     `json:"billed" gorm:"not null;default:false"`
	BilledAt      *time.Time               `json:"billed_at,omitempty"`
	Metadata      datatypes.JSONMap        `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt     time.Time                `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time                `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (VerificationSession) TableName() string { return "verification_sessions" }
