package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/verihub/verihub/internal/vendorapi"
)

type CreateRequest struct {
	ClientID     snowflake.ID
	ProductCode  string
	OnboardingID string
	Metadata     map[string]any
}

// Response is the normalized session view returned to API clients.
type Response struct {
	ID            string                   `json:"id"`
	ExternalRefID string                   `json:"external_ref_id"`
	OnboardingID  string                   `json:"onboarding_id,omitempty"`
	ProductCode   string                   `json:"product_code"`
	Status        vendorapi.SessionStatus  `json:"status"`
	Result        *vendorapi.SessionResult `json:"result,omitempty"`
	RejectReason  string                   `json:"reject_reason,omitempty"`
	Billed        bool                     `json:"billed"`
	BilledAt      *time.Time               `json:"billed_at,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// VendorUpdate is a vendor-reported state change, already mapped to the
// internal enums. Both trigger paths reduce to this shape.
type VendorUpdate struct {
	Status       vendorapi.SessionStatus
	Result       vendorapi.SessionResult
	RejectReason string
	OnboardingID string
}

type Service interface {
	// Create opens a session, enforcing the balance/overdraft policy. This
	// is the only point where insufficient credits block anything; once the
	// vendor has performed work, settlement never fails on balance.
	Create(ctx context.Context, req CreateRequest) (*Response, error)
	// Get serves the stored session without contacting the vendor.
	Get(ctx context.Context, clientID, id snowflake.ID) (*Response, error)
	// Refresh pulls current status from the vendor and, when the session
	// newly reaches a billable terminal state, settles and relays. Terminal
	// sessions are served from the store without a vendor round trip.
	Refresh(ctx context.Context, clientID, id snowflake.ID) (*Response, error)
	// ApplyVendorStatus applies a mapped vendor transition to the session
	// identified by external ref. Backward or same-rank moves are ignored;
	// the bool reports whether a transition was applied.
	ApplyVendorStatus(ctx context.Context, externalRefID string, update VendorUpdate) (*VerificationSession, bool, error)
}

var (
	ErrNotFound            = errors.New("session_not_found")
	ErrInvalidProduct      = errors.New("invalid_product")
	ErrInsufficientCredits = errors.New("insufficient_credits")
)
