package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Payment is the durable record of one allocated payment against an invoice.
type Payment struct {
	ID               snowflake.ID `json:"id" gorm:"primaryKey"`
	ClientID         snowflake.ID `json:"client_id" gorm:"not null;index"`
	InvoiceID        snowflake.ID `json:"invoice_id" gorm:"not null;index:ix_payments_invoice"`
	TotalAmountCents int64        `json:"total_amount_cents" gorm:"not null"`
	BaseAmountCents  int64        `json:"base_amount_cents" gorm:"not null"`
	SSTAmountCents   int64        `json:"sst_amount_cents" gorm:"not null"`
	ResidualCents    int64        `json:"residual_cents" gorm:"not null"`
	Credits          int64        `json:"credits" gorm:"not null"`
	CreditsToInvoice int64        `json:"credits_to_invoice" gorm:"not null"`
	CreditsToBalance int64        `json:"credits_to_balance" gorm:"not null"`
	CreatedAt        time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Payment) TableName() string { return "payments" }

type RecordRequest struct {
	ClientID         snowflake.ID
	InvoiceID        snowflake.ID
	TotalAmountCents int64
}

// Service allocates incoming payments against invoices and credits any
// excess back to the account balance.
type Service interface {
	Record(ctx context.Context, req RecordRequest) (*Payment, error)
}

var (
	ErrInvoiceNotPayable = errors.New("invoice_not_payable")
)
