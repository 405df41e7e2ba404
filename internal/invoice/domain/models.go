package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type InvoiceStatus string

const (
	StatusGenerated  InvoiceStatus = "generated"
	StatusPartial    InvoiceStatus = "partial"
	StatusPaid       InvoiceStatus = "paid"
	StatusSuperseded InvoiceStatus = "superseded"
)

// Invoice rolls a period of billed usage, plus any carried unpaid remainder,
// into one payable document. A superseded invoice's remainder lives on in
// exactly one successor, pointed at by SupersededBy.
type Invoice struct {
	ID                     snowflake.ID  `json:"id" gorm:"primaryKey"`
	ClientID               snowflake.ID  `json:"client_id" gorm:"not null;index:ix_invoices_client_status,priority:1"`
	ProductCode            string        `json:"product_code" gorm:"type:text;not null"`
	InvoiceNumber          string        `json:"invoice_number" gorm:"type:text;not null;uniqueIndex:ux_invoices_number"`
	PeriodStart            time.Time     `json:"period_start" gorm:"not null"`
	PeriodEnd              time.Time     `json:"period_end" gorm:"not null"`
	AmountDueCredits       int64         `json:"amount_due_credits" gorm:"not null"`
	AmountPaidCredits      int64         `json:"amount_paid_credits" gorm:"not null;default:0"`
	PreviousBalanceCredits int64         `json:"previous_balance_credits" gorm:"not null;default:0"`
	SSTRateBps             int64         `json:"sst_rate_bps" gorm:"not null;default:0"`
	Status                 InvoiceStatus `json:"status" gorm:"type:text;not null;index:ix_invoices_client_status,priority:2"`
	SupersededBy           *snowflake.ID `json:"superseded_by,omitempty"`
	CreatedAt              time.Time     `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time     `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Invoice) TableName() string { return "invoices" }

// Remaining is the unpaid credit portion of the invoice.
func (i Invoice) Remaining() int64 {
	return i.AmountDueCredits - i.AmountPaidCredits
}

// Stuck reports whether the invoice blocks further invoicing: generated but
// never touched by a payment. Such rows are removed with CleanupStuck rather
// than folded forward.
func (i Invoice) Stuck() bool {
	return i.Status == StatusGenerated && i.AmountPaidCredits == 0
}

var (
	ErrNotFound         = errors.New("invoice_not_found")
	ErrNothingToInvoice = errors.New("nothing_to_invoice")
	ErrStuckInvoice     = errors.New("stuck_invoice_pending")
)
