package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EntryType classifies balance-affecting events.
type EntryType string

const (
	EntryTypeTopup      EntryType = "topup"
	EntryTypeIncluded   EntryType = "included"
	EntryTypeUsage      EntryType = "usage"
	EntryTypeAdjustment EntryType = "adjustment"
	EntryTypeRefund     EntryType = "refund"
)

// CreditLedgerEntry is an immutable balance-affecting record. BalanceAfter
// equals the running sum of Amount for the (client, product) pair up to and
// including this row; rows are totally ordered per pair by commit order.
type CreditLedgerEntry struct {
	ID           snowflake.ID      `json:"id" gorm:"primaryKey"`
	ClientID     snowflake.ID      `json:"client_id" gorm:"not null;index:ix_credit_ledger_entries_client_product,priority:1"`
	ProductCode  string            `json:"product_code" gorm:"type:text;not null;index:ix_credit_ledger_entries_client_product,priority:2"`
	Amount       int64             `json:"amount" gorm:"not null"`
	BalanceAfter int64             `json:"balance_after" gorm:"not null"`
	EntryType    EntryType         `json:"entry_type" gorm:"type:text;not null"`
	ReferenceID  string            `json:"reference_id" gorm:"type:text;not null;default:''"`
	Description  string            `json:"description" gorm:"type:text;not null;default:''"`
	Metadata     datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt    time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (CreditLedgerEntry) TableName() string { return "credit_ledger_entries" }

var (
	ErrInvalidClient    = errors.New("invalid_client")
	ErrInvalidProduct   = errors.New("invalid_product")
	ErrInvalidEntryType = errors.New("invalid_entry_type")
	ErrInvalidAmount    = errors.New("invalid_amount")
)

// ValidEntryType reports whether t is one of the known entry types.
func ValidEntryType(t EntryType) bool {
	switch t {
	case EntryTypeTopup, EntryTypeIncluded, EntryTypeUsage, EntryTypeAdjustment, EntryTypeRefund:
		return true
	default:
		return false
	}
}
