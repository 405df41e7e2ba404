package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// AppendRequest describes a new ledger entry. BalanceAfter is derived by the
// service inside the same transaction; callers never supply it.
type AppendRequest struct {
	ClientID    snowflake.ID
	ProductCode string
	Amount      int64
	EntryType   EntryType
	ReferenceID string
	Description string
	Metadata    map[string]any
}

// Service owns the append-only credit ledger. The current balance is always
// the fold over entries, never an independently mutated field.
type Service interface {
	// AppendTx appends one entry within the caller's transaction. The caller
	// is responsible for serializing writes per (client, product).
	AppendTx(ctx context.Context, tx *gorm.DB, req AppendRequest) (*CreditLedgerEntry, error)
	// Append wraps AppendTx in its own transaction.
	Append(ctx context.Context, req AppendRequest) (*CreditLedgerEntry, error)
	// Balance folds the current balance for a (client, product) pair. Reads
	// outside the settlement lock are advisory snapshots.
	Balance(ctx context.Context, clientID snowflake.ID, productCode string) (int64, error)
	// BalanceTx folds the balance within the caller's transaction.
	BalanceTx(ctx context.Context, tx *gorm.DB, clientID snowflake.ID, productCode string) (int64, error)
	// List returns entries for a pair, newest first.
	List(ctx context.Context, clientID snowflake.ID, productCode string, limit int) ([]CreditLedgerEntry, error)
}
