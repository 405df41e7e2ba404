package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Resolver selects the credit rate for a session given its monthly ordinal.
// Callers on the billing path must invoke it inside the same serialized unit
// as the ledger deduction; a read outside that lock can observe a stale tier
// when two settlements race near a tier boundary.
type Resolver interface {
	ResolveRate(ctx context.Context, tx *gorm.DB, clientID snowflake.ID, productCode string, ordinal int64) (int64, error)
}

var (
	ErrInvalidOrdinal = errors.New("invalid_ordinal")
)
