package domain

import (
	"context"

	"github.com/verihub/verihub/internal/vendorapi"
)

// Result reports what ingesting one vendor event did.
type Result struct {
	// Duplicate is true when the event's content hash was already processed;
	// duplicates succeed without touching session or ledger state.
	Duplicate    bool
	Transitioned bool
	Settled      bool
}

// Service guards the inbound vendor webhook: verify, dedupe, apply, settle.
type Service interface {
	Ingest(ctx context.Context, cb vendorapi.Callback) (*Result, error)
}
