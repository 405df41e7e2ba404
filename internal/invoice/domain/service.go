package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// TierUsage is one rate bucket of the open period's billed usage.
type TierUsage struct {
	TierName          string `json:"tier_name"`
	CreditsPerSession int64  `json:"credits_per_session"`
	Sessions          int64  `json:"sessions"`
	Credits           int64  `json:"credits"`
}

// Preview is the dry-run view of the invoice Generate would produce.
type Preview struct {
	ClientID            snowflake.ID `json:"client_id"`
	ProductCode         string       `json:"product_code"`
	PeriodStart         time.Time    `json:"period_start"`
	PeriodEnd           time.Time    `json:"period_end"`
	UsageByTier         []TierUsage  `json:"usage_by_tier"`
	UsageCredits        int64        `json:"usage_credits"`
	CarriedCredits      int64        `json:"carried_credits"`
	TotalDueCredits     int64        `json:"total_due_credits"`
	SupersedesInvoiceID []string     `json:"supersedes_invoice_ids,omitempty"`
}

type Service interface {
	// Preview computes the open period's usage and carried balance without
	// writing anything.
	Preview(ctx context.Context, clientID snowflake.ID, productCode string) (*Preview, error)
	// Generate creates the next invoice, superseding every unpaid prior
	// invoice and folding their remainders into the new amount due.
	Generate(ctx context.Context, clientID snowflake.ID, productCode string) (*Invoice, error)
	// CleanupStuck deletes generated invoices with zero payments so that
	// invoicing can proceed; returns how many were removed.
	CleanupStuck(ctx context.Context, clientID snowflake.ID) (int64, error)
	// Get returns one invoice scoped to the client.
	Get(ctx context.Context, clientID, invoiceID snowflake.ID) (*Invoice, error)
	// List returns the client's invoices, newest first.
	List(ctx context.Context, clientID snowflake.ID, limit int) ([]Invoice, error)
}
