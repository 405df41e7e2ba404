package domain

import "errors"

var (
	ErrInvalidAmount = errors.New("invalid_amount")
	ErrInvalidRate   = errors.New("invalid_rate")
)

// Allocation is the deterministic split of one currency payment into integer
// credits. Recomputed amounts are derived back from the rounded credits so
// the residual is explicit instead of silently discarded.
type Allocation struct {
	Credits          int64 `json:"credits"`
	CreditsToInvoice int64 `json:"credits_to_invoice"`
	CreditsToBalance int64 `json:"credits_to_balance"`
	BaseAmountCents  int64 `json:"base_amount_cents"`
	SSTAmountCents   int64 `json:"sst_amount_cents"`
	ActualTotalCents int64 `json:"actual_total_cents"`
	ResidualCents    int64 `json:"residual_cents"`
}

// Allocate converts a tax-inclusive payment into credits and splits them
// between the invoice and the account balance. Pure: same inputs, same
// outputs, no clock or storage reads.
//
// totalCents is the paid amount including SST; sstRateBps the tax rate in
// basis points; creditsPerUnit how many credits one currency unit buys;
// remainingOnInvoice the invoice's unpaid credit remainder.
func Allocate(totalCents, sstRateBps, creditsPerUnit, remainingOnInvoice int64) (Allocation, error) {
	if totalCents < 0 || remainingOnInvoice < 0 {
		return Allocation{}, ErrInvalidAmount
	}
	if sstRateBps < 0 || creditsPerUnit <= 0 {
		return Allocation{}, ErrInvalidRate
	}

	// base = total / (1 + rate), carried out in integer basis points.
	baseCents := roundHalfUp(totalCents*10000, 10000+sstRateBps)
	credits := roundHalfUp(baseCents*creditsPerUnit, 100)

	// Derive the amounts the rounded credits actually correspond to.
	actualBase := roundHalfUp(credits*100, creditsPerUnit)
	actualSST := roundHalfUp(actualBase*sstRateBps, 10000)
	actualTotal := actualBase + actualSST

	toInvoice := credits
	if toInvoice > remainingOnInvoice {
		toInvoice = remainingOnInvoice
	}

	return Allocation{
		Credits:          credits,
		CreditsToInvoice: toInvoice,
		CreditsToBalance: credits - toInvoice,
		BaseAmountCents:  actualBase,
		SSTAmountCents:   actualSST,
		ActualTotalCents: actualTotal,
		ResidualCents:    totalCents - actualTotal,
	}, nil
}

// roundHalfUp divides num by den rounding halves away from zero. den must be
// positive; num may be negative.
func roundHalfUp(num, den int64) int64 {
	if num >= 0 {
		return (2*num + den) / (2 * den)
	}
	return -((-2*num + den) / (2 * den))
}
