package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocate(t *testing.T) {
	tests := []struct {
		name      string
		total     int64
		sstBps    int64
		perUnit   int64
		remaining int64
		want      Allocation
	}{
		{
			// 108.00 paid on a 1000-credit invoice at 8% tax: exact cover.
			name:      "exact payment at 8 percent",
			total:     10800,
			sstBps:    800,
			perUnit:   10,
			remaining: 1000,
			want: Allocation{
				Credits:          1000,
				CreditsToInvoice: 1000,
				CreditsToBalance: 0,
				BaseAmountCents:  10000,
				SSTAmountCents:   800,
				ActualTotalCents: 10800,
				ResidualCents:    0,
			},
		},
		{
			name:      "overpayment credits the balance",
			total:     21600,
			sstBps:    800,
			perUnit:   10,
			remaining: 1000,
			want: Allocation{
				Credits:          2000,
				CreditsToInvoice: 1000,
				CreditsToBalance: 1000,
				BaseAmountCents:  20000,
				SSTAmountCents:   1600,
				ActualTotalCents: 21600,
				ResidualCents:    0,
			},
		},
		{
			name:      "partial payment",
			total:     5400,
			sstBps:    800,
			perUnit:   10,
			remaining: 1000,
			want: Allocation{
				Credits:          500,
				CreditsToInvoice: 500,
				CreditsToBalance: 0,
				BaseAmountCents:  5000,
				SSTAmountCents:   400,
				ActualTotalCents: 5400,
				ResidualCents:    0,
			},
		},
		{
			name:      "zero tax rate",
			total:     5000,
			sstBps:    0,
			perUnit:   10,
			remaining: 400,
			want: Allocation{
				Credits:          500,
				CreditsToInvoice: 400,
				CreditsToBalance: 100,
				BaseAmountCents:  5000,
				SSTAmountCents:   0,
				ActualTotalCents: 5000,
				ResidualCents:    0,
			},
		},
		{
			// 10.00 at 8%: base 925.9 -> 926 cents, 92.6 -> 93 credits.
			name:      "rounding surfaces a residual",
			total:     1000,
			sstBps:    800,
			perUnit:   10,
			remaining: 1000,
			want: Allocation{
				Credits:          93,
				CreditsToInvoice: 93,
				CreditsToBalance: 0,
				BaseAmountCents:  930,
				SSTAmountCents:   74,
				ActualTotalCents: 1004,
				ResidualCents:    -4,
			},
		},
		{
			name:      "zero payment",
			total:     0,
			sstBps:    800,
			perUnit:   10,
			remaining: 1000,
			want: Allocation{
				Credits:          0,
				CreditsToInvoice: 0,
				CreditsToBalance: 0,
				BaseAmountCents:  0,
				SSTAmountCents:   0,
				ActualTotalCents: 0,
				ResidualCents:    0,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Allocate(tt.total, tt.sstBps, tt.perUnit, tt.remaining)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllocate_InvalidInputs(t *testing.T) {
	_, err := Allocate(-1, 800, 10, 100)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Allocate(100, 800, 10, -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Allocate(100, -1, 10, 100)
	assert.ErrorIs(t, err, ErrInvalidRate)

	_, err = Allocate(100, 800, 0, 100)
	assert.ErrorIs(t, err, ErrInvalidRate)
}

// The split must be exact and the recomputed total must stay within one
// rounding unit of the entered total, across a sweep of inputs.
func TestAllocate_SplitAndResidualInvariants(t *testing.T) {
	for total := int64(0); total <= 20000; total += 37 {
		for _, sstBps := range []int64{0, 500, 800, 1000} {
			for _, remaining := range []int64{0, 50, 1000} {
				alloc, err := Allocate(total, sstBps, 10, remaining)
				assert.NoError(t, err)
				assert.Equal(t, alloc.Credits, alloc.CreditsToInvoice+alloc.CreditsToBalance,
					"total=%d bps=%d remaining=%d", total, sstBps, remaining)
				assert.LessOrEqual(t, alloc.CreditsToInvoice, remaining)

				// One credit is 10 cents before tax; with tax it is worth at
				// most 11 cents, the unit the residual is bounded by.
				residual := alloc.ResidualCents
				if residual < 0 {
					residual = -residual
				}
				assert.LessOrEqual(t, residual, int64(11),
					"total=%d bps=%d remaining=%d", total, sstBps, remaining)
			}
		}
	}
}

func TestRoundHalfUp(t *testing.T) {
	assert.Equal(t, int64(1), roundHalfUp(1, 2))   // 0.5 -> 1
	assert.Equal(t, int64(1), roundHalfUp(3, 4))   // 0.75 -> 1
	assert.Equal(t, int64(0), roundHalfUp(1, 4))   // 0.25 -> 0
	assert.Equal(t, int64(2), roundHalfUp(3, 2))   // 1.5 -> 2
	assert.Equal(t, int64(-1), roundHalfUp(-1, 2)) // -0.5 -> -1
	assert.Equal(t, int64(5), roundHalfUp(10, 2))
}
