package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/verihub/verihub/internal/clock"
	"github.com/verihub/verihub/internal/config"
	invoicedomain "github.com/verihub/verihub/internal/invoice/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Cfg   config.Config
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	sstRateBps int64
}

func NewService(p Params) invoicedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("invoice.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		sstRateBps: p.Cfg.SSTRateBps,
	}
}

// rollup is the shared computation behind Preview and Generate.
type rollup struct {
	periodStart time.Time
	periodEnd   time.Time
	usageByTier []invoicedomain.TierUsage
	usage       int64
	carried     int64
	unpaid      []invoicedomain.Invoice
}

func (s *Service) Preview(ctx context.Context, clientID snowflake.ID, productCode string) (*invoicedomain.Preview, error) {
	productCode = strings.TrimSpace(productCode)

	var r *rollup
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		r, txErr = s.compute(ctx, tx, clientID, productCode)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	preview := &invoicedomain.Preview{
		ClientID:        clientID,
		ProductCode:     productCode,
		PeriodStart:     r.periodStart,
		PeriodEnd:       r.periodEnd,
		UsageByTier:     r.usageByTier,
		UsageCredits:    r.usage,
		CarriedCredits:  r.carried,
		TotalDueCredits: r.usage + r.carried,
	}
	for _, inv := range r.unpaid {
		preview.SupersedesInvoiceID = append(preview.SupersedesInvoiceID, inv.ID.String())
	}
	return preview, nil
}

func (s *Service) Generate(ctx context.Context, clientID snowflake.ID, productCode string) (*invoicedomain.Invoice, error) {
	productCode = strings.TrimSpace(productCode)

	var created *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := s.compute(ctx, tx, clientID, productCode)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		id := s.genID.Generate()
		invoice := &invoicedomain.Invoice{
			ID:                     id,
			ClientID:               clientID,
			ProductCode:            productCode,
			InvoiceNumber:          fmt.Sprintf("INV-%s-%s", now.Format("200601"), id.String()),
			PeriodStart:            r.periodStart,
			PeriodEnd:              r.periodEnd,
			AmountDueCredits:       r.usage + r.carried,
			PreviousBalanceCredits: r.carried,
			SSTRateBps:             s.sstRateBps,
			Status:                 invoicedomain.StatusGenerated,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		if err := tx.WithContext(ctx).Create(invoice).Error; err != nil {
			return err
		}

		for _, prior := range r.unpaid {
			res := tx.WithContext(ctx).Exec(
				`UPDATE invoices
				 SET status = ?, superseded_by = ?, updated_at = ?
				 WHERE id = ? AND status = ?`,
				invoicedomain.StatusSuperseded, id, now, prior.ID, prior.Status,
			)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("invoice %s changed during generation", prior.ID)
			}
		}

		created = invoice
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("invoice generated",
		zap.String("client_id", clientID.String()),
		zap.String("product_code", productCode),
		zap.String("invoice_number", created.InvoiceNumber),
		zap.Int64("amount_due_credits", created.AmountDueCredits),
		zap.Int64("previous_balance_credits", created.PreviousBalanceCredits),
	)
	return created, nil
}

func (s *Service) CleanupStuck(ctx context.Context, clientID snowflake.ID) (int64, error) {
	res := s.db.WithContext(ctx).Exec(
		`DELETE FROM invoices
		 WHERE client_id = ? AND status = ? AND amount_paid_credits = 0`,
		clientID, invoicedomain.StatusGenerated,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.log.Info("stuck invoices removed",
			zap.String("client_id", clientID.String()),
			zap.Int64("count", res.RowsAffected),
		)
	}
	return res.RowsAffected, nil
}

func (s *Service) Get(ctx context.Context, clientID, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Where("id = ? AND client_id = ?", invoiceID, clientID).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, invoicedomain.ErrNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

func (s *Service) List(ctx context.Context, clientID snowflake.ID, limit int) ([]invoicedomain.Invoice, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var invoices []invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("id DESC").
		Limit(limit).
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *Service) compute(ctx context.Context, tx *gorm.DB, clientID snowflake.ID, productCode string) (*rollup, error) {
	var prior []invoicedomain.Invoice
	err := tx.WithContext(ctx).
		Where("client_id = ? AND product_code = ? AND status IN ?",
			clientID, productCode,
			[]invoicedomain.InvoiceStatus{invoicedomain.StatusGenerated, invoicedomain.StatusPartial}).
		Order("id ASC").
		Find(&prior).Error
	if err != nil {
		return nil, err
	}

	r := &rollup{periodEnd: s.clock.Now()}
	for _, inv := range prior {
		// A generated invoice nobody has paid against blocks invoicing until
		// an operator removes it; folding it forward would double-count.
		if inv.Stuck() {
			return nil, invoicedomain.ErrStuckInvoice
		}
		r.carried += inv.Remaining()
		r.unpaid = append(r.unpaid, inv)
	}

	r.periodStart, err = s.periodStart(ctx, tx, clientID, productCode)
	if err != nil {
		return nil, err
	}

	r.usageByTier, r.usage, err = s.usageByTier(ctx, tx, clientID, productCode, r.periodStart, r.periodEnd)
	if err != nil {
		return nil, err
	}

	if r.usage == 0 && r.carried == 0 {
		return nil, invoicedomain.ErrNothingToInvoice
	}
	return r, nil
}

// periodStart is the latest invoiced period boundary for the pair, or the
// zero time when the pair has never been invoiced.
func (s *Service) periodStart(ctx context.Context, tx *gorm.DB, clientID snowflake.ID, productCode string) (time.Time, error) {
	var last invoicedomain.Invoice
	err := tx.WithContext(ctx).
		Where("client_id = ? AND product_code = ?", clientID, productCode).
		Order("period_end DESC").
		First(&last).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return last.PeriodEnd, nil
}

func (s *Service) usageByTier(ctx context.Context, tx *gorm.DB, clientID snowflake.ID, productCode string, from, to time.Time) ([]invoicedomain.TierUsage, int64, error) {
	type bucket struct {
		Rate     int64
		Sessions int64
		Credits  int64
	}
	var buckets []bucket
	err := tx.WithContext(ctx).Raw(
		`SELECT -amount AS rate, COUNT(*) AS sessions, -SUM(amount) AS credits
		 FROM credit_ledger_entries
		 WHERE client_id = ? AND product_code = ? AND entry_type = 'usage'
		   AND created_at > ? AND created_at <= ?
		 GROUP BY amount
		 ORDER BY rate DESC`,
		clientID, productCode, from, to,
	).Scan(&buckets).Error
	if err != nil {
		return nil, 0, err
	}

	var usage []invoicedomain.TierUsage
	var total int64
	for _, b := range buckets {
		name, err := s.tierName(ctx, tx, clientID, productCode, b.Rate)
		if err != nil {
			return nil, 0, err
		}
		usage = append(usage, invoicedomain.TierUsage{
			TierName:          name,
			CreditsPerSession: b.Rate,
			Sessions:          b.Sessions,
			Credits:           b.Credits,
		})
		total += b.Credits
	}
	return usage, total, nil
}

// tierName labels a usage bucket with the tier that charges this rate, or
// "default" when the rate came from the product's default instead of a tier.
func (s *Service) tierName(ctx context.Context, tx *gorm.DB, clientID snowflake.ID, productCode string, rate int64) (string, error) {
	var name string
	err := tx.WithContext(ctx).Raw(
		`SELECT tier_name
		 FROM pricing_tiers
		 WHERE client_id = ? AND product_code = ? AND credits_per_session = ?
		 LIMIT 1`,
		clientID, productCode, rate,
	).Scan(&name).Error
	if err != nil {
		return "", err
	}
	if name == "" {
		return "default", nil
	}
	return name, nil
}
