package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/verihub/verihub/internal/clock"
	"github.com/verihub/verihub/internal/config"
	invoicedomain "github.com/verihub/verihub/internal/invoice/domain"
	ledgerdomain "github.com/verihub/verihub/internal/ledger/domain"
	paymentdomain "github.com/verihub/verihub/internal/payment/domain"
	"github.com/verihub/verihub/internal/settlement"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	Invoices   invoicedomain.Service
	Ledger     ledgerdomain.Service
	Settlement settlement.Coordinator
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	creditsPerUnit int64
	invoices       invoicedomain.Service
	ledger         ledgerdomain.Service
	settlement     settlement.Coordinator
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("payment.service"),
		genID:          p.GenID,
		clock:          p.Clock,
		creditsPerUnit: p.Cfg.CreditsPerCurrencyUnit,
		invoices:       p.Invoices,
		ledger:         p.Ledger,
		settlement:     p.Settlement,
	}
}

// Record allocates the payment against the invoice and writes the payment
// row, the invoice status change, and any ledger entries in one transaction.
// Ledger writes happen under the (client, product) settlement lock so the
// balance_after chain stays consistent with concurrent settlements.
func (s *Service) Record(ctx context.Context, req paymentdomain.RecordRequest) (*paymentdomain.Payment, error) {
	invoice, err := s.invoices.Get(ctx, req.ClientID, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.Status != invoicedomain.StatusGenerated && invoice.Status != invoicedomain.StatusPartial {
		return nil, paymentdomain.ErrInvoiceNotPayable
	}

	var payment *paymentdomain.Payment
	err = s.settlement.WithPairLock(ctx, req.ClientID, invoice.ProductCode, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			payment, txErr = s.recordLocked(ctx, tx, req)
			return txErr
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payment recorded",
		zap.String("client_id", req.ClientID.String()),
		zap.String("invoice_id", req.InvoiceID.String()),
		zap.Int64("total_amount_cents", payment.TotalAmountCents),
		zap.Int64("credits", payment.Credits),
		zap.Int64("credits_to_invoice", payment.CreditsToInvoice),
		zap.Int64("credits_to_balance", payment.CreditsToBalance),
		zap.Int64("residual_cents", payment.ResidualCents),
	)
	return payment, nil
}

func (s *Service) recordLocked(ctx context.Context, tx *gorm.DB, req paymentdomain.RecordRequest) (*paymentdomain.Payment, error) {
	// Re-read under the lock; a concurrent payment may have changed the
	// remainder since the pre-check.
	var invoice invoicedomain.Invoice
	if err := tx.WithContext(ctx).
		Where("id = ? AND client_id = ?", req.InvoiceID, req.ClientID).
		First(&invoice).Error; err != nil {
		return nil, err
	}
	if invoice.Status != invoicedomain.StatusGenerated && invoice.Status != invoicedomain.StatusPartial {
		return nil, paymentdomain.ErrInvoiceNotPayable
	}

	alloc, err := paymentdomain.Allocate(req.TotalAmountCents, invoice.SSTRateBps, s.creditsPerUnit, invoice.Remaining())
	if err != nil {
		return nil, err
	}

	payment := &paymentdomain.Payment{
		ID:               s.genID.Generate(),
		ClientID:         req.ClientID,
		InvoiceID:        invoice.ID,
		TotalAmountCents: req.TotalAmountCents,
		BaseAmountCents:  alloc.BaseAmountCents,
		SSTAmountCents:   alloc.SSTAmountCents,
		ResidualCents:    alloc.ResidualCents,
		Credits:          alloc.Credits,
		CreditsToInvoice: alloc.CreditsToInvoice,
		CreditsToBalance: alloc.CreditsToBalance,
		CreatedAt:        s.clock.Now(),
	}
	if err := tx.WithContext(ctx).Create(payment).Error; err != nil {
		return nil, err
	}

	if alloc.CreditsToInvoice > 0 {
		_, err := s.ledger.AppendTx(ctx, tx, ledgerdomain.AppendRequest{
			ClientID:    req.ClientID,
			ProductCode: invoice.ProductCode,
			Amount:      alloc.CreditsToInvoice,
			EntryType:   ledgerdomain.EntryTypeAdjustment,
			ReferenceID: invoice.ID.String(),
			Description: fmt.Sprintf("payment applied to %s", invoice.InvoiceNumber),
		})
		if err != nil {
			return nil, err
		}
	}
	if alloc.CreditsToBalance > 0 {
		_, err := s.ledger.AppendTx(ctx, tx, ledgerdomain.AppendRequest{
			ClientID:    req.ClientID,
			ProductCode: invoice.ProductCode,
			Amount:      alloc.CreditsToBalance,
			EntryType:   ledgerdomain.EntryTypeTopup,
			ReferenceID: payment.ID.String(),
			Description: fmt.Sprintf("overpayment on %s", invoice.InvoiceNumber),
		})
		if err != nil {
			return nil, err
		}
	}

	status := invoicedomain.StatusPartial
	if invoice.AmountPaidCredits+alloc.CreditsToInvoice >= invoice.AmountDueCredits {
		status = invoicedomain.StatusPaid
	}
	res := tx.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET amount_paid_credits = amount_paid_credits + ?, status = ?, updated_at = ?
		 WHERE id = ? AND amount_paid_credits = ?`,
		alloc.CreditsToInvoice, status, s.clock.Now(), invoice.ID, invoice.AmountPaidCredits,
	)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, paymentdomain.ErrInvoiceNotPayable
	}
	return payment, nil
}
