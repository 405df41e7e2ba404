package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/verihub/verihub/internal/ledger/domain"
	obsmetrics "github.com/verihub/verihub/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) AppendTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.AppendRequest) (*ledgerdomain.CreditLedgerEntry, error) {
	if req.ClientID == 0 {
		return nil, ledgerdomain.ErrInvalidClient
	}
	productCode := strings.TrimSpace(req.ProductCode)
	if productCode == "" {
		return nil, ledgerdomain.ErrInvalidProduct
	}
	if !ledgerdomain.ValidEntryType(req.EntryType) {
		return nil, ledgerdomain.ErrInvalidEntryType
	}
	if req.Amount == 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	balance, err := s.BalanceTx(ctx, tx, req.ClientID, productCode)
	if err != nil {
		return nil, err
	}

	entry := &ledgerdomain.CreditLedgerEntry{
		ID:           s.genID.Generate(),
		ClientID:     req.ClientID,
		ProductCode:  productCode,
		Amount:       req.Amount,
		BalanceAfter: balance + req.Amount,
		EntryType:    req.EntryType,
		ReferenceID:  strings.TrimSpace(req.ReferenceID),
		Description:  strings.TrimSpace(req.Description),
		CreatedAt:    time.Now().UTC(),
	}
	if req.Metadata != nil {
		entry.Metadata = datatypes.JSONMap(req.Metadata)
	}

	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(entry.EntryType))
	}
	return entry, nil
}

func (s *Service) Append(ctx context.Context, req ledgerdomain.AppendRequest) (*ledgerdomain.CreditLedgerEntry, error) {
	var entry *ledgerdomain.CreditLedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		entry, txErr = s.AppendTx(ctx, tx, req)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) Balance(ctx context.Context, clientID snowflake.ID, productCode string) (int64, error) {
	return s.BalanceTx(ctx, s.db, clientID, productCode)
}

func (s *Service) BalanceTx(ctx context.Context, tx *gorm.DB, clientID snowflake.ID, productCode string) (int64, error) {
	var balance int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM credit_ledger_entries
		 WHERE client_id = ? AND product_code = ?`,
		clientID,
		productCode,
	).Scan(&balance).Error
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *Service) List(ctx context.Context, clientID snowflake.ID, productCode string, limit int) ([]ledgerdomain.CreditLedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []ledgerdomain.CreditLedgerEntry
	err := s.db.WithContext(ctx).
		Where("client_id = ? AND product_code = ?", clientID, productCode).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
