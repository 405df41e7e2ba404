package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	clientdomain "github.com/verihub/verihub/internal/client/domain"
	pricingdomain "github.com/verihub/verihub/internal/pricing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	ClientRepo clientdomain.Repository
}

type Resolver struct {
	log        *zap.Logger
	clientRepo clientdomain.Repository
}

func New(p Params) pricingdomain.Resolver {
	return &Resolver{
		log:        p.Log.Named("pricing.resolver"),
		clientRepo: p.ClientRepo,
	}
}

// ResolveRate returns the credits-per-session rate for the tier covering
// ordinal, preferring the tier with the largest min_volume <= ordinal. When
// no tier matches, the product's default rate applies.
func (r *Resolver) ResolveRate(ctx context.Context, tx *gorm.DB, clientID snowflake.ID, productCode string, ordinal int64) (int64, error) {
	if ordinal < 1 {
		return 0, pricingdomain.ErrInvalidOrdinal
	}

	var tiers []pricingdomain.PricingTier
	if err := tx.WithContext(ctx).
		Where("client_id = ? AND product_code = ?", clientID, productCode).
		Order("min_volume DESC").
		Find(&tiers).Error; err != nil {
		return 0, err
	}

	for _, tier := range tiers {
		if tier.Covers(ordinal) {
			return tier.CreditsPerSession, nil
		}
	}

	cfg, err := r.clientRepo.FindProductConfig(ctx, tx, clientID, productCode)
	if err != nil {
		return 0, err
	}
	if cfg == nil {
		return 0, clientdomain.ErrProductNotFound
	}

	r.log.Debug("no pricing tier matched, using default rate",
		zap.String("client_id", clientID.String()),
		zap.String("product_code", productCode),
		zap.Int64("ordinal", ordinal),
	)
	return cfg.DefaultRateCredits, nil
}
