package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/verihub/verihub/internal/apikey/domain"
	clientdomain "github.com/verihub/verihub/internal/client/domain"
	ledgerdomain "github.com/verihub/verihub/internal/ledger/domain"
	pricingdomain "github.com/verihub/verihub/internal/pricing/domain"
	"gorm.io/gorm"
)

const (
	demoClientName  = "Demo Fintech"
	demoProductCode = "identity_check"
	// demoAPIKey is the raw development credential. Hash-only storage means
	// the raw value has to be fixed so local callers can use it.
	demoAPIKey = "vk_dev_000000000000"

	demoOpeningCredits = 10_000
)

// EnsureDevData seeds a demo client with an enabled product, a two-tier
// price schedule, an API key and an opening credit balance. Every write is
// idempotent so repeated startups leave the data unchanged.
func EnsureDevData(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		client, err := ensureDemoClient(ctx, tx, node)
		if err != nil {
			return err
		}
		if err := ensureProductConfig(ctx, tx, node, client.ID); err != nil {
			return err
		}
		if err := ensurePricingTiers(ctx, tx, node, client.ID); err != nil {
			return err
		}
		if err := ensureAPIKey(ctx, tx, node, client.ID); err != nil {
			return err
		}
		return ensureOpeningBalance(ctx, tx, node, client.ID)
	})
}

func ensureDemoClient(ctx context.Context, tx *gorm.DB, node *snowflake.Node) (*clientdomain.Client, error) {
	var client clientdomain.Client
	err := tx.WithContext(ctx).Where("name = ?", demoClientName).First(&client).Error
	if err == nil {
		return &client, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	client = clientdomain.Client{
		ID:       node.Generate(),
		Name:     demoClientName,
		Timezone: "Asia/Kuala_Lumpur",
	}
	if err := tx.WithContext(ctx).Create(&client).Error; err != nil {
		return nil, err
	}
	return &client, nil
}

func ensureProductConfig(ctx context.Context, tx *gorm.DB, node *snowflake.Node, clientID snowflake.ID) error {
	var count int64
	if err := tx.WithContext(ctx).Model(&clientdomain.ProductConfig{}).
		Where("client_id = ? AND product_code = ?", clientID, demoProductCode).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	return tx.WithContext(ctx).Create(&clientdomain.ProductConfig{
		ID:                 node.Generate(),
		ClientID:           clientID,
		ProductCode:        demoProductCode,
		Enabled:            true,
		AllowOverdraft:     false,
		DefaultRateCredits: 50,
	}).Error
}

func ensurePricingTiers(ctx context.Context, tx *gorm.DB, node *snowflake.Node, clientID snowflake.ID) error {
	var count int64
	if err := tx.WithContext(ctx).Model(&pricingdomain.PricingTier{}).
		Where("client_id = ? AND product_code = ?", clientID, demoProductCode).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	firstMax := int64(100)
	tiers := []pricingdomain.PricingTier{
		{
			ID:                node.Generate(),
			ClientID:          clientID,
			ProductCode:       demoProductCode,
			TierName:          "standard",
			MinVolume:         1,
			MaxVolume:         &firstMax,
			CreditsPerSession: 50,
		},
		{
			ID:                node.Generate(),
			ClientID:          clientID,
			ProductCode:       demoProductCode,
			TierName:          "volume",
			MinVolume:         101,
			MaxVolume:         nil,
			CreditsPerSession: 40,
		},
	}
	return tx.WithContext(ctx).Create(&tiers).Error
}

func ensureAPIKey(ctx context.Context, tx *gorm.DB, node *snowflake.Node, clientID snowflake.ID) error {
	hash := apikeydomain.HashAPIKey(demoAPIKey)

	var count int64
	if err := tx.WithContext(ctx).Model(&apikeydomain.APIKey{}).
		Where("key_hash = ?", hash).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	return tx.WithContext(ctx).Create(&apikeydomain.APIKey{
		ID:       node.Generate(),
		ClientID: clientID,
		KeyHash:  hash,
		IsActive: true,
	}).Error
}

func ensureOpeningBalance(ctx context.Context, tx *gorm.DB, node *snowflake.Node, clientID snowflake.ID) error {
	var count int64
	if err := tx.WithContext(ctx).Model(&ledgerdomain.CreditLedgerEntry{}).
		Where("client_id = ? AND product_code = ?", clientID, demoProductCode).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	// First entry for the pair, so balance_after equals the amount.
	return tx.WithContext(ctx).Create(&ledgerdomain.CreditLedgerEntry{
		ID:           node.Generate(),
		ClientID:     clientID,
		ProductCode:  demoProductCode,
		Amount:       demoOpeningCredits,
		BalanceAfter: demoOpeningCredits,
		EntryType:    ledgerdomain.EntryTypeTopup,
		Description:  "development opening balance",
	}).Error
}
