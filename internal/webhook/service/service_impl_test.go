package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	clientdomain "github.com/verihub/verihub/internal/client/domain"
	clientrepo "github.com/verihub/verihub/internal/client/repository"
	"github.com/verihub/verihub/internal/clock"
	"github.com/verihub/verihub/internal/config"
	ledgerdomain "github.com/verihub/verihub/internal/ledger/domain"
	ledgerservice "github.com/verihub/verihub/internal/ledger/service"
	pricingdomain "github.com/verihub/verihub/internal/pricing/domain"
	pricingservice "github.com/verihub/verihub/internal/pricing/service"
	relaydomain "github.com/verihub/verihub/internal/relay/domain"
	relayservice "github.com/verihub/verihub/internal/relay/service"
	sessiondomain "github.com/verihub/verihub/internal/session/domain"
	sessionservice "github.com/verihub/verihub/internal/session/service"
	"github.com/verihub/verihub/internal/settlement"
	"github.com/verihub/verihub/internal/vendorapi"
	webhookdomain "github.com/verihub/verihub/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testWebhookSecret = "vsec_test"

type webhookFixture struct {
	db       *gorm.DB
	genID    *snowflake.Node
	clock    *clock.FakeClock
	ledger   ledgerdomain.Service
	svc      webhookdomain.Service
	clientID snowflake.ID
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&clientdomain.Client{},
		&clientdomain.ProductConfig{},
		&pricingdomain.PricingTier{},
		&ledgerdomain.CreditLedgerEntry{},
		&sessiondomain.VerificationSession{},
		&relaydomain.WebhookDelivery{},
		&webhookdomain.WebhookLogEntry{},
	); err != nil {
		t.Fatal(err)
	}

	node, _ := snowflake.NewNode(1)
	logger := zap.NewNop()
	fake := clock.NewFakeClock(time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC))
	repo := clientrepo.New()
	cfg := config.Config{VendorWebhookSecret: testWebhookSecret}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: logger, GenID: node})
	resolver := pricingservice.New(pricingservice.Params{Log: logger, ClientRepo: repo})
	coordinator := settlement.New(settlement.Params{
		DB: db, Log: logger, Clock: fake,
		Ledger: ledgerSvc, Pricing: resolver, Clients: repo,
	})
	dispatcher := relayservice.New(relayservice.Params{
		DB: db, Log: logger, GenID: node, Clock: fake, Clients: repo,
	})
	sessions := sessionservice.NewService(sessionservice.Params{
		DB: db, Log: logger, GenID: node, Clock: fake,
		Clients: repo, Ledger: ledgerSvc, Pricing: resolver,
		Settlement: coordinator, Relay: dispatcher,
	})
	svc := NewService(Params{
		DB: db, Log: logger, GenID: node, Clock: fake, Cfg: cfg,
		Sessions: sessions, Settlement: coordinator, Relay: dispatcher,
	})

	clientID := node.Generate()
	if err := db.Create(&clientdomain.Client{
		ID:       clientID,
		Name:     "Acme Fintech",
		Timezone: "UTC",
	}).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&clientdomain.ProductConfig{
		ID:                 node.Generate(),
		ClientID:           clientID,
		ProductCode:        "identity_check",
		Enabled:            true,
		DefaultRateCredits: 25,
	}).Error; err != nil {
		t.Fatal(err)
	}

	return &webhookFixture{
		db:       db,
		genID:    node,
		clock:    fake,
		ledger:   ledgerSvc,
		svc:      svc,
		clientID: clientID,
	}
}

func (f *webhookFixture) topup(t *testing.T, amount int64) {
	t.Helper()
	_, err := f.ledger.Append(context.Background(), ledgerdomain.AppendRequest{
		ClientID:    f.clientID,
		ProductCode: "identity_check",
		Amount:      amount,
		EntryType:   ledgerdomain.EntryTypeTopup,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *webhookFixture) seedPendingSession(t *testing.T) string {
	t.Helper()
	id := f.genID.Generate()
	externalRefID := "ext-" + id.String()
	if err := f.db.Create(&sessiondomain.VerificationSession{
		ID:            id,
		ClientID:      f.clientID,
		ProductCode:   "identity_check",
		ExternalRefID: externalRefID,
		Status:        vendorapi.StatusPending,
	}).Error; err != nil {
		t.Fatal(err)
	}
	return externalRefID
}

func (f *webhookFixture) signedCallback(externalRefID, status, result string) vendorapi.Callback {
	cb := vendorapi.Callback{
		ExternalRefID: externalRefID,
		Status:        status,
		Result:        result,
		Timestamp:     f.clock.Now().Unix(),
	}
	cb.Signature = vendorapi.SignCallback(testWebhookSecret, cb)
	return cb
}

func (f *webhookFixture) ledgerRows(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := f.db.Model(&ledgerdomain.CreditLedgerEntry{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	return count
}

func (f *webhookFixture) relayRows(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := f.db.Model(&relaydomain.WebhookDelivery{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	return count
}

func TestIngest_CompletedEventSettlesSession(t *testing.T) {
	f := newWebhookFixture(t)
	f.topup(t, 100)
	externalRefID := f.seedPendingSession(t)

	res, err := f.svc.Ingest(context.Background(), f.signedCallback(externalRefID, "completed", "approved"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.True(t, res.Transitioned)
	assert.True(t, res.Settled)

	balance, err := f.ledger.Balance(context.Background(), f.clientID, "identity_check")
	assert.NoError(t, err)
	assert.Equal(t, int64(75), balance)

	var entry webhookdomain.WebhookLogEntry
	assert.NoError(t, f.db.Where("external_ref_id = ?", externalRefID).First(&entry).Error)
	assert.True(t, entry.Processed)
	assert.NotNil(t, entry.ProcessedAt)
}

func TestIngest_ReplayIsNoOp(t *testing.T) {
	f := newWebhookFixture(t)
	f.topup(t, 100)
	externalRefID := f.seedPendingSession(t)

	cb := f.signedCallback(externalRefID, "completed", "approved")

	first, err := f.svc.Ingest(context.Background(), cb)
	require.NoError(t, err)
	assert.True(t, first.Settled)

	ledgerBefore := f.ledgerRows(t)
	relaysBefore := f.relayRows(t)

	// Same payload redelivered, even re-signed with a fresh timestamp.
	f.clock.Advance(time.Minute)
	replay := f.signedCallback(externalRefID, "completed", "approved")

	second, err := f.svc.Ingest(context.Background(), replay)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.False(t, second.Settled)

	assert.Equal(t, ledgerBefore, f.ledgerRows(t))
	assert.Equal(t, relaysBefore, f.relayRows(t))

	var logEntries int64
	assert.NoError(t, f.db.Model(&webhookdomain.WebhookLogEntry{}).Count(&logEntries).Error)
	assert.Equal(t, int64(1), logEntries)
}

func TestIngest_BadSignatureRejectedBeforeLogging(t *testing.T) {
	f := newWebhookFixture(t)
	f.topup(t, 100)
	externalRefID := f.seedPendingSession(t)

	cb := f.signedCallback(externalRefID, "completed", "approved")
	cb.Signature = "deadbeef"

	_, err := f.svc.Ingest(context.Background(), cb)
	assert.ErrorIs(t, err, vendorapi.ErrInvalidSignature)

	var logEntries int64
	assert.NoError(t, f.db.Model(&webhookdomain.WebhookLogEntry{}).Count(&logEntries).Error)
	assert.Equal(t, int64(0), logEntries)
	assert.Equal(t, int64(1), f.ledgerRows(t)) // only the topup

	// The same event with a valid signature still goes through.
	res, err := f.svc.Ingest(context.Background(), f.signedCallback(externalRefID, "completed", "approved"))
	require.NoError(t, err)
	assert.True(t, res.Settled)
}

func TestIngest_StaleTimestampRejected(t *testing.T) {
	f := newWebhookFixture(t)
	externalRefID := f.seedPendingSession(t)

	cb := vendorapi.Callback{
		ExternalRefID: externalRefID,
		Status:        "completed",
		Result:        "approved",
		Timestamp:     f.clock.Now().Add(-10 * time.Minute).Unix(),
	}
	cb.Signature = vendorapi.SignCallback(testWebhookSecret, cb)

	_, err := f.svc.Ingest(context.Background(), cb)
	assert.ErrorIs(t, err, vendorapi.ErrStaleTimestamp)
}

func TestIngest_UnknownSession(t *testing.T) {
	f := newWebhookFixture(t)

	_, err := f.svc.Ingest(context.Background(), f.signedCallback("ext-missing", "completed", "approved"))
	assert.ErrorIs(t, err, webhookdomain.ErrUnknownSession)
}

func TestIngest_UnmappableStatusRejected(t *testing.T) {
	f := newWebhookFixture(t)
	externalRefID := f.seedPendingSession(t)

	_, err := f.svc.Ingest(context.Background(), f.signedCallback(externalRefID, "weird_state", ""))
	assert.ErrorIs(t, err, webhookdomain.ErrInvalidPayload)
}

func TestIngest_ExpiredSessionNeverBilled(t *testing.T) {
	f := newWebhookFixture(t)
	f.topup(t, 100)
	externalRefID := f.seedPendingSession(t)

	res, err := f.svc.Ingest(context.Background(), f.signedCallback(externalRefID, "expired", ""))
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.False(t, res.Settled)

	balance, err := f.ledger.Balance(context.Background(), f.clientID, "identity_check")
	assert.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	var session sessiondomain.VerificationSession
	assert.NoError(t, f.db.Where("external_ref_id = ?", externalRefID).First(&session).Error)
	assert.Equal(t, vendorapi.StatusExpired, session.Status)
	assert.False(t, session.Billed)
}

func TestIngest_ExpiredTransitionRelayed(t *testing.T) {
	relayed := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relayed++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newWebhookFixture(t)
	require.NoError(t, f.db.Model(&clientdomain.Client{}).
		Where("id = ?", f.clientID).
		Update("webhook_url", srv.URL).Error)
	externalRefID := f.seedPendingSession(t)

	res, err := f.svc.Ingest(context.Background(), f.signedCallback(externalRefID, "expired", ""))
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.False(t, res.Settled)
	assert.Equal(t, 1, relayed)

	var delivery relaydomain.WebhookDelivery
	require.NoError(t, f.db.Where("client_id = ?", f.clientID).First(&delivery).Error)
	assert.Equal(t, "verification.expired", delivery.EventType)
	assert.True(t, delivery.Delivered)
}
