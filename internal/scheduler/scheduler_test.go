package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	clientdomain "github.com/verihub/verihub/internal/client/domain"
	clientrepo "github.com/verihub/verihub/internal/client/repository"
	"github.com/verihub/verihub/internal/clock"
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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type gatewayMock struct {
	mock.Mock
}

func (m *gatewayMock) GetStatus(ctx context.Context, externalRefID string) (*vendorapi.StatusResponse, error) {
	args := m.Called(ctx, externalRefID)
	res := args.Get(0)
	if res == nil {
		return nil, args.Error(1)
	}
	return res.(*vendorapi.StatusResponse), args.Error(1)
}

type schedulerFixture struct {
	db       *gorm.DB
	genID    *snowflake.Node
	gateway  *gatewayMock
	ledger   ledgerdomain.Service
	sessions sessiondomain.Service
	sched    *Scheduler
	clientID snowflake.ID
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
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
	); err != nil {
		t.Fatal(err)
	}

	node, _ := snowflake.NewNode(1)
	logger := zap.NewNop()
	sysClock := clock.NewSystemClock()
	repo := clientrepo.New()
	gateway := &gatewayMock{}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: logger, GenID: node})
	resolver := pricingservice.New(pricingservice.Params{Log: logger, ClientRepo: repo})
	coordinator := settlement.New(settlement.Params{
		DB: db, Log: logger, Clock: sysClock,
		Ledger: ledgerSvc, Pricing: resolver, Clients: repo,
	})
	dispatcher := relayservice.New(relayservice.Params{
		DB: db, Log: logger, GenID: node, Clock: sysClock, Clients: repo,
	})
	sessions := sessionservice.NewService(sessionservice.Params{
		DB: db, Log: logger, GenID: node, Clock: sysClock,
		Clients: repo, Ledger: ledgerSvc, Pricing: resolver,
		Gateway: gateway, Settlement: coordinator, Relay: dispatcher,
	})
	sched := New(Params{DB: db, Log: logger, Clock: sysClock, Sessions: sessions})

	clientID := node.Generate()
	if err := db.Create(&clientdomain.Client{ID: clientID, Name: "Acme Fintech", Timezone: "UTC"}).Error; err != nil {
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
	if _, err := ledgerSvc.Append(context.Background(), ledgerdomain.AppendRequest{
		ClientID:    clientID,
		ProductCode: "identity_check",
		Amount:      100,
		EntryType:   ledgerdomain.EntryTypeTopup,
	}); err != nil {
		t.Fatal(err)
	}

	return &schedulerFixture{
		db:       db,
		genID:    node,
		gateway:  gateway,
		ledger:   ledgerSvc,
		sessions: sessions,
		sched:    sched,
		clientID: clientID,
	}
}

// createStaleSession opens a session and backdates it past the sweep cutoff.
func (f *schedulerFixture) createStaleSession(t *testing.T) *sessiondomain.Response {
	t.Helper()
	created, err := f.sessions.Create(context.Background(), sessiondomain.CreateRequest{
		ClientID:    f.clientID,
		ProductCode: "identity_check",
	})
	if err != nil {
		t.Fatal(err)
	}
	sessionID, err := snowflake.ParseString(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.db.Model(&sessiondomain.VerificationSession{}).
		Where("id = ?", sessionID).
		UpdateColumn("updated_at", time.Now().UTC().Add(-time.Hour)).Error; err != nil {
		t.Fatal(err)
	}
	return created
}

func TestRunOnce_SettlesStaleCompletedSessions(t *testing.T) {
	f := newSchedulerFixture(t)
	created := f.createStaleSession(t)

	f.gateway.On("GetStatus", mock.Anything, created.ExternalRefID).Return(&vendorapi.StatusResponse{
		ExternalRefID: created.ExternalRefID,
		Status:        "completed",
		Result:        "approved",
	}, nil)

	assert.NoError(t, f.sched.RunOnce(context.Background()))
	f.gateway.AssertNumberOfCalls(t, "GetStatus", 1)

	var session sessiondomain.VerificationSession
	assert.NoError(t, f.db.Where("external_ref_id = ?", created.ExternalRefID).First(&session).Error)
	assert.Equal(t, vendorapi.StatusCompleted, session.Status)
	assert.True(t, session.Billed)

	balance, err := f.ledger.Balance(context.Background(), f.clientID, "identity_check")
	assert.NoError(t, err)
	assert.Equal(t, int64(75), balance)
}

func TestRunOnce_SkipsFreshAndTerminalSessions(t *testing.T) {
	f := newSchedulerFixture(t)

	// Fresh session: updated_at is now, inside the stale window.
	if _, err := f.sessions.Create(context.Background(), sessiondomain.CreateRequest{
		ClientID:    f.clientID,
		ProductCode: "identity_check",
	}); err != nil {
		t.Fatal(err)
	}

	// Terminal session: stale but already expired, nothing to pull.
	if err := f.db.Create(&sessiondomain.VerificationSession{
		ID:            f.genID.Generate(),
		ClientID:      f.clientID,
		ProductCode:   "identity_check",
		ExternalRefID: "ref-expired",
		Status:        vendorapi.StatusExpired,
		UpdatedAt:     time.Now().UTC().Add(-time.Hour),
	}).Error; err != nil {
		t.Fatal(err)
	}

	assert.NoError(t, f.sched.RunOnce(context.Background()))
	f.gateway.AssertNumberOfCalls(t, "GetStatus", 0)
}

func TestRunOnce_VendorOutageDoesNotAbortSweep(t *testing.T) {
	f := newSchedulerFixture(t)
	broken := f.createStaleSession(t)
	healthy := f.createStaleSession(t)

	f.gateway.On("GetStatus", mock.Anything, broken.ExternalRefID).
		Return(nil, vendorapi.ErrGatewayUnavailable)
	f.gateway.On("GetStatus", mock.Anything, healthy.ExternalRefID).Return(&vendorapi.StatusResponse{
		ExternalRefID: healthy.ExternalRefID,
		Status:        "completed",
		Result:        "approved",
	}, nil)

	assert.NoError(t, f.sched.RunOnce(context.Background()))

	var session sessiondomain.VerificationSession
	assert.NoError(t, f.db.Where("external_ref_id = ?", healthy.ExternalRefID).First(&session).Error)
	assert.True(t, session.Billed)

	var brokenSession sessiondomain.VerificationSession
	assert.NoError(t, f.db.Where("external_ref_id = ?", broken.ExternalRefID).First(&brokenSession).Error)
	assert.Equal(t, vendorapi.StatusPending, brokenSession.Status)
	assert.False(t, brokenSession.Billed)
}
