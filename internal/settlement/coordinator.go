package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	clientdomain "github.com/verihub/verihub/internal/client/domain"
	"github.com/verihub/verihub/internal/clock"
	ledgerdomain "github.com/verihub/verihub/internal/ledger/domain"
	obsmetrics "github.com/verihub/verihub/internal/observability/metrics"
	pricingdomain "github.com/verihub/verihub/internal/pricing/domain"
	sessiondomain "github.com/verihub/verihub/internal/session/domain"
	"github.com/verihub/verihub/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// TriggerWebhook marks settlements initiated by an inbound vendor webhook.
	TriggerWebhook = "webhook"
	// TriggerPull marks settlements initiated by a synchronous status refresh.
	TriggerPull = "pull"

	distributedLockTTL      = 15 * time.Second
	distributedLockAttempts = 20
	distributedLockBackoff  = 50 * time.Millisecond
)

var (
	ErrClientNotFound = errors.New("settlement_client_not_found")
	// ErrLockContended is returned when the cross-instance lease could not be
	// acquired; the session stays unbilled and a later trigger retries.
	ErrLockContended = errors.New("settlement_lock_contended")

	errAlreadyBilled = errors.New("already_billed")
)

// Result reports what a Settle call did. Exactly one of Settled or
// AlreadyBilled is true for a billable session; both are false when the
// session's state does not call for billing.
type Result struct {
	Settled       bool
	AlreadyBilled bool
	Ordinal       int64
	RateCredits   int64
	BalanceAfter  int64
}

// Coordinator performs the exactly-once deduction for a completed session.
// All billing writes for a (client, product) pair funnel through it.
type Coordinator interface {
	Settle(ctx context.Context, sessionID snowflake.ID, trigger string) (*Result, error)
	// WithPairLock runs fn while holding the (client, product) serialization
	// lock. Other ledger writers (payment allocation) use it so their
	// balance folds cannot interleave with a settlement.
	WithPairLock(ctx context.Context, clientID snowflake.ID, productCode string, fn func() error) error
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Ledger     ledgerdomain.Service
	Pricing    pricingdomain.Resolver
	Clients    clientdomain.Repository
	Locker     *Locker             `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type coordinator struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	ledger     ledgerdomain.Service
	pricing    pricingdomain.Resolver
	clients    clientdomain.Repository
	locker     *Locker
	obsMetrics *obsmetrics.Metrics
	keys       *keyedMutex
}

func New(p Params) Coordinator {
	return &coordinator{
		db:         p.DB,
		log:        p.Log.Named("settlement.coordinator"),
		clock:      p.Clock,
		ledger:     p.Ledger,
		pricing:    p.Pricing,
		clients:    p.Clients,
		locker:     p.Locker,
		obsMetrics: p.ObsMetrics,
		keys:       newKeyedMutex(),
	}
}

// Settle deducts credits for the session if and only if it is in a billable
// terminal state and not yet billed. The deduction, the billed flag flip and
// the ledger entry commit in one transaction; a concurrent caller observes
// either nothing or the full settlement.
func (c *coordinator) Settle(ctx context.Context, sessionID snowflake.ID, trigger string) (*Result, error) {
	started := time.Now()

	var probe sessiondomain.VerificationSession
	if err := c.db.WithContext(ctx).Where("id = ?", sessionID).First(&probe).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sessiondomain.ErrNotFound
		}
		return nil, err
	}
	if !probe.Status.Billable() {
		return &Result{}, nil
	}
	if probe.Billed {
		return &Result{AlreadyBilled: true}, nil
	}

	res := &Result{}
	err := c.WithPairLock(ctx, probe.ClientID, probe.ProductCode, func() error {
		return c.settleLocked(ctx, sessionID, res)
	})
	if err != nil {
		if errors.Is(err, errAlreadyBilled) {
			return &Result{AlreadyBilled: true}, nil
		}
		return nil, err
	}

	if res.Settled {
		if c.obsMetrics != nil {
			c.obsMetrics.RecordSettlement(ctx, trigger, time.Since(started))
		}
		c.log.Info("session settled",
			zap.String("session_id", sessionID.String()),
			zap.String("client_id", probe.ClientID.String()),
			zap.String("product_code", probe.ProductCode),
			zap.String("trigger", trigger),
			zap.Int64("ordinal", res.Ordinal),
			zap.Int64("rate_credits", res.RateCredits),
			zap.Int64("balance_after", res.BalanceAfter),
		)
	}
	return res, nil
}

func (c *coordinator) WithPairLock(ctx context.Context, clientID snowflake.ID, productCode string, fn func() error) error {
	key := fmt.Sprintf("settlement:%s:%s", clientID.String(), productCode)
	unlock := c.keys.Lock(key)
	defer unlock()

	if c.locker != nil {
		token, err := c.acquireLease(ctx, key)
		if err != nil {
			return err
		}
		defer func() {
			if relErr := c.locker.Release(context.WithoutCancel(ctx), key, token); relErr != nil {
				c.log.Warn("failed to release settlement lease", zap.String("key", key), zap.Error(relErr))
			}
		}()
	}
	return fn()
}

func (c *coordinator) settleLocked(ctx context.Context, sessionID snowflake.ID, res *Result) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session sessiondomain.VerificationSession
		if err := tx.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error; err != nil {
			return err
		}
		if session.Billed {
			return errAlreadyBilled
		}
		if !session.Status.Billable() {
			return nil
		}

		cl, err := c.clients.FindByID(ctx, tx, session.ClientID)
		if err != nil {
			return err
		}
		if cl == nil {
			return ErrClientNotFound
		}

		ordinal, err := c.monthlyOrdinal(ctx, tx, &session, cl.Location())
		if err != nil {
			return err
		}

		rate, err := c.pricing.ResolveRate(ctx, tx, session.ClientID, session.ProductCode, ordinal)
		if err != nil {
			return err
		}

		entry, err := c.ledger.AppendTx(ctx, tx, ledgerdomain.AppendRequest{
			ClientID:    session.ClientID,
			ProductCode: session.ProductCode,
			Amount:      -rate,
			EntryType:   ledgerdomain.EntryTypeUsage,
			ReferenceID: session.ID.String(),
			Description: fmt.Sprintf("verification %s", session.ExternalRefID),
		})
		if err != nil {
			// The partial unique index on usage references catches the
			// multi-instance race the in-process mutex cannot see.
			if db.IsDuplicateKeyErr(err) {
				return errAlreadyBilled
			}
			return err
		}

		billedAt := c.clock.Now()
		update := tx.WithContext(ctx).Exec(
			`UPDATE verification_sessions
			 SET billed = ?, billed_at = ?, updated_at = ?
			 WHERE id = ? AND billed = ?`,
			true, billedAt, billedAt, session.ID, false,
		)
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return errAlreadyBilled
		}

		res.Settled = true
		res.Ordinal = ordinal
		res.RateCredits = rate
		res.BalanceAfter = entry.BalanceAfter
		return nil
	})
}

// monthlyOrdinal counts billed sessions for the pair in the current calendar
// month of the client's timezone and returns the next position.
func (c *coordinator) monthlyOrdinal(ctx context.Context, tx *gorm.DB, session *sessiondomain.VerificationSession, loc *time.Location) (int64, error) {
	now := c.clock.Now().In(loc)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
	nextMonth := monthStart.AddDate(0, 1, 0)

	var billed int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(*)
		 FROM verification_sessions
		 WHERE client_id = ? AND product_code = ?
		   AND billed = ?
		   AND billed_at >= ? AND billed_at < ?`,
		session.ClientID,
		session.ProductCode,
		true,
		monthStart,
		nextMonth,
	).Scan(&billed).Error
	if err != nil {
		return 0, err
	}
	return billed + 1, nil
}

func (c *coordinator) acquireLease(ctx context.Context, key string) (string, error) {
	for attempt := 0; attempt < distributedLockAttempts; attempt++ {
		token, ok, err := c.locker.TryLock(ctx, key, distributedLockTTL)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(distributedLockBackoff):
		}
	}
	return "", ErrLockContended
}
