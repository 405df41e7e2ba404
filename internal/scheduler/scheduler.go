package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/verihub/verihub/internal/clock"
	sessiondomain "github.com/verihub/verihub/internal/session/domain"
	"github.com/verihub/verihub/internal/vendorapi"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Sessions sessiondomain.Service
	Config   Config `optional:"true"`
}

// Scheduler sweeps sessions stuck in a non-terminal state and refreshes
// them through the pull path. It covers vendors whose webhooks were lost:
// settlement and relay happen exactly as if the webhook had arrived.
type Scheduler struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      Config
	clock    clock.Clock
	sessions sessiondomain.Service
}

func New(p Params) *Scheduler {
	return &Scheduler{
		db:       p.DB,
		log:      p.Log.Named("scheduler"),
		cfg:      p.Config.withDefaults(),
		clock:    p.Clock,
		sessions: p.Sessions,
	}
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("stale session sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce refreshes one batch of stale sessions. Per-session vendor errors
// are logged and skipped so one flaky lookup cannot stall the sweep.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.StaleAfter)

	var stale []sessiondomain.VerificationSession
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at <= ?",
			[]vendorapi.SessionStatus{vendorapi.StatusPending, vendorapi.StatusProcessing}, cutoff).
		Order("updated_at ASC").
		Limit(s.cfg.BatchSize).
		Find(&stale).Error; err != nil {
		return err
	}

	for _, session := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, err := s.sessions.Refresh(ctx, session.ClientID, session.ID)
		switch {
		case err == nil:
		case errors.Is(err, vendorapi.ErrGatewayUnavailable):
			s.log.Warn("vendor unavailable during sweep",
				zap.String("session_id", session.ID.String()),
				zap.Error(err))
		default:
			s.log.Error("stale session refresh failed",
				zap.String("session_id", session.ID.String()),
				zap.Error(err))
		}
	}

	if len(stale) > 0 {
		s.log.Info("stale session sweep finished", zap.Int("sessions", len(stale)))
	}
	return nil
}
