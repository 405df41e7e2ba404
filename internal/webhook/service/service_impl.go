package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/verihub/verihub/internal/clock"
	"github.com/verihub/verihub/internal/config"
	obsmetrics "github.com/verihub/verihub/internal/observability/metrics"
	relayservice "github.com/verihub/verihub/internal/relay/service"
	sessiondomain "github.com/verihub/verihub/internal/session/domain"
	"github.com/verihub/verihub/internal/settlement"
	"github.com/verihub/verihub/internal/vendorapi"
	webhookdomain "github.com/verihub/verihub/internal/webhook/domain"
	"github.com/verihub/verihub/pkg/db"
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
	Sessions   sessiondomain.Service
	Settlement settlement.Coordinator
	Relay      relayservice.Dispatcher
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	secret     string
	sessions   sessiondomain.Service
	settlement settlement.Coordinator
	relay      relayservice.Dispatcher
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) webhookdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("webhook.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		secret:     p.Cfg.VendorWebhookSecret,
		sessions:   p.Sessions,
		settlement: p.Settlement,
		relay:      p.Relay,
		obsMetrics: p.ObsMetrics,
	}
}

// Ingest verifies, deduplicates and applies one vendor callback. Signature
// failures return before any row is written, so a later legitimate retry is
// not shadowed by a poisoned idempotency record.
func (s *Service) Ingest(ctx context.Context, cb vendorapi.Callback) (*webhookdomain.Result, error) {
	if strings.TrimSpace(cb.ExternalRefID) == "" {
		return nil, webhookdomain.ErrInvalidPayload
	}
	if err := vendorapi.VerifyCallback(s.secret, cb, s.clock.Now()); err != nil {
		s.recordOutcome(ctx, "rejected")
		return nil, err
	}

	mapped, mappedResult, ok := vendorapi.MapStatus(cb.Status, cb.Result)
	if !ok {
		s.recordOutcome(ctx, "rejected")
		return nil, webhookdomain.ErrInvalidPayload
	}

	var session sessiondomain.VerificationSession
	err := s.db.WithContext(ctx).
		Where("external_ref_id = ?", cb.ExternalRefID).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.recordOutcome(ctx, "rejected")
			return nil, webhookdomain.ErrUnknownSession
		}
		return nil, err
	}

	entry, duplicate, err := s.logEvent(ctx, &session, cb)
	if err != nil {
		return nil, err
	}
	if duplicate {
		s.log.Info("duplicate vendor event ignored",
			zap.String("external_ref_id", cb.ExternalRefID),
			zap.String("payload_hash", entry.PayloadHash),
		)
		s.recordOutcome(ctx, "duplicate")
		return &webhookdomain.Result{Duplicate: true}, nil
	}

	updated, transitioned, err := s.sessions.ApplyVendorStatus(ctx, cb.ExternalRefID, sessiondomain.VendorUpdate{
		Status:       mapped,
		Result:       mappedResult,
		RejectReason: cb.RejectReason,
		OnboardingID: cb.OnboardingID,
	})
	if err != nil {
		return nil, err
	}

	// Every terminal transition is relayed to the client; only billable ones
	// settle first.
	res := &webhookdomain.Result{Transitioned: transitioned}
	if transitioned && updated.Status.Terminal() {
		if updated.Status.Billable() {
			settleRes, err := s.settlement.Settle(ctx, updated.ID, settlement.TriggerWebhook)
			if err != nil {
				return nil, err
			}
			res.Settled = settleRes.Settled

			if err := s.db.WithContext(ctx).Where("id = ?", updated.ID).First(updated).Error; err != nil {
				return nil, err
			}
		}
		if err := s.relay.Dispatch(ctx, updated); err != nil {
			s.log.Warn("relay dispatch failed after webhook",
				zap.String("session_id", updated.ID.String()),
				zap.Error(err),
			)
		}
	}

	if err := s.markProcessed(ctx, entry.ID); err != nil {
		return nil, err
	}
	s.recordOutcome(ctx, "processed")
	return res, nil
}

// logEvent inserts the idempotency record. A colliding hash means the event
// was seen before: processed rows short-circuit as duplicates, unprocessed
// rows are retried (a prior attempt died between logging and processing).
func (s *Service) logEvent(ctx context.Context, session *sessiondomain.VerificationSession, cb vendorapi.Callback) (*webhookdomain.WebhookLogEntry, bool, error) {
	entry := &webhookdomain.WebhookLogEntry{
		ID:            s.genID.Generate(),
		PayloadHash:   vendorapi.ContentHash(cb),
		ClientID:      session.ClientID,
		ExternalRefID: cb.ExternalRefID,
		ReceivedAt:    s.clock.Now(),
	}

	err := s.db.WithContext(ctx).Create(entry).Error
	if err == nil {
		return entry, false, nil
	}
	if !db.IsDuplicateKeyErr(err) {
		return nil, false, err
	}

	var existing webhookdomain.WebhookLogEntry
	if err := s.db.WithContext(ctx).
		Where("payload_hash = ?", entry.PayloadHash).
		First(&existing).Error; err != nil {
		return nil, false, err
	}
	return &existing, existing.Processed, nil
}

func (s *Service) markProcessed(ctx context.Context, id snowflake.ID) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Exec(
		`UPDATE webhook_log_entries
		 SET processed = ?, processed_at = ?
		 WHERE id = ?`,
		true, now, id,
	).Error
}

func (s *Service) recordOutcome(ctx context.Context, outcome string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, outcome)
	}
}
