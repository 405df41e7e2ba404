package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	clientdomain "github.com/verihub/verihub/internal/client/domain"
	"github.com/verihub/verihub/internal/clock"
	ledgerdomain "github.com/verihub/verihub/internal/ledger/domain"
	obsmetrics "github.com/verihub/verihub/internal/observability/metrics"
	pricingdomain "github.com/verihub/verihub/internal/pricing/domain"
	relayservice "github.com/verihub/verihub/internal/relay/service"
	sessiondomain "github.com/verihub/verihub/internal/session/domain"
	"github.com/verihub/verihub/internal/settlement"
	"github.com/verihub/verihub/internal/vendorapi"
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
	Clock      clock.Clock
	Clients    clientdomain.Repository
	Ledger     ledgerdomain.Service
	Pricing    pricingdomain.Resolver
	Gateway    vendorapi.Gateway
	Settlement settlement.Coordinator
	Relay      relayservice.Dispatcher
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	clients    clientdomain.Repository
	ledger     ledgerdomain.Service
	pricing    pricingdomain.Resolver
	gateway    vendorapi.Gateway
	settlement settlement.Coordinator
	relay      relayservice.Dispatcher
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) sessiondomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("session.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		clients:    p.Clients,
		ledger:     p.Ledger,
		pricing:    p.Pricing,
		gateway:    p.Gateway,
		settlement: p.Settlement,
		relay:      p.Relay,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, req sessiondomain.CreateRequest) (*sessiondomain.Response, error) {
	productCode := strings.TrimSpace(req.ProductCode)
	if productCode == "" {
		return nil, sessiondomain.ErrInvalidProduct
	}

	cfg, err := s.clients.FindProductConfig(ctx, s.db, req.ClientID, productCode)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, sessiondomain.ErrInvalidProduct
	}
	if !cfg.Enabled {
		return nil, clientdomain.ErrProductDisabled
	}

	if !cfg.AllowOverdraft {
		if err := s.checkBalance(ctx, req.ClientID, productCode); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	session := &sessiondomain.VerificationSession{
		ID:            s.genID.Generate(),
		ClientID:      req.ClientID,
		ProductCode:   productCode,
		ExternalRefID: ulid.Make().String(),
		OnboardingID:  strings.TrimSpace(req.OnboardingID),
		Status:        vendorapi.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Metadata != nil {
		session.Metadata = datatypes.JSONMap(req.Metadata)
	}

	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, err
	}

	s.log.Info("verification session created",
		zap.String("session_id", session.ID.String()),
		zap.String("client_id", session.ClientID.String()),
		zap.String("product_code", session.ProductCode),
		zap.String("external_ref_id", session.ExternalRefID),
	)
	return toResponse(session), nil
}

// checkBalance rejects creation when the balance cannot cover the rate the
// next settled session would be charged. It is an advisory gate: the read
// happens outside the settlement lock and concurrent settlements may still
// push the balance below zero.
func (s *Service) checkBalance(ctx context.Context, clientID snowflake.ID, productCode string) error {
	balance, err := s.ledger.Balance(ctx, clientID, productCode)
	if err != nil {
		return err
	}

	ordinal, err := s.billedThisMonth(ctx, clientID, productCode)
	if err != nil {
		return err
	}

	rate, err := s.pricing.ResolveRate(ctx, s.db, clientID, productCode, ordinal+1)
	if err != nil {
		return err
	}

	if balance < rate {
		return sessiondomain.ErrInsufficientCredits
	}
	return nil
}

func (s *Service) billedThisMonth(ctx context.Context, clientID snowflake.ID, productCode string) (int64, error) {
	cl, err := s.clients.FindByID(ctx, s.db, clientID)
	if err != nil {
		return 0, err
	}
	if cl == nil {
		return 0, clientdomain.ErrNotFound
	}

	now := s.clock.Now().In(cl.Location())
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, cl.Location())
	nextMonth := monthStart.AddDate(0, 1, 0)

	var billed int64
	err = s.db.WithContext(ctx).Raw(
		`SELECT COUNT(*)
		 FROM verification_sessions
		 WHERE client_id = ? AND product_code = ?
		   AND billed = ?
		   AND billed_at >= ? AND billed_at < ?`,
		clientID, productCode, true, monthStart, nextMonth,
	).Scan(&billed).Error
	if err != nil {
		return 0, err
	}
	return billed, nil
}

func (s *Service) Get(ctx context.Context, clientID, id snowflake.ID) (*sessiondomain.Response, error) {
	session, err := s.find(ctx, clientID, id)
	if err != nil {
		return nil, err
	}
	return toResponse(session), nil
}

func (s *Service) Refresh(ctx context.Context, clientID, id snowflake.ID) (*sessiondomain.Response, error) {
	session, err := s.find(ctx, clientID, id)
	if err != nil {
		return nil, err
	}

	// Terminal sessions never change again; skip the vendor round trip.
	if session.Status.Terminal() {
		return toResponse(session), nil
	}

	status, err := s.gateway.GetStatus(ctx, session.ExternalRefID)
	if err != nil {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordVendorCall(ctx, "error")
		}
		return nil, err
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordVendorCall(ctx, "ok")
	}

	mapped, mappedResult, ok := vendorapi.MapStatus(status.Status, status.Result)
	if !ok {
		s.log.Warn("vendor returned unmappable status",
			zap.String("session_id", session.ID.String()),
			zap.String("vendor_status", status.Status),
			zap.String("vendor_result", status.Result),
		)
		return toResponse(session), nil
	}

	updated, transitioned, err := s.ApplyVendorStatus(ctx, session.ExternalRefID, sessiondomain.VendorUpdate{
		Status:       mapped,
		Result:       mappedResult,
		RejectReason: status.RejectReason,
		OnboardingID: status.OnboardingID,
	})
	if err != nil {
		return nil, err
	}

	// Every terminal transition is relayed to the client; only billable ones
	// settle first.
	if transitioned && updated.Status.Terminal() {
		if updated.Status.Billable() {
			if _, err := s.settlement.Settle(ctx, updated.ID, settlement.TriggerPull); err != nil {
				return nil, err
			}
			if err := s.db.WithContext(ctx).Where("id = ?", updated.ID).First(updated).Error; err != nil {
				return nil, err
			}
		}
		if err := s.relay.Dispatch(ctx, updated); err != nil {
			s.log.Warn("relay dispatch failed after refresh",
				zap.String("session_id", updated.ID.String()),
				zap.Error(err),
			)
		}
	}
	return toResponse(updated), nil
}

func (s *Service) ApplyVendorStatus(ctx context.Context, externalRefID string, update sessiondomain.VendorUpdate) (*sessiondomain.VerificationSession, bool, error) {
	var session sessiondomain.VerificationSession
	err := s.db.WithContext(ctx).
		Where("external_ref_id = ?", externalRefID).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, sessiondomain.ErrNotFound
		}
		return nil, false, err
	}

	if !session.Status.CanTransition(update.Status) {
		return &session, false, nil
	}

	now := s.clock.Now()
	updates := map[string]any{
		"status":        update.Status,
		"reject_reason": strings.TrimSpace(update.RejectReason),
		"updated_at":    now,
	}
	if update.Status == vendorapi.StatusCompleted {
		updates["result"] = update.Result
	}
	if onboardingID := strings.TrimSpace(update.OnboardingID); onboardingID != "" {
		updates["onboarding_id"] = onboardingID
	}

	// Guard on the previous status so racing transitions stay monotonic.
	res := s.db.WithContext(ctx).
		Model(&sessiondomain.VerificationSession{}).
		Where("id = ? AND status = ?", session.ID, session.Status).
		Updates(updates)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		// Someone else moved the session first; serve their state.
		if err := s.db.WithContext(ctx).Where("id = ?", session.ID).First(&session).Error; err != nil {
			return nil, false, err
		}
		return &session, false, nil
	}

	if err := s.db.WithContext(ctx).Where("id = ?", session.ID).First(&session).Error; err != nil {
		return nil, false, err
	}

	s.log.Info("session transitioned",
		zap.String("session_id", session.ID.String()),
		zap.String("external_ref_id", session.ExternalRefID),
		zap.String("status", string(session.Status)),
	)
	return &session, true, nil
}

func (s *Service) find(ctx context.Context, clientID, id snowflake.ID) (*sessiondomain.VerificationSession, error) {
	var session sessiondomain.VerificationSession
	err := s.db.WithContext(ctx).
		Where("id = ? AND client_id = ?", id, clientID).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sessiondomain.ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func toResponse(session *sessiondomain.VerificationSession) *sessiondomain.Response {
	return &sessiondomain.Response{
		ID:            session.ID.String(),
		ExternalRefID: session.ExternalRefID,
		OnboardingID:  session.OnboardingID,
		ProductCode:   session.ProductCode,
		Status:        session.Status,
		Result:        session.Result,
		RejectReason:  session.RejectReason,
		Billed:        session.Billed,
		BilledAt:      session.BilledAt,
		CreatedAt:     session.CreatedAt,
		UpdatedAt:     session.UpdatedAt,
	}
}
