package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	clientdomain "github.com/verihub/verihub/internal/client/domain"
	"github.com/verihub/verihub/internal/clock"
	obsmetrics "github.com/verihub/verihub/internal/observability/metrics"
	relaydomain "github.com/verihub/verihub/internal/relay/domain"
	sessiondomain "github.com/verihub/verihub/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Dispatcher forwards normalized session events to the owning client's
// webhook URL. Dispatch failures are recorded, never propagated: relay sits
// after settlement and must not undo or block billing.
type Dispatcher interface {
	Dispatch(ctx context.Context, session *sessiondomain.VerificationSession) error
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Clients    clientdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	clients    clientdomain.Repository
	httpClient *http.Client
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) Dispatcher {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("relay.dispatcher"),
		genID:      p.GenID,
		clock:      p.Clock,
		clients:    p.Clients,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		obsMetrics: p.ObsMetrics,
	}
}

// Dispatch posts the session event to the client webhook URL and records the
// attempt. Clients with no webhook URL configured are skipped silently.
func (s *Service) Dispatch(ctx context.Context, session *sessiondomain.VerificationSession) error {
	cl, err := s.clients.FindByID(ctx, s.db, session.ClientID)
	if err != nil {
		return err
	}
	if cl == nil || cl.WebhookURL == "" {
		return nil
	}

	eventType := fmt.Sprintf("verification.%s", session.Status)
	payload := s.buildPayload(eventType, session)

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	delivery := &relaydomain.WebhookDelivery{
		ID:        s.genID.Generate(),
		ClientID:  session.ClientID,
		SessionID: session.ID,
		EventType: eventType,
		Payload:   datatypes.JSONMap(payload),
		Attempts:  1,
		CreatedAt: s.clock.Now(),
		UpdatedAt: s.clock.Now(),
	}

	if err := s.post(ctx, cl, body); err != nil {
		delivery.LastError = err.Error()
		s.log.Warn("client webhook delivery failed",
			zap.String("client_id", session.ClientID.String()),
			zap.String("session_id", session.ID.String()),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	} else {
		delivery.Delivered = true
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordRelayDelivery(ctx, delivery.Delivered)
	}
	return s.db.WithContext(ctx).Create(delivery).Error
}

func (s *Service) buildPayload(eventType string, session *sessiondomain.VerificationSession) map[string]any {
	payload := map[string]any{
		"event":           eventType,
		"session_id":      session.ID.String(),
		"external_ref_id": session.ExternalRefID,
		"status":          string(session.Status),
		"timestamp":       s.clock.Now().Unix(),
	}
	if session.Result != nil {
		payload["result"] = string(*session.Result)
	}
	if session.RejectReason != "" {
		payload["reject_reason"] = session.RejectReason
	}
	if len(session.Metadata) > 0 {
		payload["metadata"] = map[string]any(session.Metadata)
	}
	return payload
}

func (s *Service) post(ctx context.Context, cl *clientdomain.Client, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cl.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(s.clock.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Verihub-Timestamp", ts)
	req.Header.Set("X-Verihub-Signature", signPayload(cl.WebhookSecret, ts, body))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("client webhook returned %d", resp.StatusCode)
	}
	return nil
}

// signPayload computes hex(HMAC-SHA256(secret, timestamp + "." + body)) so
// clients can authenticate relayed events.
func signPayload(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
