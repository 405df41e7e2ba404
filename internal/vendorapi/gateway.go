package vendorapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/verihub/verihub/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrGatewayUnavailable marks vendor transport or upstream failures. Callers
// must leave session and ledger state untouched when they see it.
var ErrGatewayUnavailable = errors.New("vendor_gateway_unavailable")

// ErrUnknownSession is returned when the vendor has no record of the ref.
var ErrUnknownSession = errors.New("vendor_unknown_session")

// StatusResponse is the vendor's answer to a synchronous status query.
type StatusResponse struct {
	ExternalRefID string `json:"external_ref_id"`
	OnboardingID  string `json:"onboarding_id"`
	Status        string `json:"status"`
	Result        string `json:"result"`
	RejectReason  string `json:"reject_reason"`
}

// Gateway is the outbound interface to the verification vendor. The vendor's
// OCR/liveness/face-match pipeline is a black box behind it.
type Gateway interface {
	GetStatus(ctx context.Context, externalRefID string) (*StatusResponse, error)
}

type httpGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *zap.Logger
}

type Params struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

// NewHTTPGateway builds the vendor API client with a bounded timeout.
func NewHTTPGateway(p Params) Gateway {
	return &httpGateway{
		baseURL: strings.TrimRight(p.Cfg.VendorBaseURL, "/"),
		apiKey:  p.Cfg.VendorAPIKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     p.Log.Named("vendor.gateway"),
	}
}

func (g *httpGateway) GetStatus(ctx context.Context, externalRefID string) (*StatusResponse, error) {
	externalRefID = strings.TrimSpace(externalRefID)
	if externalRefID == "" {
		return nil, ErrUnknownSession
	}

	url := fmt.Sprintf("%s/v1/verifications/%s", g.baseURL, externalRefID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		g.log.Warn("vendor status query failed", zap.String("external_ref_id", externalRefID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUnknownSession
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: vendor returned %d", ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, err)
	}
	return &status, nil
}

var Module = fx.Module("vendor.gateway",
	fx.Provide(NewHTTPGateway),
)
