package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	apikeydomain "github.com/verihub/verihub/internal/apikey/domain"
	clientdomain "github.com/verihub/verihub/internal/client/domain"
	"github.com/verihub/verihub/internal/clock"
	"github.com/verihub/verihub/internal/config"
	invoicedomain "github.com/verihub/verihub/internal/invoice/domain"
	ledgerdomain "github.com/verihub/verihub/internal/ledger/domain"
	paymentdomain "github.com/verihub/verihub/internal/payment/domain"
	sessiondomain "github.com/verihub/verihub/internal/session/domain"
	"github.com/verihub/verihub/internal/vendorapi"
	webhookdomain "github.com/verihub/verihub/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeSessionService struct {
	lastCreate sessiondomain.CreateRequest
	createErr  error
	resp       *sessiondomain.Response
}

func (f *fakeSessionService) Create(ctx context.Context, req sessiondomain.CreateRequest) (*sessiondomain.Response, error) {
	_ = ctx
	f.lastCreate = req
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.resp, nil
}

func (f *fakeSessionService) Get(ctx context.Context, clientID, id snowflake.ID) (*sessiondomain.Response, error) {
	_ = ctx
	_ = clientID
	_ = id
	if f.resp == nil {
		return nil, sessiondomain.ErrNotFound
	}
	return f.resp, nil
}

func (f *fakeSessionService) Refresh(ctx context.Context, clientID, id snowflake.ID) (*sessiondomain.Response, error) {
	return f.Get(ctx, clientID, id)
}

func (f *fakeSessionService) ApplyVendorStatus(ctx context.Context, externalRefID string, update sessiondomain.VendorUpdate) (*sessiondomain.VerificationSession, bool, error) {
	_ = ctx
	_ = externalRefID
	_ = update
	return nil, false, nil
}

type fakeWebhookService struct {
	result *webhookdomain.Result
	err    error
}

func (f *fakeWebhookService) Ingest(ctx context.Context, cb vendorapi.Callback) (*webhookdomain.Result, error) {
	_ = ctx
	_ = cb
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeLedgerService struct {
	balance int64
}

func (f *fakeLedgerService) AppendTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.AppendRequest) (*ledgerdomain.CreditLedgerEntry, error) {
	_ = ctx
	_ = tx
	_ = req
	return nil, nil
}

func (f *fakeLedgerService) Append(ctx context.Context, req ledgerdomain.AppendRequest) (*ledgerdomain.CreditLedgerEntry, error) {
	_ = ctx
	_ = req
	return nil, nil
}

func (f *fakeLedgerService) Balance(ctx context.Context, clientID snowflake.ID, productCode string) (int64, error) {
	_ = ctx
	_ = clientID
	_ = productCode
	return f.balance, nil
}

func (f *fakeLedgerService) BalanceTx(ctx context.Context, tx *gorm.DB, clientID snowflake.ID, productCode string) (int64, error) {
	_ = tx
	return f.Balance(ctx, clientID, productCode)
}

func (f *fakeLedgerService) List(ctx context.Context, clientID snowflake.ID, productCode string, limit int) ([]ledgerdomain.CreditLedgerEntry, error) {
	_ = ctx
	_ = clientID
	_ = productCode
	_ = limit
	return nil, nil
}

type fakeInvoiceService struct {
	preview *invoicedomain.Preview
	err     error
}

func (f *fakeInvoiceService) Preview(ctx context.Context, clientID snowflake.ID, productCode string) (*invoicedomain.Preview, error) {
	_ = ctx
	_ = clientID
	_ = productCode
	if f.err != nil {
		return nil, f.err
	}
	return f.preview, nil
}

func (f *fakeInvoiceService) Generate(ctx context.Context, clientID snowflake.ID, productCode string) (*invoicedomain.Invoice, error) {
	_ = ctx
	_ = clientID
	_ = productCode
	return nil, f.err
}

func (f *fakeInvoiceService) CleanupStuck(ctx context.Context, clientID snowflake.ID) (int64, error) {
	_ = ctx
	_ = clientID
	return 0, nil
}

func (f *fakeInvoiceService) Get(ctx context.Context, clientID, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	_ = ctx
	_ = clientID
	_ = invoiceID
	return nil, invoicedomain.ErrNotFound
}

func (f *fakeInvoiceService) List(ctx context.Context, clientID snowflake.ID, limit int) ([]invoicedomain.Invoice, error) {
	_ = ctx
	_ = clientID
	_ = limit
	return nil, nil
}

type fakePaymentService struct {
	err error
}

func (f *fakePaymentService) Record(ctx context.Context, req paymentdomain.RecordRequest) (*paymentdomain.Payment, error) {
	_ = ctx
	if f.err != nil {
		return nil, f.err
	}
	return &paymentdomain.Payment{
		ClientID:         req.ClientID,
		InvoiceID:        req.InvoiceID,
		TotalAmountCents: req.TotalAmountCents,
	}, nil
}

type serverFixture struct {
	engine   *gin.Engine
	db       *gorm.DB
	genID    *snowflake.Node
	sessions *fakeSessionService
	webhooks *fakeWebhookService
	ledger   *fakeLedgerService
	invoices *fakeInvoiceService
	payments *fakePaymentService
	clientID snowflake.ID
	apiKey   string
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	if err := db.AutoMigrate(&clientdomain.Client{}, &apikeydomain.APIKey{}); err != nil {
		t.Fatal(err)
	}

	node, _ := snowflake.NewNode(1)
	clientID := node.Generate()
	if err := db.Create(&clientdomain.Client{ID: clientID, Name: "Acme Fintech", Timezone: "UTC"}).Error; err != nil {
		t.Fatal(err)
	}

	rawKey := "vk_test_" + clientID.String()
	if err := db.Exec(
		`INSERT INTO api_keys (id, client_id, key_hash, scopes, is_active, created_at)
		 VALUES (?, ?, ?, ?, true, CURRENT_TIMESTAMP)`,
		int64(node.Generate()), int64(clientID), apikeydomain.HashAPIKey(rawKey), "{}",
	).Error; err != nil {
		t.Fatal(err)
	}

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	f := &serverFixture{
		engine:   engine,
		db:       db,
		genID:    node,
		sessions: &fakeSessionService{},
		webhooks: &fakeWebhookService{result: &webhookdomain.Result{}},
		ledger:   &fakeLedgerService{},
		invoices: &fakeInvoiceService{},
		payments: &fakePaymentService{},
		clientID: clientID,
		apiKey:   rawKey,
	}

	NewServer(ServerParams{
		Engine:   engine,
		Cfg:      config.Config{},
		DB:       db,
		Log:      zap.NewNop(),
		Clock:    clock.NewSystemClock(),
		Sessions: f.sessions,
		Webhooks: f.webhooks,
		Ledger:   f.ledger,
		Invoices: f.invoices,
		Payments: f.payments,
	})

	return f
}

func (f *serverFixture) request(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func TestAPIKeyAuth(t *testing.T) {
	f := newServerFixture(t)
	f.sessions.resp = &sessiondomain.Response{ID: "1", ProductCode: "identity_check", Status: vendorapi.StatusPending}

	rec := f.request(t, http.MethodPost, "/v1/sessions", gin.H{"product_code": "identity_check"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewBufferString(`{"product_code":"identity_check"}`))
	req.Header.Set("Authorization", "Bearer wrong-key")
	wrong := httptest.NewRecorder()
	f.engine.ServeHTTP(wrong, req)
	assert.Equal(t, http.StatusUnauthorized, wrong.Code)

	rec = f.request(t, http.MethodPost, "/v1/sessions", gin.H{"product_code": "identity_check"}, true)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, f.clientID, f.sessions.lastCreate.ClientID)
	assert.Equal(t, "identity_check", f.sessions.lastCreate.ProductCode)
}

func TestAPIKeyAuth_ScopedKeyAccepted(t *testing.T) {
	f := newServerFixture(t)
	f.sessions.resp = &sessiondomain.Response{ID: "1", ProductCode: "identity_check", Status: vendorapi.StatusPending}

	scopedKey := "vk_test_scoped_" + f.clientID.String()
	require.NoError(t, f.db.Exec(
		`INSERT INTO api_keys (id, client_id, key_hash, scopes, is_active, created_at)
		 VALUES (?, ?, ?, ?, true, CURRENT_TIMESTAMP)`,
		int64(f.genID.Generate()), int64(f.clientID),
		apikeydomain.HashAPIKey(scopedKey), "{sessions:read,sessions:write}",
	).Error)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewBufferString(`{"product_code":"identity_check"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+scopedKey)
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, f.clientID, f.sessions.lastCreate.ClientID)
}

func TestDecodeScopes(t *testing.T) {
	scopes, err := decodeScopes(sql.NullString{})
	require.NoError(t, err)
	assert.Empty(t, scopes)

	scopes, err = decodeScopes(sql.NullString{String: "{}", Valid: true})
	require.NoError(t, err)
	assert.Empty(t, scopes)

	scopes, err = decodeScopes(sql.NullString{String: "{sessions:read,ledger:read}", Valid: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"sessions:read", "ledger:read"}, scopes)
}

func TestCreateSession_Validation(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request(t, http.MethodPost, "/v1/sessions", gin.H{}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validation_error", body.Error.Type)
	assert.Len(t, body.Error.Errors, 1)
	assert.Equal(t, "product_code", body.Error.Errors[0].Field)
}

func TestCreateSession_InsufficientCreditsMapsTo402(t *testing.T) {
	f := newServerFixture(t)
	f.sessions.createErr = sessiondomain.ErrInsufficientCredits

	rec := f.request(t, http.MethodPost, "/v1/sessions", gin.H{"product_code": "identity_check"}, true)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	var body errorResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "insufficient_credits", body.Error.Type)
}

func TestVendorWebhook(t *testing.T) {
	f := newServerFixture(t)
	f.webhooks.result = &webhookdomain.Result{Duplicate: true}

	rec := f.request(t, http.MethodPost, "/v1/webhooks/vendor", gin.H{
		"external_ref_id": "ref-1",
		"status":          "SUCCESS",
		"timestamp":       1700000000,
		"signature":       "sig",
	}, false)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data struct {
			Duplicate bool `json:"duplicate"`
		} `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Data.Duplicate)
}

func TestVendorWebhook_BadSignatureMapsTo401(t *testing.T) {
	f := newServerFixture(t)
	f.webhooks.err = vendorapi.ErrInvalidSignature

	rec := f.request(t, http.MethodPost, "/v1/webhooks/vendor", gin.H{
		"external_ref_id": "ref-1",
		"status":          "SUCCESS",
	}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetBalance(t *testing.T) {
	f := newServerFixture(t)
	f.ledger.balance = 150

	rec := f.request(t, http.MethodGet, "/v1/balance", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code) // product_code required

	rec = f.request(t, http.MethodGet, "/v1/balance?product_code=identity_check", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data struct {
			Balance int64 `json:"balance"`
		} `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(150), body.Data.Balance)
}

func TestAdminStuckInvoiceMapsTo409(t *testing.T) {
	f := newServerFixture(t)
	f.invoices.err = invoicedomain.ErrStuckInvoice

	rec := f.request(t, http.MethodGet,
		fmt.Sprintf("/admin/clients/%s/invoice-preview?product_code=identity_check", f.clientID), nil, false)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var body errorResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "conflict", body.Error.Type)
	assert.Equal(t, "stuck_invoice_pending", body.Error.Message)
}
