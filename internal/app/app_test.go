package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/apierr"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/config"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/database"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/dto"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/payments"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/routes"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79/webhook"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	webhookSecret = "whsec_app"
	adminToken    = "op-token"
)

// stubProvider answers every call with canned data.
type stubProvider struct {
	mu  sync.Mutex
	seq int
}

func (p *stubProvider) id(prefix string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return fmt.Sprintf("%s_%d", prefix, p.seq)
}

func (p *stubProvider) FindCustomerByEmail(context.Context, string) (*payments.Customer, error) {
	return nil, nil
}

func (p *stubProvider) CreateCustomer(_ context.Context, in payments.CustomerInput) (*payments.Customer, error) {
	return &payments.Customer{ID: p.id("cus"), Email: in.Email}, nil
}

func (p *stubProvider) AttachPaymentMethod(context.Context, string, string) error { return nil }

func (p *stubProvider) CreateSubscription(_ context.Context, in payments.SubscriptionInput) (*payments.Subscription, error) {
	now := time.Now().UTC()
	return &payments.Subscription{
		ID: p.id("sub"), CustomerID: in.CustomerID, Status: "incomplete", PriceID: in.PriceID,
		CurrentPeriodStart: now, CurrentPeriodEnd: now.AddDate(0, 1, 0), ClientSecret: "pi_secret",
		Metadata: in.Metadata, Created: now,
	}, nil
}

func (p *stubProvider) GetSubscription(context.Context, string) (*payments.Subscription, error) {
	return nil, payments.ErrNotFound
}

func (p *stubProvider) SetCancelAtPeriodEnd(context.Context, string, bool) (*payments.Subscription, error) {
	return nil, payments.ErrNotFound
}

func (p *stubProvider) CancelSubscription(context.Context, string) (*payments.Subscription, error) {
	return nil, payments.ErrNotFound
}

func (p *stubProvider) CreateCheckoutSession(context.Context, payments.CheckoutInput) (*payments.CheckoutSession, error) {
	id := p.id("cs")
	return &payments.CheckoutSession{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

func (p *stubProvider) GetPrice(_ context.Context, priceID string) (*payments.Price, error) {
	if priceID == "price_fitcore_12m" {
		return nil, payments.ErrUnavailable
	}
	return &payments.Price{ID: priceID, UnitAmount: 1999, Currency: "usd"}, nil
}

type testServer struct {
	app       *fiber.App
	container *Container
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "app.db")), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	cfg := &config.Config{
		AppEnv:                  "test",
		JWTSecret:               "app-secret",
		JWTAccessExpiry:         15 * time.Minute,
		JWTRefreshExpiry:        24 * time.Hour,
		StripeSecretKey:         "sk_test_app",
		StripeWebhookSecret:     webhookSecret,
		CatalogPath:             filepath.Join("..", "..", "configs", "catalog.yaml"),
		FallbackPrice:           "Contact us",
		PriceCacheTTL:           time.Hour,
		FrontendURL:             "https://app.fitcore.test",
		MetricsEnabled:          true,
		AdminToken:              adminToken,
		ProcessedEventRetention: 72 * time.Hour,
	}

	c, err := New(cfg, db, Options{Provider: &stubProvider{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	server := fiber.New(fiber.Config{ErrorHandler: apierr.ErrorHandler})
	routes.Setup(server, cfg, db, c.Handlers(), c.Auth, c.Gate, c.Registry)
	return &testServer{app: server, container: c}
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body any, headers ...string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func (s *testServer) register(t *testing.T, email string) string {
	t.Helper()
	status, body := s.do(t, http.MethodPost, "/api/v1/auth/register", "", dto.RegisterRequest{Email: email, Password: "password123"})
	require.Equal(t, http.StatusCreated, status, body)
	return body["data"].(map[string]any)["access_token"].(string)
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["data"].(map[string]any)["db"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestPlans_DisplayPricesWithFallback(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodGet, "/api/v1/subscriptions/plans", "", nil)
	require.Equal(t, http.StatusOK, status)

	prices := map[string]string{}
	for _, raw := range body["data"].(map[string]any)["plans"].([]any) {
		p := raw.(map[string]any)
		prices[p["key"].(string)] = p["displayPrice"].(string)
	}
	assert.Equal(t, "$19.99", prices["1-month"])
	assert.Equal(t, "$269.99", prices["12-month"], "provider outage falls back to the catalog price")
}

func TestSubscriptionCheckoutFlow(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "flow@example.com")

	status, body := s.do(t, http.MethodGet, "/api/v1/auth/me", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "flow@example.com", body["data"].(map[string]any)["email"])

	status, body = s.do(t, http.MethodPost, "/api/v1/subscriptions/create", token,
		dto.CreateSubscriptionRequest{Plan: "1-month", PaymentMethodID: "pm_card_visa"})
	require.Equal(t, http.StatusCreated, status, body)
	sub := body["data"].(map[string]any)["subscription"].(map[string]any)
	assert.Equal(t, "pi_secret", sub["clientSecret"])

	// Nothing is granted until the provider confirms payment.
	status, body = s.do(t, http.MethodGet, "/api/v1/entitlements/subscription", token, nil)
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, dto.CodeEntitlementRequired, errorCode(body))
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "https://app.fitcore.test/subscribe", details["suggestedAction"])

	status, body = s.do(t, http.MethodPost, "/api/v1/subscriptions/create", token,
		dto.CreateSubscriptionRequest{Plan: "lifetime"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, dto.CodeUnknownPlan, errorCode(body))
}

func TestProgramRoutes(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "lifter@example.com")

	status, _ := s.do(t, http.MethodGet, "/api/v1/programs/advanced-strength-training", "", nil)
	assert.Equal(t, http.StatusOK, status)

	status, body := s.do(t, http.MethodGet, "/api/v1/programs/advanced-strength-training/content", token, nil)
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, dto.CodeEntitlementRequired, errorCode(body))

	status, body = s.do(t, http.MethodPost, "/api/v1/programs/advanced-strength-training/purchase", token, dto.ProgramCheckoutRequest{})
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body["data"].(map[string]any)["checkoutUrl"], "https://checkout.stripe.test/")

	status, _ = s.do(t, http.MethodGet, "/api/v1/programs/my-programs", token, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestProtectedRoutesRejectBadTokens(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodGet, "/api/v1/subscriptions/user/current", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, dto.CodeUnauthorized, errorCode(body))

	token := s.register(t, "revoked@example.com")
	status, _ = s.do(t, http.MethodPost, "/api/v1/auth/logout-all", token, nil)
	require.Equal(t, http.StatusOK, status)

	status, body = s.do(t, http.MethodGet, "/api/v1/subscriptions/user/current", token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, dto.CodeInvalidToken, errorCode(body))
}

func TestWebhookEndpoint(t *testing.T) {
	s := newTestServer(t)
	payload := []byte(`{"id":"evt_app_1","object":"event","type":"customer.created","api_version":"2024-06-20","created":` +
		fmt.Sprint(time.Now().Unix()) + `,"data":{"object":{"id":"cus_1","object":"customer"}}}`)

	post := func(header string) (int, map[string]any) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Stripe-Signature", header)
		resp, err := s.app.Test(req, -1)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp.StatusCode, out
	}

	status, body := post("t=1,v1=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, dto.CodeInvalidSignature, errorCode(body))

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    webhookSecret,
		Timestamp: time.Now(),
	})
	status, body = post(signed.Header)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ignored", body["outcome"])

	status, body = post(signed.Header)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "duplicate", body["outcome"])
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, http.MethodGet, "/api/v1/admin/audit", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	userToken := s.register(t, "plain@example.com")
	status, body := s.do(t, http.MethodGet, "/api/v1/admin/audit", userToken, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, dto.CodeForbidden, errorCode(body))

	status, body = s.do(t, http.MethodPost, "/api/v1/admin/reconciler/run?sweep=expiry", "", nil, "X-Admin-Token", adminToken)
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body["data"].(map[string]any)["counts"], "expiry")

	status, body = s.do(t, http.MethodPost, "/api/v1/admin/reconciler/run?sweep=bogus", "", nil, "X-Admin-Token", adminToken)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, dto.CodeValidation, errorCode(body))

	status, body = s.do(t, http.MethodGet, "/api/v1/admin/audit?action=reconciler.manual_run", "", nil, "X-Admin-Token", adminToken)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"].(map[string]any)["entries"], 1)

	status, _ = s.do(t, http.MethodGet, "/api/v1/admin/audit?userId=nope", "", nil, "X-Admin-Token", adminToken)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = s.do(t, http.MethodPost, "/api/v1/admin/webhooks/evt_missing/redrive", "", nil, "X-Admin-Token", adminToken)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, dto.CodeNotFound, errorCode(body))

	status, body = s.do(t, http.MethodPost, "/api/v1/admin/catalog/reload", "", nil, "X-Admin-Token", adminToken)
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 4, body["data"].(map[string]any)["plans"])
}
