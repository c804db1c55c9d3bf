package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/catalog"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/config"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/database"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/events"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/metrics"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/models"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/payments"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testWebhookSecret = "whsec_test"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "commerce.db")), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func testCatalog() *catalog.Catalog {
	return catalog.New(testCatalogFile(), catalog.Options{})
}

// catalogWithPrice is the test catalog with planKey moved to a new price.
func catalogWithPrice(t *testing.T, planKey, priceID string) *catalog.Catalog {
	t.Helper()
	f := testCatalogFile()
	for i := range f.Plans {
		if f.Plans[i].Key == planKey {
			f.Plans[i].PriceID = priceID
		}
	}
	require.NoError(t, f.Validate())
	return catalog.New(f, catalog.Options{})
}

func testCatalogFile() *catalog.File {
	return &catalog.File{
		Plans: []catalog.Plan{
			{Key: "1-month", Name: "Monthly", DurationMonths: 1, PriceID: "price_1m", FallbackPrice: "$29.99", Active: true},
			{Key: "12-month", Name: "Yearly", DurationMonths: 12, PriceID: "price_12m", FallbackPrice: "$269.99", Active: true},
			{Key: "legacy", Name: "Legacy", DurationMonths: 1, PriceID: "price_legacy", Active: false},
		},
		Programs: []catalog.Program{
			{Slug: "advanced-strength-training", Name: "Advanced Strength Training", PriceID: "price_ast", PriceDisplay: "$49.99", Active: true},
			{Slug: "retired-yoga", Name: "Retired Yoga", PriceID: "price_yoga", PriceDisplay: "$19.99", Active: false},
		},
	}
}

// clock is a settable time source shared by every service under test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu       sync.Mutex
	keys     []string
	payloads [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

// Events decodes every published payload.
func (p *recordingPublisher) Events(t *testing.T) []events.Event {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, 0, len(p.payloads))
	for _, raw := range p.payloads {
		var evt events.Event
		require.NoError(t, json.Unmarshal(raw, &evt))
		out = append(out, evt)
	}
	return out
}

// fakeProvider is an in-memory payments.Provider.
type fakeProvider struct {
	mu        sync.Mutex
	seq       int
	customers map[string]*payments.Customer
	subs      map[string]*payments.Subscription
	calls     map[string]int

	// Errors returned by the next calls of the named operation.
	failWith map[string]error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		customers: map[string]*payments.Customer{},
		subs:      map[string]*payments.Subscription{},
		calls:     map[string]int{},
		failWith:  map[string]error{},
	}
}

func (p *fakeProvider) next(prefix string) string {
	p.seq++
	return prefix + strconv.Itoa(p.seq)
}

func (p *fakeProvider) begin(op string) error {
	p.calls[op]++
	return p.failWith[op]
}

func (p *fakeProvider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *fakeProvider) Fail(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failWith, op)
		return
	}
	p.failWith[op] = err
}

func (p *fakeProvider) PutSubscription(sub *payments.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[sub.ID] = sub
}

func (p *fakeProvider) FindCustomerByEmail(_ context.Context, email string) (*payments.Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("FindCustomerByEmail"); err != nil {
		return nil, err
	}
	return p.customers[email], nil
}

func (p *fakeProvider) CreateCustomer(_ context.Context, in payments.CustomerInput) (*payments.Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("CreateCustomer"); err != nil {
		return nil, err
	}
	c := &payments.Customer{ID: p.next("cus_"), Email: in.Email}
	p.customers[in.Email] = c
	return c, nil
}

func (p *fakeProvider) AttachPaymentMethod(_ context.Context, _, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.begin("AttachPaymentMethod")
}

func (p *fakeProvider) CreateSubscription(_ context.Context, in payments.SubscriptionInput) (*payments.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("CreateSubscription"); err != nil {
		return nil, err
	}
	sub := &payments.Subscription{
		ID:                 p.next("sub_"),
		CustomerID:         in.CustomerID,
		Status:             "incomplete",
		PriceID:            in.PriceID,
		CurrentPeriodStart: t0,
		CurrentPeriodEnd:   t0.AddDate(0, 1, 0),
		ClientSecret:       "pi_secret",
		Metadata:           in.Metadata,
		Created:            t0,
	}
	p.subs[sub.ID] = sub
	return sub, nil
}

func (p *fakeProvider) GetSubscription(_ context.Context, id string) (*payments.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("GetSubscription"); err != nil {
		return nil, err
	}
	sub, ok := p.subs[id]
	if !ok {
		return nil, payments.ErrNotFound
	}
	out := *sub
	return &out, nil
}

func (p *fakeProvider) SetCancelAtPeriodEnd(_ context.Context, id string, cancel bool) (*payments.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("SetCancelAtPeriodEnd"); err != nil {
		return nil, err
	}
	sub, ok := p.subs[id]
	if !ok {
		return nil, payments.ErrNotFound
	}
	sub.CancelAtPeriodEnd = cancel
	out := *sub
	return &out, nil
}

func (p *fakeProvider) CancelSubscription(_ context.Context, id string) (*payments.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("CancelSubscription"); err != nil {
		return nil, err
	}
	sub, ok := p.subs[id]
	if !ok {
		return nil, payments.ErrNotFound
	}
	sub.Status = "canceled"
	out := *sub
	return &out, nil
}

func (p *fakeProvider) CreateCheckoutSession(_ context.Context, in payments.CheckoutInput) (*payments.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("CreateCheckoutSession"); err != nil {
		return nil, err
	}
	id := p.next("cs_")
	return &payments.CheckoutSession{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

func (p *fakeProvider) GetPrice(_ context.Context, priceID string) (*payments.Price, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("GetPrice"); err != nil {
		return nil, err
	}
	return &payments.Price{ID: priceID, UnitAmount: 2999, Currency: "usd"}, nil
}

// testEnv wires every service against one SQLite database, one fake
// provider and one clock.
type testEnv struct {
	db         *gorm.DB
	clock      *clock
	provider   *fakeProvider
	pub        *recordingPublisher
	emitter    *events.Emitter
	catalog    *catalog.Catalog
	audit      *AuditLog
	store      *EntitlementStore
	customers  *CustomerRegistry
	checkout   *CheckoutService
	cancel     *CancelService
	webhooks   *WebhookService
	reconciler *Reconciler
	gate       *AccessGate
	auth       *AuthService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := openTestDB(t)
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	env := &testEnv{
		db:       db,
		clock:    &clock{now: t0},
		provider: newFakeProvider(),
		pub:      &recordingPublisher{},
		catalog:  testCatalog(),
	}
	env.emitter = events.NewEmitter(env.pub, 64)
	t.Cleanup(func() { _ = env.emitter.Close() })

	env.audit = NewAuditLog(db)
	env.store = NewEntitlementStore(db, env.catalog, env.audit)
	env.customers = NewCustomerRegistry(db, env.provider, env.audit)
	env.checkout = NewCheckoutService(db, CheckoutConfig{
		BillingEnvironment: config.BillingEnvTest,
		FrontendURL:        "https://app.fitcore.test",
	}, env.catalog, env.customers, env.store, env.provider, env.audit, m)
	env.cancel = NewCancelService(db, env.store, env.provider, env.audit, env.emitter)
	env.webhooks = NewWebhookService(db, WebhookConfig{
		Secret:             testWebhookSecret,
		BillingEnvironment: config.BillingEnvTest,
	}, env.catalog, env.store, env.cancel, env.provider, env.audit, m, env.emitter)
	env.reconciler = NewReconciler(db, ReconcilerConfig{
		PastDueGrace:      30 * 24 * time.Hour,
		StalePendingAfter: 24 * time.Hour,
		UnverifiedTTL:     7 * 24 * time.Hour,
		EventRetention:    72 * time.Hour,
		BatchSize:         2,
	}, env.store, env.provider, env.webhooks, env.audit, m, env.emitter)
	env.gate = NewAccessGate(env.store, m, "https://app.fitcore.test")
	env.auth = NewAuthService(db, &config.Config{
		AppEnv:           "test",
		JWTSecret:        "test-secret",
		JWTAccessExpiry:  15 * time.Minute,
		JWTRefreshExpiry: 24 * time.Hour,
	})

	now := env.clock.Now
	env.audit.now = now
	env.store.now = now
	env.checkout.now = now
	env.cancel.now = now
	env.webhooks.now = now
	env.reconciler.now = now
	return env
}

func (e *testEnv) createUser(t *testing.T, email string) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	require.NoError(t, err)
	u := &models.User{Email: email, Password: string(hash), EmailVerified: true}
	require.NoError(t, e.db.Create(u).Error)
	return u
}

func (e *testEnv) state(t *testing.T, userID uuid.UUID) *models.SubscriptionState {
	t.Helper()
	st, err := e.store.State(context.Background(), userID)
	require.NoError(t, err)
	return st
}

func (e *testEnv) purchase(t *testing.T, id uuid.UUID) *models.Purchase {
	t.Helper()
	var p models.Purchase
	require.NoError(t, e.db.Take(&p, "id = ?", id).Error)
	return &p
}

func (e *testEnv) auditActions(t *testing.T, userID uuid.UUID) []string {
	t.Helper()
	var entries []models.AuditEntry
	require.NoError(t, e.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&entries).Error)
	out := make([]string, 0, len(entries))
	for _, en := range entries {
		out = append(out, en.Action)
	}
	return out
}

// tx runs fn in a transaction and fails the test on error.
func (e *testEnv) tx(t *testing.T, fn func(tx *gorm.DB) error) {
	t.Helper()
	require.NoError(t, e.db.Transaction(fn))
}

// webhookEvent builds a verified event envelope around object.
func webhookEvent(t *testing.T, id, typ string, created time.Time, object any) WebhookEvent {
	t.Helper()
	obj, err := json.Marshal(object)
	require.NoError(t, err)
	return WebhookEvent{
		ID:      id,
		Type:    typ,
		Created: created.UTC().Truncate(time.Second),
		Object:  obj,
		Raw:     envelope(t, id, typ, created, obj),
	}
}

func envelope(t *testing.T, id, typ string, created time.Time, obj json.RawMessage) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        typ,
		"api_version": "2024-06-20",
		"created":     created.Unix(),
		"data":        map[string]any{"object": obj},
	})
	require.NoError(t, err)
	return raw
}

func signPayload(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + string(payload)))
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func subscriptionObject(id, customer, status, priceID string, start, end time.Time, cancelAtPeriodEnd bool) map[string]any {
	return map[string]any{
		"id":                   id,
		"object":               "subscription",
		"status":               status,
		"customer":             customer,
		"current_period_start": start.Unix(),
		"current_period_end":   end.Unix(),
		"cancel_at_period_end": cancelAtPeriodEnd,
		"items": map[string]any{"data": []map[string]any{{
			"price": map[string]any{"id": priceID},
		}}},
	}
}

func invoiceObject(id, customer, subID, reason, paymentIntent string, start, end time.Time) map[string]any {
	return map[string]any{
		"id":             id,
		"object":         "invoice",
		"customer":       customer,
		"subscription":   subID,
		"billing_reason": reason,
		"payment_intent": paymentIntent,
		"amount_paid":    2999,
		"currency":       "usd",
		"attempt_count":  1,
		"lines": map[string]any{"data": []map[string]any{{
			"period": map[string]any{"start": start.Unix(), "end": end.Unix()},
			"price":  map[string]any{"id": "price_1m"},
		}}},
	}
}

func eventID(n int) string { return fmt.Sprintf("evt_%03d", n) }
