package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/catalog"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/dto"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/metrics"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/models"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/payments"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CheckoutConfig carries the settings checkout needs from config.Config.
type CheckoutConfig struct {
	BillingEnvironment string
	FrontendURL        string
}

// CheckoutService starts purchases: it checks eligibility, records a pending
// Purchase, then hands the user to the provider. A provider failure after the
// Purchase is written leaves it pending for the stale-pending sweep.
type CheckoutService struct {
	db        *gorm.DB
	cfg       CheckoutConfig
	catalog   *catalog.Catalog
	customers *CustomerRegistry
	store     *EntitlementStore
	provider  payments.Provider
	audit     *AuditLog
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewCheckoutService(
	db *gorm.DB,
	cfg CheckoutConfig,
	cat *catalog.Catalog,
	customers *CustomerRegistry,
	store *EntitlementStore,
	provider payments.Provider,
	audit *AuditLog,
	m *metrics.Metrics,
) *CheckoutService {
	return &CheckoutService{
		db:        db,
		cfg:       cfg,
		catalog:   cat,
		customers: customers,
		store:     store,
		provider:  provider,
		audit:     audit,
		metrics:   m,
		now:       time.Now,
	}
}

// StartSubscriptionCheckout creates a provider subscription for planKey. With
// a payment method the subscription is created directly and its client secret
// returned; without one a hosted checkout session is opened instead.
func (s *CheckoutService) StartSubscriptionCheckout(ctx context.Context, userID uuid.UUID, req *dto.CreateSubscriptionRequest, origin Origin) (resp *dto.SubscriptionCheckoutResponse, err error) {
	defer func() { s.metrics.Checkout(string(models.PurchaseSubscriptionStart), outcomeOf(err)) }()

	plan, err := s.catalog.ResolvePlan(req.Plan)
	if err != nil {
		return nil, err
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if req.Email != "" && !strings.EqualFold(strings.TrimSpace(req.Email), user.Email) {
		return nil, ErrEmailMismatch
	}

	state, err := s.store.State(ctx, userID)
	if err != nil {
		return nil, err
	}
	if state.IsActive(s.now()) {
		if state.PlanKey == plan.Key {
			return nil, ErrAlreadyEntitled
		}
		return nil, fmt.Errorf("%w: current plan %s", ErrSubscriptionConflict, state.PlanKey)
	}

	customerID, err := s.customers.GetOrCreateCustomer(ctx, user, req.PaymentMethodID, origin)
	if err != nil {
		return nil, err
	}

	purchase, err := s.createPending(ctx, user.ID, models.PurchaseSubscriptionStart, models.LineItem{
		PlanKey:   plan.Key,
		Quantity:  1,
		UnitPrice: s.catalog.PriceOfPlan(ctx, plan.Key),
	}, origin)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{
		"userId":     user.ID.String(),
		"planKey":    plan.Key,
		"purchaseId": purchase.ID.String(),
	}

	resp = &dto.SubscriptionCheckoutResponse{
		Customer: dto.CustomerDescriptor{ID: customerID},
		Subscription: dto.SubscriptionDescriptor{
			PlanKey:    plan.Key,
			PurchaseID: purchase.ID,
		},
	}

	if req.PaymentMethodID == "" {
		session, err := s.provider.CreateCheckoutSession(ctx, payments.CheckoutInput{
			CustomerID: customerID,
			PriceID:    plan.PriceID,
			Mode:       payments.ModeSubscription,
			SuccessURL: s.urlOr(req.SuccessURL, "/subscription/success"),
			CancelURL:  s.urlOr(req.CancelURL, "/pricing"),
			Metadata:   metadata,
		})
		if err != nil {
			return nil, s.providerFailed(purchase, err)
		}
		if err := s.setProviderRefs(ctx, purchase.ID, map[string]any{"provider_session_id": session.ID}); err != nil {
			return nil, err
		}
		resp.Subscription.Status = "checkout_pending"
		resp.Subscription.CheckoutURL = session.URL
		return resp, nil
	}

	sub, err := s.provider.CreateSubscription(ctx, payments.SubscriptionInput{
		CustomerID: customerID,
		PriceID:    plan.PriceID,
		Metadata:   metadata,
	})
	if err != nil {
		return nil, s.providerFailed(purchase, err)
	}
	if err := s.setProviderRefs(ctx, purchase.ID, map[string]any{"provider_subscription_id": sub.ID}); err != nil {
		return nil, err
	}

	resp.Subscription.ID = sub.ID
	resp.Subscription.Status = sub.Status
	resp.Subscription.ClientSecret = sub.ClientSecret
	resp.Subscription.HostedInvoiceURL = sub.HostedInvoiceURL
	if !sub.CurrentPeriodEnd.IsZero() {
		end := sub.CurrentPeriodEnd
		resp.Subscription.CurrentPeriodEnd = &end
	}

	slog.Info("subscription checkout started",
		"user_id", user.ID, "plan", plan.Key, "purchase_id", purchase.ID, "subscription_id", sub.ID)
	return resp, nil
}

// StartProgramCheckout opens a hosted one-time checkout for slug.
func (s *CheckoutService) StartProgramCheckout(ctx context.Context, userID uuid.UUID, slug string, req *dto.ProgramCheckoutRequest, origin Origin) (resp *dto.ProgramCheckoutResponse, err error) {
	defer func() { s.metrics.Checkout(string(models.PurchaseOneTimeProgram), outcomeOf(err)) }()

	program, err := s.catalog.ResolveProgram(slug)
	if err != nil {
		return nil, err
	}

	owned, err := s.store.Owns(ctx, userID, program.Slug)
	if err != nil {
		return nil, err
	}
	if owned {
		return nil, ErrAlreadyEntitled
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	customerID, err := s.customers.GetOrCreateCustomer(ctx, user, "", origin)
	if err != nil {
		return nil, err
	}

	purchase, err := s.createPending(ctx, user.ID, models.PurchaseOneTimeProgram, models.LineItem{
		ProgramSlug: program.Slug,
		Quantity:    1,
		UnitPrice:   program.PriceDisplay,
		Total:       program.PriceDisplay,
	}, origin)
	if err != nil {
		return nil, err
	}

	if req == nil {
		req = &dto.ProgramCheckoutRequest{}
	}
	session, err := s.provider.CreateCheckoutSession(ctx, payments.CheckoutInput{
		CustomerID: customerID,
		PriceID:    program.PriceID,
		Mode:       payments.ModePayment,
		SuccessURL: s.urlOr(req.SuccessURL, "/programs/"+program.Slug+"?purchase=success"),
		CancelURL:  s.urlOr(req.CancelURL, "/programs/"+program.Slug),
		Metadata: map[string]string{
			"userId":      user.ID.String(),
			"programSlug": program.Slug,
			"purchaseId":  purchase.ID.String(),
		},
	})
	if err != nil {
		return nil, s.providerFailed(purchase, err)
	}
	if err := s.setProviderRefs(ctx, purchase.ID, map[string]any{"provider_session_id": session.ID}); err != nil {
		return nil, err
	}

	slog.Info("program checkout started",
		"user_id", user.ID, "program", program.Slug, "purchase_id", purchase.ID, "session_id", session.ID)
	return &dto.ProgramCheckoutResponse{
		CheckoutURL: session.URL,
		SessionID:   session.ID,
		PurchaseID:  purchase.ID,
	}, nil
}

func (s *CheckoutService) loadUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Take(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	return &user, nil
}

func (s *CheckoutService) createPending(ctx context.Context, userID uuid.UUID, kind models.PurchaseKind, item models.LineItem, origin Origin) (*models.Purchase, error) {
	if item.Total == "" {
		item.Total = item.UnitPrice
	}
	purchase := &models.Purchase{
		UserID:             userID,
		Kind:               kind,
		Items:              datatypes.JSONSlice[models.LineItem]{item},
		Status:             models.PurchasePending,
		BillingEnvironment: s.cfg.BillingEnvironment,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(purchase).Error; err != nil {
			return fmt.Errorf("create purchase: %w", err)
		}
		return s.audit.Append(tx, &userID, ActionCheckoutStarted, origin, map[string]any{
			"purchase_id": purchase.ID.String(),
			"kind":        kind,
			"plan":        item.PlanKey,
			"program":     item.ProgramSlug,
		})
	})
	if err != nil {
		return nil, err
	}
	return purchase, nil
}

func (s *CheckoutService) setProviderRefs(ctx context.Context, purchaseID uuid.UUID, refs map[string]any) error {
	err := s.db.WithContext(ctx).Model(&models.Purchase{}).
		Where("id = ?", purchaseID).
		Updates(refs).Error
	if err != nil {
		return fmt.Errorf("store provider reference: %w", err)
	}
	return nil
}

func (s *CheckoutService) providerFailed(purchase *models.Purchase, err error) error {
	slog.Warn("provider call failed after pending purchase was recorded",
		"purchase_id", purchase.ID, "user_id", purchase.UserID, "error", err)
	return err
}

func (s *CheckoutService) urlOr(u, path string) string {
	if u != "" {
		return u
	}
	return s.cfg.FrontendURL + path
}

func outcomeOf(err error) string {
	var payErr *payments.PaymentError
	switch {
	case err == nil:
		return "started"
	case errors.Is(err, ErrAlreadyEntitled):
		return "already_entitled"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.As(err, &payErr):
		return "declined"
	default:
		return "rejected"
	}
}
