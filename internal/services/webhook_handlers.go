package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/catalog"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/dto"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/events"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/models"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/payments"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type validatable interface {
	Validate() error
}

func decodeObject(evt WebhookEvent, into validatable) error {
	if len(evt.Object) == 0 {
		return fmt.Errorf("%w: %s has no data.object", ErrMalformedEvent, evt.Type)
	}
	if err := json.Unmarshal(evt.Object, into); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, evt.Type, err)
	}
	if err := into.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, evt.Type, err)
	}
	return nil
}

// providerStatus maps a provider subscription status onto the local set.
// ok is false for statuses that carry no entitlement decision yet.
func providerStatus(status string) (models.SubscriptionStatus, bool) {
	switch status {
	case "active", "trialing":
		return models.SubscriptionActive, true
	case "past_due", "unpaid":
		return models.SubscriptionPastDue, true
	case "canceled":
		return models.SubscriptionCancelled, true
	case "paused":
		return models.SubscriptionExpired, true
	default:
		return "", false
	}
}

func unixTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func event(typ string, userID uuid.UUID, at time.Time, data map[string]any) events.Event {
	return events.Event{Type: typ, UserID: userID.String(), OccurredAt: at, Data: data}
}

// findPurchase locates the purchase a checkout refers to: metadata first,
// then the session id, then the subscription id.
func findPurchase(tx *gorm.DB, metadataID, sessionID, subscriptionID string) (*models.Purchase, error) {
	var p models.Purchase
	if id, err := uuid.Parse(metadataID); err == nil {
		err := tx.Take(&p, "id = ?", id).Error
		if err == nil {
			return &p, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("load purchase: %w", err)
		}
	}
	if sessionID != "" {
		err := tx.Where("provider_session_id = ?", sessionID).Take(&p).Error
		if err == nil {
			return &p, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("load purchase: %w", err)
		}
	}
	if subscriptionID != "" {
		found, err := startPurchase(tx, subscriptionID)
		if err != nil || found != nil {
			return found, err
		}
	}
	return nil, ErrPurchaseNotFound
}

// startPurchase returns the newest subscription-start purchase for the
// subscription, or nil.
func startPurchase(tx *gorm.DB, subscriptionID string) (*models.Purchase, error) {
	var p models.Purchase
	err := tx.Where("provider_subscription_id = ? AND kind = ?", subscriptionID, models.PurchaseSubscriptionStart).
		Order("created_at DESC").
		Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load purchase: %w", err)
	}
	return &p, nil
}

// resolveUser finds the account behind a provider object: by linked
// customer first, then by the userId stamped into metadata at checkout.
func resolveUser(tx *gorm.DB, customerID, metadataUserID string) (uuid.UUID, error) {
	if customerID != "" {
		var u models.User
		err := tx.Select("id").Where("stripe_customer_id = ?", customerID).Take(&u).Error
		if err == nil {
			return u.ID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, fmt.Errorf("lookup customer: %w", err)
		}
	}
	if id, err := uuid.Parse(metadataUserID); err == nil {
		var u models.User
		err := tx.Select("id").Take(&u, "id = ?", id).Error
		if err == nil {
			return u.ID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, fmt.Errorf("lookup user: %w", err)
		}
	}
	return uuid.Nil, fmt.Errorf("%w: customer %q", ErrUserNotFound, customerID)
}

// completePurchase finalizes a checkout. A purchase the stale-pending sweep
// already failed stays failed; the entitlement is still granted because the
// provider took the money, and the provider refs are kept so a later refund
// can find it.
func (s *WebhookService) completePurchase(tx *gorm.DB, p *models.Purchase, origin Origin, extra map[string]any) error {
	switch p.Status {
	case models.PurchasePending:
		_, err := s.store.TransitionPurchase(tx, p, models.PurchaseCompleted, origin, extra)
		return err
	case models.PurchaseFailed:
		slog.Warn("payment completed for a purchase already marked failed",
			"purchase_id", p.ID, "user_id", p.UserID, "event_id", origin.EventID)
		if len(extra) > 0 {
			err := tx.Model(&models.Purchase{}).
				Where("id = ? AND status = ?", p.ID, models.PurchaseFailed).
				Updates(extra).Error
			if err != nil {
				return fmt.Errorf("record late payment: %w", err)
			}
		}
		details := map[string]any{"purchase_id": p.ID.String(), "kind": p.Kind}
		for k, v := range extra {
			details[k] = v
		}
		return s.audit.Append(tx, &p.UserID, ActionPaidAfterFailure, origin, details)
	}
	return nil
}

func (s *WebhookService) onCheckoutCompleted(ctx context.Context, evt WebhookEvent) (applyFunc, error) {
	var session dto.StripeCheckoutSession
	if err := decodeObject(evt, &session); err != nil {
		return nil, err
	}
	if session.PaymentStatus == "unpaid" {
		// Delayed payment methods finish with async_payment_succeeded.
		slog.Info("checkout completed without payment yet", "event_id", evt.ID, "session_id", session.ID)
		return func(*gorm.DB) ([]events.Event, error) { return nil, nil }, nil
	}
	origin := WebhookOrigin(evt.ID)

	if session.Mode == payments.ModePayment {
		return func(tx *gorm.DB) ([]events.Event, error) {
			p, err := findPurchase(tx, session.Metadata["purchaseId"], session.ID, "")
			if err != nil {
				return nil, err
			}
			if uid := session.Metadata["userId"]; uid != "" && uid != p.UserID.String() {
				return nil, fmt.Errorf("%w: session user does not own purchase", ErrMalformedEvent)
			}
			slug := p.ProgramSlug()
			if ms := session.Metadata["programSlug"]; ms != "" && ms != slug {
				return nil, fmt.Errorf("%w: program %q does not match purchase", ErrMalformedEvent, ms)
			}
			if _, ok := s.catalog.ProgramBySlug(slug); !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownProgram, slug)
			}
			granted, err := s.store.AddOwnedProgram(tx, p.UserID, slug, &p.ID, origin)
			if err != nil {
				return nil, err
			}
			extra := map[string]any{"provider_session_id": session.ID}
			if pi := session.PaymentIntent.String(); pi != "" {
				extra["provider_payment_intent_id"] = pi
			}
			if err := s.completePurchase(tx, p, origin, extra); err != nil {
				return nil, err
			}
			if !granted {
				return nil, nil
			}
			return []events.Event{event(events.ProgramGranted, p.UserID, evt.Created,
				map[string]any{"program": slug, "purchaseId": p.ID.String()})}, nil
		}, nil
	}

	sub, err := s.provider.GetSubscription(ctx, session.Subscription.String())
	if err != nil {
		return nil, fmt.Errorf("fetch subscription %s: %w", session.Subscription, err)
	}
	status, known := providerStatus(sub.Status)

	return func(tx *gorm.DB) ([]events.Event, error) {
		p, err := findPurchase(tx, session.Metadata["purchaseId"], session.ID, sub.ID)
		if err != nil {
			return nil, err
		}
		if uid := session.Metadata["userId"]; uid != "" && uid != p.UserID.String() {
			return nil, fmt.Errorf("%w: session user does not own purchase", ErrMalformedEvent)
		}
		planKey := p.PlanKey()
		if plan, ok := s.catalog.PlanByPriceID(sub.PriceID); ok {
			planKey = plan.Key
		}

		var out []events.Event
		if known {
			applied, err := s.store.ApplySubscriptionSnapshot(tx, p.UserID, Snapshot{
				PlanKey:                planKey,
				ProviderSubscriptionID: sub.ID,
				Status:                 status,
				PeriodStart:            &sub.CurrentPeriodStart,
				PeriodEnd:              &sub.CurrentPeriodEnd,
				CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
				ObservedAt:             evt.Created,
			}, origin)
			if err != nil {
				return nil, err
			}
			if applied && status == models.SubscriptionActive {
				out = append(out, event(events.SubscriptionActivated, p.UserID, evt.Created,
					map[string]any{"plan": planKey, "subscriptionId": sub.ID}))
			}
		}
		if err := s.completePurchase(tx, p, origin, map[string]any{
			"provider_session_id":      session.ID,
			"provider_subscription_id": sub.ID,
		}); err != nil {
			return nil, err
		}
		return out, nil
	}, nil
}

// onCheckoutFailed handles async payment failure and session expiry.
func (s *WebhookService) onCheckoutFailed(_ context.Context, evt WebhookEvent) (applyFunc, error) {
	var session dto.StripeCheckoutSession
	if err := decodeObject(evt, &session); err != nil {
		return nil, err
	}
	origin := WebhookOrigin(evt.ID)
	reason := "checkout session expired"
	if evt.Type == "checkout.session.async_payment_failed" {
		reason = "asynchronous payment failed"
	}
	return func(tx *gorm.DB) ([]events.Event, error) {
		p, err := findPurchase(tx, session.Metadata["purchaseId"], session.ID, "")
		if err != nil {
			return nil, err
		}
		if p.Status != models.PurchasePending {
			return nil, nil
		}
		_, err = s.store.TransitionPurchase(tx, p, models.PurchaseFailed, origin, map[string]any{"failure_reason": reason})
		return nil, err
	}, nil
}

func (s *WebhookService) onSubscriptionUpdated(_ context.Context, evt WebhookEvent) (applyFunc, error) {
	var sub dto.StripeSubscription
	if err := decodeObject(evt, &sub); err != nil {
		return nil, err
	}
	origin := WebhookOrigin(evt.ID)

	planKey := ""
	if priceID := sub.PriceID(); priceID != "" {
		plan, ok := s.catalog.PlanByPriceID(priceID)
		if !ok {
			return nil, fmt.Errorf("%w: subscription %s has price %s", ErrUnknownPlan, sub.ID, priceID)
		}
		planKey = plan.Key
	}
	status, known := providerStatus(sub.Status)

	return func(tx *gorm.DB) ([]events.Event, error) {
		userID, err := resolveUser(tx, sub.Customer.String(), sub.Metadata["userId"])
		if err != nil {
			return nil, err
		}

		if !known {
			if sub.Status == "incomplete_expired" {
				// The first payment never succeeded; the checkout is over.
				p, err := startPurchase(tx, sub.ID)
				if err != nil {
					return nil, err
				}
				if p != nil && p.Status == models.PurchasePending {
					if _, err := s.store.TransitionPurchase(tx, p, models.PurchaseFailed, origin,
						map[string]any{"failure_reason": "initial payment never completed"}); err != nil {
						return nil, err
					}
				}
			}
			slog.Info("subscription status carries no entitlement change",
				"event_id", evt.ID, "subscription_id", sub.ID, "status", sub.Status)
			return nil, nil
		}

		start, end := sub.Period()
		before, err := loadState(tx, userID)
		if err != nil {
			return nil, err
		}
		applied, err := s.store.ApplySubscriptionSnapshot(tx, userID, Snapshot{
			PlanKey:                planKey,
			ProviderSubscriptionID: sub.ID,
			Status:                 status,
			PeriodStart:            unixTime(start),
			PeriodEnd:              unixTime(end),
			CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
			ObservedAt:             evt.Created,
		}, origin)
		if err != nil || !applied {
			return nil, err
		}

		data := map[string]any{"subscriptionId": sub.ID, "status": status, "plan": planKey}
		switch {
		case status == models.SubscriptionActive && before.Status != models.SubscriptionActive && before.Status != models.SubscriptionPastDue:
			return []events.Event{event(events.SubscriptionActivated, userID, evt.Created, data)}, nil
		case status == models.SubscriptionCancelled:
			return []events.Event{event(events.SubscriptionCancelled, userID, evt.Created, data)}, nil
		default:
			return []events.Event{event(events.SubscriptionUpdated, userID, evt.Created, data)}, nil
		}
	}, nil
}

func (s *WebhookService) onSubscriptionDeleted(_ context.Context, evt WebhookEvent) (applyFunc, error) {
	var sub dto.StripeSubscription
	if err := decodeObject(evt, &sub); err != nil {
		return nil, err
	}
	origin := WebhookOrigin(evt.ID)
	return func(tx *gorm.DB) ([]events.Event, error) {
		userID, err := resolveUser(tx, sub.Customer.String(), sub.Metadata["userId"])
		if err != nil {
			return nil, err
		}
		ended, err := s.store.EndSubscription(tx, userID, sub.ID, evt.Created, origin)
		if err != nil || !ended {
			return nil, err
		}
		return []events.Event{event(events.SubscriptionCancelled, userID, evt.Created,
			map[string]any{"subscriptionId": sub.ID})}, nil
	}, nil
}

func (s *WebhookService) invoiceUser(tx *gorm.DB, inv *dto.StripeInvoice) (uuid.UUID, error) {
	metaUser := ""
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		metaUser = inv.Parent.SubscriptionDetails.Metadata["userId"]
	}
	userID, err := resolveUser(tx, inv.Customer.String(), metaUser)
	if err == nil || !errors.Is(err, ErrUserNotFound) {
		return userID, err
	}
	p, perr := startPurchase(tx, inv.SubscriptionID())
	if perr != nil {
		return uuid.Nil, perr
	}
	if p == nil {
		return uuid.Nil, err
	}
	return p.UserID, nil
}

func (s *WebhookService) onInvoicePaid(_ context.Context, evt WebhookEvent) (applyFunc, error) {
	var inv dto.StripeInvoice
	if err := decodeObject(evt, &inv); err != nil {
		return nil, err
	}
	subID := inv.SubscriptionID()
	if subID == "" {
		slog.Info("one-off invoice ignored", "event_id", evt.ID, "invoice_id", inv.ID)
		return func(*gorm.DB) ([]events.Event, error) { return nil, nil }, nil
	}
	planKey := ""
	if priceID := inv.PriceID(); priceID != "" {
		if plan, ok := s.catalog.PlanByPriceID(priceID); ok {
			planKey = plan.Key
		}
	}
	origin := WebhookOrigin(evt.ID)
	start, end := inv.Period()

	return func(tx *gorm.DB) ([]events.Event, error) {
		userID, err := s.invoiceUser(tx, &inv)
		if err != nil {
			return nil, err
		}
		if planKey == "" {
			st, err := loadState(tx, userID)
			if err != nil {
				return nil, err
			}
			planKey = st.PlanKey
		}

		switch inv.BillingReason {
		case "subscription_create":
			if err := s.completeStart(tx, subID, inv.PaymentIntent.String(), inv.ID, origin); err != nil {
				return nil, err
			}
		case "subscription_cycle":
			if err := s.recordRenewal(tx, userID, planKey, &inv, origin); err != nil {
				return nil, err
			}
		}

		var startAt, endAt time.Time
		if t := unixTime(start); t != nil {
			startAt = *t
		}
		if t := unixTime(end); t != nil {
			endAt = *t
		}
		renewed, err := s.store.RenewPeriod(tx, userID, subID, planKey, startAt, endAt, evt.Created, origin)
		if err != nil || !renewed {
			return nil, err
		}
		return []events.Event{event(events.SubscriptionUpdated, userID, evt.Created,
			map[string]any{"subscriptionId": subID, "invoiceId": inv.ID, "reason": inv.BillingReason})}, nil
	}, nil
}

// completeStart finalizes the purchase of a directly created subscription
// and keeps the payment intent for refund matching.
func (s *WebhookService) completeStart(tx *gorm.DB, subID, paymentIntent, invoiceID string, origin Origin) error {
	p, err := startPurchase(tx, subID)
	if err != nil || p == nil {
		return err
	}
	extra := map[string]any{"provider_invoice_id": invoiceID}
	if paymentIntent != "" {
		extra["provider_payment_intent_id"] = paymentIntent
	}
	if p.Status == models.PurchasePending {
		_, err := s.store.TransitionPurchase(tx, p, models.PurchaseCompleted, origin, extra)
		return err
	}
	if p.ProviderPaymentIntentID == "" {
		if err := tx.Model(&models.Purchase{}).Where("id = ?", p.ID).Updates(extra).Error; err != nil {
			return fmt.Errorf("store invoice refs: %w", err)
		}
	}
	return nil
}

// recordRenewal adds one completed renewal purchase per invoice.
func (s *WebhookService) recordRenewal(tx *gorm.DB, userID uuid.UUID, planKey string, inv *dto.StripeInvoice, origin Origin) error {
	var count int64
	if err := tx.Model(&models.Purchase{}).Where("provider_invoice_id = ?", inv.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("lookup renewal: %w", err)
	}
	if count > 0 {
		return nil
	}
	total := catalog.FormatAmount(inv.AmountPaid, inv.Currency)
	p := &models.Purchase{
		UserID:                  userID,
		Kind:                    models.PurchaseSubscriptionRenewal,
		ProviderSubscriptionID:  inv.SubscriptionID(),
		ProviderPaymentIntentID: inv.PaymentIntent.String(),
		ProviderInvoiceID:       inv.ID,
		Items: []models.LineItem{{
			PlanKey:   planKey,
			Quantity:  1,
			UnitPrice: total,
			Total:     total,
		}},
		Status:             models.PurchasePending,
		BillingEnvironment: s.billing,
	}
	if err := tx.Create(p).Error; err != nil {
		return fmt.Errorf("create renewal purchase: %w", err)
	}
	_, err := s.store.TransitionPurchase(tx, p, models.PurchaseCompleted, origin, nil)
	return err
}

func (s *WebhookService) onInvoiceFailed(_ context.Context, evt WebhookEvent) (applyFunc, error) {
	var inv dto.StripeInvoice
	if err := decodeObject(evt, &inv); err != nil {
		return nil, err
	}
	subID := inv.SubscriptionID()
	if subID == "" {
		return func(*gorm.DB) ([]events.Event, error) { return nil, nil }, nil
	}
	origin := WebhookOrigin(evt.ID)
	reason := fmt.Sprintf("invoice %s payment failed (attempt %d)", inv.ID, inv.AttemptCount)

	return func(tx *gorm.DB) ([]events.Event, error) {
		userID, err := s.invoiceUser(tx, &inv)
		if err != nil {
			return nil, err
		}
		if err := recordFailure(tx, subID, inv.ID, reason); err != nil {
			return nil, err
		}
		if inv.BillingReason == "subscription_create" {
			// The subscription never became active; the purchase stays
			// pending until the provider retries or the session expires.
			return nil, nil
		}
		marked, err := s.store.MarkPastDue(tx, userID, subID, evt.Created, origin)
		if err != nil || !marked {
			return nil, err
		}
		return []events.Event{event(events.PaymentFailed, userID, evt.Created,
			map[string]any{"subscriptionId": subID, "invoiceId": inv.ID, "attempt": inv.AttemptCount})}, nil
	}, nil
}

// recordFailure bumps the failure counter on the purchase linked to the
// invoice, or on the pending start purchase of the subscription.
func recordFailure(tx *gorm.DB, subID, invoiceID, reason string) error {
	updates := map[string]any{
		"failure_count":  gorm.Expr("failure_count + 1"),
		"failure_reason": truncate(reason, 500),
	}
	res := tx.Model(&models.Purchase{}).Where("provider_invoice_id = ?", invoiceID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("record payment failure: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	err := tx.Model(&models.Purchase{}).
		Where("provider_subscription_id = ? AND kind = ? AND status = ?", subID, models.PurchaseSubscriptionStart, models.PurchasePending).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("record payment failure: %w", err)
	}
	return nil
}

func (s *WebhookService) onChargeRefunded(_ context.Context, evt WebhookEvent) (applyFunc, error) {
	var charge dto.StripeCharge
	if err := decodeObject(evt, &charge); err != nil {
		return nil, err
	}
	origin := WebhookOrigin(evt.ID)
	return func(tx *gorm.DB) ([]events.Event, error) {
		var p models.Purchase
		err := tx.Where("provider_payment_intent_id = ?", charge.PaymentIntent.String()).
			Order("created_at DESC").
			Take(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: payment intent %s", ErrPurchaseNotFound, charge.PaymentIntent)
		}
		if err != nil {
			return nil, fmt.Errorf("load purchase: %w", err)
		}

		if !charge.Refunded {
			return nil, s.audit.Append(tx, &p.UserID, ActionPartialRefund, origin, map[string]any{
				"purchase_id":     p.ID.String(),
				"amount_refunded": catalog.FormatAmount(charge.AmountRefunded, charge.Currency),
			})
		}
		refunded, err := s.cancel.ApplyRefund(tx, &p, origin)
		if err != nil || !refunded {
			return nil, err
		}
		return []events.Event{event(events.PurchaseRefunded, p.UserID, evt.Created,
			map[string]any{"purchaseId": p.ID.String(), "kind": p.Kind, "program": p.ProgramSlug()})}, nil
	}, nil
}
