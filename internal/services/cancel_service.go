package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/dto"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/events"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/models"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/payments"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CancelService handles user-initiated cancellation and the refund hook used
// by the webhook ingestor.
type CancelService struct {
	db       *gorm.DB
	store    *EntitlementStore
	provider payments.Provider
	audit    *AuditLog
	emitter  *events.Emitter
	now      func() time.Time
}

func NewCancelService(db *gorm.DB, store *EntitlementStore, provider payments.Provider, audit *AuditLog, emitter *events.Emitter) *CancelService {
	return &CancelService{db: db, store: store, provider: provider, audit: audit, emitter: emitter, now: time.Now}
}

// CancelSubscription cancels at period end or immediately. Local state is
// left for the provider's webhook to update, except that an immediate cancel
// is reflected right away. Cancelling an already cancelled subscription
// succeeds without calling the provider.
func (s *CancelService) CancelSubscription(ctx context.Context, userID uuid.UUID, subscriptionID string, atPeriodEnd bool, origin Origin) (*dto.CancelSubscriptionResponse, error) {
	state, err := s.store.State(ctx, userID)
	if err != nil {
		return nil, err
	}

	if state.Status == models.SubscriptionCancelled {
		return &dto.CancelSubscriptionResponse{Status: string(state.Status), AtPeriodEnd: atPeriodEnd, AlreadyCancelled: true}, nil
	}
	if !state.IsActive(s.now()) {
		return nil, ErrNoSubscription
	}
	if subscriptionID != "" && subscriptionID != state.ProviderSubscriptionID {
		return nil, ErrNoSubscription
	}
	if atPeriodEnd && state.CancelAtPeriodEnd {
		return &dto.CancelSubscriptionResponse{Status: string(state.Status), AtPeriodEnd: true, AlreadyCancelled: true}, nil
	}
	subID := state.ProviderSubscriptionID

	if atPeriodEnd {
		if _, err := s.provider.SetCancelAtPeriodEnd(ctx, subID, true); err != nil {
			return nil, fmt.Errorf("schedule cancellation: %w", err)
		}
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.audit.Append(tx, &userID, ActionCancelRequested, origin, map[string]any{
				"subscription_id": subID,
				"at_period_end":   true,
			})
		})
		if err != nil {
			return nil, err
		}
		slog.Info("subscription cancellation scheduled", "user_id", userID, "subscription_id", subID)
		return &dto.CancelSubscriptionResponse{Status: string(state.Status), AtPeriodEnd: true}, nil
	}

	sub, err := s.provider.CancelSubscription(ctx, subID)
	if err != nil && !errors.Is(err, payments.ErrNotFound) {
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}
	at := s.now().UTC()
	if sub != nil && sub.CanceledAt != nil {
		at = sub.CanceledAt.UTC()
	}

	err = s.retryOnConflict(ctx, func(tx *gorm.DB) error {
		_, err := s.store.CancelNow(tx, userID, subID, at, origin)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(events.Event{
		Type:       events.SubscriptionCancelled,
		UserID:     userID.String(),
		OccurredAt: s.now().UTC(),
		Data:       map[string]any{"subscriptionId": subID, "immediate": true},
	})
	slog.Info("subscription cancelled immediately", "user_id", userID, "subscription_id", subID)
	return &dto.CancelSubscriptionResponse{Status: string(models.SubscriptionCancelled)}, nil
}

// ApplyRefund is the refund hook. A fully refunded program purchase loses its
// program; a refunded subscription purchase keeps the subscription running
// until the provider or an operator ends it.
func (s *CancelService) ApplyRefund(tx *gorm.DB, purchase *models.Purchase, origin Origin) (bool, error) {
	if purchase.Status == models.PurchaseFailed {
		return s.refundLatePayment(tx, purchase, origin)
	}
	changed, err := s.store.TransitionPurchase(tx, purchase, models.PurchaseRefunded, origin, nil)
	if err != nil || !changed {
		return changed, err
	}
	if purchase.Kind == models.PurchaseOneTimeProgram {
		if slug := purchase.ProgramSlug(); slug != "" {
			if _, err := s.store.RemoveOwnedProgram(tx, purchase.UserID, slug, origin); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// refundLatePayment handles a refund of a payment that settled after its
// purchase was failed. The purchase stays failed; only a program this
// purchase granted is taken back.
func (s *CancelService) refundLatePayment(tx *gorm.DB, p *models.Purchase, origin Origin) (bool, error) {
	details := map[string]any{"purchase_id": p.ID.String(), "kind": p.Kind}
	if slug := p.ProgramSlug(); p.Kind == models.PurchaseOneTimeProgram && slug != "" {
		var owned models.OwnedProgram
		err := tx.Where("user_id = ? AND program_slug = ? AND purchase_id = ?", p.UserID, slug, p.ID).Take(&owned).Error
		switch {
		case err == nil:
			if _, err := s.store.RemoveOwnedProgram(tx, p.UserID, slug, origin); err != nil {
				return false, err
			}
			details["program"] = slug
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return false, fmt.Errorf("load owned program: %w", err)
		}
	}
	if err := s.audit.Append(tx, &p.UserID, ActionLatePaymentRefund, origin, details); err != nil {
		return false, err
	}
	return true, nil
}

func (s *CancelService) retryOnConflict(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}
