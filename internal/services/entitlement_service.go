package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/catalog"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/dto"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/identity"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Snapshot is the provider's view of a subscription at ObservedAt.
type Snapshot struct {
	PlanKey                string
	ProviderSubscriptionID string
	Status                 models.SubscriptionStatus
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	CancelAtPeriodEnd      bool
	ObservedAt             time.Time
}

// EntitlementStore is the local projection of what each user owns. Reads
// take a context; writes take the caller's transaction and append an audit
// entry to it.
type EntitlementStore struct {
	db      *gorm.DB
	catalog *catalog.Catalog
	audit   *AuditLog
	now     func() time.Time
}

func NewEntitlementStore(db *gorm.DB, cat *catalog.Catalog, audit *AuditLog) *EntitlementStore {
	return &EntitlementStore{db: db, catalog: cat, audit: audit, now: time.Now}
}

// State returns the user's subscription row, or an unsaved "none" state.
func (s *EntitlementStore) State(ctx context.Context, userID uuid.UUID) (*models.SubscriptionState, error) {
	return loadState(s.db.WithContext(ctx), userID)
}

func loadState(db *gorm.DB, userID uuid.UUID) (*models.SubscriptionState, error) {
	var st models.SubscriptionState
	err := db.Where("user_id = ?", userID).Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.SubscriptionState{UserID: userID, Status: models.SubscriptionNone}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription state: %w", err)
	}
	return &st, nil
}

func (s *EntitlementStore) HasActiveSubscription(ctx context.Context, userID uuid.UUID) (bool, error) {
	st, err := s.State(ctx, userID)
	if err != nil {
		return false, err
	}
	return st.IsActive(s.now()), nil
}

func (s *EntitlementStore) Owns(ctx context.Context, userID uuid.UUID, slug string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.OwnedProgram{}).
		Scopes(identity.ForUser(userID)).
		Where("program_slug = ?", slug).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check ownership: %w", err)
	}
	return count > 0, nil
}

func (s *EntitlementStore) OwnedPrograms(ctx context.Context, userID uuid.UUID) ([]models.OwnedProgram, error) {
	var owned []models.OwnedProgram
	err := s.db.WithContext(ctx).Scopes(identity.ForUser(userID)).
		Order("granted_at ASC").
		Find(&owned).Error
	if err != nil {
		return nil, fmt.Errorf("list owned programs: %w", err)
	}
	return owned, nil
}

func (s *EntitlementStore) PurchaseHistory(ctx context.Context, userID uuid.UUID, limit int) ([]models.Purchase, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var purchases []models.Purchase
	err := s.db.WithContext(ctx).Scopes(identity.ForUser(userID)).
		Order("created_at DESC").
		Limit(limit).
		Find(&purchases).Error
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	return purchases, nil
}

// SubscriptionInfo is the denormalized view shown to the user.
func (s *EntitlementStore) SubscriptionInfo(ctx context.Context, userID uuid.UUID) (*dto.SubscriptionInfo, error) {
	st, err := s.State(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	info := &dto.SubscriptionInfo{
		IsActive:               st.IsActive(now),
		Status:                 string(st.Status),
		ProviderSubscriptionID: st.ProviderSubscriptionID,
		CurrentPeriodStart:     st.CurrentPeriodStart,
		CurrentPeriodEnd:       st.CurrentPeriodEnd,
		CancelAtPeriodEnd:      st.CancelAtPeriodEnd,
	}
	if st.Version > 0 {
		lu := st.LastUpdated
		info.LastUpdated = &lu
	}
	if st.PlanKey != "" {
		summary := &dto.PlanSummary{Key: st.PlanKey, Name: st.PlanKey}
		if p, ok := s.catalog.PlanByKey(st.PlanKey); ok && p.Name != "" {
			summary.Name = p.Name
		}
		info.Plan = summary
	}
	if info.IsActive {
		info.DaysRemaining = int(math.Ceil(st.CurrentPeriodEnd.Sub(now).Hours() / 24))
		if !st.CancelAtPeriodEnd && st.Status == models.SubscriptionActive {
			info.NextBillingDate = st.CurrentPeriodEnd
		}
	}
	return info, nil
}

// casState loads the user's row inside tx, lets mutate edit a copy, and
// writes it back only if nobody else bumped Version in between. mutate
// returning false leaves the row untouched.
func (s *EntitlementStore) casState(tx *gorm.DB, userID uuid.UUID, mutate func(st *models.SubscriptionState) bool) (before, after models.SubscriptionState, applied bool, err error) {
	cur, err := loadState(tx, userID)
	if err != nil {
		return before, after, false, err
	}
	before = *cur
	next := *cur
	if !mutate(&next) {
		return before, before, false, nil
	}

	wasPastDue := before.Status == models.SubscriptionPastDue
	switch {
	case next.Status == models.SubscriptionPastDue && !wasPastDue:
		since := next.LastUpdated
		next.PastDueSince = &since
	case next.Status != models.SubscriptionPastDue:
		next.PastDueSince = nil
	}

	next.UserID = userID
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now().UTC()

	if cur.Version == 0 {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&next)
		if res.Error != nil {
			return before, after, false, fmt.Errorf("create subscription state: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return before, after, false, ErrConflict
		}
		return before, next, true, nil
	}

	res := tx.Model(&models.SubscriptionState{}).
		Where("user_id = ? AND version = ?", userID, cur.Version).
		Updates(map[string]any{
			"plan_key":                 next.PlanKey,
			"provider_subscription_id": next.ProviderSubscriptionID,
			"status":                   next.Status,
			"current_period_start":     next.CurrentPeriodStart,
			"current_period_end":       next.CurrentPeriodEnd,
			"cancel_at_period_end":     next.CancelAtPeriodEnd,
			"last_updated":             next.LastUpdated,
			"past_due_since":           next.PastDueSince,
			"version":                  next.Version,
			"updated_at":               next.UpdatedAt,
		})
	if res.Error != nil {
		return before, after, false, fmt.Errorf("update subscription state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return before, after, false, ErrConflict
	}
	return before, next, true, nil
}

// transition runs casState and audits any change.
func (s *EntitlementStore) transition(tx *gorm.DB, userID uuid.UUID, action string, origin Origin, mutate func(st *models.SubscriptionState) bool) (bool, error) {
	before, after, applied, err := s.casState(tx, userID, mutate)
	if err != nil || !applied {
		return false, err
	}
	details := map[string]any{
		"from_status":          before.Status,
		"to_status":            after.Status,
		"plan":                 after.PlanKey,
		"cancel_at_period_end": after.CancelAtPeriodEnd,
		"last_updated":         after.LastUpdated,
	}
	if after.CurrentPeriodEnd != nil {
		details["current_period_end"] = *after.CurrentPeriodEnd
	}
	if before.ProviderSubscriptionID != after.ProviderSubscriptionID {
		details["subscription_id"] = before.ProviderSubscriptionID
	} else if after.ProviderSubscriptionID != "" {
		details["subscription_id"] = after.ProviderSubscriptionID
	}
	if err := s.audit.Append(tx, &userID, action, origin, details); err != nil {
		return false, err
	}
	return true, nil
}

// ApplySubscriptionSnapshot overwrites the state with snap unless a newer
// snapshot has already been applied.
func (s *EntitlementStore) ApplySubscriptionSnapshot(tx *gorm.DB, userID uuid.UUID, snap Snapshot, origin Origin) (bool, error) {
	applied, err := s.transition(tx, userID, ActionSnapshotApplied, origin, func(st *models.SubscriptionState) bool {
		if snap.ObservedAt.Before(st.LastUpdated) {
			return false
		}
		if snap.PlanKey != "" {
			st.PlanKey = snap.PlanKey
		}
		st.ProviderSubscriptionID = snap.ProviderSubscriptionID
		st.Status = snap.Status
		if snap.PeriodStart != nil {
			st.CurrentPeriodStart = utcPtr(snap.PeriodStart)
		}
		if snap.PeriodEnd != nil {
			st.CurrentPeriodEnd = utcPtr(snap.PeriodEnd)
		}
		st.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
		st.LastUpdated = snap.ObservedAt.UTC()
		return true
	})
	if err == nil && !applied {
		slog.Debug("stale subscription snapshot discarded",
			"user_id", userID, "event_id", origin.EventID, "observed_at", snap.ObservedAt)
	}
	return applied, err
}

// EndSubscription records that the provider terminated subscriptionID.
// Periods are kept for the record; identifiers are cleared.
func (s *EntitlementStore) EndSubscription(tx *gorm.DB, userID uuid.UUID, subscriptionID string, at time.Time, origin Origin) (bool, error) {
	return s.transition(tx, userID, ActionSubscriptionEnded, origin, func(st *models.SubscriptionState) bool {
		if at.Before(st.LastUpdated) || foreignSubscription(st, subscriptionID) {
			return false
		}
		st.Status = models.SubscriptionCancelled
		st.ProviderSubscriptionID = ""
		st.CancelAtPeriodEnd = false
		st.LastUpdated = at.UTC()
		return true
	})
}

// RenewPeriod records a paid invoice: the subscription is active and its
// window moves forward. A scheduled cancellation is left as it was.
func (s *EntitlementStore) RenewPeriod(tx *gorm.DB, userID uuid.UUID, subscriptionID, planKey string, start, end, at time.Time, origin Origin) (bool, error) {
	return s.transition(tx, userID, ActionRenewalRecorded, origin, func(st *models.SubscriptionState) bool {
		if at.Before(st.LastUpdated) || foreignSubscription(st, subscriptionID) {
			return false
		}
		st.Status = models.SubscriptionActive
		st.ProviderSubscriptionID = subscriptionID
		if planKey != "" {
			st.PlanKey = planKey
		}
		if !end.IsZero() && (st.CurrentPeriodEnd == nil || end.After(*st.CurrentPeriodEnd)) {
			st.CurrentPeriodStart = utcPtr(&start)
			st.CurrentPeriodEnd = utcPtr(&end)
		}
		st.LastUpdated = at.UTC()
		return true
	})
}

// MarkPastDue flags a failed renewal. Only a running subscription can become
// past due, and repeated failures do not restart the grace period.
func (s *EntitlementStore) MarkPastDue(tx *gorm.DB, userID uuid.UUID, subscriptionID string, at time.Time, origin Origin) (bool, error) {
	return s.transition(tx, userID, ActionPaymentFailed, origin, func(st *models.SubscriptionState) bool {
		if at.Before(st.LastUpdated) || foreignSubscription(st, subscriptionID) {
			return false
		}
		if st.Status != models.SubscriptionActive {
			return false
		}
		st.Status = models.SubscriptionPastDue
		st.LastUpdated = at.UTC()
		return true
	})
}

// CancelNow reflects an immediate user cancellation before the provider's
// webhook confirms it.
func (s *EntitlementStore) CancelNow(tx *gorm.DB, userID uuid.UUID, subscriptionID string, at time.Time, origin Origin) (bool, error) {
	return s.transition(tx, userID, ActionCancelRequested, origin, func(st *models.SubscriptionState) bool {
		if at.Before(st.LastUpdated) || foreignSubscription(st, subscriptionID) {
			return false
		}
		st.Status = models.SubscriptionCancelled
		st.CancelAtPeriodEnd = false
		st.LastUpdated = at.UTC()
		return true
	})
}

// MarkSubscriptionExpired ends a subscription whose period has run out:
// cancelled when cancellation was scheduled, expired otherwise. The
// transition is stamped at the period end so a later renewal still wins.
func (s *EntitlementStore) MarkSubscriptionExpired(tx *gorm.DB, userID uuid.UUID, origin Origin) (bool, error) {
	now := s.now()
	return s.transition(tx, userID, ActionSubscriptionExpired, origin, func(st *models.SubscriptionState) bool {
		if st.Status != models.SubscriptionActive && st.Status != models.SubscriptionPastDue {
			return false
		}
		if st.CurrentPeriodEnd == nil || st.CurrentPeriodEnd.After(now) {
			return false
		}
		if st.CancelAtPeriodEnd {
			st.Status = models.SubscriptionCancelled
		} else {
			st.Status = models.SubscriptionExpired
		}
		st.ProviderSubscriptionID = ""
		st.CancelAtPeriodEnd = false
		st.LastUpdated = latest(st.LastUpdated, *st.CurrentPeriodEnd)
		return true
	})
}

// EscalatePastDue cancels a subscription that stayed past due for grace.
func (s *EntitlementStore) EscalatePastDue(tx *gorm.DB, userID uuid.UUID, grace time.Duration, origin Origin) (bool, error) {
	cutoff := s.now().Add(-grace)
	return s.transition(tx, userID, ActionPastDueAutoCancel, origin, func(st *models.SubscriptionState) bool {
		if !pastDueLapsed(st, cutoff) {
			return false
		}
		st.Status = models.SubscriptionCancelled
		st.ProviderSubscriptionID = ""
		st.CancelAtPeriodEnd = false
		st.LastUpdated = latest(st.LastUpdated, pastDueStart(st).Add(grace))
		return true
	})
}

// pastDueStart is when grace began. Rows written before PastDueSince existed
// fall back to LastUpdated.
func pastDueStart(st *models.SubscriptionState) time.Time {
	if st.PastDueSince != nil {
		return *st.PastDueSince
	}
	return st.LastUpdated
}

func pastDueLapsed(st *models.SubscriptionState, cutoff time.Time) bool {
	return st.Status == models.SubscriptionPastDue && pastDueStart(st).Before(cutoff)
}

// AddOwnedProgram grants slug to the user. Granting twice is a no-op.
func (s *EntitlementStore) AddOwnedProgram(tx *gorm.DB, userID uuid.UUID, slug string, purchaseID *uuid.UUID, origin Origin) (bool, error) {
	owned := models.OwnedProgram{
		UserID:      userID,
		ProgramSlug: slug,
		PurchaseID:  purchaseID,
		GrantedAt:   s.now().UTC(),
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&owned)
	if res.Error != nil {
		return false, fmt.Errorf("grant program: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	details := map[string]any{"program": slug}
	if purchaseID != nil {
		details["purchase_id"] = purchaseID.String()
	}
	if err := s.audit.Append(tx, &userID, ActionProgramGranted, origin, details); err != nil {
		return false, err
	}
	return true, nil
}

func (s *EntitlementStore) RemoveOwnedProgram(tx *gorm.DB, userID uuid.UUID, slug string, origin Origin) (bool, error) {
	res := tx.Scopes(identity.ForUser(userID)).
		Where("program_slug = ?", slug).
		Delete(&models.OwnedProgram{})
	if res.Error != nil {
		return false, fmt.Errorf("revoke program: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	if err := s.audit.Append(tx, &userID, ActionProgramRevoked, origin, map[string]any{"program": slug}); err != nil {
		return false, err
	}
	return true, nil
}

var purchaseActions = map[models.PurchaseStatus]string{
	models.PurchaseCompleted: ActionPurchaseCompleted,
	models.PurchaseFailed:    ActionPurchaseFailed,
	models.PurchaseRefunded:  ActionPurchaseRefunded,
}

// TransitionPurchase moves p to next with a conditional update, so two
// writers cannot both finalize the same purchase. Repeating the current
// status is a no-op.
func (s *EntitlementStore) TransitionPurchase(tx *gorm.DB, p *models.Purchase, next models.PurchaseStatus, origin Origin, extra map[string]any) (bool, error) {
	if p.Status == next {
		return false, nil
	}
	if !p.CanTransition(next) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, next)
	}

	now := s.now().UTC()
	updates := map[string]any{"status": next}
	switch next {
	case models.PurchaseCompleted:
		updates["completed_at"] = now
	case models.PurchaseFailed:
		updates["failed_at"] = now
	case models.PurchaseRefunded:
		updates["refunded_at"] = now
	}
	for k, v := range extra {
		updates[k] = v
	}

	res := tx.Model(&models.Purchase{}).
		Where("id = ? AND status = ?", p.ID, p.Status).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("update purchase: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, ErrConflict
	}

	details := map[string]any{
		"purchase_id": p.ID.String(),
		"kind":        p.Kind,
		"from_status": p.Status,
		"to_status":   next,
	}
	if reason, ok := extra["failure_reason"]; ok {
		details["reason"] = reason
	}
	if err := s.audit.Append(tx, &p.UserID, purchaseActions[next], origin, details); err != nil {
		return false, err
	}

	p.Status = next
	switch next {
	case models.PurchaseCompleted:
		p.CompletedAt = &now
	case models.PurchaseFailed:
		p.FailedAt = &now
	case models.PurchaseRefunded:
		p.RefundedAt = &now
	}
	return true, nil
}

// foreignSubscription reports whether an event about subscriptionID concerns
// a subscription other than the one the user currently holds.
func foreignSubscription(st *models.SubscriptionState, subscriptionID string) bool {
	return subscriptionID != "" && st.ProviderSubscriptionID != "" && st.ProviderSubscriptionID != subscriptionID
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a.UTC()
	}
	return b.UTC()
}
