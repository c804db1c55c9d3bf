package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/events"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/metrics"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/models"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/payments"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Sweep names.
const (
	SweepExpiry       = "expiry"
	SweepPastDue      = "past-due"
	SweepStalePending = "stale-pending"
	SweepUnverified   = "unverified"
	SweepEvents       = "events"
)

// Sweeps lists every sweep in the order they are reported.
var Sweeps = []string{SweepExpiry, SweepPastDue, SweepStalePending, SweepUnverified, SweepEvents}

var ErrUnknownSweep = errors.New("unknown sweep")

type ReconcilerConfig struct {
	ExpiryInterval       time.Duration
	PastDueInterval      time.Duration
	StalePendingInterval time.Duration
	UnverifiedInterval   time.Duration
	EventPurgeInterval   time.Duration

	PastDueGrace      time.Duration
	StalePendingAfter time.Duration
	UnverifiedTTL     time.Duration
	EventRetention    time.Duration
	BatchSize         int
}

// Reconciler applies time-based transitions that no webhook will announce.
// Every row is handled in its own transaction, so one failure does not stop
// the sweep.
type Reconciler struct {
	db       *gorm.DB
	cfg      ReconcilerConfig
	store    *EntitlementStore
	provider payments.Provider
	webhooks *WebhookService
	audit    *AuditLog
	metrics  *metrics.Metrics
	emitter  *events.Emitter
	now      func() time.Time
	wg       sync.WaitGroup
}

func NewReconciler(
	db *gorm.DB,
	cfg ReconcilerConfig,
	store *EntitlementStore,
	provider payments.Provider,
	webhooks *WebhookService,
	audit *AuditLog,
	m *metrics.Metrics,
	emitter *events.Emitter,
) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		db:       db,
		cfg:      cfg,
		store:    store,
		provider: provider,
		webhooks: webhooks,
		audit:    audit,
		metrics:  m,
		emitter:  emitter,
		now:      time.Now,
	}
}

// Start runs each sweep on its own ticker until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	intervals := map[string]time.Duration{
		SweepExpiry:       r.cfg.ExpiryInterval,
		SweepPastDue:      r.cfg.PastDueInterval,
		SweepStalePending: r.cfg.StalePendingInterval,
		SweepUnverified:   r.cfg.UnverifiedInterval,
		SweepEvents:       r.cfg.EventPurgeInterval,
	}
	for _, name := range Sweeps {
		interval := intervals[name]
		if interval <= 0 {
			slog.Warn("reconciler sweep disabled", "sweep", name)
			continue
		}
		r.wg.Add(1)
		go r.loop(ctx, name, interval)
	}
	slog.Info("reconciler started")
}

// Wait blocks until every sweep loop has returned.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) loop(ctx context.Context, name string, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunSweep(ctx, name); err != nil && ctx.Err() == nil {
				slog.Error("reconciler sweep failed", "sweep", name, "error", err)
			}
		}
	}
}

// RunSweep runs one cycle of the named sweep and returns how many rows it
// changed.
func (r *Reconciler) RunSweep(ctx context.Context, name string) (int64, error) {
	var (
		n   int64
		err error
	)
	start := r.now()
	switch name {
	case SweepExpiry:
		n, err = r.sweepExpired(ctx)
	case SweepPastDue:
		n, err = r.sweepPastDue(ctx)
	case SweepStalePending:
		n, err = r.sweepStalePending(ctx)
	case SweepUnverified:
		n, err = r.sweepUnverified(ctx)
	case SweepEvents:
		n, err = r.webhooks.PurgeProcessed(ctx, start.Add(-r.cfg.EventRetention))
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownSweep, name)
	}
	r.metrics.ReconcilerTransitions(name, n)
	if n > 0 || err != nil {
		slog.Info("reconciler sweep finished", "sweep", name, "changed", n,
			"latency_ms", r.now().Sub(start).Milliseconds(), "error", err)
	}
	return n, err
}

// RunAll runs one cycle of every sweep concurrently.
func (r *Reconciler) RunAll(ctx context.Context) (map[string]int64, error) {
	var mu sync.Mutex
	counts := make(map[string]int64, len(Sweeps))

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range Sweeps {
		g.Go(func() error {
			n, err := r.RunSweep(ctx, name)
			mu.Lock()
			counts[name] = n
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("sweep %s: %w", name, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return counts, err
}

// RunManual is RunAll or RunSweep on an operator's request, audited.
func (r *Reconciler) RunManual(ctx context.Context, sweep string, origin Origin) (map[string]int64, error) {
	var (
		counts map[string]int64
		err    error
	)
	if sweep == "" || sweep == "all" {
		counts, err = r.RunAll(ctx)
	} else {
		var n int64
		n, err = r.RunSweep(ctx, sweep)
		if errors.Is(err, ErrUnknownSweep) {
			return nil, err
		}
		counts = map[string]int64{sweep: n}
	}
	auditErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		details := map[string]any{"sweep": sweep, "counts": counts}
		if err != nil {
			details["error"] = err.Error()
		}
		return r.audit.Append(tx, nil, ActionReconcilerManualRun, origin, details)
	})
	if auditErr != nil {
		slog.Error("failed to audit manual reconcile", "error", auditErr)
	}
	return counts, err
}

// perRow runs fn in its own transaction, retrying CAS conflicts.
func (r *Reconciler) perRow(ctx context.Context, fn func(tx *gorm.DB) (bool, error)) (bool, error) {
	var (
		changed bool
		err     error
	)
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			changed, txErr = fn(tx)
			return txErr
		})
		if !errors.Is(err, ErrConflict) {
			break
		}
	}
	return changed, err
}

func (r *Reconciler) sweepExpired(ctx context.Context) (int64, error) {
	now := r.now().UTC()
	var changed int64
	var batch []models.SubscriptionState
	res := r.db.WithContext(ctx).
		Where("status IN ? AND current_period_end <= ?",
			[]models.SubscriptionStatus{models.SubscriptionActive, models.SubscriptionPastDue}, now).
		FindInBatches(&batch, r.cfg.BatchSize, func(_ *gorm.DB, _ int) error {
			for _, st := range batch {
				if err := ctx.Err(); err != nil {
					return err
				}
				ok, err := r.perRow(ctx, func(tx *gorm.DB) (bool, error) {
					return r.store.MarkSubscriptionExpired(tx, st.UserID, reconcilerOrigin)
				})
				if err != nil {
					slog.Error("failed to expire subscription", "user_id", st.UserID, "error", err)
					continue
				}
				if ok {
					changed++
					r.emitter.Emit(events.Event{
						Type:       events.SubscriptionExpired,
						UserID:     st.UserID.String(),
						OccurredAt: r.now().UTC(),
						Data:       map[string]any{"plan": st.PlanKey, "periodEnd": st.CurrentPeriodEnd},
					})
				}
			}
			return nil
		})
	return changed, res.Error
}

func (r *Reconciler) sweepPastDue(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.cfg.PastDueGrace).UTC()
	var changed int64
	var batch []models.SubscriptionState
	res := r.db.WithContext(ctx).
		Where("status = ? AND COALESCE(past_due_since, last_updated) < ?", models.SubscriptionPastDue, cutoff).
		FindInBatches(&batch, r.cfg.BatchSize, func(_ *gorm.DB, _ int) error {
			for _, row := range batch {
				if err := ctx.Err(); err != nil {
					return err
				}
				// The batch may be minutes old by now. Only a row that is
				// still lapsed is cancelled at the provider.
				st, err := loadState(r.db.WithContext(ctx), row.UserID)
				if err != nil {
					slog.Error("failed to reload past-due subscription", "user_id", row.UserID, "error", err)
					continue
				}
				if !pastDueLapsed(st, r.now().Add(-r.cfg.PastDueGrace).UTC()) {
					continue
				}
				if st.ProviderSubscriptionID != "" {
					_, err := r.provider.CancelSubscription(ctx, st.ProviderSubscriptionID)
					switch {
					case err == nil, errors.Is(err, payments.ErrNotFound):
					case errors.Is(err, payments.ErrUnavailable):
						slog.Warn("provider unavailable, past-due cancel deferred",
							"user_id", st.UserID, "subscription_id", st.ProviderSubscriptionID)
						continue
					default:
						slog.Warn("provider cancel failed, cancelling locally",
							"user_id", st.UserID, "subscription_id", st.ProviderSubscriptionID, "error", err)
					}
				}
				ok, err := r.perRow(ctx, func(tx *gorm.DB) (bool, error) {
					return r.store.EscalatePastDue(tx, st.UserID, r.cfg.PastDueGrace, reconcilerOrigin)
				})
				if err != nil {
					slog.Error("failed to escalate past-due subscription", "user_id", st.UserID, "error", err)
					continue
				}
				if !ok {
					slog.Error("subscription recovered while its provider cancel was in flight",
						"user_id", st.UserID, "subscription_id", st.ProviderSubscriptionID)
					continue
				}
				changed++
				r.emitter.Emit(events.Event{
					Type:       events.SubscriptionCancelled,
					UserID:     st.UserID.String(),
					OccurredAt: r.now().UTC(),
					Data:       map[string]any{"subscriptionId": st.ProviderSubscriptionID, "reason": "past_due"},
				})
			}
			return nil
		})
	return changed, res.Error
}

func (r *Reconciler) sweepStalePending(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.cfg.StalePendingAfter).UTC()
	var changed int64
	var batch []models.Purchase
	res := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.PurchasePending, cutoff).
		FindInBatches(&batch, r.cfg.BatchSize, func(_ *gorm.DB, _ int) error {
			for i := range batch {
				p := batch[i]
				err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
					_, err := r.store.TransitionPurchase(tx, &p, models.PurchaseFailed, reconcilerOrigin,
						map[string]any{"failure_reason": "checkout abandoned"})
					return err
				})
				switch {
				case err == nil:
					changed++
				case errors.Is(err, ErrConflict):
					// Finalized by a webhook in the meantime.
				default:
					slog.Error("failed to fail stale purchase", "purchase_id", p.ID, "error", err)
				}
			}
			return nil
		})
	return changed, res.Error
}

func (r *Reconciler) sweepUnverified(ctx context.Context) (int64, error) {
	now := r.now().UTC()
	cutoff := now.Add(-r.cfg.UnverifiedTTL)
	var changed int64
	var batch []models.User
	res := r.db.WithContext(ctx).
		Where("email_verified = ? AND erased_at IS NULL AND created_at < ?", false, cutoff).
		FindInBatches(&batch, r.cfg.BatchSize, func(_ *gorm.DB, _ int) error {
			for i := range batch {
				u := batch[i]
				erased := false
				err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
					var purchases int64
					if err := tx.Model(&models.Purchase{}).Where("user_id = ?", u.ID).Count(&purchases).Error; err != nil {
						return fmt.Errorf("count purchases: %w", err)
					}
					if u.StripeCustomerID == nil && purchases == 0 {
						return deleteUser(tx, r.audit, &u, systemOrigin)
					}
					erased = true
					return eraseUser(tx, r.audit, &u, now, systemOrigin)
				})
				if err != nil {
					if !errors.Is(err, ErrConflict) {
						slog.Error("failed to remove unverified account", "user_id", u.ID, "error", err)
					}
					continue
				}
				changed++
				if erased {
					r.emitter.Emit(events.Event{Type: events.AccountErased, UserID: u.ID.String(), OccurredAt: now})
				}
			}
			return nil
		})
	return changed, res.Error
}
