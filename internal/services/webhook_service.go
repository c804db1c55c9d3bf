package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/catalog"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/events"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/metrics"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/models"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/payments"
	"github.com/stripe/stripe-go/v79"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxConflictRetries = 3

// Webhook outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeDead      = "dead"
)

// errDuplicate aborts a transaction whose event was recorded concurrently.
var errDuplicate = errors.New("event already processed")

// WebhookEvent is the verified envelope: id, type, creation time and the
// raw data.object. Raw keeps the full body for dead-event re-drive.
type WebhookEvent struct {
	ID      string
	Type    string
	Created time.Time
	Object  json.RawMessage
	Raw     []byte
}

// applyFunc mutates state inside the webhook transaction and returns the
// domain events to publish after commit.
type applyFunc func(tx *gorm.DB) ([]events.Event, error)

// handlerFunc validates the payload and performs any provider lookups before
// a transaction is opened.
type handlerFunc func(ctx context.Context, evt WebhookEvent) (applyFunc, error)

// WebhookService ingests provider events exactly once per event id.
type WebhookService struct {
	db       *gorm.DB
	secret   string
	billing  string
	catalog  *catalog.Catalog
	store    *EntitlementStore
	cancel   *CancelService
	provider payments.Provider
	audit    *AuditLog
	metrics  *metrics.Metrics
	emitter  *events.Emitter
	handlers map[string]handlerFunc
	now      func() time.Time
}

type WebhookConfig struct {
	Secret             string
	BillingEnvironment string
}

func NewWebhookService(
	db *gorm.DB,
	cfg WebhookConfig,
	cat *catalog.Catalog,
	store *EntitlementStore,
	cancel *CancelService,
	provider payments.Provider,
	audit *AuditLog,
	m *metrics.Metrics,
	emitter *events.Emitter,
) *WebhookService {
	s := &WebhookService{
		db:       db,
		secret:   cfg.Secret,
		billing:  cfg.BillingEnvironment,
		catalog:  cat,
		store:    store,
		cancel:   cancel,
		provider: provider,
		audit:    audit,
		metrics:  m,
		emitter:  emitter,
		now:      time.Now,
	}
	s.handlers = map[string]handlerFunc{
		"checkout.session.completed":               s.onCheckoutCompleted,
		"checkout.session.async_payment_succeeded": s.onCheckoutCompleted,
		"checkout.session.async_payment_failed":    s.onCheckoutFailed,
		"checkout.session.expired":                 s.onCheckoutFailed,
		"customer.subscription.created":            s.onSubscriptionUpdated,
		"customer.subscription.updated":            s.onSubscriptionUpdated,
		"customer.subscription.deleted":            s.onSubscriptionDeleted,
		"invoice.payment_succeeded":                s.onInvoicePaid,
		"invoice.payment_failed":                   s.onInvoiceFailed,
		"charge.refunded":                          s.onChargeRefunded,
	}
	return s
}

// Ingest verifies the signature and processes the event. A signature failure
// returns payments.ErrInvalidSignature before the body is parsed. A signed
// body that does not decode is acknowledged as dead. A non-nil error
// otherwise means the provider should redeliver.
func (s *WebhookService) Ingest(ctx context.Context, payload []byte, signature string) (string, error) {
	verified, err := payments.VerifyEvent(payload, signature, s.secret)
	switch {
	case errors.Is(err, payments.ErrMalformedPayload):
		s.metrics.WebhookEvent("unknown", "malformed")
		slog.Error("signed webhook payload does not decode", "error", err, "size", len(payload))
		return OutcomeDead, nil
	case err != nil:
		s.metrics.WebhookEvent("unknown", "invalid_signature")
		return "", err
	}
	return s.Process(ctx, fromStripeEvent(verified, payload), false)
}

func fromStripeEvent(e stripe.Event, raw []byte) WebhookEvent {
	evt := WebhookEvent{
		ID:      e.ID,
		Type:    string(e.Type),
		Created: time.Unix(e.Created, 0).UTC(),
		Raw:     raw,
	}
	if e.Data != nil {
		evt.Object = e.Data.Raw
	}
	return evt
}

// DecodeEvent parses a stored payload without signature verification. Only
// used for payloads that were verified when first received.
func DecodeEvent(raw []byte) (WebhookEvent, error) {
	var e stripe.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return fromStripeEvent(e, raw), nil
}

// Process runs the idempotence protocol for one event.
func (s *WebhookService) Process(ctx context.Context, evt WebhookEvent, redrive bool) (outcome string, err error) {
	defer func() {
		if err != nil {
			outcome = "retry"
		}
		s.metrics.WebhookEvent(evt.Type, outcome)
		if err != nil {
			outcome = ""
		}
	}()

	if evt.ID == "" {
		slog.Warn("webhook event without id dropped", "event_type", evt.Type)
		return OutcomeDead, nil
	}

	if !redrive {
		seen, err := s.seen(ctx, evt.ID)
		if err != nil {
			return "", err
		}
		if seen {
			slog.Info("duplicate webhook ignored", "event_id", evt.ID, "event_type", evt.Type)
			return OutcomeDuplicate, nil
		}
	}

	handler, ok := s.handlers[evt.Type]
	if !ok {
		slog.Info("unhandled webhook event type", "event_id", evt.ID, "event_type", evt.Type)
		if err := s.record(ctx, evt, models.EventIgnored, nil, redrive); err != nil {
			return "", err
		}
		return OutcomeIgnored, nil
	}

	apply, err := handler(ctx, evt)
	var published []events.Event
	if err == nil {
		for attempt := 1; attempt <= maxConflictRetries; attempt++ {
			published, err = s.commit(ctx, evt, apply, redrive)
			if !errors.Is(err, ErrConflict) {
				break
			}
			slog.Warn("webhook state conflict, retrying", "event_id", evt.ID, "attempt", attempt)
		}
	}

	switch {
	case err == nil:
		for _, e := range published {
			s.emitter.Emit(e)
		}
		slog.Info("webhook processed", "event_id", evt.ID, "event_type", evt.Type, "redrive", redrive)
		return OutcomeProcessed, nil
	case errors.Is(err, errDuplicate):
		return OutcomeDuplicate, nil
	case IsRetryable(err):
		slog.Error("webhook processing failed, will be retried",
			"event_id", evt.ID, "event_type", evt.Type, "error", err)
		return "", err
	default:
		slog.Error("webhook event dead-lettered",
			"event_id", evt.ID, "event_type", evt.Type, "error", err)
		if recErr := s.record(ctx, evt, models.EventDead, err, redrive); recErr != nil {
			return "", recErr
		}
		return OutcomeDead, nil
	}
}

func (s *WebhookService) commit(ctx context.Context, evt WebhookEvent, apply applyFunc, redrive bool) ([]events.Event, error) {
	var published []events.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out, err := apply(tx)
		if err != nil {
			return err
		}
		// Recording the event is the last statement of the transaction.
		if err := s.markProcessed(tx, evt, redrive); err != nil {
			return err
		}
		published = out
		return nil
	})
	return published, err
}

func (s *WebhookService) markProcessed(tx *gorm.DB, evt WebhookEvent, redrive bool) error {
	if redrive {
		res := tx.Model(&models.ProcessedEvent{}).
			Where("event_id = ? AND status = ?", evt.ID, models.EventDead).
			Updates(map[string]any{"status": models.EventProcessed, "error": "", "payload": nil})
		if res.Error != nil {
			return fmt.Errorf("mark redriven: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errDuplicate
		}
		return s.audit.Append(tx, nil, ActionWebhookRedriven, Origin{Actor: models.ActorOperator, EventID: evt.ID},
			map[string]any{"event_type": evt.Type})
	}

	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.ProcessedEvent{
		EventID:    evt.ID,
		EventType:  evt.Type,
		Status:     models.EventProcessed,
		ReceivedAt: s.now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("record processed event: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errDuplicate
	}
	return nil
}

// record stores an ignored or dead event outside any state change.
func (s *WebhookService) record(ctx context.Context, evt WebhookEvent, status models.ProcessedEventStatus, cause error, redrive bool) error {
	row := models.ProcessedEvent{
		EventID:    evt.ID,
		EventType:  evt.Type,
		Status:     status,
		ReceivedAt: s.now().UTC(),
	}
	if cause != nil {
		row.Error = truncate(cause.Error(), 2000)
	}
	if status == models.EventDead && json.Valid(evt.Raw) {
		row.Payload = evt.Raw
	}

	db := s.db.WithContext(ctx)
	var err error
	if redrive {
		err = db.Model(&models.ProcessedEvent{}).
			Where("event_id = ?", evt.ID).
			Updates(map[string]any{"status": status, "error": row.Error}).Error
	} else {
		err = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	}
	if err != nil {
		return fmt.Errorf("record %s event: %w", status, err)
	}
	return nil
}

func (s *WebhookService) seen(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.ProcessedEvent{}).
		Where("event_id = ?", eventID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("lookup processed event: %w", err)
	}
	return count > 0, nil
}

// Redrive replays a dead event, typically after the catalog or data that made
// it fail has been fixed.
func (s *WebhookService) Redrive(ctx context.Context, eventID string) (string, error) {
	var row models.ProcessedEvent
	if err := s.db.WithContext(ctx).Take(&row, "event_id = ?", eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrEventNotFound
		}
		return "", fmt.Errorf("load event: %w", err)
	}
	if row.Status != models.EventDead || len(row.Payload) == 0 {
		return "", ErrEventNotDead
	}
	evt, err := DecodeEvent(row.Payload)
	if err != nil {
		return "", err
	}
	return s.Process(ctx, evt, true)
}

func (s *WebhookService) ListDead(ctx context.Context, limit int) ([]models.ProcessedEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []models.ProcessedEvent
	err := s.db.WithContext(ctx).
		Where("status = ?", models.EventDead).
		Order("received_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list dead events: %w", err)
	}
	return rows, nil
}

// PurgeProcessed deletes dedup records received before cutoff. Dead events
// are kept until an operator re-drives them.
func (s *WebhookService) PurgeProcessed(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("received_at < ? AND status <> ?", cutoff.UTC(), models.EventDead).
		Delete(&models.ProcessedEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge processed events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
