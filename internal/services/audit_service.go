package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Origin identifies who caused an entitlement change.
type Origin struct {
	Actor     string
	IPAddress string
	UserAgent string
	EventID   string
}

func UserOrigin(ip, userAgent string) Origin {
	return Origin{Actor: models.ActorUser, IPAddress: ip, UserAgent: userAgent}
}

// OperatorOrigin attributes manual actions from the admin API or
// commercectl.
func OperatorOrigin(ip, userAgent string) Origin {
	return Origin{Actor: models.ActorOperator, IPAddress: ip, UserAgent: userAgent}
}

func WebhookOrigin(eventID string) Origin {
	return Origin{Actor: models.ActorWebhook, EventID: eventID}
}

var (
	reconcilerOrigin = Origin{Actor: models.ActorReconciler}
	systemOrigin     = Origin{Actor: models.ActorSystem}
)

// Audit actions.
const (
	ActionCustomerLinked      = "customer.linked"
	ActionCheckoutStarted     = "checkout.started"
	ActionPurchaseCompleted   = "purchase.completed"
	ActionPurchaseFailed      = "purchase.failed"
	ActionPurchaseRefunded    = "purchase.refunded"
	ActionPartialRefund       = "purchase.partial_refund"
	ActionPaidAfterFailure    = "purchase.paid_after_failure"
	ActionLatePaymentRefund   = "purchase.late_payment_refunded"
	ActionPaymentFailed       = "payment.failed"
	ActionRenewalRecorded     = "subscription.renewed"
	ActionSnapshotApplied     = "subscription.snapshot_applied"
	ActionSubscriptionEnded   = "subscription.ended"
	ActionSubscriptionExpired = "subscription.expired"
	ActionPastDueAutoCancel   = "subscription.past_due_auto_cancel"
	ActionCancelRequested     = "subscription.cancel_requested"
	ActionProgramGranted      = "program.granted"
	ActionProgramRevoked      = "program.revoked"
	ActionAccountErased       = "account.erased"
	ActionUnverifiedDeleted   = "account.unverified_deleted"
	ActionWebhookRedriven     = "webhook.redriven"
	ActionReconcilerManualRun = "reconciler.manual_run"
)

// AuditLog appends to and queries the audit_entries table. Appends always run
// on the caller's transaction so the entry commits or rolls back with the
// change it describes.
type AuditLog struct {
	db  *gorm.DB
	now func() time.Time
}

func NewAuditLog(db *gorm.DB) *AuditLog {
	return &AuditLog{db: db, now: time.Now}
}

func (a *AuditLog) Append(tx *gorm.DB, userID *uuid.UUID, action string, origin Origin, details map[string]any) error {
	var raw datatypes.JSON
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		raw = b
	}
	entry := models.AuditEntry{
		UserID:    userID,
		Actor:     origin.Actor,
		Action:    action,
		Details:   raw,
		IPAddress: origin.IPAddress,
		UserAgent: origin.UserAgent,
		EventID:   origin.EventID,
		CreatedAt: a.now().UTC(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("append audit %s: %w", action, err)
	}
	return nil
}

// AuditQuery filters Query. Zero values are unbounded.
type AuditQuery struct {
	UserID *uuid.UUID
	Action string
	From   time.Time
	To     time.Time
	Limit  int
}

const maxAuditPage = 500

// Query returns entries newest first.
func (a *AuditLog) Query(ctx context.Context, q AuditQuery) ([]models.AuditEntry, error) {
	limit := q.Limit
	if limit <= 0 || limit > maxAuditPage {
		limit = 100
	}

	db := a.db.WithContext(ctx).Model(&models.AuditEntry{})
	if q.UserID != nil {
		db = db.Where("user_id = ?", *q.UserID)
	}
	if q.Action != "" {
		db = db.Where("action = ?", q.Action)
	}
	if !q.From.IsZero() {
		db = db.Where("created_at >= ?", q.From.UTC())
	}
	if !q.To.IsZero() {
		db = db.Where("created_at < ?", q.To.UTC())
	}

	var entries []models.AuditEntry
	if err := db.Order("created_at DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	return entries, nil
}

// maskUser replaces personal identifiers on a user's entries with token. The
// raw statement bypasses the model hooks that keep entries immutable.
func (a *AuditLog) maskUser(tx *gorm.DB, userID uuid.UUID, token string) error {
	return tx.Exec(
		"UPDATE audit_entries SET ip_address = ?, user_agent = ? WHERE user_id = ?",
		token, token, userID,
	).Error
}
