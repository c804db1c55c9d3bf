package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type PurchaseKind string

const (
	PurchaseSubscriptionStart   PurchaseKind = "subscription-start"
	PurchaseSubscriptionRenewal PurchaseKind = "subscription-renewal"
	PurchaseOneTimeProgram      PurchaseKind = "one-time-program"
)

type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseFailed    PurchaseStatus = "failed"
	PurchaseRefunded  PurchaseStatus = "refunded"
)

var purchaseTransitions = map[PurchaseStatus][]PurchaseStatus{
	PurchasePending:   {PurchaseCompleted, PurchaseFailed},
	PurchaseCompleted: {PurchaseRefunded},
}

// LineItem references either a plan key or a program slug.
type LineItem struct {
	PlanKey     string `json:"plan_key,omitempty"`
	ProgramSlug string `json:"program_slug,omitempty"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Total       string `json:"total"`
}

type Purchase struct {
	ID                      uuid.UUID                     `gorm:"type:uuid;primaryKey" json:"id"`
	UserID                  uuid.UUID                     `gorm:"type:uuid;not null;index" json:"user_id"`
	Kind                    PurchaseKind                  `gorm:"size:30;not null" json:"kind"`
	ProviderSessionID       string                        `gorm:"size:255;index" json:"provider_session_id,omitempty"`
	ProviderSubscriptionID  string                        `gorm:"size:255;index" json:"provider_subscription_id,omitempty"`
	ProviderPaymentIntentID string                        `gorm:"size:255;index" json:"provider_payment_intent_id,omitempty"`
	ProviderInvoiceID       string                        `gorm:"size:255;index" json:"provider_invoice_id,omitempty"`
	Items                   datatypes.JSONSlice[LineItem] `gorm:"type:jsonb" json:"items"`
	Status                  PurchaseStatus                `gorm:"size:20;not null;index" json:"status"`
	BillingEnvironment      string                        `gorm:"size:20;not null" json:"billing_environment"`
	FailureCount            int                           `gorm:"not null;default:0" json:"failure_count"`
	FailureReason           string                        `gorm:"size:500" json:"failure_reason,omitempty"`
	CompletedAt             *time.Time                    `json:"completed_at,omitempty"`
	FailedAt                *time.Time                    `json:"failed_at,omitempty"`
	RefundedAt              *time.Time                    `json:"refunded_at,omitempty"`
	CreatedAt               time.Time                     `gorm:"index" json:"created_at"`
	UpdatedAt               time.Time                     `json:"updated_at"`
}

func (p *Purchase) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = PurchasePending
	}
	return nil
}

// CanTransition reports whether moving from the current status to next is one
// of pending→completed, pending→failed, completed→refunded.
func (p *Purchase) CanTransition(next PurchaseStatus) bool {
	for _, allowed := range purchaseTransitions[p.Status] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ProgramSlug returns the program bought by a one-time purchase.
func (p *Purchase) ProgramSlug() string {
	for _, item := range p.Items {
		if item.ProgramSlug != "" {
			return item.ProgramSlug
		}
	}
	return ""
}

// PlanKey returns the plan bought by a subscription purchase.
func (p *Purchase) PlanKey() string {
	for _, item := range p.Items {
		if item.PlanKey != "" {
			return item.PlanKey
		}
	}
	return ""
}
