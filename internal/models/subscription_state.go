package models

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus is the local projection of a user's recurring plan.
type SubscriptionStatus string

const (
	SubscriptionNone      SubscriptionStatus = "none"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// SubscriptionState is kept in its own row keyed by user so that writers can
// compare-and-set on Version instead of locking the whole user.
//
// LastUpdated is the ordering signal: the provider timestamp of the newest
// snapshot applied, or the logical instant of a time-based transition.
// PastDueSince marks entry into past_due and is not moved by repeated
// payment failures.
type SubscriptionState struct {
	UserID                 uuid.UUID          `gorm:"type:uuid;primaryKey" json:"user_id"`
	PlanKey                string             `gorm:"size:50" json:"plan_key"`
	ProviderSubscriptionID string             `gorm:"size:255;index" json:"provider_subscription_id"`
	Status                 SubscriptionStatus `gorm:"size:20;not null;default:'none';index" json:"status"`
	CurrentPeriodStart     *time.Time         `json:"current_period_start"`
	CurrentPeriodEnd       *time.Time         `gorm:"index" json:"current_period_end"`
	CancelAtPeriodEnd      bool               `gorm:"not null;default:false" json:"cancel_at_period_end"`
	LastUpdated            time.Time          `gorm:"not null;index" json:"last_updated"`
	PastDueSince           *time.Time         `json:"past_due_since,omitempty"`
	Version                int64              `gorm:"not null;default:0" json:"-"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// IsActive holds iff status is active or past_due and the period has not ended.
func (s *SubscriptionState) IsActive(now time.Time) bool {
	if s == nil {
		return false
	}
	if s.Status != SubscriptionActive && s.Status != SubscriptionPastDue {
		return false
	}
	return s.CurrentPeriodEnd != nil && s.CurrentPeriodEnd.After(now)
}
