package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPurchase_CanTransition(t *testing.T) {
	all := []PurchaseStatus{PurchasePending, PurchaseCompleted, PurchaseFailed, PurchaseRefunded}
	allowed := map[[2]PurchaseStatus]bool{
		{PurchasePending, PurchaseCompleted}:  true,
		{PurchasePending, PurchaseFailed}:     true,
		{PurchaseCompleted, PurchaseRefunded}: true,
	}

	for _, from := range all {
		for _, to := range all {
			p := &Purchase{Status: from}
			assert.Equal(t, allowed[[2]PurchaseStatus{from, to}], p.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestSubscriptionState_IsActive(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name   string
		status SubscriptionStatus
		end    *time.Time
		want   bool
	}{
		{"active future", SubscriptionActive, &future, true},
		{"past_due future", SubscriptionPastDue, &future, true},
		{"active past", SubscriptionActive, &past, false},
		{"active no period", SubscriptionActive, nil, false},
		{"cancelled future", SubscriptionCancelled, &future, false},
		{"expired future", SubscriptionExpired, &future, false},
		{"none", SubscriptionNone, &future, false},
		{"period ends now", SubscriptionActive, &now, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &SubscriptionState{Status: tt.status, CurrentPeriodEnd: tt.end}
			assert.Equal(t, tt.want, s.IsActive(now))
		})
	}

	var missing *SubscriptionState
	assert.False(t, missing.IsActive(now))
}

func TestPurchase_ItemAccessors(t *testing.T) {
	p := &Purchase{Items: []LineItem{{ProgramSlug: "advanced-strength-training", Quantity: 1}}}
	assert.Equal(t, "advanced-strength-training", p.ProgramSlug())
	assert.Equal(t, "", p.PlanKey())

	p = &Purchase{Items: []LineItem{{PlanKey: "1-month", Quantity: 1}}}
	assert.Equal(t, "1-month", p.PlanKey())
}
