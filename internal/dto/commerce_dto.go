package dto

import (
	"time"

	"github.com/google/uuid"
)

type CreateSubscriptionRequest struct {
	Email           string `json:"email"`
	PaymentMethodID string `json:"paymentMethodId"`
	Plan            string `json:"plan"`
	SuccessURL      string `json:"successUrl"`
	CancelURL       string `json:"cancelUrl"`
}

type SubscriptionDescriptor struct {
	ID               string     `json:"id,omitempty"`
	Status           string     `json:"status"`
	PlanKey          string     `json:"plan"`
	PurchaseID       uuid.UUID  `json:"purchaseId"`
	ClientSecret     string     `json:"clientSecret,omitempty"`
	HostedInvoiceURL string     `json:"hostedInvoiceUrl,omitempty"`
	CheckoutURL      string     `json:"checkoutUrl,omitempty"`
	CurrentPeriodEnd *time.Time `json:"currentPeriodEnd,omitempty"`
}

type CustomerDescriptor struct {
	ID string `json:"id"`
}

type SubscriptionCheckoutResponse struct {
	Subscription SubscriptionDescriptor `json:"subscription"`
	Customer     CustomerDescriptor     `json:"customer"`
}

type ProgramCheckoutRequest struct {
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

type ProgramCheckoutResponse struct {
	CheckoutURL string    `json:"checkoutUrl"`
	SessionID   string    `json:"sessionId"`
	PurchaseID  uuid.UUID `json:"purchaseId"`
}

type CancelSubscriptionRequest struct {
	AtPeriodEnd *bool `json:"atPeriodEnd"`
}

type CancelSubscriptionResponse struct {
	Status           string `json:"status"`
	AtPeriodEnd      bool   `json:"atPeriodEnd"`
	AlreadyCancelled bool   `json:"alreadyCancelled,omitempty"`
}

type PlanSummary struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type SubscriptionInfo struct {
	IsActive               bool         `json:"isActive"`
	Status                 string       `json:"status"`
	Plan                   *PlanSummary `json:"plan,omitempty"`
	ProviderSubscriptionID string       `json:"subscriptionId,omitempty"`
	CurrentPeriodStart     *time.Time   `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd       *time.Time   `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd      bool         `json:"cancelAtPeriodEnd"`
	DaysRemaining          int          `json:"daysRemaining"`
	NextBillingDate        *time.Time   `json:"nextBillingDate,omitempty"`
	LastUpdated            *time.Time   `json:"lastUpdated,omitempty"`
}

type PlanResponse struct {
	Key            string `json:"key"`
	Name           string `json:"name"`
	DurationMonths int    `json:"durationMonths"`
	DisplayPrice   string `json:"displayPrice"`
	ProductID      string `json:"productId"`
	PriceID        string `json:"priceId"`
	Savings        string `json:"savings,omitempty"`
	Active         bool   `json:"active"`
}

type ProgramResponse struct {
	Slug        string   `json:"slug"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Difficulty  string   `json:"difficulty"`
	Tags        []string `json:"tags"`
	Price       string   `json:"price"`
}

type OwnedProgramResponse struct {
	Slug       string     `json:"slug"`
	Name       string     `json:"name"`
	GrantedAt  time.Time  `json:"grantedAt"`
	PurchaseID *uuid.UUID `json:"purchaseId,omitempty"`
}

type ProgramContentResponse struct {
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	ContentURL string `json:"contentUrl"`
}

type PurchaseResponse struct {
	ID          uuid.UUID  `json:"id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	PlanKey     string     `json:"plan,omitempty"`
	ProgramSlug string     `json:"program,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	RefundedAt  *time.Time `json:"refundedAt,omitempty"`
}

type EntitlementDetails struct {
	Requirement     string     `json:"requirement"`
	CurrentStatus   string     `json:"currentStatus"`
	ExpiryDate      *time.Time `json:"expiryDate,omitempty"`
	SuggestedAction string     `json:"suggestedAction"`
}

type EntitlementResponse struct {
	Permitted   bool   `json:"permitted"`
	Requirement string `json:"requirement"`
}

type RedriveResponse struct {
	EventID string `json:"eventId"`
	Outcome string `json:"outcome"`
}
