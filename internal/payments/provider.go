// Package payments is the boundary to the external payments provider.
package payments

import (
	"context"
	"time"
)

// Checkout modes.
const (
	ModeSubscription = "subscription"
	ModePayment      = "payment"
)

// Provider is everything the commerce core asks of the payments provider.
type Provider interface {
	FindCustomerByEmail(ctx context.Context, email string) (*Customer, error)
	CreateCustomer(ctx context.Context, in CustomerInput) (*Customer, error)
	// AttachPaymentMethod attaches the method and makes it the invoice default.
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error

	CreateSubscription(ctx context.Context, in SubscriptionInput) (*Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	CreateCheckoutSession(ctx context.Context, in CheckoutInput) (*CheckoutSession, error)
	GetPrice(ctx context.Context, priceID string) (*Price, error)
}

type Customer struct {
	ID    string
	Email string
}

type CustomerInput struct {
	Email  string
	UserID string
}

type SubscriptionInput struct {
	CustomerID string
	PriceID    string
	Metadata   map[string]string
}

// Subscription is the provider's view of a recurring subscription.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	ClientSecret       string
	HostedInvoiceURL   string
	Metadata           map[string]string
	Created            time.Time
}

type CheckoutInput struct {
	CustomerID string
	PriceID    string
	Mode       string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

type CheckoutSession struct {
	ID  string
	URL string
}

type Price struct {
	ID         string
	UnitAmount int64
	Currency   string
}
