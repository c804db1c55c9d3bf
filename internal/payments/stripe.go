package payments

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// StripeConfig bounds provider calls.
type StripeConfig struct {
	SecretKey          string
	Timeout            time.Duration
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
}

// Observer receives the outcome of every provider call.
type Observer func(operation string, err error, elapsed time.Duration)

// StripeProvider implements Provider on top of the Stripe API.
type StripeProvider struct {
	api      *client.API
	timeout  time.Duration
	breaker  *gobreaker.CircuitBreaker[any]
	observer Observer
}

func NewStripeProvider(cfg StripeConfig, observer Observer) *StripeProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Declines and validation errors are the caller's problem, not an outage.
		IsSuccessful: func(err error) bool {
			return !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &StripeProvider{
		api:      client.New(cfg.SecretKey, nil),
		timeout:  cfg.Timeout,
		breaker:  breaker,
		observer: observer,
	}
}

// call runs fn under the breaker with a bounded context.
func call[T any](ctx context.Context, p *StripeProvider, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
	err = classify(err)
	if p.observer != nil {
		p.observer(operation, err, time.Since(start))
	}

	var zero T
	if err != nil {
		return zero, fmt.Errorf("stripe %s: %w", operation, err)
	}
	out, _ := res.(T)
	return out, nil
}

func (p *StripeProvider) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	return call(ctx, p, "customer.list", func(ctx context.Context) (*Customer, error) {
		params := &stripe.CustomerListParams{Email: stripe.String(email)}
		params.Context = ctx
		params.Limit = stripe.Int64(1)

		iter := p.api.Customers.List(params)
		for iter.Next() {
			c := iter.Customer()
			if c.Deleted {
				continue
			}
			return &Customer{ID: c.ID, Email: c.Email}, nil
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, in CustomerInput) (*Customer, error) {
	return call(ctx, p, "customer.create", func(ctx context.Context) (*Customer, error) {
		params := &stripe.CustomerParams{Email: stripe.String(in.Email)}
		params.Context = ctx
		params.AddMetadata("userId", in.UserID)
		params.SetIdempotencyKey("customer-" + in.UserID)

		c, err := p.api.Customers.New(params)
		if err != nil {
			return nil, err
		}
		return &Customer{ID: c.ID, Email: c.Email}, nil
	})
}

func (p *StripeProvider) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	_, err := call(ctx, p, "payment_method.attach", func(ctx context.Context) (struct{}, error) {
		attach := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customerID)}
		attach.Context = ctx
		if _, err := p.api.PaymentMethods.Attach(paymentMethodID, attach); err != nil {
			// Attaching twice is harmless; Stripe reports it as a 400 we can skip.
			if !strings.Contains(err.Error(), "already been attached") {
				return struct{}{}, err
			}
		}

		update := &stripe.CustomerParams{
			InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
				DefaultPaymentMethod: stripe.String(paymentMethodID),
			},
		}
		update.Context = ctx
		_, err := p.api.Customers.Update(customerID, update)
		return struct{}{}, err
	})
	return err
}

func (p *StripeProvider) CreateSubscription(ctx context.Context, in SubscriptionInput) (*Subscription, error) {
	return call(ctx, p, "subscription.create", func(ctx context.Context) (*Subscription, error) {
		params := &stripe.SubscriptionParams{
			Customer:        stripe.String(in.CustomerID),
			Items:           []*stripe.SubscriptionItemsParams{{Price: stripe.String(in.PriceID)}},
			PaymentBehavior: stripe.String("default_incomplete"),
		}
		params.Context = ctx
		params.AddExpand("latest_invoice.payment_intent")
		for k, v := range in.Metadata {
			params.AddMetadata(k, v)
		}
		if id := in.Metadata["purchaseId"]; id != "" {
			params.SetIdempotencyKey("subscription-" + id)
		}

		sub, err := p.api.Subscriptions.New(params)
		if err != nil {
			return nil, err
		}
		return toSubscription(sub), nil
	})
}

func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	return call(ctx, p, "subscription.get", func(ctx context.Context) (*Subscription, error) {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx
		sub, err := p.api.Subscriptions.Get(subscriptionID, params)
		if err != nil {
			return nil, err
		}
		return toSubscription(sub), nil
	})
}

func (p *StripeProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Subscription, error) {
	return call(ctx, p, "subscription.update", func(ctx context.Context) (*Subscription, error) {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(cancel)}
		params.Context = ctx
		sub, err := p.api.Subscriptions.Update(subscriptionID, params)
		if err != nil {
			return nil, err
		}
		return toSubscription(sub), nil
	})
}

func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	return call(ctx, p, "subscription.cancel", func(ctx context.Context) (*Subscription, error) {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		sub, err := p.api.Subscriptions.Cancel(subscriptionID, params)
		if err != nil {
			return nil, err
		}
		return toSubscription(sub), nil
	})
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, in CheckoutInput) (*CheckoutSession, error) {
	return call(ctx, p, "checkout_session.create", func(ctx context.Context) (*CheckoutSession, error) {
		params := &stripe.CheckoutSessionParams{
			Customer: stripe.String(in.CustomerID),
			Mode:     stripe.String(in.Mode),
			LineItems: []*stripe.CheckoutSessionLineItemParams{
				{Price: stripe.String(in.PriceID), Quantity: stripe.Int64(1)},
			},
			SuccessURL: stripe.String(in.SuccessURL),
			CancelURL:  stripe.String(in.CancelURL),
		}
		params.Context = ctx
		for k, v := range in.Metadata {
			params.AddMetadata(k, v)
		}
		if in.Mode == ModePayment {
			params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: in.Metadata}
		}
		if id := in.Metadata["purchaseId"]; id != "" {
			params.SetIdempotencyKey("checkout-" + id)
		}

		s, err := p.api.CheckoutSessions.New(params)
		if err != nil {
			return nil, err
		}
		return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
	})
}

func (p *StripeProvider) GetPrice(ctx context.Context, priceID string) (*Price, error) {
	return call(ctx, p, "price.get", func(ctx context.Context) (*Price, error) {
		params := &stripe.PriceParams{}
		params.Context = ctx
		pr, err := p.api.Prices.Get(priceID, params)
		if err != nil {
			return nil, err
		}
		return &Price{ID: pr.ID, UnitAmount: pr.UnitAmount, Currency: string(pr.Currency)}, nil
	})
}

func toSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CurrentPeriodStart: unixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		Metadata:           sub.Metadata,
		Created:            unixTime(sub.Created),
	}
	if sub.CanceledAt > 0 {
		t := unixTime(sub.CanceledAt)
		out.CanceledAt = &t
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		out.PriceID = sub.Items.Data[0].Price.ID
	}
	if inv := sub.LatestInvoice; inv != nil {
		out.HostedInvoiceURL = inv.HostedInvoiceURL
		if inv.PaymentIntent != nil {
			out.ClientSecret = inv.PaymentIntent.ClientSecret
		}
	}
	return out
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
