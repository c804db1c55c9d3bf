package dto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ExpandableID decodes a Stripe reference that arrives either as a bare id or
// as an expanded object with an "id" field.
type ExpandableID string

func (e *ExpandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = ExpandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("expandable id: %w", err)
	}
	*e = ExpandableID(obj.ID)
	return nil
}

func (e ExpandableID) String() string { return string(e) }

var errMissingID = errors.New("object id is missing")

type StripeCheckoutSession struct {
	ID            string            `json:"id"`
	Object        string            `json:"object"`
	Mode          string            `json:"mode"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	Customer      ExpandableID      `json:"customer"`
	Subscription  ExpandableID      `json:"subscription"`
	PaymentIntent ExpandableID      `json:"payment_intent"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

func (s *StripeCheckoutSession) Validate() error {
	if s.ID == "" {
		return errMissingID
	}
	if s.Object != "" && s.Object != "checkout.session" {
		return fmt.Errorf("unexpected object %q", s.Object)
	}
	switch s.Mode {
	case "subscription":
		if s.Subscription == "" {
			return errors.New("subscription session without subscription id")
		}
	case "payment":
	default:
		return fmt.Errorf("unsupported checkout mode %q", s.Mode)
	}
	return nil
}

type StripePriceRef struct {
	ID string `json:"id"`
}

type StripeSubscriptionItem struct {
	Price              StripePriceRef `json:"price"`
	CurrentPeriodStart int64          `json:"current_period_start"`
	CurrentPeriodEnd   int64          `json:"current_period_end"`
}

type StripeSubscription struct {
	ID                 string            `json:"id"`
	Object             string            `json:"object"`
	Status             string            `json:"status"`
	Customer           ExpandableID      `json:"customer"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	EndedAt            int64             `json:"ended_at"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []StripeSubscriptionItem `json:"data"`
	} `json:"items"`
}

func (s *StripeSubscription) Validate() error {
	if s.ID == "" {
		return errMissingID
	}
	if s.Object != "" && s.Object != "subscription" {
		return fmt.Errorf("unexpected object %q", s.Object)
	}
	if s.Status == "" {
		return errors.New("subscription status is missing")
	}
	return nil
}

// Period returns the billing window. Newer API versions report it per item.
func (s *StripeSubscription) Period() (start, end int64) {
	if s.CurrentPeriodEnd != 0 {
		return s.CurrentPeriodStart, s.CurrentPeriodEnd
	}
	if len(s.Items.Data) > 0 {
		return s.Items.Data[0].CurrentPeriodStart, s.Items.Data[0].CurrentPeriodEnd
	}
	return 0, 0
}

func (s *StripeSubscription) PriceID() string {
	if len(s.Items.Data) > 0 {
		return s.Items.Data[0].Price.ID
	}
	return ""
}

type StripeInvoiceLine struct {
	Period struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
	Price *StripePriceRef `json:"price"`
}

type StripeInvoice struct {
	ID            string       `json:"id"`
	Object        string       `json:"object"`
	Customer      ExpandableID `json:"customer"`
	Subscription  ExpandableID `json:"subscription"`
	BillingReason string       `json:"billing_reason"`
	PaymentIntent ExpandableID `json:"payment_intent"`
	AmountPaid    int64        `json:"amount_paid"`
	AmountDue     int64        `json:"amount_due"`
	Currency      string       `json:"currency"`
	AttemptCount  int64        `json:"attempt_count"`
	Lines         struct {
		Data []StripeInvoiceLine `json:"data"`
	} `json:"lines"`
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription ExpandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (i *StripeInvoice) Validate() error {
	if i.ID == "" {
		return errMissingID
	}
	if i.Object != "" && i.Object != "invoice" {
		return fmt.Errorf("unexpected object %q", i.Object)
	}
	return nil
}

// SubscriptionID handles both the legacy top-level field and parent details.
func (i *StripeInvoice) SubscriptionID() string {
	if i.Subscription != "" {
		return string(i.Subscription)
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return string(i.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

func (i *StripeInvoice) Period() (start, end int64) {
	for _, l := range i.Lines.Data {
		if l.Period.End > end {
			start, end = l.Period.Start, l.Period.End
		}
	}
	return start, end
}

func (i *StripeInvoice) PriceID() string {
	for _, l := range i.Lines.Data {
		if l.Price != nil && l.Price.ID != "" {
			return l.Price.ID
		}
	}
	return ""
}

type StripeCharge struct {
	ID             string       `json:"id"`
	Object         string       `json:"object"`
	Customer       ExpandableID `json:"customer"`
	PaymentIntent  ExpandableID `json:"payment_intent"`
	Amount         int64        `json:"amount"`
	AmountRefunded int64        `json:"amount_refunded"`
	Currency       string       `json:"currency"`
	Refunded       bool         `json:"refunded"`
}

func (c *StripeCharge) Validate() error {
	if c.ID == "" {
		return errMissingID
	}
	if c.Object != "" && c.Object != "charge" {
		return fmt.Errorf("unexpected object %q", c.Object)
	}
	if c.PaymentIntent == "" {
		return errors.New("charge without payment intent")
	}
	return nil
}
