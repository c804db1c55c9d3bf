package payments

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// VerifyEvent checks the Stripe-Signature header against the raw payload and
// decodes the event envelope. Timestamps older than five minutes are refused.
// A correctly signed body that is not an event returns ErrMalformedPayload,
// which redelivery cannot fix.
func VerifyEvent(payload []byte, header, secret string) (stripe.Event, error) {
	if err := webhook.ValidatePayloadWithTolerance(payload, header, secret, webhook.DefaultTolerance); err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return event, nil
}
