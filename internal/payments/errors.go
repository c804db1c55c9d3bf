package payments

import (
	"context"
	"errors"
	"net/http"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v79"
)

var (
	// ErrUnavailable covers timeouts, network failures, provider 5xx/429 and an
	// open circuit breaker. Callers may retry.
	ErrUnavailable = errors.New("payments provider unavailable")
	ErrNotFound    = errors.New("payments provider resource not found")
	ErrRejected    = errors.New("payments provider rejected the request")
)

// PaymentError is a declined payment. Message is the provider's user-facing
// text and is safe to show.
type PaymentError struct {
	Code    string
	Message string
}

func (e *PaymentError) Error() string {
	return "payment failed: " + e.Message
}

type unavailableError struct {
	cause error
}

func (e *unavailableError) Error() string { return ErrUnavailable.Error() + ": " + e.cause.Error() }
func (e *unavailableError) Unwrap() []error {
	return []error{ErrUnavailable, e.cause}
}

// classify maps a raw SDK/transport error onto the package's error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &unavailableError{cause: err}
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Type == stripe.ErrorTypeCard:
			return &PaymentError{Code: string(stripeErr.Code), Message: stripeErr.Msg}
		case stripeErr.HTTPStatusCode == http.StatusNotFound:
			return errors.Join(ErrNotFound, err)
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= 500:
			return &unavailableError{cause: err}
		case stripeErr.HTTPStatusCode >= 400:
			return errors.Join(ErrRejected, err)
		}
	}
	return &unavailableError{cause: err}
}

// isTransient reports whether err should count against the circuit breaker.
func isTransient(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == 0
	}
	return err != nil
}
