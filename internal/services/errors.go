package services

import (
	"errors"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/catalog"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/payments"
)

var (
	ErrUnknownPlan          = catalog.ErrUnknownPlan
	ErrUnknownProgram       = catalog.ErrUnknownProgram
	ErrAlreadyEntitled      = errors.New("already entitled")
	ErrSubscriptionConflict = errors.New("an active subscription on another plan exists")
	ErrProviderUnavailable  = payments.ErrUnavailable
	ErrConflict             = errors.New("concurrent update, retry")
	ErrMalformedEvent       = errors.New("malformed webhook event")
	ErrNoSubscription       = errors.New("no active subscription")
	ErrPurchaseNotFound     = errors.New("purchase not found")
	ErrInvalidTransition    = errors.New("invalid purchase status transition")
	ErrEmailMismatch        = errors.New("email does not match the account")
	ErrEventNotDead         = errors.New("event is not awaiting re-drive")
	ErrEventNotFound        = errors.New("event not found")
)

// EntitlementRequiredError is returned by the access gate.
type EntitlementRequiredError struct {
	Requirement     string
	CurrentStatus   string
	ExpiryDate      *time.Time
	SuggestedAction string
}

func (e *EntitlementRequiredError) Error() string {
	return "entitlement required: " + e.Requirement
}

// permanent errors are recorded and acknowledged; redelivery cannot fix them.
var permanent = []error{
	ErrMalformedEvent,
	ErrUserNotFound,
	ErrPurchaseNotFound,
	ErrInvalidTransition,
	ErrUnknownPlan,
	ErrUnknownProgram,
	payments.ErrNotFound,
	payments.ErrRejected,
}

// IsRetryable reports whether a webhook failure should be answered with 5xx
// so the provider redelivers. Anything not known to be permanent (provider
// outages, CAS conflicts, database errors) is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, p := range permanent {
		if errors.Is(err, p) {
			return false
		}
	}
	var payErr *payments.PaymentError
	return !errors.As(err, &payErr)
}
