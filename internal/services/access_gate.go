package services

import (
	"context"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/metrics"
	"github.com/google/uuid"
)

// Gate requirements.
const (
	RequirementSubscription = "active_subscription"
	RequirementProgram      = "program_ownership"
)

// AccessGate answers "does this caller currently hold entitlement X?" from
// the local store only; the provider is never consulted inline.
type AccessGate struct {
	store       *EntitlementStore
	metrics     *metrics.Metrics
	frontendURL string
}

func NewAccessGate(store *EntitlementStore, m *metrics.Metrics, frontendURL string) *AccessGate {
	return &AccessGate{store: store, metrics: m, frontendURL: frontendURL}
}

// RequireActiveSubscription returns nil or an *EntitlementRequiredError.
func (g *AccessGate) RequireActiveSubscription(ctx context.Context, userID uuid.UUID) error {
	st, err := g.store.State(ctx, userID)
	if err != nil {
		return err
	}
	if st.IsActive(g.store.now()) {
		return nil
	}
	g.metrics.GateDenied(RequirementSubscription)
	return &EntitlementRequiredError{
		Requirement:     RequirementSubscription,
		CurrentStatus:   string(st.Status),
		ExpiryDate:      utcPtr(st.CurrentPeriodEnd),
		SuggestedAction: g.frontendURL + "/subscribe",
	}
}

// RequireProgramOwnership returns nil or an *EntitlementRequiredError.
func (g *AccessGate) RequireProgramOwnership(ctx context.Context, userID uuid.UUID, slug string) error {
	owns, err := g.store.Owns(ctx, userID, slug)
	if err != nil {
		return err
	}
	if owns {
		return nil
	}
	g.metrics.GateDenied(RequirementProgram)
	return &EntitlementRequiredError{
		Requirement:     RequirementProgram,
		CurrentStatus:   "not_owned",
		SuggestedAction: g.frontendURL + "/programs/" + slug,
	}
}
