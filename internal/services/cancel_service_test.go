package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/events"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/models"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/payments"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func (e *testEnv) activeSubscriber(t *testing.T, email, subID string) *models.User {
	t.Helper()
	u := e.createUser(t, email)
	start, end := t0.AddDate(0, 0, -10), t0.AddDate(0, 0, 20)
	e.provider.PutSubscription(&payments.Subscription{ID: subID, Status: "active"})
	e.seedState(t, models.SubscriptionState{
		UserID: u.ID, PlanKey: "1-month", ProviderSubscriptionID: subID, Status: models.SubscriptionActive,
		CurrentPeriodStart: &start, CurrentPeriodEnd: &end, LastUpdated: start,
	})
	return u
}

func TestCancel_AtPeriodEndKeepsAccess(t *testing.T) {
	env := newTestEnv(t)
	u := env.activeSubscriber(t, "keep@example.com", "sub_1")

	resp, err := env.cancel.CancelSubscription(context.Background(), u.ID, "", true, userOrigin)
	require.NoError(t, err)
	assert.True(t, resp.AtPeriodEnd)
	assert.False(t, resp.AlreadyCancelled)
	assert.Equal(t, 1, env.provider.Calls("SetCancelAtPeriodEnd"))

	// The webhook confirms the schedule; until then local state is untouched.
	st := env.state(t, u.ID)
	assert.Equal(t, models.SubscriptionActive, st.Status)
	assert.True(t, st.IsActive(env.clock.Now()))
	assert.Contains(t, env.auditActions(t, u.ID), ActionCancelRequested)
}

func TestCancel_Immediate(t *testing.T) {
	env := newTestEnv(t)
	u := env.activeSubscriber(t, "now@example.com", "sub_1")

	resp, err := env.cancel.CancelSubscription(context.Background(), u.ID, "sub_1", false, userOrigin)
	require.NoError(t, err)
	assert.Equal(t, string(models.SubscriptionCancelled), resp.Status)
	assert.Equal(t, 1, env.provider.Calls("CancelSubscription"))

	st := env.state(t, u.ID)
	assert.Equal(t, models.SubscriptionCancelled, st.Status)
	assert.False(t, st.IsActive(env.clock.Now()))

	again, err := env.cancel.CancelSubscription(context.Background(), u.ID, "", false, userOrigin)
	require.NoError(t, err)
	assert.True(t, again.AlreadyCancelled)
	assert.Equal(t, 1, env.provider.Calls("CancelSubscription"), "no second provider call")

	require.NoError(t, env.emitter.Close())
	assert.Equal(t, []string{events.SubscriptionCancelled}, env.pub.Keys())
	published := env.pub.Events(t)
	require.Len(t, published, 1)
	assert.True(t, published[0].OccurredAt.Equal(t0), "stamped with the service clock")
}

func TestCancel_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	nobody := env.createUser(t, "nobody@example.com")
	_, err := env.cancel.CancelSubscription(ctx, nobody.ID, "", true, userOrigin)
	assert.ErrorIs(t, err, ErrNoSubscription)

	u := env.activeSubscriber(t, "other@example.com", "sub_1")
	_, err = env.cancel.CancelSubscription(ctx, u.ID, "sub_someone_else", false, userOrigin)
	assert.ErrorIs(t, err, ErrNoSubscription)

	env.provider.Fail("CancelSubscription", payments.ErrUnavailable)
	_, err = env.cancel.CancelSubscription(ctx, u.ID, "", false, userOrigin)
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
	assert.Equal(t, models.SubscriptionActive, env.state(t, u.ID).Status)
}

func TestAccessGate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u := env.activeSubscriber(t, "gate@example.com", "sub_1")
	assert.NoError(t, env.gate.RequireActiveSubscription(ctx, u.ID))

	err := env.gate.RequireProgramOwnership(ctx, u.ID, "advanced-strength-training")
	var denied *EntitlementRequiredError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, RequirementProgram, denied.Requirement)
	assert.Equal(t, "https://app.fitcore.test/programs/advanced-strength-training", denied.SuggestedAction)

	env.tx(t, func(tx *gorm.DB) error {
		_, err := env.store.AddOwnedProgram(tx, u.ID, "advanced-strength-training", nil, userOrigin)
		return err
	})
	assert.NoError(t, env.gate.RequireProgramOwnership(ctx, u.ID, "advanced-strength-training"))

	// Past the period end the subscription no longer grants access, even
	// before the expiry sweep has run.
	env.clock.Advance(21 * 24 * time.Hour)
	err = env.gate.RequireActiveSubscription(ctx, u.ID)
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, RequirementSubscription, denied.Requirement)
	assert.Equal(t, string(models.SubscriptionActive), denied.CurrentStatus)
	require.NotNil(t, denied.ExpiryDate)
	assert.True(t, denied.ExpiryDate.Equal(t0.AddDate(0, 0, 20)))
	assert.Equal(t, "https://app.fitcore.test/subscribe", denied.SuggestedAction)

	stranger := env.createUser(t, "stranger@example.com")
	err = env.gate.RequireActiveSubscription(ctx, stranger.ID)
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, string(models.SubscriptionNone), denied.CurrentStatus)
	assert.Nil(t, denied.ExpiryDate)
}
