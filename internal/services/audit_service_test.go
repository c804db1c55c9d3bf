package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestAuditLog_AppendCommitsWithTransaction(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "audit@example.com")

	env.tx(t, func(tx *gorm.DB) error {
		return env.audit.Append(tx, &u.ID, ActionCancelRequested, UserOrigin("10.0.0.1", "ios"), map[string]any{"atPeriodEnd": true})
	})

	boom := errors.New("boom")
	err := env.db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, env.audit.Append(tx, &u.ID, ActionSubscriptionExpired, systemOrigin, nil))
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, []string{ActionCancelRequested}, env.auditActions(t, u.ID))
}

func TestAuditLog_EntriesAreImmutable(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "immutable@example.com")
	env.tx(t, func(tx *gorm.DB) error {
		return env.audit.Append(tx, &u.ID, ActionCancelRequested, UserOrigin("10.0.0.1", "ios"), nil)
	})

	var entry models.AuditEntry
	require.NoError(t, env.db.Where("user_id = ?", u.ID).First(&entry).Error)

	err := env.db.Model(&entry).Update("action", "tampered").Error
	assert.ErrorIs(t, err, models.ErrAuditImmutable)
	assert.ErrorIs(t, env.db.Delete(&entry).Error, models.ErrAuditImmutable)

	assert.Equal(t, []string{ActionCancelRequested}, env.auditActions(t, u.ID))
}

func TestAuditLog_QueryFilters(t *testing.T) {
	env := newTestEnv(t)
	a := env.createUser(t, "a@example.com")
	b := env.createUser(t, "b@example.com")

	env.tx(t, func(tx *gorm.DB) error {
		return env.audit.Append(tx, &a.ID, ActionCancelRequested, systemOrigin, nil)
	})
	env.clock.Advance(time.Hour)
	env.tx(t, func(tx *gorm.DB) error {
		return env.audit.Append(tx, &a.ID, ActionSubscriptionExpired, systemOrigin, nil)
	})
	env.tx(t, func(tx *gorm.DB) error {
		return env.audit.Append(tx, &b.ID, ActionSubscriptionExpired, systemOrigin, nil)
	})
	ctx := context.Background()

	all, err := env.audit.Query(ctx, AuditQuery{UserID: &a.ID})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ActionSubscriptionExpired, all[0].Action)

	early, err := env.audit.Query(ctx, AuditQuery{UserID: &a.ID, To: t0.Add(30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, early, 1)
	assert.Equal(t, ActionCancelRequested, early[0].Action)

	expired, err := env.audit.Query(ctx, AuditQuery{Action: ActionSubscriptionExpired, From: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.Len(t, expired, 2)

	one, err := env.audit.Query(ctx, AuditQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, one, 1)
}
