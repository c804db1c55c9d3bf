package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu       sync.Mutex
	keys     []string
	payloads [][]byte
	err      error
	closed   bool
}

func (p *recordingPublisher) Publish(_ context.Context, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.payloads = append(p.payloads, payload)
	return p.err
}

func (p *recordingPublisher) Close() error {
	p.closed = true
	return nil
}

func TestEmitter_PublishesInOrderAndDrainsOnClose(t *testing.T) {
	pub := &recordingPublisher{}
	e := NewEmitter(pub, 8)

	e.Emit(Event{Type: SubscriptionActivated, UserID: "u1"})
	e.Emit(Event{Type: ProgramGranted, UserID: "u1", Data: map[string]any{"slug": "advanced-strength-training"}})
	require.NoError(t, e.Close())

	assert.True(t, pub.closed)
	assert.Equal(t, []string{SubscriptionActivated, ProgramGranted}, pub.keys)

	var got Event
	require.NoError(t, json.Unmarshal(pub.payloads[1], &got))
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "advanced-strength-training", got.Data["slug"])
	assert.False(t, got.OccurredAt.IsZero())
}

func TestEmitter_PublishErrorsAreSwallowed(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	e := NewEmitter(pub, 1)
	e.Emit(Event{Type: PaymentFailed, UserID: "u2"})
	require.NoError(t, e.Close())
	assert.Len(t, pub.keys, 1)
}

func TestEmitter_NilIsSafe(t *testing.T) {
	var e *Emitter
	assert.NotPanics(t, func() { e.Emit(Event{Type: SubscriptionExpired}) })
}

func TestNoopPublisher(t *testing.T) {
	p := NewNoopPublisher(nil)
	assert.NoError(t, p.Publish(context.Background(), SubscriptionUpdated, []byte("{}")))
	assert.NoError(t, p.Close())
}
