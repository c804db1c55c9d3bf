package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Routing keys.
const (
	SubscriptionActivated = "commerce.subscription.activated"
	SubscriptionUpdated   = "commerce.subscription.updated"
	SubscriptionCancelled = "commerce.subscription.cancelled"
	SubscriptionExpired   = "commerce.subscription.expired"
	PaymentFailed         = "commerce.payment.failed"
	ProgramGranted        = "commerce.program.granted"
	PurchaseRefunded      = "commerce.purchase.refunded"
	AccountErased         = "commerce.account.erased"
)

// Event is the JSON body of every published message.
type Event struct {
	Type       string         `json:"type"`
	UserID     string         `json:"userId"`
	OccurredAt time.Time      `json:"occurredAt"`
	Data       map[string]any `json:"data,omitempty"`
}

// Emitter publishes events off the request path. Delivery is best-effort:
// when the queue is full the event is dropped and logged.
type Emitter struct {
	publisher Publisher
	queue     chan Event
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
}

func NewEmitter(publisher Publisher, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 256
	}
	e := &Emitter{publisher: publisher, queue: make(chan Event, buffer)}
	e.wg.Add(1)
	go e.run()
	return e
}

func (e *Emitter) Emit(evt Event) {
	if e == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- evt:
	default:
		slog.Warn("commerce event dropped, queue full", "type", evt.Type, "user_id", evt.UserID)
	}
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for evt := range e.queue {
		payload, err := json.Marshal(evt)
		if err != nil {
			slog.Warn("commerce event marshal failed", "type", evt.Type, "error", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.publisher.Publish(ctx, evt.Type, payload); err != nil {
			slog.Warn("commerce event publish failed", "type", evt.Type, "user_id", evt.UserID, "error", err)
		}
		cancel()
	}
}

// Close drains queued events and closes the publisher.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	e.wg.Wait()
	return e.publisher.Close()
}
