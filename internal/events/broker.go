// Package events fans verification lifecycle events out to in-process
// subscribers (SSE clients) and registered hooks.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/kensa/internal/model"
)

// Hook receives lifecycle events. Hooks are called asynchronously, each with
// its own timeout; failures are logged and never affect the verification.
type Hook interface {
	OnEvent(ctx context.Context, ev model.Event) error
}

// HookTimeout bounds a single hook invocation.
const HookTimeout = 10 * time.Second

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 64

// Broker is safe for concurrent use. The zero value is not usable; call New.
type Broker struct {
	logger *slog.Logger
	hooks  []Hook

	mu          sync.RWMutex
	subscribers map[chan model.Event]struct{}

	wg sync.WaitGroup
}

// New creates a broker.
func New(logger *slog.Logger, hooks ...Hook) *Broker {
	return &Broker{
		logger:      logger,
		hooks:       hooks,
		subscribers: make(map[chan model.Event]struct{}),
	}
}

// Subscribe returns a channel that receives every published event.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan model.Event {
	ch := make(chan model.Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan model.Event) {
	b.mu.Lock()
	_, ok := b.subscribers[ch]
	delete(b.subscribers, ch)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish delivers ev to every subscriber and starts every hook. Subscribers
// with a full buffer miss the event rather than block the publisher.
func (b *Broker) Publish(ctx context.Context, ev model.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("events: subscriber buffer full, dropping event", "type", ev.Type)
		}
	}
	b.mu.RUnlock()

	for _, h := range b.hooks {
		b.wg.Add(1)
		go func(h Hook) {
			defer b.wg.Done()
			hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), HookTimeout)
			defer cancel()
			if err := h.OnEvent(hctx, ev); err != nil {
				b.logger.Warn("events: hook failed", "type", ev.Type, "error", err)
			}
		}(h)
	}
}

// Wait blocks until in-flight hook calls return or ctx is done.
func (b *Broker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// FormatSSE renders ev as a Server-Sent Events message.
func FormatSSE(ev model.Event) []byte {
	data, err := json.Marshal(ev)
	if err != nil {
		data = []byte(`{}`)
	}
	return []byte("event: " + string(ev.Type) + "\ndata: " + string(data) + "\n\n")
}
