// ABOUTME: In-memory fan-out of notifications to channel subscribers
// ABOUTME: Subscribers register per kind (or "*") and receive without blocking the router

package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllKinds subscribes to every notification kind.
	AllKinds = "*"
)

// Broadcaster provides pub/sub for notifications. It complements the single
// registered handler per kind: any number of subscribers may watch a kind.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Notification // kind -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Notification),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for notifications of kind. The returned
// channel is closed when ctx ends, on Unsubscribe, or when the broadcaster
// closes.
func (b *Broadcaster) Subscribe(ctx context.Context, kind string) (<-chan Notification, string) {
	subID := uuid.NewString()
	ch := make(chan Notification, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[kind]; !ok {
		b.subscribers[kind] = make(map[string]chan Notification)
	}
	b.subscribers[kind][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "kind", kind, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(kind, subID)
	}()

	return ch, subID
}

// Publish delivers n to subscribers of its kind and of AllKinds.
// Slow subscribers miss notifications rather than stalling the caller.
func (b *Broadcaster) Publish(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range []string{n.Kind, AllKinds} {
		for subID, ch := range b.subscribers[key] {
			select {
			case ch <- n:
			default:
				b.logger.Debug("dropped notification for slow subscriber",
					"kind", n.Kind,
					"sub_id", subID)
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(kind, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[kind]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, kind)
	}

	b.logger.Debug("subscriber removed", "kind", kind, "sub_id", subID)
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for kind, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, kind)
	}
	b.closed = true
}
