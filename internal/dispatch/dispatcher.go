// ABOUTME: Handler registry and dispatcher for inbound notifications
// ABOUTME: Runs each handler on its own goroutine so the transport never stalls

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/2389/coven-mirai/internal/protocol"
)

// ErrHandlerAlreadyRegistered is returned when a kind already has a handler.
var ErrHandlerAlreadyRegistered = fmt.Errorf("%w: handler already registered", protocol.ErrConfiguration)

// Notification is one unsolicited event delivered to handlers.
type Notification struct {
	Kind     string
	Channel  string
	Payload  json.RawMessage
	Value    any
	Received time.Time
}

// Handler processes a notification. Errors are logged, never propagated.
type Handler func(ctx context.Context, n Notification) error

// Decoder turns a raw payload into a typed value stored in Notification.Value.
type Decoder func(payload json.RawMessage) (any, error)

// Filter reports whether a notification should be delivered at all.
type Filter func(n Notification) bool

// Tap observes every delivered notification alongside the handler.
type Tap interface {
	Name() string
	Observe(ctx context.Context, n Notification) error
}

// Dispatcher routes notifications to the one handler registered per kind.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	decoders map[string]Decoder
	taps     []Tap
	filter   Filter

	broadcaster *Broadcaster
	stats       statsRecorder
	wg          sync.WaitGroup
	logger      *slog.Logger
}

// New creates a Dispatcher. Pass nil logger for default.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers:    make(map[string]Handler),
		decoders:    make(map[string]Decoder),
		broadcaster: NewBroadcaster(logger),
		logger:      logger.With("component", "dispatch"),
	}
}

// Register installs h for kind. A second registration for the same kind fails
// with ErrHandlerAlreadyRegistered and leaves the first in place.
func (d *Dispatcher) Register(kind string, h Handler) error {
	if kind == "" || h == nil {
		return fmt.Errorf("%w: handler needs a kind and a function", protocol.ErrConfiguration)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[kind]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, kind)
	}
	d.handlers[kind] = h
	d.logger.Debug("handler registered", "kind", kind)
	return nil
}

// RegisterDecoder installs a payload decoder for kind, replacing any previous one.
func (d *Dispatcher) RegisterDecoder(kind string, dec Decoder) {
	d.mu.Lock()
	d.decoders[kind] = dec
	d.mu.Unlock()
}

// AddTap installs an observer that sees every delivered notification.
func (d *Dispatcher) AddTap(t Tap) {
	d.mu.Lock()
	d.taps = append(d.taps, t)
	d.mu.Unlock()
}

// SetFilter installs a predicate consulted before delivery.
func (d *Dispatcher) SetFilter(f Filter) {
	d.mu.Lock()
	d.filter = f
	d.mu.Unlock()
}

// Handles reports whether kind has a registered handler.
func (d *Dispatcher) Handles(kind string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[kind]
	return ok
}

// Broadcaster exposes subscriber fan-out.
func (d *Dispatcher) Broadcaster() *Broadcaster { return d.broadcaster }

// Dispatch delivers n. It returns immediately; handlers and taps run on their
// own goroutines with a context that outlives ctx's cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) {
	if n.Received.IsZero() {
		n.Received = time.Now()
	}

	d.mu.RLock()
	dec := d.decoders[n.Kind]
	filter := d.filter
	taps := d.taps
	h, ok := d.handlers[n.Kind]
	d.mu.RUnlock()

	logger := d.logger.With("kind", n.Kind, "channel", n.Channel)

	if dec != nil && n.Value == nil {
		v, err := dec(n.Payload)
		if err != nil {
			logger.Warn("dropping undecodable notification", "error", err)
			return
		}
		n.Value = v
	}

	if filter != nil && !filter(n) {
		logger.Debug("notification filtered")
		return
	}

	runCtx := context.WithoutCancel(ctx)

	for _, tap := range taps {
		d.spawn(logger.With("tap", tap.Name()), func() error {
			return tap.Observe(runCtx, n)
		}, false)
	}

	d.broadcaster.Publish(n)

	if !ok {
		logger.Debug("no handler registered")
		return
	}
	d.spawn(logger, func() error { return h(runCtx, n) }, true)
}

// spawn runs fn on a new goroutine, containing errors and panics.
func (d *Dispatcher) spawn(logger *slog.Logger, fn func() error, timed bool) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		start := time.Now()
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				logger.Error("handler panicked", "panic", r, "stack", string(debug.Stack()))
			}
			if timed {
				d.stats.record(time.Since(start), err)
			}
		}()

		err = fn()
		if err != nil {
			logger.Error("handler failed", "error", err)
		}
	}()
}

// Wait blocks until every spawned handler and tap has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stats returns a snapshot of handler timings.
func (d *Dispatcher) Stats() Stats {
	return d.stats.snapshot()
}

// Close closes subscriber channels. Running handlers are not interrupted.
func (d *Dispatcher) Close() {
	d.broadcaster.Close()
}
