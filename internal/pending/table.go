// ABOUTME: Correlation table matching outbound request ids to their eventual responses
// ABOUTME: Each request owns a single-assignment result slot removed atomically on resolution

package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-mirai/internal/protocol"
)

// Result is what a waiter receives: a response payload or an error.
type Result struct {
	Payload json.RawMessage
	Err     error
}

// Request is one outstanding call.
type Request struct {
	ID      string
	Created time.Time

	done chan Result
}

// Done returns a channel that yields exactly one Result.
func (r *Request) Done() <-chan Result { return r.done }

// Wait blocks until the request is settled or ctx ends. A context error does
// not remove the request from its table; callers pair it with Table.Cancel.
func (r *Request) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case res := <-r.done:
		return res.Payload, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Table tracks outstanding requests for one connection generation.
type Table struct {
	mu      sync.Mutex
	pending map[string]*Request
	newID   func() string
	logger  *slog.Logger
}

// Option configures a Table.
type Option func(*Table)

// WithIDGenerator overrides the id source. Tests use it to force collisions.
func WithIDGenerator(fn func() string) Option {
	return func(t *Table) { t.newID = fn }
}

// WithLogger sets the logger used for dropped responses.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Table) { t.logger = logger }
}

// NewTable creates an empty Table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		pending: make(map[string]*Request),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "pending")
	return t
}

// maxAllocateAttempts bounds id regeneration when the generator collides.
const maxAllocateAttempts = 16

// Allocate registers a new request under an id not currently outstanding.
func (t *Table) Allocate() (*Request, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for range maxAllocateAttempts {
		id := t.newID()
		if id == "" || id == protocol.NoSyncID {
			continue
		}
		if _, taken := t.pending[id]; taken {
			continue
		}
		req := &Request{
			ID:      id,
			Created: time.Now(),
			done:    make(chan Result, 1),
		}
		t.pending[id] = req
		return req, nil
	}
	return nil, fmt.Errorf("%w: could not allocate a unique request id", protocol.ErrProtocol)
}

// take removes and returns the request for id, if any.
func (t *Table) take(id string) (*Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return req, ok
}

// Resolve settles id with a payload. Unknown ids are logged and dropped.
func (t *Table) Resolve(id string, payload json.RawMessage) bool {
	req, ok := t.take(id)
	if !ok {
		t.logger.Warn("received response for unknown request", "sync_id", id)
		return false
	}
	req.done <- Result{Payload: payload}
	return true
}

// ResolveError settles id with an error. Unknown ids are logged and dropped.
func (t *Table) ResolveError(id string, err error) bool {
	req, ok := t.take(id)
	if !ok {
		t.logger.Warn("received error for unknown request", "sync_id", id, "error", err)
		return false
	}
	req.done <- Result{Err: err}
	return true
}

// Cancel settles id with ErrTransportClosed. It is a no-op for unknown ids.
func (t *Table) Cancel(id string) bool {
	req, ok := t.take(id)
	if !ok {
		return false
	}
	req.done <- Result{Err: protocol.ErrTransportClosed}
	return true
}

// CancelAll settles every outstanding request with err, or ErrTransportClosed
// when err is nil, and reports how many were cancelled.
func (t *Table) CancelAll(err error) int {
	if err == nil {
		err = protocol.ErrTransportClosed
	}

	t.mu.Lock()
	reqs := t.pending
	t.pending = make(map[string]*Request)
	t.mu.Unlock()

	for _, req := range reqs {
		req.done <- Result{Err: err}
	}
	if len(reqs) > 0 {
		t.logger.Debug("cancelled outstanding requests", "count", len(reqs), "error", err)
	}
	return len(reqs)
}

// Len reports the number of outstanding requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
