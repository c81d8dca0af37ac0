// ABOUTME: Per-channel inbound frame router driving the handshake state machine
// ABOUTME: Resolves responses through the correlation table and dispatches notifications

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-mirai/internal/dispatch"
	"github.com/2389/coven-mirai/internal/pending"
	"github.com/2389/coven-mirai/internal/protocol"
)

// State is the lifecycle of one channel's router.
type State int

const (
	Handshaking State = iota
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Dispatcher receives notifications decoded on a ready channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, n dispatch.Notification)
}

// Config wires a Router.
type Config struct {
	Channel    string
	Table      *pending.Table
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

// Router classifies the frames of one channel. It is driven by a single
// reader goroutine; State and Token may be read from anywhere.
type Router struct {
	channel    string
	table      *pending.Table
	dispatcher Dispatcher
	logger     *slog.Logger

	mu    sync.RWMutex
	state State
	token string
	err   error
}

// New creates a Router in the Handshaking state.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		channel:    cfg.Channel,
		table:      cfg.Table,
		dispatcher: cfg.Dispatcher,
		logger:     logger.With("component", "router", "channel", cfg.Channel),
	}
}

// State returns the current state.
func (r *Router) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Token returns the session token issued by the handshake, or "".
func (r *Router) Token() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.token
}

// Err returns the error that closed the router, if any.
func (r *Router) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Handle processes one raw frame. A non-nil error is fatal for the channel
// and only occurs while handshaking; malformed frames on a ready channel are
// logged and dropped.
func (r *Router) Handle(ctx context.Context, raw []byte) error {
	switch r.State() {
	case Handshaking:
		return r.handshake(raw)
	case Ready:
		r.route(ctx, raw)
		return nil
	default:
		r.logger.Debug("frame after close ignored")
		return nil
	}
}

func (r *Router) handshake(raw []byte) error {
	frame, err := protocol.ParseFrame(raw)
	if err != nil {
		return r.fail(fmt.Errorf("handshake on %s channel: %w", r.channel, err))
	}

	switch frame.Kind {
	case protocol.FrameError:
		return r.fail(&protocol.HandshakeError{Channel: r.channel, Code: frame.Code, Message: frame.Message})
	case protocol.FrameUntagged:
		token, err := protocol.DecodeHandshake(r.channel, frame.Data)
		if err != nil {
			return r.fail(err)
		}
		r.mu.Lock()
		if r.state == Handshaking {
			r.token = token
			r.state = Ready
		}
		r.mu.Unlock()
		r.logger.Debug("handshake complete")
		return nil
	default:
		return r.fail(fmt.Errorf("%w: %s frame before handshake on %s channel", protocol.ErrProtocol, frame.Kind, r.channel))
	}
}

func (r *Router) route(ctx context.Context, raw []byte) {
	frame, err := protocol.ParseFrame(raw)
	if err != nil {
		r.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	switch frame.Kind {
	case protocol.FrameError:
		r.logger.Warn("bridge reported error", "code", frame.Code, "message", frame.Message)
	case protocol.FrameUntagged:
		r.logger.Warn("dropping frame without sync id")
	case protocol.FrameResponse:
		if err := protocol.CheckStatus(frame.Data); err != nil {
			r.table.ResolveError(frame.SyncID, err)
			return
		}
		r.table.Resolve(frame.SyncID, frame.Data)
	case protocol.FrameNotification:
		kind, err := protocol.DecodeKind(frame.Data)
		if err != nil {
			r.logger.Warn("dropping notification", "error", err)
			return
		}
		r.dispatcher.Dispatch(ctx, dispatch.Notification{
			Kind:     kind,
			Channel:  r.channel,
			Payload:  frame.Data,
			Received: time.Now(),
		})
	}
}

// fail closes the router with err and returns it.
func (r *Router) fail(err error) error {
	r.Fail(err)
	return err
}

// Fail moves the router to Closed and invalidates its token. It reports
// whether this call performed the transition.
func (r *Router) Fail(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Closed {
		return false
	}
	if err == nil {
		err = protocol.ErrTransportClosed
	}
	r.state = Closed
	r.token = ""
	r.err = err
	if !errors.Is(err, protocol.ErrTransportClosed) {
		r.logger.Warn("channel closed", "error", err)
	}
	return true
}
