// ABOUTME: Connection supervisor owning channel bring-up, teardown and reconnect
// ABOUTME: Issues correlated commands once every channel has completed its handshake

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/2389/coven-mirai/internal/pending"
	"github.com/2389/coven-mirai/internal/protocol"
	"github.com/2389/coven-mirai/internal/router"
	"github.com/2389/coven-mirai/internal/transport"
)

// State is the session lifecycle.
type State int

const (
	Idle State = iota
	Connecting
	Running
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Running:
		return "running"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrSessionClosed is the cause recorded when the user closes the session.
	ErrSessionClosed = fmt.Errorf("%w: session closed", protocol.ErrTransportClosed)

	// ErrNotRunning is returned by Call outside the Running state.
	ErrNotRunning = fmt.Errorf("%w: session not running", protocol.ErrTransportClosed)

	// ErrAlreadyStarted is returned by Connect on a session that left Idle.
	ErrAlreadyStarted = fmt.Errorf("%w: session already started", protocol.ErrConfiguration)
)

// CallRecord describes one completed command.
type CallRecord struct {
	Command    string
	SubCommand string
	SyncID     string
	Started    time.Time
	Duration   time.Duration
	Err        error
}

// StateListener observes state transitions. It must not call Close.
type StateListener func(from, to State)

// Option configures a Session.
type Option func(*Session)

// WithDialer replaces the websocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithProber replaces the HTTP reachability probe used before reconnecting.
func WithProber(p Prober) Option {
	return func(s *Session) { s.prober = p }
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithCallObserver installs a hook invoked after every Call.
func WithCallObserver(fn func(CallRecord)) Option {
	return func(s *Session) { s.observeCall = fn }
}

// generation is one connection lifetime: a set of channels sharing a
// correlation table, torn down exactly once.
type generation struct {
	id       int
	ctx      context.Context
	cancel   context.CancelFunc
	table    *pending.Table
	channels []*channel

	once  sync.Once
	dead  chan struct{}
	cause error
}

// Session supervises the channels to one bridge account.
type Session struct {
	cfg         Config
	dialer      transport.Dialer
	prober      Prober
	dispatcher  router.Dispatcher
	observeCall func(CallRecord)
	logger      *slog.Logger
	rng         *rand.Rand

	mu         sync.Mutex
	state      State
	gen        *generation
	genCount   int
	userClosed bool
	listeners  []StateListener

	closing     chan struct{}
	closingOnce sync.Once
	done        chan struct{}
	doneOnce    sync.Once
	err         error
}

// New creates an Idle session. Notifications are delivered to dispatcher.
func New(cfg Config, dispatcher router.Dispatcher, opts ...Option) (*Session, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("%w: session needs a dispatcher", protocol.ErrConfiguration)
	}

	s := &Session{
		cfg:        cfg,
		dispatcher: dispatcher,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "session")
	if s.dialer == nil {
		s.dialer = &transport.WebSocketDialer{}
	}
	if s.prober == nil {
		s.prober = &HTTPProber{BaseURL: cfg.BaseURL}
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Session) Config() Config { return s.cfg }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Token returns the session token of the request channel, or "" when not Running.
func (s *Session) Token() string {
	s.mu.Lock()
	gen := s.gen
	running := s.state == Running
	s.mu.Unlock()
	if !running || gen == nil {
		return ""
	}
	return gen.channels[0].router.Token()
}

// Outstanding reports the number of requests awaiting a response.
func (s *Session) Outstanding() int {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	if gen == nil {
		return 0
	}
	return gen.table.Len()
}

// Done is closed once the session has stopped for good.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session stopped. It is nil after a user Close.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// OnStateChange registers a listener for state transitions.
func (s *Session) OnStateChange(fn StateListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

type stateChange struct {
	from, to  State
	listeners []StateListener
}

// transitionLocked records a transition; the caller emits it after unlocking.
func (s *Session) transitionLocked(to State) stateChange {
	c := stateChange{from: s.state, to: to, listeners: s.listeners}
	s.state = to
	return c
}

func (s *Session) emit(changes ...stateChange) {
	for _, c := range changes {
		if c.from == c.to {
			continue
		}
		s.logger.Debug("state change", "from", c.from.String(), "to", c.to.String())
		for _, fn := range c.listeners {
			fn(c.from, c.to)
		}
	}
}

func (s *Session) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		change := s.transitionLocked(Closed)
		if s.userClosed {
			err = nil
		}
		s.err = err
		s.mu.Unlock()
		s.emit(change)
		close(s.done)
		if err != nil {
			s.logger.Error("session stopped", "error", err)
		} else {
			s.logger.Info("session closed")
		}
	})
}

// Connect opens every configured channel and waits for all handshakes.
// It may only be called once; recovery after a channel dies is driven by the
// reconnect policy.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle || s.userClosed {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	change := s.transitionLocked(Connecting)
	s.mu.Unlock()
	s.emit(change)

	if err := s.establish(ctx); err != nil {
		s.finish(err)
		return err
	}
	return nil
}

// Run connects if needed and blocks until the session stops or ctx ends.
// Cancelling ctx closes the session.
func (s *Session) Run(ctx context.Context) error {
	if s.State() == Idle {
		if err := s.Connect(ctx); err != nil {
			return err
		}
	}
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return s.Close()
	}
}

// Close tears the session down and waits for it to stop. It is idempotent and
// suppresses any reconnect.
func (s *Session) Close() error {
	s.mu.Lock()
	s.userClosed = true
	gen := s.gen
	idle := s.state == Idle
	s.mu.Unlock()

	s.closingOnce.Do(func() { close(s.closing) })

	if idle {
		s.finish(nil)
		return nil
	}
	if gen != nil {
		s.teardown(gen, ErrSessionClosed)
	}
	<-s.done
	return nil
}

// establish brings up a new generation and publishes it as Running.
func (s *Session) establish(ctx context.Context) error {
	s.mu.Lock()
	s.genCount++
	genID := s.genCount
	s.mu.Unlock()

	genCtx, cancel := context.WithCancel(context.Background())
	gen := &generation{
		id:     genID,
		ctx:    genCtx,
		cancel: cancel,
		table:  pending.NewTable(pending.WithLogger(s.logger)),
		dead:   make(chan struct{}),
	}

	params := map[string]string{
		"verifyKey": s.cfg.VerifyKey,
		"qq":        strconv.FormatInt(s.cfg.QQ, 10),
	}

	dialCtx, dialCancel := transport.Deadline(ctx, s.cfg.HandshakeTimeout)
	defer dialCancel()

	for _, spec := range s.cfg.Channels {
		endpoint, err := transport.EndpointURL(s.cfg.BaseURL, spec.Path, params)
		if err != nil {
			s.teardown(gen, err)
			return err
		}
		conn, err := s.dialer.Dial(dialCtx, endpoint)
		if err != nil {
			err = fmt.Errorf("opening %s channel: %w", spec.Name, err)
			s.teardown(gen, err)
			return err
		}
		gen.channels = append(gen.channels, &channel{
			spec: spec,
			conn: conn,
			router: router.New(router.Config{
				Channel:    spec.Name,
				Table:      gen.table,
				Dispatcher: s.dispatcher,
				Logger:     s.logger,
			}),
			frames: make(chan inbound),
			ready:  make(chan struct{}),
		})
	}

	for _, ch := range gen.channels {
		go s.pump(gen, ch)
		go s.supervise(gen, ch)
	}

	for _, ch := range gen.channels {
		select {
		case <-ch.ready:
		case <-gen.dead:
			return gen.cause
		case <-dialCtx.Done():
			err := fmt.Errorf("%w: handshake on %s channel: %v", protocol.ErrProtocol, ch.spec.Name, dialCtx.Err())
			s.teardown(gen, err)
			return gen.cause
		case <-s.closing:
			s.teardown(gen, ErrSessionClosed)
			return ErrSessionClosed
		}
	}

	s.mu.Lock()
	select {
	case <-gen.dead:
		s.mu.Unlock()
		return gen.cause
	default:
	}
	if s.userClosed {
		s.mu.Unlock()
		s.teardown(gen, ErrSessionClosed)
		return ErrSessionClosed
	}
	s.gen = gen
	change := s.transitionLocked(Running)
	s.mu.Unlock()
	s.emit(change)

	s.logger.Info("session running", "generation", gen.id, "channels", len(gen.channels))
	return nil
}

// teardown closes a generation exactly once: channels close, every pending
// request fails with a transport error, and the supervisor decides whether
// to reconnect.
func (s *Session) teardown(gen *generation, cause error) {
	gen.once.Do(func() {
		if cause == nil {
			cause = protocol.ErrTransportClosed
		}

		s.mu.Lock()
		current := s.gen == gen
		prev := s.state
		var changes []stateChange
		if current {
			changes = append(changes, s.transitionLocked(Closing))
		}
		s.mu.Unlock()
		s.emit(changes...)

		gen.cause = cause
		close(gen.dead)
		gen.cancel()

		for _, ch := range gen.channels {
			ch.router.Fail(cause)
			if err := ch.conn.Close(); err != nil {
				s.logger.Debug("closing channel", "channel", ch.spec.Name, "error", err)
			}
		}

		pendingErr := cause
		if !errors.Is(cause, protocol.ErrTransportClosed) {
			pendingErr = fmt.Errorf("%w: %w", protocol.ErrTransportClosed, cause)
		}
		if n := gen.table.CancelAll(pendingErr); n > 0 {
			s.logger.Warn("failed outstanding requests", "count", n, "generation", gen.id)
		}

		if !current {
			return
		}

		s.mu.Lock()
		s.gen = nil
		changes = []stateChange{s.transitionLocked(Closed)}
		reconnect := prev == Running && !s.userClosed && s.cfg.Reconnect.Enabled
		s.mu.Unlock()
		s.emit(changes...)

		if errors.Is(cause, ErrSessionClosed) {
			s.finish(nil)
			return
		}
		s.logger.Warn("channel lost", "generation", gen.id, "error", cause)
		if reconnect {
			go s.reconnect(cause)
			return
		}
		s.finish(cause)
	})
}

// reconnect waits out the backoff, verifies reachability and attempts a fresh
// handshake until it succeeds, the policy is exhausted, or the user closes.
func (s *Session) reconnect(cause error) {
	policy := s.cfg.Reconnect
	attempt := 0
	for policy.MaxAttempts == 0 || attempt < policy.MaxAttempts {
		attempt++
		delay := NextBackoffDelay(policy.Backoff, attempt, s.rng)
		s.logger.Info("reconnecting", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.closing:
			timer.Stop()
			s.finish(nil)
			return
		}

		probeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
		err := s.prober.Probe(probeCtx)
		cancel()
		if err != nil {
			s.logger.Warn("bridge not reachable", "attempt", attempt, "error", err)
			continue
		}

		s.mu.Lock()
		if s.userClosed {
			s.mu.Unlock()
			s.finish(nil)
			return
		}
		change := s.transitionLocked(Connecting)
		s.mu.Unlock()
		s.emit(change)

		err = s.establish(context.Background())
		if err == nil {
			return
		}

		s.mu.Lock()
		change = s.transitionLocked(Closed)
		s.mu.Unlock()
		s.emit(change)

		if errors.Is(err, ErrSessionClosed) {
			s.finish(nil)
			return
		}
		var hsErr *protocol.HandshakeError
		if errors.As(err, &hsErr) && hsErr.Code == protocol.CodeWrongVerifyKey {
			s.finish(err)
			return
		}
		s.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}
	s.finish(fmt.Errorf("%w: gave up reconnecting after %d attempts: %w", protocol.ErrTransportClosed, attempt, cause))
}

// Call issues a command on the request channel and waits for its response.
// If ctx ends first the request is abandoned and ctx's error returned. ctx
// never reaches the shared connection: the frame write is bounded by the
// connection's own lifetime and WriteTimeout.
func (s *Session) Call(ctx context.Context, command, subCommand string, content any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", command, err)
	}

	s.mu.Lock()
	gen := s.gen
	running := s.state == Running
	s.mu.Unlock()
	if !running || gen == nil {
		return nil, ErrNotRunning
	}

	ch := gen.channels[0]
	token := ch.router.Token()
	if token == "" {
		return nil, ErrNotRunning
	}

	req, err := gen.table.Allocate()
	if err != nil {
		return nil, err
	}
	rec := CallRecord{Command: command, SubCommand: subCommand, SyncID: req.ID, Started: time.Now()}
	payload, err := s.call(ctx, gen, ch, req, token, command, subCommand, content)
	rec.Duration = time.Since(rec.Started)
	rec.Err = err
	if s.observeCall != nil {
		s.observeCall(rec)
	}
	return payload, err
}

func (s *Session) call(ctx context.Context, gen *generation, ch *channel, req *pending.Request,
	token, command, subCommand string, content any) (json.RawMessage, error) {
	select {
	case <-gen.dead:
		gen.table.Cancel(req.ID)
		return nil, fmt.Errorf("%s: %w", command, ErrNotRunning)
	default:
	}

	frame, err := protocol.EncodeRequest(req.ID, command, subCommand, token, content)
	if err != nil {
		gen.table.Cancel(req.ID)
		return nil, err
	}

	// Cancelling a websocket write closes the connection, so only the
	// generation may cancel it.
	wctx, cancel := transport.Deadline(gen.ctx, s.cfg.WriteTimeout)
	err = ch.conn.Write(wctx, frame)
	cancel()
	if err != nil {
		gen.table.Cancel(req.ID)
		if !errors.Is(err, protocol.ErrTransportClosed) {
			err = fmt.Errorf("%w: %w", protocol.ErrTransportClosed, err)
		}
		return nil, fmt.Errorf("sending %s: %w", command, err)
	}

	data, err := req.Wait(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			gen.table.Cancel(req.ID)
		}
		return nil, fmt.Errorf("%s: %w", command, err)
	}
	return data, nil
}
