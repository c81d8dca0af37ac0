// ABOUTME: Bot facade wiring session, dispatcher, uploader, journal, relays and dedupe
// ABOUTME: Entry point for applications: register handlers, connect, issue commands

package bot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/2389/coven-mirai/internal/config"
	"github.com/2389/coven-mirai/internal/dedupe"
	"github.com/2389/coven-mirai/internal/dispatch"
	"github.com/2389/coven-mirai/internal/journal"
	"github.com/2389/coven-mirai/internal/message"
	"github.com/2389/coven-mirai/internal/protocol"
	"github.com/2389/coven-mirai/internal/relay"
	"github.com/2389/coven-mirai/internal/session"
	"github.com/2389/coven-mirai/internal/transport"
	"github.com/2389/coven-mirai/internal/upload"
)

// Journal is what the bot needs from a notification journal.
type Journal interface {
	dispatch.Tap
	ObserveCall(rec session.CallRecord)
}

// MessageHandler handles a decoded message notification.
type MessageHandler func(ctx context.Context, m *message.Inbound) error

// Bot is a connected bridge account with its command surface.
type Bot struct {
	cfg        *config.Config
	session    *session.Session
	dispatcher *dispatch.Dispatcher
	uploader   *upload.Uploader
	logger     *slog.Logger
	closers    []io.Closer
}

type options struct {
	dialer     transport.Dialer
	prober     session.Prober
	httpClient *http.Client
	logger     *slog.Logger
	journal    Journal
	taps       []dispatch.Tap
}

// Option configures a Bot.
type Option func(*options)

// WithDialer replaces the websocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithProber replaces the reachability probe used before reconnecting.
func WithProber(p session.Prober) Option {
	return func(o *options) { o.prober = p }
}

// WithHTTPClient sets the client used for uploads and reachability probes.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithLogger sets the root logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithJournal uses j instead of opening the configured journal path.
func WithJournal(j Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithTaps adds observers that see every delivered notification.
func WithTaps(taps ...dispatch.Tap) Option {
	return func(o *options) { o.taps = append(o.taps, taps...) }
}

// New builds an idle bot from cfg.
func New(cfg *config.Config, opts ...Option) (*Bot, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	b := &Bot{
		cfg:        cfg,
		dispatcher: dispatch.New(o.logger),
		logger:     o.logger.With("component", "bot"),
	}
	for _, kind := range message.Kinds {
		b.dispatcher.RegisterDecoder(kind, message.Decode)
	}
	if cfg.Dedupe.Window > 0 {
		w := dedupe.NewWindow(cfg.Dedupe.Window, cfg.Dedupe.MaxEntries)
		b.dispatcher.SetFilter(w.Filter(o.logger))
	}

	j := o.journal
	if j == nil && cfg.Journal.Path != "" {
		sj, err := journal.NewSQLiteJournal(cfg.Journal.Path, o.logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, sj)
		j = sj
	}
	if j != nil {
		b.dispatcher.AddTap(j)
	}

	if cfg.Relay.Matrix.Enabled {
		sink, err := relay.NewMatrixSink(cfg.MatrixRelay(), o.logger)
		if err != nil {
			b.closeAll()
			return nil, err
		}
		b.dispatcher.AddTap(sink)
	}
	if cfg.Relay.Redis.Enabled {
		sink := relay.NewRedisSink(cfg.RedisRelay(), o.logger)
		b.closers = append(b.closers, sink)
		b.dispatcher.AddTap(sink)
	}
	for _, t := range o.taps {
		b.dispatcher.AddTap(t)
	}

	sessOpts := []session.Option{session.WithLogger(o.logger)}
	if o.dialer != nil {
		sessOpts = append(sessOpts, session.WithDialer(o.dialer))
	}
	switch {
	case o.prober != nil:
		sessOpts = append(sessOpts, session.WithProber(o.prober))
	case o.httpClient != nil:
		sessOpts = append(sessOpts, session.WithProber(&session.HTTPProber{BaseURL: cfg.Bridge.URL, Client: o.httpClient}))
	}
	if j != nil {
		sessOpts = append(sessOpts, session.WithCallObserver(j.ObserveCall))
	}

	s, err := session.New(cfg.Session(), b.dispatcher, sessOpts...)
	if err != nil {
		b.closeAll()
		return nil, fmt.Errorf("creating session: %w", err)
	}
	b.session = s

	upOpts := []upload.Option{upload.WithLogger(o.logger)}
	if o.httpClient != nil {
		upOpts = append(upOpts, upload.WithHTTPClient(o.httpClient))
	}
	b.uploader = upload.NewUploader(cfg.UploadSettings(), s.Token, upOpts...)
	return b, nil
}

// Session exposes the underlying supervisor.
func (b *Bot) Session() *session.Session { return b.session }

// Uploader exposes the resource upload pipeline.
func (b *Bot) Uploader() *upload.Uploader { return b.uploader }

// On registers the handler for a notification kind.
func (b *Bot) On(kind string, h dispatch.Handler) error {
	return b.dispatcher.Register(kind, h)
}

// OnMessage registers a handler for a message kind with the payload decoded.
func (b *Bot) OnMessage(kind string, h MessageHandler) error {
	if !message.IsMessageKind(kind) {
		return fmt.Errorf("%w: %q is not a message kind", protocol.ErrConfiguration, kind)
	}
	return b.dispatcher.Register(kind, func(ctx context.Context, n dispatch.Notification) error {
		m, ok := n.Value.(*message.Inbound)
		if !ok {
			return fmt.Errorf("%w: notification %s was not decoded", protocol.ErrProtocol, n.Kind)
		}
		return h(ctx, m)
	})
}

// Subscribe streams notifications of kind (or dispatch.AllKinds) until ctx ends.
func (b *Bot) Subscribe(ctx context.Context, kind string) <-chan dispatch.Notification {
	ch, _ := b.dispatcher.Broadcaster().Subscribe(ctx, kind)
	return ch
}

// Connect opens the channels and waits for every handshake.
func (b *Bot) Connect(ctx context.Context) error {
	if err := b.session.Connect(ctx); err != nil {
		return err
	}
	b.logger.Info("bot connected", "qq", b.cfg.Bridge.QQ, "url", b.cfg.Bridge.URL)
	return nil
}

// Run connects if needed and blocks until the session stops or ctx ends.
func (b *Bot) Run(ctx context.Context) error {
	return b.session.Run(ctx)
}

// Stats reports handler timing.
func (b *Bot) Stats() dispatch.Stats { return b.dispatcher.Stats() }

// Close stops the session, waits for running handlers, then releases the
// journal and relays.
func (b *Bot) Close() error {
	err := b.session.Close()
	b.dispatcher.Wait()
	b.dispatcher.Close()
	b.closeAll()
	return err
}

func (b *Bot) closeAll() {
	for _, c := range b.closers {
		if err := c.Close(); err != nil {
			b.logger.Warn("closing resource", "error", err)
		}
	}
	b.closers = nil
}
