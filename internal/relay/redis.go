// ABOUTME: Relays notifications onto Redis streams, one stream per kind
// ABOUTME: Runs as a dispatch tap using go-redis XADD with approximate trimming

package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-mirai/internal/dispatch"
)

// RedisConfig selects the server and stream naming.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// StreamPrefix is prepended to the notification kind. Defaults to "mirai:".
	StreamPrefix string
	// MaxLen trims each stream approximately; zero keeps everything.
	MaxLen int64
	Kinds  []string
}

// streamAdder is the slice of the redis client the sink needs.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink appends notifications to Redis streams.
type RedisSink struct {
	client streamAdder
	prefix string
	maxLen int64
	kinds  kindFilter
	logger *slog.Logger
}

// NewRedisSink connects to the configured server.
func NewRedisSink(cfg RedisConfig, logger *slog.Logger) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisSink(client, cfg, logger)
}

func newRedisSink(client streamAdder, cfg RedisConfig, logger *slog.Logger) *RedisSink {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.StreamPrefix
	if prefix == "" {
		prefix = "mirai:"
	}
	return &RedisSink{
		client: client,
		prefix: prefix,
		maxLen: cfg.MaxLen,
		kinds:  newKindFilter(cfg.Kinds),
		logger: logger.With("component", "relay", "sink", "redis"),
	}
}

func (r *RedisSink) Name() string { return "redis" }

// Stream returns the stream key for kind.
func (r *RedisSink) Stream(kind string) string { return r.prefix + kind }

// Observe appends n to its kind's stream if the kind is selected.
func (r *RedisSink) Observe(ctx context.Context, n dispatch.Notification) error {
	if !r.kinds.allows(n.Kind) {
		return nil
	}
	args := &redis.XAddArgs{
		Stream: r.Stream(n.Kind),
		Values: map[string]any{
			"kind":     n.Kind,
			"channel":  n.Channel,
			"payload":  string(n.Payload),
			"received": n.Received.UTC().Format(time.RFC3339Nano),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	eventID, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish %s to stream %s: %w", n.Kind, args.Stream, err)
	}
	r.logger.Debug("relayed notification", "kind", n.Kind, "stream_id", eventID)
	return nil
}

// Close closes the underlying client when it owns one.
func (r *RedisSink) Close() error {
	if c, ok := r.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
