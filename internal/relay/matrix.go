// ABOUTME: Relays notifications into a Matrix room as text messages
// ABOUTME: Runs as a dispatch tap using the mautrix client

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-mirai/internal/dispatch"
)

// sendTimeout bounds one Matrix send.
const sendTimeout = 30 * time.Second

// MatrixConfig addresses the room notifications are relayed to.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	RoomID      string
	// Kinds restricts which notifications are relayed; empty means all.
	Kinds []string
}

// MatrixSink posts notification summaries into one room.
type MatrixSink struct {
	client *mautrix.Client
	room   id.RoomID
	kinds  kindFilter
	logger *slog.Logger
}

// NewMatrixSink creates a sink logged in with an access token.
func NewMatrixSink(cfg MatrixConfig, logger *slog.Logger) (*MatrixSink, error) {
	if _, err := url.Parse(cfg.Homeserver); err != nil || cfg.Homeserver == "" {
		return nil, fmt.Errorf("matrix homeserver must be a valid URL")
	}
	if cfg.RoomID == "" {
		return nil, fmt.Errorf("matrix room_id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &MatrixSink{
		client: client,
		room:   id.RoomID(cfg.RoomID),
		kinds:  newKindFilter(cfg.Kinds),
		logger: logger.With("component", "relay", "sink", "matrix"),
	}, nil
}

func (m *MatrixSink) Name() string { return "matrix" }

// Observe relays n if its kind is selected.
func (m *MatrixSink) Observe(ctx context.Context, n dispatch.Notification) error {
	if !m.kinds.allows(n.Kind) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	resp, err := m.client.SendText(ctx, m.room, Summarize(n))
	if err != nil {
		return fmt.Errorf("relaying %s to matrix: %w", n.Kind, err)
	}
	m.logger.Debug("relayed notification", "kind", n.Kind, "event_id", resp.EventID.String())
	return nil
}
