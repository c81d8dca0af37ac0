// ABOUTME: Notification and command journal types
// ABOUTME: Records what arrived on each channel and how every command call ended

package journal

import (
	"context"
	"encoding/json"
	"time"
)

// Notification is one journaled inbound notification.
type Notification struct {
	ID       int64
	Kind     string
	Channel  string
	Payload  json.RawMessage
	Received time.Time
}

// Call is one journaled command outcome.
type Call struct {
	ID         int64
	Command    string
	SubCommand string
	SyncID     string
	Started    time.Time
	Duration   time.Duration
	Error      string
}

// Journal persists notifications and command outcomes.
type Journal interface {
	RecordNotification(ctx context.Context, n Notification) error
	RecordCall(ctx context.Context, c Call) error
	// Recent returns up to limit notifications newest-first. An empty kind
	// matches every kind.
	Recent(ctx context.Context, kind string, limit int) ([]Notification, error)
	RecentCalls(ctx context.Context, limit int) ([]Call, error)
	Close() error
}
