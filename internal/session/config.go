// ABOUTME: Session configuration and defaults
// ABOUTME: Endpoint identity, channel layout, keepalive timing and reconnect policy

package session

import (
	"fmt"
	"time"

	"github.com/2389/coven-mirai/internal/protocol"
)

// ChannelSpec names one duplex channel and its endpoint path.
type ChannelSpec struct {
	Name string
	Path string
}

// DefaultChannels are the two channels a session opens unless configured otherwise.
var DefaultChannels = []ChannelSpec{
	{Name: "message", Path: "/message"},
	{Name: "event", Path: "/event"},
}

// ReconnectPolicy controls automatic recovery after a channel dies.
type ReconnectPolicy struct {
	Enabled bool
	// MaxAttempts of zero retries forever.
	MaxAttempts int
	Backoff     BackoffConfig
}

// Config describes how to reach the bridge and keep channels alive.
type Config struct {
	BaseURL   string
	QQ        int64
	VerifyKey string

	// Channels are opened in order; requests go to the first one.
	Channels []ChannelSpec

	IdleInterval     time.Duration
	MissedProbes     int
	ProbeTimeout     time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	Reconnect ReconnectPolicy
}

const (
	DefaultIdleInterval     = 15 * time.Second
	DefaultMissedProbes     = 5
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

func (c *Config) applyDefaults() {
	if len(c.Channels) == 0 {
		c.Channels = append([]ChannelSpec(nil), DefaultChannels...)
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = DefaultIdleInterval
	}
	if c.MissedProbes <= 0 {
		c.MissedProbes = DefaultMissedProbes
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = c.IdleInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base url is required", protocol.ErrConfiguration)
	}
	if c.QQ <= 0 {
		return fmt.Errorf("%w: bot account (qq) is required", protocol.ErrConfiguration)
	}
	seen := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("%w: channel name is required", protocol.ErrConfiguration)
		}
		if seen[ch.Name] {
			return fmt.Errorf("%w: duplicate channel %q", protocol.ErrConfiguration, ch.Name)
		}
		seen[ch.Name] = true
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("%w: reconnect max attempts cannot be negative", protocol.ErrConfiguration)
	}
	return nil
}

// DeathAfter is the silence after which a channel is declared dead.
func (c Config) DeathAfter() time.Duration {
	return c.IdleInterval * time.Duration(c.MissedProbes+1)
}
