// ABOUTME: Configuration loading and parsing for coven-mirai
// ABOUTME: TOML or YAML files with ${VAR} expansion, duration parsing and MIRAI_* env overrides

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-mirai/internal/relay"
	"github.com/2389/coven-mirai/internal/session"
	"github.com/2389/coven-mirai/internal/upload"
)

// Config represents the complete coven-mirai configuration
type Config struct {
	Bridge    BridgeConfig    `toml:"bridge" yaml:"bridge"`
	Keepalive KeepaliveConfig `toml:"keepalive" yaml:"keepalive"`
	Reconnect ReconnectConfig `toml:"reconnect" yaml:"reconnect"`
	Upload    UploadConfig    `toml:"upload" yaml:"upload"`
	Dedupe    DedupeConfig    `toml:"dedupe" yaml:"dedupe"`
	Journal   JournalConfig   `toml:"journal" yaml:"journal"`
	Relay     RelayConfig     `toml:"relay" yaml:"relay"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`
}

// BridgeConfig identifies the bridge endpoint and bot account
type BridgeConfig struct {
	URL       string          `toml:"url" yaml:"url"`
	QQ        int64           `toml:"qq" yaml:"qq"`
	VerifyKey string          `toml:"verify_key" yaml:"verify_key"`
	Channels  []ChannelConfig `toml:"channels" yaml:"channels"`
}

// ChannelConfig names one duplex channel
type ChannelConfig struct {
	Name string `toml:"name" yaml:"name"`
	Path string `toml:"path" yaml:"path"`
}

// KeepaliveConfig holds channel liveness timing
type KeepaliveConfig struct {
	IdleInterval     time.Duration `toml:"-" yaml:"-"`
	ProbeTimeout     time.Duration `toml:"-" yaml:"-"`
	HandshakeTimeout time.Duration `toml:"-" yaml:"-"`
	WriteTimeout     time.Duration `toml:"-" yaml:"-"`
	MissedProbes     int           `toml:"missed_probes" yaml:"missed_probes"`

	// Raw string values for unmarshaling
	IdleIntervalRaw     string `toml:"idle_interval" yaml:"idle_interval"`
	ProbeTimeoutRaw     string `toml:"probe_timeout" yaml:"probe_timeout"`
	HandshakeTimeoutRaw string `toml:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeoutRaw     string `toml:"write_timeout" yaml:"write_timeout"`
}

// ReconnectConfig holds the automatic reconnect policy
type ReconnectConfig struct {
	Enabled      bool          `toml:"enabled" yaml:"enabled"`
	MaxAttempts  int           `toml:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `toml:"-" yaml:"-"`
	MaxDelay     time.Duration `toml:"-" yaml:"-"`
	Multiplier   float64       `toml:"multiplier" yaml:"multiplier"`
	Jitter       bool          `toml:"jitter" yaml:"jitter"`

	InitialDelayRaw string `toml:"initial_delay" yaml:"initial_delay"`
	MaxDelayRaw     string `toml:"max_delay" yaml:"max_delay"`
}

// UploadConfig holds resource upload settings
type UploadConfig struct {
	MaxAttempts int           `toml:"max_attempts" yaml:"max_attempts"`
	Verify      bool          `toml:"verify" yaml:"verify"`
	Timeout     time.Duration `toml:"-" yaml:"-"`
	TimeoutRaw  string        `toml:"timeout" yaml:"timeout"`
}

// DedupeConfig holds duplicate message suppression settings. A zero window disables it.
type DedupeConfig struct {
	Window     time.Duration `toml:"-" yaml:"-"`
	WindowRaw  string        `toml:"window" yaml:"window"`
	MaxEntries int           `toml:"max_entries" yaml:"max_entries"`
}

// JournalConfig holds the SQLite journal location. Empty disables journaling.
type JournalConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// RelayConfig holds the optional notification relays
type RelayConfig struct {
	Matrix MatrixRelayConfig `toml:"matrix" yaml:"matrix"`
	Redis  RedisRelayConfig  `toml:"redis" yaml:"redis"`
}

// MatrixRelayConfig holds Matrix relay configuration
type MatrixRelayConfig struct {
	Enabled     bool     `toml:"enabled" yaml:"enabled"`
	Homeserver  string   `toml:"homeserver" yaml:"homeserver"`
	UserID      string   `toml:"user_id" yaml:"user_id"`
	AccessToken string   `toml:"access_token" yaml:"access_token"`
	RoomID      string   `toml:"room_id" yaml:"room_id"`
	Kinds       []string `toml:"kinds" yaml:"kinds"`
}

// RedisRelayConfig holds Redis stream relay configuration
type RedisRelayConfig struct {
	Enabled      bool     `toml:"enabled" yaml:"enabled"`
	Addr         string   `toml:"addr" yaml:"addr"`
	Password     string   `toml:"password" yaml:"password"`
	DB           int      `toml:"db" yaml:"db"`
	StreamPrefix string   `toml:"stream_prefix" yaml:"stream_prefix"`
	MaxLen       int64    `toml:"max_len" yaml:"max_len"`
	Kinds        []string `toml:"kinds" yaml:"kinds"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// envOverrides are applied after the file is parsed.
type envOverrides struct {
	URL         string `env:"MIRAI_URL"`
	QQ          int64  `env:"MIRAI_QQ"`
	VerifyKey   string `env:"MIRAI_VERIFY_KEY"`
	JournalPath string `env:"MIRAI_JOURNAL_PATH"`
	LogLevel    string `env:"MIRAI_LOG_LEVEL"`
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{URL: "http://localhost:8080"},
		Keepalive: KeepaliveConfig{
			IdleInterval:     session.DefaultIdleInterval,
			ProbeTimeout:     session.DefaultIdleInterval,
			HandshakeTimeout: session.DefaultHandshakeTimeout,
			WriteTimeout:     session.DefaultWriteTimeout,
			MissedProbes:     session.DefaultMissedProbes,
		},
		Reconnect: ReconnectConfig{
			Enabled:      true,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
		Upload: UploadConfig{
			MaxAttempts: upload.DefaultMaxAttempts,
			Timeout:     30 * time.Second,
		},
		Dedupe: DedupeConfig{
			Window:     10 * time.Minute,
			MaxEntries: 4096,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// DefaultPath finds the config file: MIRAI_CONFIG, then ./coven-mirai.toml,
// then ~/.config/coven/mirai.toml. The last candidate is returned even if missing.
func DefaultPath() string {
	if p := os.Getenv("MIRAI_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("coven-mirai.toml"); err == nil {
		return "coven-mirai.toml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "coven-mirai.toml"
	}
	return filepath.Join(home, ".config", "coven", "mirai.toml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .yaml or .yml are YAML; anything else is TOML.
// Environment variables in the format ${VAR_NAME} are expanded before parsing,
// and MIRAI_* variables override the parsed values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return parse(path, expandEnvVars(string(data)))
}

func parse(path, content string) (*Config, error) {
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if _, err := toml.Decode(content, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("reading environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return err
	}
	if env.URL != "" {
		cfg.Bridge.URL = env.URL
	}
	if env.QQ != 0 {
		cfg.Bridge.QQ = env.QQ
	}
	if env.VerifyKey != "" {
		cfg.Bridge.VerifyKey = env.VerifyKey
	}
	if env.JournalPath != "" {
		cfg.Journal.Path = env.JournalPath
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Bridge.URL)
	if err != nil || c.Bridge.URL == "" {
		return fmt.Errorf("bridge.url must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("bridge.url must use http or https, got %q", u.Scheme)
	}
	if c.Bridge.QQ <= 0 {
		return fmt.Errorf("bridge.qq is required")
	}
	for i, ch := range c.Bridge.Channels {
		if ch.Name == "" || ch.Path == "" {
			return fmt.Errorf("bridge.channels[%d] needs a name and a path", i)
		}
	}
	if c.Keepalive.MissedProbes < 1 {
		return fmt.Errorf("keepalive.missed_probes must be at least 1")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts cannot be negative")
	}
	if c.Reconnect.Enabled && c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be at least 1")
	}
	if c.Upload.MaxAttempts < 1 {
		return fmt.Errorf("upload.max_attempts must be at least 1")
	}
	if c.Dedupe.Window < 0 {
		return fmt.Errorf("dedupe.window cannot be negative")
	}
	if m := c.Relay.Matrix; m.Enabled {
		if m.Homeserver == "" || m.AccessToken == "" || m.RoomID == "" {
			return fmt.Errorf("relay.matrix needs homeserver, access_token and room_id when enabled")
		}
	}
	if c.Relay.Redis.Enabled && c.Relay.Redis.Addr == "" {
		return fmt.Errorf("relay.redis.addr is required when enabled")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"keepalive.idle_interval", cfg.Keepalive.IdleIntervalRaw, &cfg.Keepalive.IdleInterval},
		{"keepalive.probe_timeout", cfg.Keepalive.ProbeTimeoutRaw, &cfg.Keepalive.ProbeTimeout},
		{"keepalive.handshake_timeout", cfg.Keepalive.HandshakeTimeoutRaw, &cfg.Keepalive.HandshakeTimeout},
		{"keepalive.write_timeout", cfg.Keepalive.WriteTimeoutRaw, &cfg.Keepalive.WriteTimeout},
		{"reconnect.initial_delay", cfg.Reconnect.InitialDelayRaw, &cfg.Reconnect.InitialDelay},
		{"reconnect.max_delay", cfg.Reconnect.MaxDelayRaw, &cfg.Reconnect.MaxDelay},
		{"upload.timeout", cfg.Upload.TimeoutRaw, &cfg.Upload.Timeout},
		{"dedupe.window", cfg.Dedupe.WindowRaw, &cfg.Dedupe.Window},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	// Probe timeout follows the idle interval unless set explicitly.
	if cfg.Keepalive.ProbeTimeoutRaw == "" && cfg.Keepalive.IdleIntervalRaw != "" {
		cfg.Keepalive.ProbeTimeout = cfg.Keepalive.IdleInterval
	}
	return nil
}

// Session converts the bridge, keepalive and reconnect sections.
func (c *Config) Session() session.Config {
	channels := make([]session.ChannelSpec, 0, len(c.Bridge.Channels))
	for _, ch := range c.Bridge.Channels {
		channels = append(channels, session.ChannelSpec{Name: ch.Name, Path: ch.Path})
	}
	return session.Config{
		BaseURL:          c.Bridge.URL,
		QQ:               c.Bridge.QQ,
		VerifyKey:        c.Bridge.VerifyKey,
		Channels:         channels,
		IdleInterval:     c.Keepalive.IdleInterval,
		MissedProbes:     c.Keepalive.MissedProbes,
		ProbeTimeout:     c.Keepalive.ProbeTimeout,
		HandshakeTimeout: c.Keepalive.HandshakeTimeout,
		WriteTimeout:     c.Keepalive.WriteTimeout,
		Reconnect: session.ReconnectPolicy{
			Enabled:     c.Reconnect.Enabled,
			MaxAttempts: c.Reconnect.MaxAttempts,
			Backoff: session.BackoffConfig{
				InitialDelay: c.Reconnect.InitialDelay,
				MaxDelay:     c.Reconnect.MaxDelay,
				Multiplier:   c.Reconnect.Multiplier,
				Jitter:       c.Reconnect.Jitter,
			},
		},
	}
}

// UploadSettings converts the upload section.
func (c *Config) UploadSettings() upload.Config {
	return upload.Config{
		BaseURL:     c.Bridge.URL,
		MaxAttempts: c.Upload.MaxAttempts,
		VerifyAll:   c.Upload.Verify,
		Timeout:     c.Upload.Timeout,
	}
}

// MatrixRelay converts the relay.matrix section.
func (c *Config) MatrixRelay() relay.MatrixConfig {
	m := c.Relay.Matrix
	return relay.MatrixConfig{
		Homeserver:  m.Homeserver,
		UserID:      m.UserID,
		AccessToken: m.AccessToken,
		RoomID:      m.RoomID,
		Kinds:       m.Kinds,
	}
}

// RedisRelay converts the relay.redis section.
func (c *Config) RedisRelay() relay.RedisConfig {
	r := c.Relay.Redis
	return relay.RedisConfig{
		Addr:         r.Addr,
		Password:     r.Password,
		DB:           r.DB,
		StreamPrefix: r.StreamPrefix,
		MaxLen:       r.MaxLen,
		Kinds:        r.Kinds,
	}
}

// SlogLevel maps logging.level onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
