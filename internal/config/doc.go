// Package config handles configuration loading for coven-mirai.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from MIRAI_CONFIG environment variable
//  2. ./coven-mirai.toml (current directory)
//  3. ~/.config/coven/mirai.toml
//
// Files ending in .yaml or .yml are parsed as YAML, everything else as TOML.
//
// # Environment Variables
//
// Values can reference environment variables before parsing:
//
//	[bridge]
//	verify_key = "${MIRAI_KEY}"
//
// After parsing, MIRAI_URL, MIRAI_QQ, MIRAI_VERIFY_KEY, MIRAI_JOURNAL_PATH
// and MIRAI_LOG_LEVEL override the file.
//
// # Sections
//
//	[bridge]      url, qq, verify_key, [[bridge.channels]] name/path
//	[keepalive]   idle_interval, missed_probes, probe_timeout, handshake_timeout, write_timeout
//	[reconnect]   enabled, max_attempts, initial_delay, max_delay, multiplier, jitter
//	[upload]      max_attempts, verify, timeout
//	[dedupe]      window ("0s" disables), max_entries
//	[journal]     path (empty disables)
//	[relay.matrix] enabled, homeserver, user_id, access_token, room_id, kinds
//	[relay.redis]  enabled, addr, password, db, stream_prefix, max_len, kinds
//	[logging]     level (debug, info, warn, error), format (text, json)
//
// Durations use time.ParseDuration syntax ("15s", "500ms", "2m").
package config
