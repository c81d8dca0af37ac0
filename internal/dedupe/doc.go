// Package dedupe suppresses repeated message notifications. The bridge may
// redeliver a message after a reconnect, so inbound messages are keyed by
// kind, group and source id and dropped if seen within a time window.
package dedupe
