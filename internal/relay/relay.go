// ABOUTME: Shared helpers for notification relays
// ABOUTME: Kind filtering and one-line rendering of notifications for humans

package relay

import (
	"fmt"
	"strings"

	"github.com/2389/coven-mirai/internal/dispatch"
	"github.com/2389/coven-mirai/internal/message"
)

// maxSummaryLen bounds the rendered length of non-message notifications.
const maxSummaryLen = 300

type kindFilter map[string]bool

func newKindFilter(kinds []string) kindFilter {
	f := make(kindFilter, len(kinds))
	for _, k := range kinds {
		f[k] = true
	}
	return f
}

// allows reports whether kind passes. An empty filter passes everything.
func (f kindFilter) allows(kind string) bool {
	return len(f) == 0 || f[kind]
}

// Summarize renders a notification as a single line.
func Summarize(n dispatch.Notification) string {
	m, ok := n.Value.(*message.Inbound)
	if !ok && message.IsMessageKind(n.Kind) {
		if decoded, err := message.DecodeInbound(n.Payload); err == nil {
			m, ok = decoded, true
		}
	}
	if ok {
		who := m.Sender.Nickname
		if m.Sender.MemberName != "" {
			who = m.Sender.MemberName
		}
		if g := m.Sender.Group; g != nil {
			return fmt.Sprintf("[%s] %s (%d) in %s (%d): %s", n.Kind, who, m.SenderID(), g.Name, g.ID, m.Text())
		}
		return fmt.Sprintf("[%s] %s (%d): %s", n.Kind, who, m.SenderID(), m.Text())
	}
	return fmt.Sprintf("[%s] %s", n.Kind, truncate(strings.TrimSpace(string(n.Payload)), maxSummaryLen))
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
