// ABOUTME: Time and size bounded window of recently seen message keys
// ABOUTME: Plugs into the dispatcher as a filter that drops redelivered messages

package dedupe

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-mirai/internal/dispatch"
	"github.com/2389/coven-mirai/internal/message"
)

// Defaults used when a Window is built with zero values.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 4096
)

type entry struct {
	key  string
	seen time.Time
}

// Window remembers keys for ttl, holding at most maxSize of them.
// Entries are kept in the order they were last seen, so expiry and
// eviction both pop from the front.
type Window struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// Option configures a Window.
type Option func(*Window)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// NewWindow creates a window. Non-positive arguments select the defaults.
func NewWindow(ttl time.Duration, maxSize int, opts ...Option) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	w := &Window{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Seen records key and reports whether it was already present and unexpired.
// Check and record happen under one lock.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.expire(now)

	if el, ok := w.index[key]; ok {
		el.Value.(*entry).seen = now
		w.order.MoveToBack(el)
		return true
	}

	if w.order.Len() >= w.maxSize {
		w.drop(w.order.Front())
	}
	w.index[key] = w.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Len returns the number of remembered keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expire(w.now())
	return w.order.Len()
}

// expire pops entries older than ttl. Must be called with mu held.
func (w *Window) expire(now time.Time) {
	for el := w.order.Front(); el != nil; el = w.order.Front() {
		if now.Sub(el.Value.(*entry).seen) < w.ttl {
			return
		}
		w.drop(el)
	}
}

func (w *Window) drop(el *list.Element) {
	if el == nil {
		return
	}
	w.order.Remove(el)
	delete(w.index, el.Value.(*entry).key)
}

// Filter returns a dispatcher filter that drops message notifications
// already seen in the window. Other kinds, and messages without a source
// element, always pass.
func (w *Window) Filter(logger *slog.Logger) dispatch.Filter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dedupe")
	return func(n dispatch.Notification) bool {
		m, ok := n.Value.(*message.Inbound)
		if !ok {
			return true
		}
		key, err := m.DedupeKey()
		if err != nil {
			return true
		}
		if w.Seen(key) {
			logger.Debug("dropping duplicate message", "key", key)
			return false
		}
		return true
	}
}
