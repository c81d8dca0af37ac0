// ABOUTME: In-memory Dialer and Conn implementations for tests
// ABOUTME: Frames are scripted with Push and every write is recorded

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/2389/coven-mirai/internal/protocol"
)

// MockConn is a scripted Conn. Reads return pushed frames in order; Drop makes
// the peer vanish so pending and future reads fail.
type MockConn struct {
	URL string

	mu      sync.Mutex
	inbox   chan []byte
	written [][]byte
	onWrite func(data []byte)
	pingErr error
	pings   int
	dropped chan struct{}
	closed  bool
	once    sync.Once
}

// NewMockConn returns an open MockConn.
func NewMockConn() *MockConn {
	return &MockConn{
		inbox:   make(chan []byte, 256),
		dropped: make(chan struct{}),
	}
}

// Push queues a raw inbound frame.
func (m *MockConn) Push(data []byte) {
	select {
	case m.inbox <- data:
	case <-m.dropped:
	}
}

// PushJSON marshals v and queues it as an inbound frame.
func (m *MockConn) PushJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("mock conn: marshal: %v", err))
	}
	m.Push(data)
}

// Written returns a copy of every frame written so far.
func (m *MockConn) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

// OnWrite installs a hook invoked synchronously after each successful write.
// Tests use it to answer requests.
func (m *MockConn) OnWrite(fn func(data []byte)) {
	m.mu.Lock()
	m.onWrite = fn
	m.mu.Unlock()
}

// SetPing sets the error returned by subsequent Ping calls. A non-nil error
// simulates an unanswered probe.
func (m *MockConn) SetPing(err error) {
	m.mu.Lock()
	m.pingErr = err
	m.mu.Unlock()
}

// Pings reports how many probes were sent.
func (m *MockConn) Pings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings
}

// Drop simulates the peer going away.
func (m *MockConn) Drop() {
	m.once.Do(func() { close(m.dropped) })
}

// Closed reports whether Close was called.
func (m *MockConn) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-m.inbox:
		return data, nil
	case <-m.dropped:
		return nil, fmt.Errorf("%w: %v", protocol.ErrTransportClosed, io.EOF)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", protocol.ErrTransportClosed, ctx.Err())
	}
}

func (m *MockConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-m.dropped:
		return fmt.Errorf("%w: write on closed mock conn", protocol.ErrTransportClosed)
	default:
	}
	m.mu.Lock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.written = append(m.written, buf)
	hook := m.onWrite
	m.mu.Unlock()

	if hook != nil {
		hook(buf)
	}
	return nil
}

func (m *MockConn) Ping(ctx context.Context) error {
	m.mu.Lock()
	m.pings++
	err := m.pingErr
	m.mu.Unlock()

	select {
	case <-m.dropped:
		return fmt.Errorf("%w: ping on closed mock conn", protocol.ErrTransportClosed)
	default:
	}
	if err != nil {
		<-ctx.Done()
		return err
	}
	return nil
}

func (m *MockConn) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Drop()
	return nil
}

// MockDialer hands out connections produced by OnDial and records every
// endpoint it was asked for.
type MockDialer struct {
	OnDial func(ctx context.Context, endpoint string) (*MockConn, error)

	mu    sync.Mutex
	urls  []string
	conns []*MockConn
}

func (d *MockDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	var (
		c   *MockConn
		err error
	)
	if d.OnDial != nil {
		c, err = d.OnDial(ctx, endpoint)
	} else {
		c = NewMockConn()
	}

	d.mu.Lock()
	d.urls = append(d.urls, endpoint)
	if c != nil {
		c.URL = endpoint
		d.conns = append(d.conns, c)
	}
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return c, nil
}

// URLs returns every dialed endpoint in order.
func (d *MockDialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.urls))
	copy(out, d.urls)
	return out
}

// Conns returns every connection handed out in order.
func (d *MockDialer) Conns() []*MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*MockConn, len(d.conns))
	copy(out, d.conns)
	return out
}
