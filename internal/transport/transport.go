// ABOUTME: Duplex message channel abstraction over websocket connections
// ABOUTME: Provides the Dialer/Conn seams the session supervisor is built on

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/coven-mirai/internal/protocol"
)

// DefaultReadLimit bounds a single inbound frame. Group member lists can be large.
const DefaultReadLimit = 16 << 20

// Conn is one open duplex channel carrying whole text frames.
type Conn interface {
	// Read blocks for the next frame. Any error is terminal for the channel.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one frame.
	Write(ctx context.Context, data []byte) error
	// Ping sends a keepalive probe and waits for its answer. It requires a
	// concurrent Read to observe the answer.
	Ping(ctx context.Context) error
	// Close shuts the channel down. Safe to call more than once.
	Close() error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// WebSocketDialer dials websocket endpoints.
type WebSocketDialer struct {
	HTTPClient *http.Client
	ReadLimit  int64
}

// Dial opens a websocket to endpoint.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	c, resp, err := websocket.Dial(ctx, endpoint, opts)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dialing %s: status %d: %v", protocol.ErrTransportClosed, redact(endpoint), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dialing %s: %v", protocol.ErrTransportClosed, redact(endpoint), err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	c.SetReadLimit(limit)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	if err := w.c.Write(ctx, websocket.MessageText, data); err != nil {
		return classify(err)
	}
	return nil
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w *wsConn) Close() error {
	err := w.c.Close(websocket.StatusNormalClosure, "")
	var ce websocket.CloseError
	if err == nil || errors.As(err, &ce) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// classify folds websocket close reasons into the transport taxonomy.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", protocol.ErrTransportClosed, err)
	}
	if status := websocket.CloseStatus(err); status != -1 {
		return fmt.Errorf("%w: peer closed with status %d", protocol.ErrTransportClosed, status)
	}
	return fmt.Errorf("%w: %v", protocol.ErrTransportClosed, err)
}

// EndpointURL builds the websocket URL for one channel. http(s) base URLs are
// mapped to ws(s); identity travels as query parameters.
func EndpointURL(base, path string, params map[string]string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("%w: parsing base url: %v", protocol.ErrConfiguration, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported url scheme %q", protocol.ErrConfiguration, u.Scheme)
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path += path
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redact drops the query string, which carries the verify key.
func redact(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}

// Deadline returns a child context bounded by d, or ctx itself when d <= 0.
func Deadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
