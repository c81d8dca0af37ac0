// ABOUTME: Tests for the websocket dialer and endpoint construction
// ABOUTME: Runs a real websocket echo server on httptest

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mirai/internal/protocol"
)

func TestEndpointURL(t *testing.T) {
	got, err := EndpointURL("http://localhost:8080/", "message", map[string]string{
		"verifyKey": "k",
		"qq":        "10001",
	})
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "ws", u.Scheme)
	assert.Equal(t, "localhost:8080", u.Host)
	assert.Equal(t, "/message", u.Path)
	assert.Equal(t, "k", u.Query().Get("verifyKey"))
	assert.Equal(t, "10001", u.Query().Get("qq"))

	got, err = EndpointURL("https://bridge.example/api", "/event", nil)
	require.NoError(t, err)
	assert.Equal(t, "wss://bridge.example/api/event", got)

	_, err = EndpointURL("ftp://nope", "/all", nil)
	assert.ErrorIs(t, err, protocol.ErrConfiguration)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "ws://h/message", redact("ws://h/message?verifyKey=secret"))
	assert.Equal(t, "ws://h/event", redact("ws://h/event"))
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if err := c.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketDialer_RoundTrip(t *testing.T) {
	srv := echoServer(t)
	endpoint, err := EndpointURL(srv.URL, "/all", map[string]string{"qq": "1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	d := &WebSocketDialer{}
	conn, err := d.Dial(ctx, endpoint)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Write(ctx, []byte(`{"syncId":"1"}`)))
	got, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"syncId":"1"}`, string(got))

	// Ping needs a reader to observe the pong.
	readErr := make(chan error, 1)
	go func() {
		_, err := conn.Read(ctx)
		readErr <- err
	}()
	require.NoError(t, conn.Ping(ctx))

	require.NoError(t, conn.Close())
	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, protocol.ErrTransportClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("read did not unblock after close")
	}
}

func TestWebSocketDialer_Refused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	endpoint, err := EndpointURL(srv.URL, "/message", map[string]string{"verifyKey": "secret"})
	require.NoError(t, err)

	_, err = (&WebSocketDialer{}).Dial(t.Context(), endpoint)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrTransportClosed)
	assert.NotContains(t, err.Error(), "secret")
}

func TestMockConn_ScriptedReads(t *testing.T) {
	c := NewMockConn()
	c.PushJSON(map[string]any{"syncId": "", "data": map[string]any{"code": 0}})
	c.Push([]byte("second"))

	first, err := c.Read(t.Context())
	require.NoError(t, err)
	assert.JSONEq(t, `{"syncId":"","data":{"code":0}}`, string(first))

	second, err := c.Read(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "second", string(second))

	var hooked []byte
	c.OnWrite(func(b []byte) { hooked = b })
	require.NoError(t, c.Write(t.Context(), []byte("out")))
	assert.Equal(t, "out", string(hooked))
	assert.Len(t, c.Written(), 1)

	require.NoError(t, c.Close())
	assert.True(t, c.Closed())
	_, err = c.Read(t.Context())
	assert.ErrorIs(t, err, protocol.ErrTransportClosed)
	assert.ErrorIs(t, c.Write(t.Context(), []byte("x")), protocol.ErrTransportClosed)
}

func TestMockConn_UnansweredPing(t *testing.T) {
	c := NewMockConn()
	c.SetPing(context.DeadlineExceeded)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Ping(ctx))
	assert.Equal(t, 1, c.Pings())

	c.SetPing(nil)
	assert.NoError(t, c.Ping(t.Context()))
}
