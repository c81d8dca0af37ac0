// ABOUTME: Tests for the notification dispatcher
// ABOUTME: Covers registration rules, non-blocking handlers, containment, taps, filters and stats

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mirai/internal/protocol"
)

func TestRegister_DuplicateFails(t *testing.T) {
	d := New(nil)
	first := func(context.Context, Notification) error { return nil }
	require.NoError(t, d.Register("GroupMessage", first))

	err := d.Register("GroupMessage", func(context.Context, Notification) error { return nil })
	assert.ErrorIs(t, err, ErrHandlerAlreadyRegistered)
	assert.ErrorIs(t, err, protocol.ErrConfiguration)
	assert.True(t, d.Handles("GroupMessage"))

	assert.ErrorIs(t, d.Register("", first), protocol.ErrConfiguration)
	assert.ErrorIs(t, d.Register("X", nil), protocol.ErrConfiguration)
}

func TestDispatch_MissingHandlerIsNoop(t *testing.T) {
	d := New(nil)
	d.Dispatch(t.Context(), Notification{Kind: "NudgeEvent"})
	d.Wait()
	assert.Equal(t, int64(0), d.Stats().Handled)
}

func TestDispatch_DoesNotBlockOnSlowHandler(t *testing.T) {
	d := New(nil)
	release := make(chan struct{})
	var fast atomic.Int32

	require.NoError(t, d.Register("Slow", func(context.Context, Notification) error {
		<-release
		return nil
	}))
	require.NoError(t, d.Register("Fast", func(context.Context, Notification) error {
		fast.Add(1)
		return nil
	}))

	done := make(chan struct{})
	go func() {
		d.Dispatch(t.Context(), Notification{Kind: "Slow"})
		d.Dispatch(t.Context(), Notification{Kind: "Fast"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on a slow handler")
	}

	assert.Eventually(t, func() bool { return fast.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	d.Wait()
}

func TestDispatch_ContainsErrorsAndPanics(t *testing.T) {
	d := New(nil)
	require.NoError(t, d.Register("Err", func(context.Context, Notification) error {
		return errors.New("boom")
	}))
	require.NoError(t, d.Register("Panic", func(context.Context, Notification) error {
		panic("handler bug")
	}))
	require.NoError(t, d.Register("OK", func(context.Context, Notification) error { return nil }))

	d.Dispatch(t.Context(), Notification{Kind: "Err"})
	d.Dispatch(t.Context(), Notification{Kind: "Panic"})
	d.Dispatch(t.Context(), Notification{Kind: "OK"})
	d.Wait()

	stats := d.Stats()
	assert.Equal(t, int64(3), stats.Handled)
	assert.Equal(t, int64(2), stats.Failed)
	assert.GreaterOrEqual(t, stats.Average(), time.Duration(0))
}

func TestDispatch_HandlerOutlivesCancellation(t *testing.T) {
	d := New(nil)
	ctx, cancel := context.WithCancel(t.Context())

	seen := make(chan error, 1)
	require.NoError(t, d.Register("K", func(hctx context.Context, _ Notification) error {
		<-time.After(10 * time.Millisecond)
		seen <- hctx.Err()
		return nil
	}))

	d.Dispatch(ctx, Notification{Kind: "K"})
	cancel()
	d.Wait()
	assert.NoError(t, <-seen)
}

func TestDispatch_DecoderAndFilter(t *testing.T) {
	d := New(nil)
	d.RegisterDecoder("Msg", func(p json.RawMessage) (any, error) {
		var v struct {
			ID int `json:"id"`
		}
		if err := json.Unmarshal(p, &v); err != nil {
			return nil, err
		}
		return v.ID, nil
	})
	d.SetFilter(func(n Notification) bool { return n.Value != 2 })

	got := make(chan any, 4)
	require.NoError(t, d.Register("Msg", func(_ context.Context, n Notification) error {
		got <- n.Value
		return nil
	}))

	d.Dispatch(t.Context(), Notification{Kind: "Msg", Payload: json.RawMessage(`{"id":1}`)})
	d.Dispatch(t.Context(), Notification{Kind: "Msg", Payload: json.RawMessage(`{"id":2}`)})
	d.Dispatch(t.Context(), Notification{Kind: "Msg", Payload: json.RawMessage(`not json`)})
	d.Wait()
	close(got)

	var values []any
	for v := range got {
		values = append(values, v)
	}
	assert.Equal(t, []any{1}, values)
}

type countingTap struct {
	seen atomic.Int32
	err  error
}

func (c *countingTap) Name() string { return "counting" }

func (c *countingTap) Observe(context.Context, Notification) error {
	c.seen.Add(1)
	return c.err
}

func TestDispatch_TapsSeeEverything(t *testing.T) {
	d := New(nil)
	ok := &countingTap{}
	failing := &countingTap{err: errors.New("sink down")}
	d.AddTap(ok)
	d.AddTap(failing)

	d.Dispatch(t.Context(), Notification{Kind: "A"})
	d.Dispatch(t.Context(), Notification{Kind: "B"})
	d.Wait()

	assert.Equal(t, int32(2), ok.seen.Load())
	assert.Equal(t, int32(2), failing.seen.Load())
	assert.Equal(t, int64(0), d.Stats().Handled, "taps are not counted as handlers")
}

func TestBroadcaster_KindAndWildcard(t *testing.T) {
	d := New(nil)
	defer d.Close()

	group, _ := d.Broadcaster().Subscribe(t.Context(), "GroupMessage")
	all, _ := d.Broadcaster().Subscribe(t.Context(), AllKinds)

	d.Dispatch(t.Context(), Notification{Kind: "GroupMessage"})
	d.Dispatch(t.Context(), Notification{Kind: "FriendMessage"})

	select {
	case n := <-group:
		assert.Equal(t, "GroupMessage", n.Kind)
	case <-time.After(time.Second):
		t.Fatal("kind subscriber got nothing")
	}
	for _, want := range []string{"GroupMessage", "FriendMessage"} {
		select {
		case n := <-all:
			assert.Equal(t, want, n.Kind)
		case <-time.After(time.Second):
			t.Fatal("wildcard subscriber got nothing")
		}
	}
	select {
	case n := <-group:
		t.Fatalf("unexpected %s on kind subscriber", n.Kind)
	default:
	}
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := b.Subscribe(ctx, "K")
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	b.Publish(Notification{Kind: "K"})
	b.Close()

	late, _ := b.Subscribe(t.Context(), "K")
	_, open := <-late
	assert.False(t, open)
}

func TestBroadcaster_DropsForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ch, _ := b.Subscribe(t.Context(), "K")

	for range subscriberBufferSize + 10 {
		b.Publish(Notification{Kind: "K"})
	}
	assert.Len(t, ch, subscriberBufferSize)
}
