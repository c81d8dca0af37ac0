// ABOUTME: Per-channel read pump and keepalive supervision
// ABOUTME: Probes after idle silence and declares the channel dead after too many misses

package session

import (
	"fmt"
	"time"

	"github.com/2389/coven-mirai/internal/protocol"
	"github.com/2389/coven-mirai/internal/router"
	"github.com/2389/coven-mirai/internal/transport"
)

type inbound struct {
	data []byte
	err  error
}

type channel struct {
	spec   ChannelSpec
	conn   transport.Conn
	router *router.Router
	frames chan inbound
	ready  chan struct{}
}

// pump moves frames from the connection into the supervise loop, keeping order.
func (s *Session) pump(gen *generation, ch *channel) {
	for {
		data, err := ch.conn.Read(gen.ctx)
		select {
		case ch.frames <- inbound{data: data, err: err}:
		case <-gen.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// supervise routes frames and runs the keepalive state for one channel.
func (s *Session) supervise(gen *generation, ch *channel) {
	logger := s.logger.With("channel", ch.spec.Name, "generation", gen.id)

	idle := time.NewTimer(s.cfg.IdleInterval)
	defer idle.Stop()

	missed := 0
	probing := false
	probeDone := make(chan error, 1)
	ready := false

	for {
		select {
		case <-gen.ctx.Done():
			return

		case in := <-ch.frames:
			if in.err != nil {
				s.teardown(gen, fmt.Errorf("channel %s: %w", ch.spec.Name, in.err))
				return
			}
			missed = 0
			idle.Reset(s.cfg.IdleInterval)

			if err := ch.router.Handle(gen.ctx, in.data); err != nil {
				s.teardown(gen, err)
				return
			}
			if !ready && ch.router.State() == router.Ready {
				ready = true
				close(ch.ready)
			}

		case <-idle.C:
			if missed >= s.cfg.MissedProbes {
				logger.Warn("keepalive exhausted", "missed_probes", missed)
				s.teardown(gen, fmt.Errorf("%w: channel %s missed %d keepalive probes",
					protocol.ErrTransportClosed, ch.spec.Name, missed))
				return
			}
			missed++
			logger.Debug("channel idle, sending probe", "missed_probes", missed)
			if !probing {
				probing = true
				go func() {
					ctx, cancel := transport.Deadline(gen.ctx, s.cfg.ProbeTimeout)
					defer cancel()
					err := ch.conn.Ping(ctx)
					select {
					case probeDone <- err:
					case <-gen.ctx.Done():
					}
				}()
			}
			idle.Reset(s.cfg.IdleInterval)

		case err := <-probeDone:
			probing = false
			if err != nil {
				logger.Debug("probe unanswered", "error", err)
				continue
			}
			missed = 0
		}
	}
}
