package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/remoteterm/gateway/internal/batch"
)

// endMarker is the final frame written when a session ends while a
// subscriber is attached.
const endMarker = "\r\n\x1b[33m[✗] Session terminated\x1b[0m\r\n"

const bannerEraseDelay = 500 * time.Millisecond

// sseConn serialises frame and keep-alive writes onto one ResponseWriter:
// batcher flushes arrive from the pump and timer goroutines while the
// handler goroutine writes keep-alives.
type sseConn struct {
	mu sync.Mutex
	w  http.ResponseWriter
}

func (c *sseConn) writeFrame(f batch.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return batch.WriteFrame(c.w, f)
}

func (c *sseConn) writeKeepAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return batch.WriteKeepAlive(c.w)
}

func keepaliveInterval(r *http.Request) time.Duration {
	if r.ProtoMajor >= 2 {
		return 30 * time.Second
	}
	return 10 * time.Second
}

func (h *TerminalHandler) handleOutput(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	s, err := h.table.Get(id)
	if err != nil {
		if h.relay != nil && h.relay.Exists(r.Context(), id) {
			h.streamRemote(w, r, id)
			return
		}
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.Heartbeat()
	h.audit(r, "terminal_output", id, nil)

	batch.SetSSEHeaders(w)
	flusher.Flush()

	conn := &sseConn{w: w}
	failed := make(chan struct{})
	var failOnce sync.Once
	emit := func(f batch.Frame) error {
		if err := conn.writeFrame(f); err != nil {
			failOnce.Do(func() { close(failed) })
			return err
		}
		return nil
	}

	sub, replay := s.Subscribe(emit, h.recorder.OnFlush)
	defer sub.Close()

	if len(replay) > 0 {
		if err := conn.writeFrame(batch.Frame{Data: string(replay)}); err != nil {
			return
		}
	}
	_ = conn.writeFrame(batch.Frame{Data: batch.Banner("SSE")})
	eraseTimer := time.AfterFunc(bannerEraseDelay, func() {
		_ = conn.writeFrame(batch.Frame{Data: batch.BannerEraseSeq})
	})
	defer eraseTimer.Stop()

	keepalive := time.NewTicker(keepaliveInterval(r))
	defer keepalive.Stop()
	expire := time.NewTicker(time.Second)
	defer expire.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			_ = conn.writeFrame(batch.Frame{Data: endMarker})
			return
		case <-failed:
			return
		case <-keepalive.C:
			if err := conn.writeKeepAlive(); err != nil {
				return
			}
		case <-expire.C:
			s.Net.ExpirePending(time.Now())
		}
	}
}

// streamRemote tails a session owned by another replica through the Redis
// relay. Remote frames are forwarded as-is; the owning replica already
// batched them.
func (h *TerminalHandler) streamRemote(w http.ResponseWriter, r *http.Request, id string) {
	flusher := w.(http.Flusher)
	h.audit(r, "terminal_output_relay", id, nil)

	batch.SetSSEHeaders(w)
	flusher.Flush()

	conn := &sseConn{w: w}
	ch := h.relay.Follow(r.Context(), id)

	_ = conn.writeFrame(batch.Frame{Data: batch.Banner("SSE relay")})
	eraseTimer := time.AfterFunc(bannerEraseDelay, func() {
		_ = conn.writeFrame(batch.Frame{Data: batch.BannerEraseSeq})
	})
	defer eraseTimer.Stop()

	keepalive := time.NewTicker(keepaliveInterval(r))
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, open := <-ch:
			if !open {
				_ = conn.writeFrame(batch.Frame{Data: endMarker})
				return
			}
			if err := conn.writeFrame(batch.Frame{Data: string(data)}); err != nil {
				return
			}
		case <-keepalive.C:
			if err := conn.writeKeepAlive(); err != nil {
				return
			}
		}
	}
}
