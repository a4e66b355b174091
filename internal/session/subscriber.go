package session

import (
	"sync"

	"github.com/remoteterm/gateway/internal/batch"
)

// Subscriber is one live SSE stream attached to a session. Its Batcher
// owns the pending-bytes/timer state; the session owns the subscriber's
// membership in its subscriber set.
type Subscriber struct {
	ID      string
	session *Session
	Batcher *batch.Batcher

	done     chan struct{}
	doneOnce sync.Once
}

// Done is closed when the session ends the stream: session close, PTY
// exit, or unsubscribe. The serving handler uses it to emit the end
// marker and return.
func (sub *Subscriber) Done() <-chan struct{} {
	return sub.done
}

func (sub *Subscriber) markDone() {
	sub.doneOnce.Do(func() { close(sub.done) })
}

func (sub *Subscriber) Close() {
	if sub.session != nil {
		sub.session.Unsubscribe(sub.ID)
	}
}
