package session

import (
	"testing"
	"time"

	"github.com/remoteterm/gateway/internal/batch"
	"github.com/remoteterm/gateway/internal/netadapt"
)

// newTestSession builds a Session without spawning a real PTY child, for
// exercising the ring buffer, subscriber fan-out, and sweep logic in
// isolation.
func newTestSession(table *Table) *Session {
	return &Session{
		ID:           newSessionID(),
		Pod:          "p-1",
		Container:    "c-1",
		Net:          netadapt.New(),
		subscribers:  make(map[string]*Subscriber),
		lastActivity: time.Now(),
		state:        stateRunning,
		table:        table,
		dead:         make(chan struct{}),
	}
}

func TestSubscribeReplaysRecentRing(t *testing.T) {
	table := NewTable(Config{}, nil)
	s := newTestSession(table)

	s.appendOutput([]byte("banner-text"))

	var frames [][]byte
	sub, replay := s.Subscribe(func(f batch.Frame) error {
		frames = append(frames, []byte(f.Data))
		return nil
	}, nil)
	defer sub.Close()

	if string(replay) != "banner-text" {
		t.Fatalf("expected replay to contain banner-text, got %q", replay)
	}
}

func TestSubscribeDoesNotReplayStaleEntries(t *testing.T) {
	table := NewTable(Config{}, nil)
	s := newTestSession(table)

	s.mu.Lock()
	s.ring = append(s.ring, outputEntry{ts: time.Now().Add(-6 * time.Second), data: []byte("banner-text")})
	s.mu.Unlock()

	sub, replay := s.Subscribe(func(f batch.Frame) error { return nil }, nil)
	defer sub.Close()

	if len(replay) != 0 {
		t.Fatalf("expected no replay for entries older than 5s, got %q", replay)
	}
}

func TestSweepReapsIdleSessionWithNoSubscribers(t *testing.T) {
	table := NewTable(Config{}, nil)
	s := newTestSession(table)
	s.lastActivity = time.Now().Add(-2 * time.Hour)
	table.sessions[s.ID] = s

	table.sweepOnce(time.Hour)

	if _, err := table.Get(s.ID); err == nil {
		t.Fatal("expected idle session with no subscribers to be reaped")
	}
}

func TestSweepSparesSessionWithSubscribers(t *testing.T) {
	table := NewTable(Config{}, nil)
	s := newTestSession(table)
	s.lastActivity = time.Now().Add(-2 * time.Hour)
	table.sessions[s.ID] = s

	sub, _ := s.Subscribe(func(f batch.Frame) error { return nil }, nil)
	defer sub.Close()

	table.sweepOnce(time.Hour)

	if _, err := table.Get(s.ID); err != nil {
		t.Fatal("session with a live subscriber must not be reaped")
	}
}

func TestUnsubscribeRemovesFromSet(t *testing.T) {
	table := NewTable(Config{}, nil)
	s := newTestSession(table)

	sub, _ := s.Subscribe(func(f batch.Frame) error { return nil }, nil)
	if s.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", s.SubscriberCount())
	}
	sub.Close()
	if s.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after Close, got %d", s.SubscriberCount())
	}
}
