package session

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// RunSweep reaps sessions with zero subscribers whose last_activity is
// older than maxIdle, on the given interval, until ctx is cancelled.
func (t *Table) RunSweep(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if maxIdle <= 0 {
		maxIdle = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweepOnce(maxIdle)
		}
	}
}

func (t *Table) sweepOnce(maxIdle time.Duration) {
	now := time.Now()
	for _, s := range t.Snapshot() {
		if s.SubscriberCount() > 0 {
			continue
		}
		if s.isDead() || now.Sub(s.LastActivity()) > maxIdle {
			log.Info("idle sweep reaping session", "sessionId", s.ID, "pod", s.Pod, "container", s.Container)
			s.Close()
		}
	}
}
