package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/remoteterm/gateway/internal/netadapt"
)

// PodChecker is the pre-flight existence/readiness check consulted before
// spawning kubectl exec, when VerifyBeforeExec is enabled. Implemented by
// internal/k8s against the Kubernetes API.
type PodChecker interface {
	CheckReady(ctx context.Context, pod, container string) error
}

// Mirror replicates session output to other gateway replicas. Implemented
// by internal/relay over Redis streams; nil when clustering is disabled.
type Mirror interface {
	Own(sessionID string) (release func())
	Publish(sessionID string, data []byte)
}

type Config struct {
	KubectlPath      string
	VerifyBeforeExec bool
	RingCapacity     int
	ReplayWindow     time.Duration
	NetConfig        netadapt.Config
}

// Table is the single process-wide owner of the session map: the only
// shared mutable structure besides each session's own state.
type Table struct {
	mu       sync.Mutex
	sessions map[string]*Session

	kubectlPath      string
	verifyBeforeExec bool
	ringCapacity     int
	replayWindow     time.Duration
	netConfig        netadapt.Config

	checker PodChecker
	mirror  Mirror
	group   singleflight.Group
}

func NewTable(cfg Config, checker PodChecker) *Table {
	kubectlPath := cfg.KubectlPath
	if kubectlPath == "" {
		kubectlPath = "kubectl"
	}
	ringCapacity := cfg.RingCapacity
	if ringCapacity <= 0 {
		ringCapacity = defaultRingCapacity
	}
	replayWindow := cfg.ReplayWindow
	if replayWindow <= 0 {
		replayWindow = defaultReplayWindow
	}
	return &Table{
		sessions:         make(map[string]*Session),
		kubectlPath:      kubectlPath,
		verifyBeforeExec: cfg.VerifyBeforeExec,
		ringCapacity:     ringCapacity,
		replayWindow:     replayWindow,
		netConfig:        cfg.NetConfig,
		checker:          checker,
	}
}

// SetMirror installs the multi-replica output mirror. Call before serving
// traffic; sessions created afterwards publish their output through it.
func (t *Table) SetMirror(m Mirror) {
	t.mirror = m
}

// Create allocates a session id, spawns the PTY child, and starts its
// output pump. A failed pre-flight check returns ErrPodNotReady (404); a
// failed spawn returns the underlying error (500); the session is not
// registered in either case.
func (t *Table) Create(ctx context.Context, pod, container string, cols, rows int) (*Session, error) {
	if t.verifyBeforeExec && t.checker != nil {
		key := pod + "/" + container
		_, err, _ := t.group.Do(key, func() (interface{}, error) {
			return nil, t.checker.CheckReady(ctx, pod, container)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPodNotReady, err)
		}
	}

	childCtx, cancel := context.WithCancel(context.Background())
	cmd, ptmx, err := spawn(childCtx, t.kubectlPath, pod, container, cols, rows)
	if err != nil {
		cancel()
		return nil, err
	}

	s := newSession(t, pod, container, cols, rows, cmd, ptmx, cancel)
	if t.mirror != nil {
		s.releaseMirror = t.mirror.Own(s.ID)
	}

	t.mu.Lock()
	t.sessions[s.ID] = s
	t.mu.Unlock()

	go s.runPump()

	return s, nil
}

func (t *Table) Get(id string) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (t *Table) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// Count returns the number of live sessions, used by telemetry.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Snapshot returns the current sessions for sweep/telemetry purposes.
func (t *Table) Snapshot() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll kills every session's child process; called on SIGTERM.
func (t *Table) CloseAll() {
	for _, s := range t.Snapshot() {
		s.Close()
	}
}
