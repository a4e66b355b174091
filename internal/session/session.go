package session

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"

	"github.com/remoteterm/gateway/internal/batch"
	"github.com/remoteterm/gateway/internal/netadapt"
)

type lifecycleState int32

const (
	stateCreated lifecycleState = iota
	stateRunning
	stateClosing
	stateClosed
)

const defaultRingCapacity = 1000
const defaultReplayWindow = 5 * time.Second

type outputEntry struct {
	ts   time.Time
	data []byte
}

// Session owns one kubectl-exec-rooted PTY child process and its
// surrounding bookkeeping: the output replay ring, the live subscriber
// set, and the session's shared NetworkMetrics adapter.
type Session struct {
	ID        string
	Pod       string
	Container string

	cmd    *exec.Cmd
	ptmx   *os.File
	cancel context.CancelFunc

	Net *netadapt.Adapter

	mu           sync.Mutex
	ring         []outputEntry
	subscribers  map[string]*Subscriber
	lastActivity time.Time
	state        lifecycleState
	cols, rows   int

	writeMu sync.Mutex

	bytesSentTotal atomic.Int64
	commandsSeen   atomic.Int64

	table         *Table
	dead          chan struct{}
	releaseMirror func()
}

func newSession(table *Table, pod, container string, cols, rows int, cmd *exec.Cmd, ptmx *os.File, cancel context.CancelFunc) *Session {
	s := &Session{
		ID:           newSessionID(),
		Pod:          pod,
		Container:    container,
		cmd:          cmd,
		ptmx:         ptmx,
		cancel:       cancel,
		Net:          netadapt.NewWithConfig(table.netConfig),
		subscribers:  make(map[string]*Subscriber),
		lastActivity: time.Now(),
		state:        stateRunning,
		cols:         cols,
		rows:         rows,
		table:        table,
		dead:         make(chan struct{}),
	}
	return s
}

// Write sends bytes directly to the PTY stdin with no interpretation.
// Concurrent callers are serialised by writeMu, preserving arrival order.
func (s *Session) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.ptmx.Write(data)
	s.touch()
	return err
}

// Resize issues a window-size change to the PTY.
func (s *Session) Resize(cols, rows int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err == nil {
		s.mu.Lock()
		s.cols, s.rows = cols, rows
		s.mu.Unlock()
	}
	s.touch()
	return err
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Heartbeat refreshes last_activity without touching the PTY.
func (s *Session) Heartbeat() {
	s.touch()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

func (s *Session) Dims() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// MarkCommand bumps the session's command counter; called by the input
// handler when a payload carries a line terminator.
func (s *Session) MarkCommand() {
	s.commandsSeen.Add(1)
}

func (s *Session) CommandsSeen() int64 {
	return s.commandsSeen.Load()
}

func (s *Session) BytesSentTotal() int64 {
	return s.bytesSentTotal.Load()
}

// Active reports whether the session's child is still producing output.
func (s *Session) Active() bool {
	s.mu.Lock()
	running := s.state == stateRunning
	s.mu.Unlock()
	return running && !s.isDead()
}

func (s *Session) isDead() bool {
	select {
	case <-s.dead:
		return true
	default:
		return false
	}
}

// Subscribe attaches a new SSE subscriber, returning it along with the
// replay bytes (ring entries produced inside the replay window). The caller
// detaches it on teardown with sub.Close.
func (s *Session) Subscribe(emit batch.Emit, onFlush batch.OnFlush) (*Subscriber, []byte) {
	sub := &Subscriber{
		ID:      newSubscriberID(),
		session: s,
		Batcher: batch.New(s.Net, emit, onFlush),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	closing := s.state == stateClosing || s.state == stateClosed
	s.subscribers[sub.ID] = sub
	cutoff := time.Now().Add(-s.table.replayWindow)
	var replay []byte
	for _, e := range s.ring {
		if e.ts.After(cutoff) {
			replay = append(replay, e.data...)
		}
	}
	s.mu.Unlock()

	if closing || s.isDead() {
		sub.Batcher.Close()
		sub.markDone()
	}

	return sub, replay
}

func (s *Session) Unsubscribe(id string) {
	s.mu.Lock()
	sub, ok := s.subscribers[id]
	delete(s.subscribers, id)
	s.mu.Unlock()
	if ok {
		sub.Batcher.Close()
		sub.markDone()
	}
}

func (s *Session) appendOutput(data []byte) {
	s.mu.Lock()
	s.ring = append(s.ring, outputEntry{ts: time.Now(), data: data})
	if len(s.ring) > s.table.ringCapacity {
		s.ring = s.ring[len(s.ring)-s.table.ringCapacity:]
	}
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	s.bytesSentTotal.Add(int64(len(data)))
	for _, sub := range subs {
		sub.Batcher.Enqueue(data)
	}
	if s.table.mirror != nil {
		s.table.mirror.Publish(s.ID, data)
	}
}

// runPump reads PTY output until the child exits or the session is closed,
// fanning each read out to every subscriber in production order.
func (s *Session) runPump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.appendOutput(chunk)
		}
		if err != nil {
			s.markDead()
			return
		}
	}
}

// markDead records child exit and ends every subscriber's stream; the
// session itself stays in the table until the idle sweep reaps it.
func (s *Session) markDead() {
	select {
	case <-s.dead:
		return
	default:
		close(s.dead)
	}

	s.mu.Lock()
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.markDone()
	}
}

// Close kills the child, drains subscribers with an end marker, and
// removes the session from its table.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == stateClosing || s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosing
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscribers = make(map[string]*Subscriber)
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	if s.ptmx != nil {
		_ = s.ptmx.Close()
	}
	s.markDead()

	for _, sub := range subs {
		sub.Batcher.Close()
		sub.markDone()
	}

	if s.releaseMirror != nil {
		s.releaseMirror()
	}

	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()

	s.table.remove(s.ID)
}
