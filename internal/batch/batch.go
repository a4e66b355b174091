// Package batch implements the per-subscriber output batcher: it coalesces
// PTY output bytes into SSE frames under the direction of a netadapt
// Adapter, with immediate-flush triggers for oversized, stale, or
// control-sequence-bearing chunks.
package batch

import (
	"bytes"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/remoteterm/gateway/internal/netadapt"
)

// controlSequenceRegex detects ANSI/terminal control sequences that must
// bypass coalescing so interactive programs (vim, tmux) stay responsive.
// Preserved verbatim; do not simplify or "clean up" the alternation.
var controlSequenceRegex = regexp.MustCompile(
	`\x1b[\[\]OP\\_^](?:[0-9;:]*|\?[0-9;:]*|![0-9;:]*)[@-~A-Za-z]` +
		`|\x1b[@-Z\\\-_]` +
		`|\x1b[\[\]]\d*;?\d*[\x07\x1b\\]`,
)

const controlScanWindowLimit = 256
const controlScanWindowSize = 20

// ContainsControlSequence implements the detector described in the output
// batching design: no ESC byte means an immediate false; otherwise inputs
// over 256 bytes are scanned only in a 20-byte window following each ESC.
func ContainsControlSequence(data []byte) bool {
	if !bytes.ContainsRune(data, 0x1b) {
		return false
	}
	if len(data) <= controlScanWindowLimit {
		return controlSequenceRegex.Match(data)
	}
	for i := 0; i < len(data); i++ {
		if data[i] != 0x1b {
			continue
		}
		end := i + controlScanWindowSize
		if end > len(data) {
			end = len(data)
		}
		if controlSequenceRegex.Match(data[i:end]) {
			return true
		}
	}
	return false
}

type FlushReason string

const (
	ReasonSize    FlushReason = "size"
	ReasonTimeout FlushReason = "timeout"
	ReasonControl FlushReason = "control"
)

// Frame is the JSON payload of one SSE `data:` line.
type Frame struct {
	Data       string `json:"data"`
	RTTMeasure *int64 `json:"_rttMeasure,omitempty"`
}

// Emit writes one frame to the subscriber's connection.
type Emit func(Frame) error

// OnFlush is invoked after every flush, successful or not, for telemetry.
type OnFlush func(reason FlushReason, bytesSent int, elapsed time.Duration)

// Batcher owns the mutable state for one SSE subscriber: pending bytes, the
// armed flush timer, and the activity counter. It is safe for concurrent
// Enqueue calls (only one PTY output pump feeds it, but Close races teardown).
type Batcher struct {
	adapter *netadapt.Adapter
	emit    Emit
	onFlush OnFlush

	mu              sync.Mutex
	pending         bytes.Buffer
	lastFlush       time.Time
	activityCounter int
	timer           *time.Timer
	closed          bool
}

func New(adapter *netadapt.Adapter, emit Emit, onFlush OnFlush) *Batcher {
	return &Batcher{
		adapter:   adapter,
		emit:      emit,
		onFlush:   onFlush,
		lastFlush: time.Now(),
	}
}

// Enqueue appends bytes to the pending buffer and decides whether to flush
// immediately or arm a deferred timer, per the flush-trigger rules.
func (b *Batcher) Enqueue(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.pending.Write(data)
	b.activityCounter++

	delay, threshold := b.adapter.Optimal()
	now := time.Now()

	switch {
	case b.pending.Len() >= threshold:
		b.flushLocked(ReasonSize)
	case now.Sub(b.lastFlush) >= b.adapter.MaxDelay():
		b.flushLocked(ReasonTimeout)
	case ContainsControlSequence(data):
		b.flushLocked(ReasonControl)
	default:
		b.armTimerLocked(delay)
	}
}

func (b *Batcher) armTimerLocked(delay time.Duration) {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		b.flushLocked(ReasonTimeout)
	})
}

func (b *Batcher) flushLocked(reason FlushReason) {
	if b.pending.Len() == 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	payload := make([]byte, b.pending.Len())
	copy(payload, b.pending.Bytes())
	b.pending.Reset()

	frame := Frame{Data: string(payload)}
	now := time.Now()
	if b.adapter.ShouldStampMeasurement(now) {
		// The client echoes the stamped value back as the measurement id.
		ts := now.UnixMilli()
		b.adapter.BeginMeasurement(strconv.FormatInt(ts, 10), now)
		frame.RTTMeasure = &ts
	}

	start := time.Now()
	err := b.emit(frame)
	elapsed := time.Since(start)
	b.lastFlush = time.Now()

	if err == nil {
		b.adapter.RecordFlush(len(payload), elapsed)
	}
	if b.activityCounter >= 5 {
		b.activityCounter -= 5
	} else {
		b.activityCounter = 0
	}

	if b.onFlush != nil {
		b.onFlush(reason, len(payload), elapsed)
	}
}

// Close cancels any armed timer and marks the batcher inert; subsequent
// Enqueue calls are no-ops.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.closed = true
}
