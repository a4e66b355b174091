// Package telemetry accumulates the counters behind the gateway's fixed
// interval performance log record: round-trip histogram, flush-reason
// counts, adapter statistics, and session RTT-category distribution.
package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/remoteterm/gateway/internal/batch"
	"github.com/remoteterm/gateway/internal/session"
)

const rttBucketCount = 10
const rttBucketWidthMillis = 100

// Recorder is a single process-wide aggregator; all methods are safe for
// concurrent use from every session's batcher callback.
type Recorder struct {
	start time.Time

	commandsSeen atomic.Int64

	flushSize    atomic.Int64
	flushTimeout atomic.Int64
	flushControl atomic.Int64
	flushCount   atomic.Int64
	totalBytes   atomic.Int64

	rttBuckets [rttBucketCount]atomic.Int64
}

func New() *Recorder {
	return &Recorder{start: time.Now()}
}

// OnFlush adapts directly to batch.OnFlush for wiring into a Batcher.
func (r *Recorder) OnFlush(reason batch.FlushReason, bytesSent int, elapsed time.Duration) {
	r.totalBytes.Add(int64(bytesSent))
	r.flushCount.Add(1)
	switch reason {
	case batch.ReasonSize:
		r.flushSize.Add(1)
	case batch.ReasonTimeout:
		r.flushTimeout.Add(1)
	case batch.ReasonControl:
		r.flushControl.Add(1)
	}
}

func (r *Recorder) RecordRTT(millis float64) {
	bucket := int(millis) / rttBucketWidthMillis
	if bucket < 0 {
		bucket = 0
	}
	if bucket >= rttBucketCount {
		bucket = rttBucketCount - 1
	}
	r.rttBuckets[bucket].Add(1)
}

func (r *Recorder) RecordCommand() {
	r.commandsSeen.Add(1)
}

// Run emits one structured log record on the given interval until ctx is
// cancelled, pulling live session/adapter state from table at each tick.
func (r *Recorder) Run(ctx context.Context, interval time.Duration, table *session.Table) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logSnapshot(table)
		}
	}
}

// LogNow emits one performance record immediately, outside the fixed
// interval; backs GET /terminal/performance.
func (r *Recorder) LogNow(table *session.Table) {
	r.logSnapshot(table)
}

func (r *Recorder) logSnapshot(table *session.Table) {
	sessions := table.Snapshot()

	var adaptationsApplied, measurementsOK, measurementsFailed int64
	dist := map[string]int{"excellent": 0, "good": 0, "fair": 0, "poor": 0, "unknown": 0}
	fallbacks := 0
	for _, s := range sessions {
		stats := s.Net.Snapshot()
		adaptationsApplied += stats.AdaptationsApplied
		measurementsOK += stats.MeasurementsSucceeded
		measurementsFailed += stats.MeasurementsFailed
		if stats.UsingFallback {
			fallbacks++
		}
		dist[s.Net.RTTCategory()]++
	}

	var successRate float64
	totalMeasurements := measurementsOK + measurementsFailed
	if totalMeasurements > 0 {
		successRate = float64(measurementsOK) / float64(totalMeasurements)
	}

	totalBytes := r.totalBytes.Load()
	flushCount := r.flushCount.Load()
	var avgBytes float64
	if flushCount > 0 {
		avgBytes = float64(totalBytes) / float64(flushCount)
	}

	log.Info("performance",
		"runtimeSeconds", time.Since(r.start).Seconds(),
		"commandsSeen", r.commandsSeen.Load(),
		"rttHistogram", r.histogramSnapshot(),
		"flushSize", r.flushSize.Load(),
		"flushTimeout", r.flushTimeout.Load(),
		"flushControl", r.flushControl.Load(),
		"totalBytes", totalBytes,
		"avgBytesPerFlush", avgBytes,
		"adaptationsApplied", adaptationsApplied,
		"fallbacksActive", fallbacks,
		"measurementSuccessRate", successRate,
		"sessionCount", len(sessions),
		"sessionsExcellent", dist["excellent"],
		"sessionsGood", dist["good"],
		"sessionsFair", dist["fair"],
		"sessionsPoor", dist["poor"],
		"sessionsUnknown", dist["unknown"],
	)
}

func (r *Recorder) histogramSnapshot() []int64 {
	out := make([]int64, rttBucketCount)
	for i := range out {
		out[i] = r.rttBuckets[i].Load()
	}
	return out
}
