package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CrashLoopBreaker trips open once a subprocess fails at a sustained rate
// over a rolling window, so a respawn loop backed by exponential backoff
// still eventually stops trying rather than hammering a binary that can
// never start. It recovers through a single half-open probe after a
// cool-down, closing again only if that probe succeeds.
type CrashLoopBreaker struct {
	mu sync.Mutex

	minSamples      int
	failureRateOpen float64
	halfOpenAfter   time.Duration

	state          breakerState
	openedAt       time.Time
	halfOpenProbed bool
	window         *slidingWindow

	opened metric.Int64Counter
	closed metric.Int64Counter
}

// NewCrashLoopBreaker builds a breaker evaluated over a rolling window of
// size with the given bucket resolution: once at least minSamples outcomes
// have landed in the window and the failure rate reaches failureRateOpen,
// the breaker opens for halfOpenAfter before allowing one probe attempt.
func NewCrashLoopBreaker(meter metric.Meter, windowSize time.Duration, buckets, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration) *CrashLoopBreaker {
	if buckets <= 0 {
		buckets = 1
	}
	b := &CrashLoopBreaker{
		minSamples:      minSamples,
		failureRateOpen: math.Min(math.Max(failureRateOpen, 0), 1),
		halfOpenAfter:   halfOpenAfter,
		state:           stateClosed,
		window:          newSlidingWindow(windowSize, buckets),
	}
	b.opened, _ = meter.Int64Counter("flowforge_crashloop_breaker_opened_total")
	b.closed, _ = meter.Int64Counter("flowforge_crashloop_breaker_closed_total")
	return b
}

// Allow reports whether a respawn attempt may proceed right now.
func (b *CrashLoopBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		if time.Since(b.openedAt) < b.halfOpenAfter {
			return false
		}
		b.state = stateHalfOpen
		b.halfOpenProbed = true
	case stateHalfOpen:
		if b.halfOpenProbed {
			return false
		}
		b.halfOpenProbed = true
	}
	return true
}

// RecordResult reports the outcome of an attempt Allow permitted.
func (b *CrashLoopBreaker) RecordResult(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window.add(success)

	switch b.state {
	case stateClosed:
		total, failures := b.window.stats()
		if total >= b.minSamples && float64(failures)/float64(total) >= b.failureRateOpen {
			b.state = stateOpen
			b.openedAt = time.Now()
			if b.opened != nil {
				b.opened.Add(ctx, 1)
			}
		}
	case stateHalfOpen:
		if success {
			b.state = stateClosed
			b.window.reset()
			if b.closed != nil {
				b.closed.Add(ctx, 1)
			}
		} else {
			b.state = stateOpen
			b.openedAt = time.Now()
			if b.opened != nil {
				b.opened.Add(ctx, 1)
			}
		}
	}
}

// slidingWindow tracks success/failure counts in fixed-size time buckets.
type slidingWindow struct {
	interval time.Duration
	buckets  int
	data     []bucket
}

type bucket struct {
	stamp          int64
	success, failed int
}

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		interval: size / time.Duration(buckets),
		buckets:  buckets,
		data:     make([]bucket, buckets),
	}
}

func (w *slidingWindow) currentIndex(now time.Time) (idx int, stamp int64) {
	stamp = now.UnixNano() / int64(w.interval)
	return int(stamp % int64(w.buckets)), stamp
}

func (w *slidingWindow) add(success bool) {
	idx, stamp := w.currentIndex(time.Now())
	if w.data[idx].stamp != stamp {
		w.data[idx] = bucket{stamp: stamp}
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].failed++
	}
}

func (w *slidingWindow) stats() (total, failures int) {
	cutoff := time.Now().Add(-time.Duration(w.buckets) * w.interval).UnixNano() / int64(w.interval)
	for _, b := range w.data {
		if b.stamp < cutoff {
			continue
		}
		total += b.success + b.failed
		failures += b.failed
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}
