// Package dispatch implements the worker-dispatch channel: a FIFO queue of
// pending execution requests fanned out to a single long-polling worker, plus
// heartbeat-based liveness tracking (spec §4.3).
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Request is one dispatch request handed to the worker's long-poll.
type Request struct {
	RunID         string `json:"run_id"`
	FlowName      string `json:"flow_name"`
	Configuration string `json:"configuration,omitempty"`
}

// responder is a one-shot sink: at most one request is ever sent on ch.
type responder struct {
	ch   chan Request
	done bool // true once delivered or cancelled; guarded by Dispatcher.mu
}

// Dispatcher owns the pending-request queue and the long-poll wait-list. All
// exported methods are safe for concurrent use; Poll is the only suspension
// point (spec §5).
type Dispatcher struct {
	mu              sync.Mutex
	queue           []Request
	waiters         []*responder
	lastHeartbeatAt time.Time
	heartbeatSet    bool

	tracer     trace.Tracer
	enqueued   metric.Int64Counter
	delivered  metric.Int64Counter
	pollTimeouts metric.Int64Counter
	workerLost metric.Int64Counter
}

// PollTimeout is the canonical long-poll window (spec §4.3).
const PollTimeout = 30 * time.Second

// LivenessWindow is how long the dispatcher waits without a heartbeat before
// declaring the worker gone (spec §4.3).
const LivenessWindow = 10 * time.Second

func New(meter metric.Meter) *Dispatcher {
	enqueued, _ := meter.Int64Counter("flowforge_dispatch_enqueued_total")
	delivered, _ := meter.Int64Counter("flowforge_dispatch_delivered_total")
	pollTimeouts, _ := meter.Int64Counter("flowforge_dispatch_poll_timeouts_total")
	workerLost, _ := meter.Int64Counter("flowforge_dispatch_worker_lost_total")

	return &Dispatcher{
		tracer:       otel.Tracer("flowforge-dispatch"),
		enqueued:     enqueued,
		delivered:    delivered,
		pollTimeouts: pollTimeouts,
		workerLost:   workerLost,
	}
}

// Enqueue hands req to the oldest waiting long-poll responder, or appends it
// to the queue if none are waiting. FIFO: the earliest-registered waiter
// always wins (spec §4.3 ordering guarantee).
func (d *Dispatcher) Enqueue(ctx context.Context, req Request) {
	_, span := d.tracer.Start(ctx, "dispatch.enqueue")
	defer span.End()

	d.mu.Lock()
	for len(d.waiters) > 0 {
		w := d.waiters[0]
		d.waiters = d.waiters[1:]
		if w.done {
			continue // dead waiter (caller disconnected); try the next one
		}
		w.done = true
		d.mu.Unlock()
		w.ch <- req
		d.delivered.Add(ctx, 1)
		return
	}
	d.queue = append(d.queue, req)
	d.mu.Unlock()
	d.enqueued.Add(ctx, 1)
}

// Poll returns the next pending request, suspending up to timeout if the
// queue is empty. Returns (Request{}, false) on timeout. If ctx is cancelled
// first, the waiter is deregistered without ever producing a response.
func (d *Dispatcher) Poll(ctx context.Context, timeout time.Duration) (Request, bool) {
	ctx, span := d.tracer.Start(ctx, "dispatch.poll")
	defer span.End()

	d.Heartbeat()

	d.mu.Lock()
	if len(d.queue) > 0 {
		req := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		return req, true
	}
	w := &responder{ch: make(chan Request, 1)}
	d.waiters = append(d.waiters, w)
	d.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case req := <-w.ch:
		return req, true
	case <-timer.C:
		d.mu.Lock()
		w.done = true
		d.removeWaiter(w)
		d.mu.Unlock()
		d.pollTimeouts.Add(ctx, 1)
		return Request{}, false
	case <-ctx.Done():
		d.mu.Lock()
		w.done = true
		d.removeWaiter(w)
		d.mu.Unlock()
		return Request{}, false
	}
}

// removeWaiter drops w from the wait-list. Caller must hold d.mu.
func (d *Dispatcher) removeWaiter(w *responder) {
	for i, other := range d.waiters {
		if other == w {
			d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
			return
		}
	}
}

// Heartbeat records a liveness signal. Any inbound call that proves the
// worker is alive — the explicit endpoint or a long-poll call — invokes this.
func (d *Dispatcher) Heartbeat() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastHeartbeatAt = time.Now()
	d.heartbeatSet = true
}

// LivenessTick checks whether the worker has gone silent for longer than
// LivenessWindow. It fires at most once per silence: on firing it clears the
// heartbeat sentinel so a second check without an intervening heartbeat does
// not re-fire (spec §4.3, §8 scenario 6).
func (d *Dispatcher) LivenessTick() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.heartbeatSet {
		return false
	}
	if time.Since(d.lastHeartbeatAt) <= LivenessWindow {
		return false
	}
	d.heartbeatSet = false
	d.workerLost.Add(context.Background(), 1)
	return true
}

// QueueDepth reports the number of undelivered requests (diagnostics only).
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// WaiterCount reports the number of suspended long-poll callers (diagnostics only).
func (d *Dispatcher) WaiterCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, w := range d.waiters {
		if !w.done {
			n++
		}
	}
	return n
}
