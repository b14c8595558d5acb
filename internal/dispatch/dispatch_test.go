package dispatch

import (
	"context"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func newTestDispatcher() *Dispatcher {
	mp := noopmetric.MeterProvider{}
	return New(mp.Meter("test"))
}

func TestAtMostOnceDispatchToWaitingPoller(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()

	type result struct {
		req Request
		ok  bool
	}
	resCh := make(chan result, 1)
	go func() {
		req, ok := d.Poll(ctx, time.Second)
		resCh <- result{req, ok}
	}()

	time.Sleep(20 * time.Millisecond) // let Poll register as a waiter
	d.Enqueue(ctx, Request{RunID: "r1", FlowName: "F"})

	select {
	case res := <-resCh:
		if !res.ok || res.req.RunID != "r1" {
			t.Fatalf("got %+v, want delivered r1", res)
		}
	case <-time.After(time.Second):
		t.Fatal("poll never returned")
	}
}

func TestFIFODispatchTwoPollersTwoEnqueues(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()

	p1 := make(chan Request, 1)
	p2 := make(chan Request, 1)
	started := make(chan struct{}, 2)

	go func() {
		started <- struct{}{}
		req, _ := d.Poll(ctx, time.Second)
		p1 <- req
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	go func() {
		started <- struct{}{}
		req, _ := d.Poll(ctx, time.Second)
		p2 <- req
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	d.Enqueue(ctx, Request{RunID: "first"})
	d.Enqueue(ctx, Request{RunID: "second"})

	r1 := <-p1
	r2 := <-p2
	if r1.RunID != "first" {
		t.Fatalf("first poller got %q, want \"first\"", r1.RunID)
	}
	if r2.RunID != "second" {
		t.Fatalf("second poller got %q, want \"second\"", r2.RunID)
	}
}

func TestEnqueueQueuesWhenNoPoller(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()

	d.Enqueue(ctx, Request{RunID: "a"})
	d.Enqueue(ctx, Request{RunID: "b"})
	if d.QueueDepth() != 2 {
		t.Fatalf("queue depth = %d, want 2", d.QueueDepth())
	}

	req, ok := d.Poll(ctx, time.Second)
	if !ok || req.RunID != "a" {
		t.Fatalf("got %+v, want a", req)
	}
	req, ok = d.Poll(ctx, time.Second)
	if !ok || req.RunID != "b" {
		t.Fatalf("got %+v, want b", req)
	}
}

func TestPollTimesOut(t *testing.T) {
	d := newTestDispatcher()
	req, ok := d.Poll(context.Background(), 30*time.Millisecond)
	if ok {
		t.Fatalf("expected timeout, got %+v", req)
	}
	if d.WaiterCount() != 0 {
		t.Fatalf("waiter not cleaned up after timeout")
	}
}

func TestPollCancellationDeregistersWithoutDelivery(t *testing.T) {
	d := newTestDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := d.Poll(ctx, 5*time.Second)
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("cancelled poll should not report success")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled poll never returned")
	}
	if d.WaiterCount() != 0 {
		t.Fatal("waiter not cleaned up after cancellation")
	}

	// A subsequent Enqueue must not be lost even though the cancelled waiter
	// had to be skipped internally.
	d.Enqueue(context.Background(), Request{RunID: "late"})
	req, ok := d.Poll(context.Background(), time.Second)
	if !ok || req.RunID != "late" {
		t.Fatalf("got %+v, want late", req)
	}
}

func TestLivenessTickFiresOnceThenResets(t *testing.T) {
	d := newTestDispatcher()
	d.Heartbeat()
	d.lastHeartbeatAt = time.Now().Add(-(LivenessWindow + time.Second))

	if !d.LivenessTick() {
		t.Fatal("expected liveness tick to fire after silence")
	}
	if d.LivenessTick() {
		t.Fatal("liveness tick fired twice without an intervening heartbeat")
	}

	d.Heartbeat()
	d.lastHeartbeatAt = time.Now().Add(-(LivenessWindow + time.Second))
	if !d.LivenessTick() {
		t.Fatal("expected liveness tick to fire again after a new heartbeat then new silence")
	}
}

func TestLivenessTickNoHeartbeatYet(t *testing.T) {
	d := newTestDispatcher()
	if d.LivenessTick() {
		t.Fatal("should not fire when no heartbeat was ever recorded")
	}
}
