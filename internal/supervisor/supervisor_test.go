package supervisor

import (
	"context"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/flowforge/internal/logging"
)

func newTestSupervisor(t *testing.T, onFailAll StopAllRunningFunc) *Supervisor {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	return New(mp.Meter("test"), logging.Init("test"), onFailAll)
}

func TestStartRunningStopTransitionsStatus(t *testing.T) {
	s := newTestSupervisor(t, nil)
	ctx := context.Background()

	cfg := ClientConfig{ID: "c1", Command: "sh", Args: []string{"-c", "sleep 5"}}
	if err := s.Start(ctx, cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	status, _, active := s.Status()
	if status != StatusRunning || active != "c1" {
		t.Fatalf("status=%v active=%v, want Running/c1", status, active)
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	status, _, active = s.Status()
	if status != StatusStopped || active != "" {
		t.Fatalf("status=%v active=%q after Stop, want Stopped/\"\"", status, active)
	}
}

func TestStopAlwaysFailsAllRunningEvenIfProcessAlreadyExited(t *testing.T) {
	called := make(chan string, 1)
	s := newTestSupervisor(t, func(ctx context.Context, reason string) { called <- reason })
	ctx := context.Background()

	cfg := ClientConfig{ID: "c1", Command: "true"}
	if err := s.Start(ctx, cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let the short-lived process exit on its own

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case reason := <-called:
		if reason != "user stopped" {
			t.Fatalf("reason = %q, want \"user stopped\"", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("failAllRunning was never invoked")
	}
}

func TestCrashInvokesFailAllRunning(t *testing.T) {
	called := make(chan string, 1)
	s := newTestSupervisor(t, func(ctx context.Context, reason string) { called <- reason })
	ctx := context.Background()

	cfg := ClientConfig{ID: "c1", Command: "sh", Args: []string{"-c", "exit 1"}}
	if err := s.Start(ctx, cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case reason := <-called:
		if reason != "worker process crashed" {
			t.Fatalf("reason = %q, want \"worker process crashed\"", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("crash did not invoke failAllRunning")
	}

	status, _, _ := s.Status()
	if status != StatusError {
		t.Fatalf("status = %v, want Error", status)
	}
}

func TestRestartWithBackoffTripsCrashLoopBreakerOnRepeatedFailure(t *testing.T) {
	s := newTestSupervisor(t, nil)
	ctx := context.Background()

	// minSamples=3, failureRateOpen=0.8 from New's wiring: an unstartable
	// binary should trip the breaker well before maxElapsed is reached.
	cfg := ClientConfig{ID: "c1", Command: "/nonexistent-flowforge-worker-binary"}
	err := s.RestartWithBackoff(ctx, cfg, 2*time.Second)
	if err == nil {
		t.Fatal("expected RestartWithBackoff to fail against an unstartable binary")
	}
}

func TestLogRingCapsAtCapacityKeepingMostRecent(t *testing.T) {
	r := newLogRing(3)
	for i := 0; i < 5; i++ {
		r.append(string(rune('a' + i)))
	}
	got := r.lines()
	want := []string{"c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("lines = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("lines = %v, want %v", got, want)
		}
	}
}
