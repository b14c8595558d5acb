package resilience

import (
	"context"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func newTestBreaker(minSamples int, failureRateOpen float64, halfOpenAfter time.Duration) *CrashLoopBreaker {
	mp := noopmetric.MeterProvider{}
	return NewCrashLoopBreaker(mp.Meter("test"), time.Minute, 6, minSamples, failureRateOpen, halfOpenAfter)
}

func TestCrashLoopBreakerOpensAfterSustainedFailures(t *testing.T) {
	b := newTestBreaker(3, 0.8, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("attempt %d should be allowed while closed", i)
		}
		b.RecordResult(ctx, false)
	}
	if b.Allow() {
		t.Fatal("breaker should be open after 3 consecutive failures at an 0.8 threshold")
	}
}

func TestCrashLoopBreakerHalfOpenClosesOnSuccessfulProbe(t *testing.T) {
	b := newTestBreaker(2, 0.5, 5*time.Millisecond)
	ctx := context.Background()

	b.Allow()
	b.RecordResult(ctx, false)
	b.Allow()
	b.RecordResult(ctx, false)
	if b.Allow() {
		t.Fatal("breaker should be open immediately after tripping")
	}

	time.Sleep(10 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("breaker should allow a single half-open probe after cool-down")
	}
	b.RecordResult(ctx, true)

	if !b.Allow() {
		t.Fatal("breaker should be closed again after a successful probe")
	}
}

func TestCrashLoopBreakerHalfOpenReopensOnFailedProbe(t *testing.T) {
	b := newTestBreaker(1, 0.5, 5*time.Millisecond)
	ctx := context.Background()

	b.Allow()
	b.RecordResult(ctx, false)
	time.Sleep(10 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected a half-open probe to be allowed")
	}
	b.RecordResult(ctx, false)

	if b.Allow() {
		t.Fatal("a failed probe should reopen the breaker, not allow another attempt immediately")
	}
}
