// Package supervisor spawns and manages the single configured worker-process
// subprocess, capturing its combined output into an in-memory ring buffer
// (spec §6 client/worker-process supervision, out of the engine's scope but
// still part of the boundary's responsibilities).
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/flowforge/internal/resilience"
)

// Status is the worker-process lifecycle state exposed via GET /api/client/status.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// ClientConfig is one packaged worker-process configuration entry
// (clients.json, spec §6).
type ClientConfig struct {
	ID                     string            `json:"id"`
	Name                   string            `json:"name"`
	Description            string            `json:"description,omitempty"`
	WorkingDir             string            `json:"workingDir"`
	Command                string            `json:"command"`
	Args                   []string          `json:"args,omitempty"`
	Color                  string            `json:"color,omitempty"`
	PerformanceSensitivity string            `json:"performanceSensitivity,omitempty"`
	Env                    map[string]string `json:"env,omitempty"`
}

// gracefulTimeout is how long Stop waits for the process to exit on its own
// before escalating to a force-kill (spec §6).
const gracefulTimeout = 5 * time.Second

const logRingCapacity = 50

// logRing is a fixed-capacity FIFO of recent output lines.
type logRing struct {
	mu   sync.Mutex
	buf  []string
	next int
	full bool
}

func newLogRing(capacity int) *logRing {
	return &logRing{buf: make([]string, capacity)}
}

func (r *logRing) append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = line
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// lines returns the buffered lines oldest-first.
func (r *logRing) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]string, len(r.buf))
	copy(out, r.buf[r.next:])
	copy(out[len(r.buf)-r.next:], r.buf[:r.next])
	return out
}

// StopAllRunningFunc fails every in-flight run; wired to FlowEngine.FailAllRunning.
type StopAllRunningFunc func(ctx context.Context, reason string)

// Supervisor owns the single active worker-process subprocess.
type Supervisor struct {
	mu           sync.Mutex
	status       Status
	activeClient string
	cmd          *exec.Cmd
	cancel       context.CancelFunc
	logs         *logRing
	exited       chan struct{}

	failAllRunning StopAllRunningFunc
	breaker        *resilience.CrashLoopBreaker

	tracer  trace.Tracer
	spawns  metric.Int64Counter
	crashes metric.Int64Counter

	log *slog.Logger
}

// New constructs a Supervisor. failAllRunning is invoked whenever the process
// is stopped or exits unexpectedly (spec §6 stop semantics).
func New(meter metric.Meter, log *slog.Logger, failAllRunning StopAllRunningFunc) *Supervisor {
	spawns, _ := meter.Int64Counter("flowforge_supervisor_spawns_total")
	crashes, _ := meter.Int64Counter("flowforge_supervisor_crashes_total")
	return &Supervisor{
		status:         StatusStopped,
		logs:           newLogRing(logRingCapacity),
		failAllRunning: failAllRunning,
		breaker:        resilience.NewCrashLoopBreaker(meter, time.Minute, 6, 3, 0.8, 30*time.Second),
		tracer:         otel.Tracer("flowforge-supervisor"),
		spawns:         spawns,
		crashes:        crashes,
		log:            log,
	}
}

// Status reports the current lifecycle state, recent logs, and active client ID.
func (s *Supervisor) Status() (status Status, logs []string, activeClient string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.logs.lines(), s.activeClient
}

// Start spawns cfg's subprocess. Output is piped line-by-line into the ring
// buffer; FLOWFORGE_UNBUFFERED=1 is set so the child's stdout is
// line-prompt even when piped (spec §6 "unbuffered-output environment signal").
func (s *Supervisor) Start(ctx context.Context, cfg ClientConfig) error {
	s.mu.Lock()
	if s.status == StatusStarting || s.status == StatusRunning {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: a worker process is already %s", s.status)
	}
	s.status = StatusStarting
	s.activeClient = cfg.ID
	s.mu.Unlock()

	_, span := s.tracer.Start(ctx, "supervisor.start", trace.WithAttributes(attribute.String("client.id", cfg.ID)))
	defer span.End()

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, cfg.Command, cfg.Args...)
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}
	cmd.Env = append(cmd.Environ(), "FLOWFORGE_UNBUFFERED=1")
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		s.markError(ctx, err)
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		s.markError(ctx, err)
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		s.markError(ctx, err)
		return fmt.Errorf("start worker process: %w", err)
	}
	s.spawns.Add(ctx, 1, metric.WithAttributes(attribute.String("client.id", cfg.ID)))

	exited := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.cancel = cancel
	s.exited = exited
	s.status = StatusRunning
	s.mu.Unlock()

	go s.pumpOutput(stdout)
	go s.pumpOutput(stderr)
	go s.waitForExit(cmd, exited)

	return nil
}

func (s *Supervisor) pumpOutput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logs.append(scanner.Text())
	}
}

func (s *Supervisor) waitForExit(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	s.mu.Lock()
	wasRunning := s.status == StatusRunning
	if err != nil {
		s.status = StatusError
		s.logs.append(fmt.Sprintf("worker process exited: %v", err))
	} else {
		s.status = StatusStopped
	}
	client := s.activeClient
	s.mu.Unlock()

	if wasRunning && err != nil {
		s.crashes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("client.id", client)))
		s.log.Error("worker process crashed", "client", client, "error", err)
		if s.failAllRunning != nil {
			s.failAllRunning(context.Background(), "worker process crashed")
		}
	}
}

func (s *Supervisor) markError(ctx context.Context, err error) {
	s.mu.Lock()
	s.status = StatusError
	s.logs.append(fmt.Sprintf("failed to start worker process: %v", err))
	s.mu.Unlock()
	s.log.Error("failed to start worker process", "error", err)
}

// Stop sends graceful termination, escalating to a force-kill after
// gracefulTimeout, and always fails all in-flight runs regardless of the
// process's final state (spec §6).
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	cancel := s.cancel
	exited := s.exited
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-exited:
		case <-time.After(gracefulTimeout):
			if cancel != nil {
				cancel() // escalates to SIGKILL via CommandContext
			}
			<-exited
		}
	}

	s.mu.Lock()
	s.status = StatusStopped
	s.activeClient = ""
	s.cmd = nil
	s.cancel = nil
	s.mu.Unlock()

	if s.failAllRunning != nil {
		s.failAllRunning(ctx, "user stopped")
	}
	return nil
}

// errCrashLoopOpen is returned when the crash-loop breaker has tripped and
// is refusing further respawn attempts until its cool-down elapses.
var errCrashLoopOpen = fmt.Errorf("supervisor: crash-loop breaker open, refusing respawn")

// RestartWithBackoff respawns cfg's process after a crash, backing off
// exponentially between attempts. A crash-loop breaker sits
// in front of the backoff loop: once respawns fail at a sustained rate it
// trips open and gives up early instead of retrying for the full
// maxElapsed window against a binary that can never start. It stops
// retrying once ctx is cancelled, the breaker opens, or maxElapsed passes.
func (s *Supervisor) RestartWithBackoff(ctx context.Context, cfg ClientConfig, maxElapsed time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	return backoff.Retry(func() error {
		if !s.breaker.Allow() {
			return backoff.Permanent(errCrashLoopOpen)
		}
		err := s.Start(ctx, cfg)
		s.breaker.RecordResult(ctx, err == nil)
		return err
	}, backoff.WithContext(bo, ctx))
}
