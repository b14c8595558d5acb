// Package engine implements FlowEngine, the state machine that owns flows
// and runs in memory and keeps Store as its write-through log (spec §4.4).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/flowforge/internal/dispatch"
	"github.com/swarmguard/flowforge/internal/model"
	"github.com/swarmguard/flowforge/internal/stats"
)

// ErrNotFound is returned when a referenced flow, run, or task slot does not exist.
var ErrNotFound = errors.New("engine: not found")

// ErrValidation flags a malformed caller-supplied request.
var ErrValidation = errors.New("engine: validation")

// defaultEstimatedMs is used when neither TaskStats nor the caller supply an
// estimate for a task.
const defaultEstimatedMs = 1000

// RegisterPayload is the input to RegisterFlow.
type RegisterPayload struct {
	Name        string
	Description string
	Tags        map[string]string
	Tasks       []TaskInput
}

// TaskInput is one task entry of a RegisterPayload.
type TaskInput struct {
	Name          string
	Description   string
	EstimatedTime int64
	CrucialPass   bool
}

// TaskUpdate carries the optional fields of UpdateTaskState.
type TaskUpdate struct {
	State         string
	Progress      *float64
	DurationMs    *int64
	Result        *model.TaskResult
	TaskName      string
	EstimatedTime *int64
	CrucialPass   *bool
}

// Store is the subset of persistence operations FlowEngine depends on.
type Store interface {
	LoadAllFlows(ctx context.Context) ([]model.FlowDefinition, error)
	LoadAllRuns(ctx context.Context) ([]model.FlowRun, error)
	SaveFlow(ctx context.Context, def model.FlowDefinition) error
	DeleteFlow(ctx context.Context, flowID string) error
	SaveRun(ctx context.Context, run model.FlowRun) error
	DeleteRun(ctx context.Context, runID string) error
	GetTaskStats(ctx context.Context, flow, task string) (model.TaskStats, bool, error)
	GetAllFlowTaskStats(ctx context.Context, flow string) (map[string]model.TaskStats, error)
	UpdateTaskStats(ctx context.Context, flow, task string, durationMs float64) (model.TaskStats, error)
	GetFlowStats(ctx context.Context, flow string) (model.FlowStats, bool, error)
	UpdateFlowStats(ctx context.Context, flow string, durationMs float64) (model.FlowStats, error)
	DeleteStatsForFlow(ctx context.Context, flow string) error
	SaveLearnedStructure(ctx context.Context, ls model.LearnedStructure) error
	GetLearnedStructure(ctx context.Context, flow string) (model.LearnedStructure, bool, error)
}

// ReportRequester is invoked whenever a run reaches a terminal state and a
// report should be (re)generated. The boundary supplies the concrete
// implementation; the engine never writes report files itself.
type ReportRequester interface {
	RequestReport(run model.FlowRun)
}

// noopReporter satisfies ReportRequester when no reporter is wired.
type noopReporter struct{}

func (noopReporter) RequestReport(model.FlowRun) {}

// FlowEngine is the single-writer state machine for flows and runs. All
// mutating operations acquire mu for the duration of one logical operation;
// getters take the read lock (spec §5).
type FlowEngine struct {
	mu sync.RWMutex

	store    Store
	dispatch *dispatch.Dispatcher
	reporter ReportRequester
	log      *slog.Logger

	flows map[string]model.FlowDefinition // flowID -> definition, library is single-shot
	runs  []model.FlowRun                 // newest-first

	subs   []chan struct{}
	subsMu sync.Mutex

	tracer trace.Tracer

	transitionsTerminal metric.Int64Counter
	transitionsIgnored  metric.Int64Counter
	outliersFlagged     metric.Int64Counter
	restartRecoveries   metric.Int64Counter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures New.
type Option func(*FlowEngine)

// WithReporter wires a ReportRequester; without it, report requests are dropped.
func WithReporter(r ReportRequester) Option {
	return func(e *FlowEngine) { e.reporter = r }
}

// New constructs a FlowEngine. Call Start to load persisted state and begin
// the tick/heartbeat loops.
func New(store Store, d *dispatch.Dispatcher, meter metric.Meter, log *slog.Logger, opts ...Option) *FlowEngine {
	transitionsTerminal, _ := meter.Int64Counter("flowforge_engine_terminal_transitions_total")
	transitionsIgnored, _ := meter.Int64Counter("flowforge_engine_ignored_transitions_total")
	outliersFlagged, _ := meter.Int64Counter("flowforge_engine_outliers_flagged_total")
	restartRecoveries, _ := meter.Int64Counter("flowforge_engine_restart_recoveries_total")

	e := &FlowEngine{
		store:               store,
		dispatch:            d,
		reporter:            noopReporter{},
		log:                 log,
		flows:               make(map[string]model.FlowDefinition),
		tracer:              otel.Tracer("flowforge-engine"),
		transitionsTerminal: transitionsTerminal,
		transitionsIgnored:  transitionsIgnored,
		outliersFlagged:     outliersFlagged,
		restartRecoveries:   restartRecoveries,
		stopCh:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start loads flows and runs from Store and recovers any run left
// non-terminal by a prior crashed process (spec §4.4.1), then launches the
// tick and heartbeat loops.
func (e *FlowEngine) Start(ctx context.Context) error {
	defs, err := e.store.LoadAllFlows(ctx)
	if err != nil {
		return fmt.Errorf("load flows: %w", err)
	}
	runs, err := e.store.LoadAllRuns(ctx)
	if err != nil {
		return fmt.Errorf("load runs: %w", err)
	}

	e.mu.Lock()
	for _, def := range defs {
		e.flows[def.FlowID] = def
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartTime.After(runs[j].StartTime) })
	e.runs = runs
	e.mu.Unlock()

	e.recoverStuckRuns(ctx)

	e.wg.Add(2)
	go e.tickLoop(ctx)
	go e.heartbeatLoop(ctx)
	return nil
}

// Shutdown stops the tick and heartbeat loops and waits for them to exit.
func (e *FlowEngine) Shutdown() {
	close(e.stopCh)
	e.wg.Wait()
}

// recoverStuckRuns implements the restart-recovery invariant (spec §4.4.1,
// §8): a run left Pending/Running belonged to a process that is gone.
func (e *FlowEngine) recoverStuckRuns(ctx context.Context) {
	e.mu.Lock()
	var recovered []model.FlowRun
	now := time.Now()
	for i := range e.runs {
		run := &e.runs[i]
		if run.State.IsTerminal() {
			continue
		}
		run.State = model.StateFailed
		run.EndTime = &now
		for j := range run.Tasks {
			if !run.Tasks[j].State.IsTerminal() {
				run.Tasks[j].State = model.StateFailed
				run.Tasks[j].EndTime = &now
			}
		}
		run.Logs = append(run.Logs, model.LogEntry{Timestamp: now, Message: "server restarted"})
		recovered = append(recovered, *run)
	}
	e.mu.Unlock()

	for _, run := range recovered {
		if err := e.store.SaveRun(ctx, run); err != nil {
			e.log.Error("persist recovered run failed", "runId", run.RunID, "error", err)
		}
		e.reporter.RequestReport(run)
		e.restartRecoveries.Add(ctx, 1)
	}
	if len(recovered) > 0 {
		e.log.Warn("recovered stuck runs on startup", "count", len(recovered))
	}
	e.notify()
}

// ---------------------------------------------------------------------------
// Flow registration
// ---------------------------------------------------------------------------

// RegisterFlow upserts a FlowDefinition by name, idempotently (spec §4.4.2).
func (e *FlowEngine) RegisterFlow(ctx context.Context, payload RegisterPayload) (model.FlowDefinition, error) {
	if payload.Name == "" {
		return model.FlowDefinition{}, fmt.Errorf("%w: name required", ErrValidation)
	}

	_, span := e.tracer.Start(ctx, "engine.register_flow", trace.WithAttributes(attribute.String("flow.name", payload.Name)))
	defer span.End()

	e.mu.Lock()
	for _, existing := range e.flows {
		if existing.Name == payload.Name {
			e.mu.Unlock()
			return existing, nil // idempotent
		}
	}

	tasks := make([]model.TaskDefinition, len(payload.Tasks))
	ests := make([]float64, len(payload.Tasks))
	var total float64
	for i, t := range payload.Tasks {
		est := float64(t.EstimatedTime)
		if est <= 0 {
			est = defaultEstimatedMs
		}
		if st, found, err := e.store.GetTaskStats(ctx, payload.Name, t.Name); err == nil && found && st.SampleCount >= 2 {
			est = math.Round(st.AvgMs)
		}
		ests[i] = est
		total += est
		tasks[i] = model.TaskDefinition{
			TaskID:        uuid.NewString(),
			Name:          t.Name,
			Description:   t.Description,
			EstimatedTime: int64(est),
			CrucialPass:   t.CrucialPass,
		}
	}
	assignWeights(tasks, ests, total)

	def := model.FlowDefinition{
		FlowID:      uuid.NewString(),
		Name:        payload.Name,
		Description: payload.Description,
		Tags:        payload.Tags,
		Tasks:       tasks,
		CreatedAt:   time.Now(),
	}
	e.flows[def.FlowID] = def
	e.mu.Unlock()

	if err := e.store.SaveFlow(ctx, def); err != nil {
		e.log.Error("persist registered flow failed", "flowId", def.FlowID, "error", err)
	}
	e.notify()
	return def, nil
}

// assignWeights sets weight_i = est_i / total, falling back to a uniform
// split when total is zero (spec §4.4.2, §3 weight invariant).
func assignWeights(tasks []model.TaskDefinition, ests []float64, total float64) {
	n := len(tasks)
	if n == 0 {
		return
	}
	if total <= 0 {
		for i := range tasks {
			tasks[i].Weight = 1.0 / float64(n)
		}
		return
	}
	for i := range tasks {
		tasks[i].Weight = ests[i] / total
	}
}

// ---------------------------------------------------------------------------
// Triggering
// ---------------------------------------------------------------------------

// TriggerFlow constructs a run and enqueues a dispatch request.
func (e *FlowEngine) TriggerFlow(ctx context.Context, flowID, configuration, clientColor, clientName string) (string, error) {
	run, err := e.constructRun(ctx, flowID, configuration, clientColor, clientName)
	if err != nil {
		return "", err
	}
	e.dispatch.Enqueue(ctx, dispatch.Request{RunID: run.RunID, FlowName: run.FlowName, Configuration: configuration})
	return run.RunID, nil
}

// CreateRun constructs a run without dispatching (the worker initiated it itself).
func (e *FlowEngine) CreateRun(ctx context.Context, flowID, configuration, clientColor, clientName string) (string, error) {
	run, err := e.constructRun(ctx, flowID, configuration, clientColor, clientName)
	if err != nil {
		return "", err
	}
	return run.RunID, nil
}

// constructRun implements the shared logic of spec §4.4.3.
func (e *FlowEngine) constructRun(ctx context.Context, flowID, configuration, clientColor, clientName string) (model.FlowRun, error) {
	e.mu.Lock()
	def, ok := e.flows[flowID]
	if !ok {
		e.mu.Unlock()
		return model.FlowRun{}, ErrNotFound
	}

	type taskSpec struct {
		name string
		est  int64
	}
	var specs []taskSpec
	if ls, found, _ := e.store.GetLearnedStructure(ctx, def.Name); found && len(ls.Tasks) > 0 {
		for _, t := range ls.Tasks {
			specs = append(specs, taskSpec{name: t.Name, est: t.EstimatedTime})
		}
	} else {
		for _, t := range def.Tasks {
			specs = append(specs, taskSpec{name: t.Name, est: t.EstimatedTime})
		}
	}
	for i, sp := range specs {
		if st, found, err := e.store.GetTaskStats(ctx, def.Name, sp.name); err == nil && found && st.SampleCount >= 2 {
			specs[i].est = int64(math.Round(st.AvgMs))
		}
	}

	ests := make([]float64, len(specs))
	var total float64
	for i, sp := range specs {
		ests[i] = float64(sp.est)
		total += ests[i]
	}

	now := time.Now()
	taskRuns := make([]model.TaskRun, len(specs))
	weights := make([]float64, len(specs))
	for i, sp := range specs {
		w := 0.0
		if total > 0 {
			w = ests[i] / total
		} else if len(specs) > 0 {
			w = 1.0 / float64(len(specs))
		}
		weights[i] = w
		taskRuns[i] = model.TaskRun{
			TaskRunID:     uuid.NewString(),
			Name:          sp.name,
			State:         model.StatePending,
			Weight:        w,
			EstimatedTime: sp.est,
		}
	}

	run := model.FlowRun{
		RunID:       uuid.NewString(),
		FlowID:      def.FlowID,
		FlowName:    def.Name,
		State:       model.StateRunning,
		StartTime:   now,
		Configuration: configuration,
		Tags:        def.Tags,
		Tasks:       taskRuns,
		Progress:    0,
		ClientColor: clientColor,
		ClientName:  clientName,
	}

	e.runs = append([]model.FlowRun{run}, e.runs...)
	delete(e.flows, flowID) // library entries are single-shot
	e.mu.Unlock()

	if err := e.store.SaveRun(ctx, run); err != nil {
		e.log.Error("persist new run failed", "runId", run.RunID, "error", err)
	}
	if err := e.store.DeleteFlow(ctx, flowID); err != nil {
		e.log.Error("remove consumed flow definition failed", "flowId", flowID, "error", err)
	}
	e.notify()
	return run, nil
}

// ---------------------------------------------------------------------------
// Task state updates
// ---------------------------------------------------------------------------

// UpdateTaskState applies an incoming task-state update (spec §4.4.4).
// Returns (ignored=true, nil) when the target slot was already terminal.
func (e *FlowEngine) UpdateTaskState(ctx context.Context, runID string, taskIndex int, upd TaskUpdate) (ignored bool, err error) {
	newState, ok := model.NormalizeState(upd.State)
	if !ok {
		return false, fmt.Errorf("%w: unrecognized state %q", ErrValidation, upd.State)
	}

	e.mu.Lock()
	idx := e.findRunIndex(runID)
	if idx < 0 {
		e.mu.Unlock()
		return false, ErrNotFound
	}
	run := &e.runs[idx]

	if taskIndex >= len(run.Tasks) {
		if upd.TaskName == "" {
			e.mu.Unlock()
			return false, fmt.Errorf("%w: taskIndex %d beyond list without taskName", ErrValidation, taskIndex)
		}
		e.growTaskList(ctx, run, taskIndex, upd)
	}

	task := &run.Tasks[taskIndex]
	if task.State.IsTerminal() {
		e.mu.Unlock()
		e.transitionsIgnored.Add(ctx, 1)
		e.log.Debug("ignored update to terminal task slot", "runId", runID, "taskIndex", taskIndex)
		return true, nil
	}

	if upd.TaskName != "" && upd.TaskName != task.Name {
		task.Name = upd.TaskName
	}
	if upd.CrucialPass != nil {
		task.CrucialPass = *upd.CrucialPass
	}

	now := time.Now()
	switch newState {
	case model.StateRunning:
		if task.StartTime == nil {
			task.StartTime = &now
			if upd.Progress != nil {
				task.Progress = *upd.Progress
			}
		}
		task.State = model.StateRunning
		elapsed := now.Sub(*task.StartTime).Seconds() * 1000
		if task.EstimatedTime > 0 {
			task.Progress = math.Min(99, 100*elapsed/float64(task.EstimatedTime))
		}
		e.applyOutlierCheck(ctx, run.FlowName, task, elapsed)

	case model.StateCompleted:
		task.State = model.StateCompleted
		task.EndTime = &now
		task.Progress = 100
		if upd.Result != nil {
			task.Result = upd.Result
		}
		duration := upd.DurationMs
		if duration == nil && task.StartTime != nil {
			d := now.Sub(*task.StartTime).Milliseconds()
			duration = &d
		}
		if duration != nil {
			task.DurationMs = *duration
			e.finalizeTaskDuration(ctx, run.FlowName, task, float64(*duration))
		}
		e.transitionsTerminal.Add(ctx, 1)

	case model.StateFailed:
		task.State = model.StateFailed
		task.EndTime = &now
		e.transitionsTerminal.Add(ctx, 1)

	case model.StatePending:
		task.State = model.StatePending
	}

	anyFailed := false
	for i := range run.Tasks {
		if run.Tasks[i].State == model.StateFailed {
			anyFailed = true
			break
		}
	}
	if anyFailed {
		run.State = model.StateFailed
		run.EndTime = &now
	} else {
		run.Progress = weightedProgress(run.Tasks)
	}
	runCopy := *run
	e.mu.Unlock()

	if err := e.store.SaveRun(ctx, runCopy); err != nil {
		e.log.Error("persist task update failed", "runId", runID, "error", err)
	}
	if anyFailed {
		e.reporter.RequestReport(runCopy)
	}
	e.notify()
	return false, nil
}

// growTaskList appends padding slots up to and including taskIndex. Caller
// must hold e.mu. Every intermediate padding slot (every index strictly
// before taskIndex that didn't already exist) receives identical
// placeholder attributes, including TaskRunID: preserved source behavior,
// not a design choice (spec §9) — the worker jumping ahead without ever
// reporting the skipped slots is the one situation where this engine
// deliberately creates TaskRuns that share an ID. The slot at taskIndex
// itself is the real task named by the update and gets its own ID.
func (e *FlowEngine) growTaskList(ctx context.Context, run *model.FlowRun, taskIndex int, upd TaskUpdate) {
	paddingID := uuid.NewString()
	for len(run.Tasks) <= taskIndex {
		name := "pending-task"
		est := int64(defaultEstimatedMs)
		id := paddingID
		if len(run.Tasks) == taskIndex {
			name = upd.TaskName
			id = uuid.NewString()
			if upd.EstimatedTime != nil {
				est = *upd.EstimatedTime
			}
			if st, found, err := e.store.GetTaskStats(ctx, run.FlowName, name); err == nil && found && st.SampleCount >= 2 {
				est = int64(math.Round(st.AvgMs))
			}
		}
		run.Tasks = append(run.Tasks, model.TaskRun{
			TaskRunID:     id,
			Name:          name,
			State:         model.StatePending,
			EstimatedTime: est,
		})
	}
	recomputeTaskRunWeights(run.Tasks)
}

func recomputeTaskRunWeights(tasks []model.TaskRun) {
	var total float64
	for _, t := range tasks {
		total += float64(t.EstimatedTime)
	}
	n := len(tasks)
	for i := range tasks {
		if total > 0 {
			tasks[i].Weight = float64(tasks[i].EstimatedTime) / total
		} else if n > 0 {
			tasks[i].Weight = 1.0 / float64(n)
		}
	}
}

// applyOutlierCheck toggles PerformanceWarning on an in-flight task without
// touching TaskStats (spec §4.4.4, §4.4.7).
func (e *FlowEngine) applyOutlierCheck(ctx context.Context, flowName string, task *model.TaskRun, elapsedMs float64) {
	st, found, err := e.store.GetTaskStats(ctx, flowName, task.Name)
	if err != nil || !found {
		task.PerformanceWarning = nil
		return
	}
	warning := stats.DetectOutlier(elapsedMs, st.AvgMs, st.StdDev(), st.SampleCount, model.SensitivityNormal)
	task.PerformanceWarning = warning
	if warning != nil {
		e.outliersFlagged.Add(ctx, 1)
	}
}

// finalizeTaskDuration implements the completion-time outlier/statistics
// policy of spec §4.2/§4.4.4.
func (e *FlowEngine) finalizeTaskDuration(ctx context.Context, flowName string, task *model.TaskRun, durationMs float64) {
	st, found, err := e.store.GetTaskStats(ctx, flowName, task.Name)
	if err == nil && found {
		if warning := stats.DetectOutlier(durationMs, st.AvgMs, st.StdDev(), st.SampleCount, model.SensitivityNormal); warning != nil {
			task.PerformanceWarning = warning
			e.outliersFlagged.Add(ctx, 1)
			return
		}
	}
	task.PerformanceWarning = nil
	if _, err := e.store.UpdateTaskStats(ctx, flowName, task.Name, durationMs); err != nil {
		e.log.Error("update task stats failed", "flow", flowName, "task", task.Name, "error", err)
	}
}

// weightedProgress implements spec §4.4.6.
func weightedProgress(tasks []model.TaskRun) float64 {
	var weighted, totalWeight float64
	for _, t := range tasks {
		p := 0.0
		switch t.State {
		case model.StateCompleted:
			p = 100
		case model.StateRunning, model.StateFailed:
			p = t.Progress
		}
		weighted += t.Weight * p
		totalWeight += t.Weight
	}
	if totalWeight <= 0 {
		return 0
	}
	return math.Floor(weighted / totalWeight)
}

// ---------------------------------------------------------------------------
// Flow completion
// ---------------------------------------------------------------------------

// CompleteFlow implements spec §4.4.5.
func (e *FlowEngine) CompleteFlow(ctx context.Context, runID string, actualTaskCount int) error {
	e.mu.Lock()
	idx := e.findRunIndex(runID)
	if idx < 0 {
		e.mu.Unlock()
		return ErrNotFound
	}
	run := &e.runs[idx]

	if actualTaskCount >= 0 && actualTaskCount < len(run.Tasks) {
		run.Tasks = run.Tasks[:actualTaskCount]
		recomputeTaskRunWeights(run.Tasks)
	}

	now := time.Now()
	allCompleted := len(run.Tasks) > 0
	anyFailed := false
	for _, t := range run.Tasks {
		if t.State == model.StateFailed {
			anyFailed = true
		}
		if t.State != model.StateCompleted {
			allCompleted = false
		}
	}

	var learned *model.LearnedStructure
	switch {
	case anyFailed:
		run.State = model.StateFailed
		if run.EndTime == nil {
			run.EndTime = &now
		}
	case allCompleted:
		run.State = model.StateCompleted
		run.Progress = 100
		if run.EndTime == nil {
			run.EndTime = &now
		}
		hasWarning := false
		for _, t := range run.Tasks {
			if t.PerformanceWarning != nil {
				hasWarning = true
				break
			}
		}
		if !hasWarning {
			durationMs := run.EndTime.Sub(run.StartTime).Seconds() * 1000
			if _, err := e.store.UpdateFlowStats(ctx, run.FlowName, durationMs); err != nil {
				e.log.Error("update flow stats failed", "flow", run.FlowName, "error", err)
			}
		}
		ls := model.LearnedStructure{FlowName: run.FlowName}
		for _, t := range run.Tasks {
			est := t.DurationMs
			if est == 0 {
				est = t.EstimatedTime
			}
			ls.Tasks = append(ls.Tasks, model.LearnedTask{Name: t.Name, EstimatedTime: est})
		}
		learned = &ls
	}

	runCopy := *run
	e.mu.Unlock()

	if err := e.store.SaveRun(ctx, runCopy); err != nil {
		e.log.Error("persist completed run failed", "runId", runID, "error", err)
	}
	if learned != nil {
		if err := e.store.SaveLearnedStructure(ctx, *learned); err != nil {
			e.log.Error("persist learned structure failed", "flow", learned.FlowName, "error", err)
		}
	}
	if runCopy.State.IsTerminal() {
		e.reporter.RequestReport(runCopy)
		e.transitionsTerminal.Add(ctx, 1)
	}
	e.notify()
	return nil
}

// ---------------------------------------------------------------------------
// Logs
// ---------------------------------------------------------------------------

// AppendLog appends a system/user log line to a run's flow-level log sequence.
func (e *FlowEngine) AppendLog(ctx context.Context, runID, message string) error {
	e.mu.Lock()
	idx := e.findRunIndex(runID)
	if idx < 0 {
		e.mu.Unlock()
		return ErrNotFound
	}
	e.runs[idx].Logs = append(e.runs[idx].Logs, model.LogEntry{Timestamp: time.Now(), Message: message})
	runCopy := e.runs[idx]
	e.mu.Unlock()

	if err := e.store.SaveRun(ctx, runCopy); err != nil {
		e.log.Error("persist log append failed", "runId", runID, "error", err)
	}
	e.notify()
	return nil
}

// ---------------------------------------------------------------------------
// Stop-all
// ---------------------------------------------------------------------------

// FailAllRunning implements spec §4.4.8.
func (e *FlowEngine) FailAllRunning(ctx context.Context, reason string) {
	e.mu.Lock()
	now := time.Now()
	var affected []model.FlowRun
	for i := range e.runs {
		run := &e.runs[i]
		if run.State != model.StatePending && run.State != model.StateRunning {
			continue
		}
		run.State = model.StateFailed
		run.EndTime = &now
		for j := range run.Tasks {
			if run.Tasks[j].State == model.StateRunning {
				run.Tasks[j].State = model.StateFailed
				run.Tasks[j].EndTime = &now
			}
		}
		run.Logs = append(run.Logs, model.LogEntry{Timestamp: now, Message: reason})
		affected = append(affected, *run)
	}
	e.mu.Unlock()

	for _, run := range affected {
		if err := e.store.SaveRun(ctx, run); err != nil {
			e.log.Error("persist stopped run failed", "runId", run.RunID, "error", err)
		}
		e.reporter.RequestReport(run)
		e.transitionsTerminal.Add(ctx, 1)
	}
	if len(affected) > 0 {
		e.notify()
	}
}

// ---------------------------------------------------------------------------
// Delete run
// ---------------------------------------------------------------------------

// DeleteRun implements spec §4.4.9.
func (e *FlowEngine) DeleteRun(ctx context.Context, runID string) error {
	e.mu.Lock()
	idx := e.findRunIndex(runID)
	if idx < 0 {
		e.mu.Unlock()
		return ErrNotFound
	}
	run := e.runs[idx]
	if !run.State.IsTerminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: run %s is not terminal", ErrValidation, runID)
	}
	e.runs = append(e.runs[:idx], e.runs[idx+1:]...)
	remaining := 0
	for _, r := range e.runs {
		if r.FlowName == run.FlowName {
			remaining++
		}
	}
	e.mu.Unlock()

	if err := e.store.DeleteRun(ctx, runID); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if remaining == 0 {
		if err := e.store.DeleteStatsForFlow(ctx, run.FlowName); err != nil {
			e.log.Error("purge stats for drained flow failed", "flow", run.FlowName, "error", err)
		}
	}
	e.notify()
	return nil
}

// ---------------------------------------------------------------------------
// Getters
// ---------------------------------------------------------------------------

func (e *FlowEngine) findRunIndex(runID string) int {
	for i := range e.runs {
		if e.runs[i].RunID == runID {
			return i
		}
	}
	return -1
}

// ListFlows returns a snapshot of the flow library.
func (e *FlowEngine) ListFlows() []model.FlowDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.FlowDefinition, 0, len(e.flows))
	for _, f := range e.flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ListRuns returns a snapshot of all runs, newest startTime first.
func (e *FlowEngine) ListRuns() []model.FlowRun {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.FlowRun, len(e.runs))
	copy(out, e.runs)
	return out
}

// GetRun returns a snapshot of one run by ID.
func (e *FlowEngine) GetRun(runID string) (model.FlowRun, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx := e.findRunIndex(runID)
	if idx < 0 {
		return model.FlowRun{}, false
	}
	return e.runs[idx], true
}

// ---------------------------------------------------------------------------
// State-change fan-out (spec §4.4.10, §9)
// ---------------------------------------------------------------------------

// Subscribe returns a channel that receives a zero-byte signal after every
// mutation. The channel is buffered; slow subscribers drop signals rather
// than block the engine.
func (e *FlowEngine) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	e.subsMu.Lock()
	e.subs = append(e.subs, ch)
	e.subsMu.Unlock()
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe.
func (e *FlowEngine) Unsubscribe(ch <-chan struct{}) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for i, c := range e.subs {
		if c == ch {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

// notify buffers a signal to every subscriber without blocking. It must
// never be called while mu is held, to avoid a subscriber re-entering the
// engine under the same goroutine and deadlocking (spec §9).
func (e *FlowEngine) notify() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// ---------------------------------------------------------------------------
// Tick and heartbeat loops (spec §4.4.7, §5)
// ---------------------------------------------------------------------------

const tickInterval = 100 * time.Millisecond
const heartbeatCheckInterval = 1 * time.Second

func (e *FlowEngine) tickLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.tick(ctx)
		case <-e.stopCh:
			return
		}
	}
}

// tick re-evaluates outlier status for every in-flight task (spec §4.4.7).
// It never writes to Store; warnings persist on the next rollup save.
func (e *FlowEngine) tick(ctx context.Context) {
	e.mu.Lock()
	changed := false
	now := time.Now()
	for i := range e.runs {
		run := &e.runs[i]
		if run.State != model.StateRunning {
			continue
		}
		for j := range run.Tasks {
			task := &run.Tasks[j]
			if task.State != model.StateRunning || task.StartTime == nil {
				continue
			}
			elapsed := now.Sub(*task.StartTime).Seconds() * 1000
			before := task.PerformanceWarning
			e.applyOutlierCheck(ctx, run.FlowName, task, elapsed)
			if (before == nil) != (task.PerformanceWarning == nil) {
				changed = true
			}
		}
	}
	e.mu.Unlock()

	if changed {
		e.notify()
	}
}

func (e *FlowEngine) heartbeatLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(heartbeatCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if e.dispatch.LivenessTick() {
				e.log.Warn("worker heartbeat lost, failing all in-flight runs")
				e.FailAllRunning(ctx, "Lost connection")
			}
		case <-e.stopCh:
			return
		}
	}
}
