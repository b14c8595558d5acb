package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/flowforge/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	mp := noopmetric.MeterProvider{}
	s, err := Open(filepath.Join(dir, "test.db"), mp.Meter("test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveFlowAndLoadAllFlows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := model.FlowDefinition{
		FlowID: "f1",
		Name:   "nightly-build",
		Tasks: []model.TaskDefinition{
			{TaskID: "t1", Name: "compile", Weight: 1},
			{TaskID: "t2", Name: "test", Weight: 2},
		},
		CreatedAt: time.Now(),
	}
	if err := s.SaveFlow(ctx, def); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}

	flows, err := s.LoadAllFlows(ctx)
	if err != nil {
		t.Fatalf("LoadAllFlows: %v", err)
	}
	if len(flows) != 1 || flows[0].FlowID != "f1" || len(flows[0].Tasks) != 2 {
		t.Fatalf("got %+v, want one flow with 2 tasks", flows)
	}

	loaded, found, err := s.GetFlowByName(ctx, "nightly-build")
	if err != nil || !found || loaded.FlowID != "f1" {
		t.Fatalf("GetFlowByName: loaded=%+v found=%v err=%v", loaded, found, err)
	}
}

func TestDeleteFlowRemovesNameIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := model.FlowDefinition{FlowID: "f1", Name: "n1", CreatedAt: time.Now()}
	if err := s.SaveFlow(ctx, def); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}
	if err := s.DeleteFlow(ctx, "f1"); err != nil {
		t.Fatalf("DeleteFlow: %v", err)
	}
	if _, found, _ := s.GetFlowByName(ctx, "n1"); found {
		t.Fatal("expected name index to be cleared after delete")
	}
}

func TestSaveRunRoundTripsTasksAndLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Now()
	run := model.FlowRun{
		RunID:     "r1",
		FlowID:    "f1",
		FlowName:  "nightly-build",
		State:     model.StateRunning,
		StartTime: start,
		Tasks: []model.TaskRun{
			{TaskRunID: "t1", Name: "compile", State: model.StateCompleted, DurationMs: 1200},
			{TaskRunID: "t2", Name: "test", State: model.StateRunning},
		},
		Logs: []model.LogEntry{
			{Timestamp: start, Message: "run started"},
		},
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	loaded, found, err := s.GetRun(ctx, "r1")
	if err != nil || !found {
		t.Fatalf("GetRun: found=%v err=%v", found, err)
	}
	if len(loaded.Tasks) != 2 || loaded.Tasks[0].Name != "compile" {
		t.Fatalf("got tasks %+v", loaded.Tasks)
	}
	if len(loaded.Logs) != 1 || loaded.Logs[0].Message != "run started" {
		t.Fatalf("got logs %+v", loaded.Logs)
	}

	// Re-save with fewer tasks: delete-then-insert must drop the stale second row.
	run.Tasks = run.Tasks[:1]
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun (update): %v", err)
	}
	loaded, _, _ = s.GetRun(ctx, "r1")
	if len(loaded.Tasks) != 1 {
		t.Fatalf("after shrink, got %d tasks, want 1", len(loaded.Tasks))
	}
}

func TestDeleteRunRemovesChildrenAndIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := model.FlowRun{
		RunID:     "r1",
		FlowName:  "n1",
		State:     model.StateCompleted,
		StartTime: time.Now(),
		Tasks:     []model.TaskRun{{TaskRunID: "t1", Name: "a"}},
		Logs:      []model.LogEntry{{Timestamp: time.Now(), Message: "x"}},
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if err := s.DeleteRun(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, found, _ := s.GetRun(ctx, "r1"); found {
		t.Fatal("run should be gone")
	}
	durations, err := s.FlowHistory(ctx, "n1", 10)
	if err != nil || len(durations) != 0 {
		t.Fatalf("FlowHistory after delete: %+v, err=%v", durations, err)
	}
}

func TestUpdateTaskStatsAccumulatesWelford(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var last model.TaskStats
	for _, d := range []float64{1000, 1050, 950} {
		var err error
		last, err = s.UpdateTaskStats(ctx, "flowA", "compile", d)
		if err != nil {
			t.Fatalf("UpdateTaskStats: %v", err)
		}
	}
	if last.SampleCount != 3 {
		t.Fatalf("sample count = %d, want 3", last.SampleCount)
	}
	if last.AvgMs < 999 || last.AvgMs > 1001 {
		t.Fatalf("avg = %v, want ~1000", last.AvgMs)
	}

	fetched, found, err := s.GetTaskStats(ctx, "flowA", "compile")
	if err != nil || !found || fetched.SampleCount != 3 {
		t.Fatalf("GetTaskStats: %+v found=%v err=%v", fetched, found, err)
	}

	all, err := s.GetAllFlowTaskStats(ctx, "flowA")
	if err != nil || len(all) != 1 || all["compile"].SampleCount != 3 {
		t.Fatalf("GetAllFlowTaskStats: %+v err=%v", all, err)
	}
}

func TestDeleteStatsForFlowPurgesTaskAndFlowStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpdateTaskStats(ctx, "flowA", "compile", 1000); err != nil {
		t.Fatalf("UpdateTaskStats: %v", err)
	}
	if _, err := s.UpdateFlowStats(ctx, "flowA", 5000); err != nil {
		t.Fatalf("UpdateFlowStats: %v", err)
	}
	if err := s.DeleteStatsForFlow(ctx, "flowA"); err != nil {
		t.Fatalf("DeleteStatsForFlow: %v", err)
	}
	if _, found, _ := s.GetTaskStats(ctx, "flowA", "compile"); found {
		t.Fatal("task stats should be purged")
	}
	if _, found, _ := s.GetFlowStats(ctx, "flowA"); found {
		t.Fatal("flow stats should be purged")
	}
}

func TestTaskHistoryScopesToFlowAndOrdersChronologically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	// Two runs of flowA's "compile" task, oldest first.
	mustSaveRun(t, s, model.FlowRun{
		RunID: "a1", FlowName: "flowA", State: model.StateCompleted, StartTime: base,
		Tasks: []model.TaskRun{{TaskRunID: "t1", Name: "compile", State: model.StateCompleted, DurationMs: 1000}},
	})
	mustSaveRun(t, s, model.FlowRun{
		RunID: "a2", FlowName: "flowA", State: model.StateCompleted, StartTime: base.Add(time.Second),
		Tasks: []model.TaskRun{{TaskRunID: "t1", Name: "compile", State: model.StateCompleted, DurationMs: 2000}},
	})
	// A different flow with an identically-named task: must not contaminate flowA's history.
	mustSaveRun(t, s, model.FlowRun{
		RunID: "b1", FlowName: "flowB", State: model.StateCompleted, StartTime: base.Add(2 * time.Second),
		Tasks: []model.TaskRun{{TaskRunID: "t1", Name: "compile", State: model.StateCompleted, DurationMs: 9999}},
	})

	durations, err := s.TaskHistory(ctx, "flowA", "compile", 10)
	if err != nil {
		t.Fatalf("TaskHistory: %v", err)
	}
	want := []float64{1000, 2000}
	if len(durations) != len(want) {
		t.Fatalf("durations = %v, want %v", durations, want)
	}
	for i := range want {
		if durations[i] != want[i] {
			t.Fatalf("durations = %v, want %v (oldest first)", durations, want)
		}
	}
}

func mustSaveRun(t *testing.T, s *Store, run model.FlowRun) {
	t.Helper()
	if err := s.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("SaveRun(%s): %v", run.RunID, err)
	}
}

func TestLearnedStructureRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ls := model.LearnedStructure{
		FlowName: "nightly-build",
		Tasks: []model.LearnedTask{
			{Name: "compile", EstimatedTime: 1200},
			{Name: "test", EstimatedTime: 3000},
		},
	}
	if err := s.SaveLearnedStructure(ctx, ls); err != nil {
		t.Fatalf("SaveLearnedStructure: %v", err)
	}
	loaded, found, err := s.GetLearnedStructure(ctx, "nightly-build")
	if err != nil || !found || len(loaded.Tasks) != 2 {
		t.Fatalf("GetLearnedStructure: %+v found=%v err=%v", loaded, found, err)
	}
}

func TestOpenCreatesParentlessFileAndIsReopenable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reopen.db")
	mp := noopmetric.MeterProvider{}

	s1, err := Open(path, mp.Meter("test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.SaveFlow(context.Background(), model.FlowDefinition{FlowID: "f1", Name: "n1"}); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file missing: %v", err)
	}

	s2, err := Open(path, mp.Meter("test"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	flows, err := s2.LoadAllFlows(context.Background())
	if err != nil || len(flows) != 1 {
		t.Fatalf("after reopen, LoadAllFlows = %+v, err=%v", flows, err)
	}
}
