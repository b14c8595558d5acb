// Package store provides durable persistence for flows, runs, tasks, logs,
// statistics, and learned structures over an embedded bbolt database (spec
// §4.1). All writes are serialized through bbolt's single-writer
// transactions; reads may proceed concurrently.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/flowforge/internal/model"
)

var (
	bucketFlows       = []byte("flows")
	bucketFlowNames   = []byte("flow_names")
	bucketFlowRuns    = []byte("flow_runs")
	bucketTaskRuns    = []byte("task_runs")
	bucketRunLogs     = []byte("run_logs")
	bucketTaskStats   = []byte("task_statistics")
	bucketFlowStats   = []byte("flow_statistics")
	bucketLearned     = []byte("learned_structures")
	bucketRunIndex    = []byte("run_index")
)

var allBuckets = [][]byte{
	bucketFlows, bucketFlowNames, bucketFlowRuns, bucketTaskRuns,
	bucketRunLogs, bucketTaskStats, bucketFlowStats, bucketLearned,
	bucketRunIndex,
}

// Store is the durable persistence layer backing FlowEngine. It also keeps
// write-failure metrics (spec §9 open question: persistence errors are
// logged and surfaced to a metric, never rolled back in memory).
type Store struct {
	db *bbolt.DB
	mu sync.Mutex // serializes writes explicitly, on top of bbolt's own writer lock

	writeFailures metric.Int64Counter
	readLatency   metric.Float64Histogram
	writeLatency  metric.Float64Histogram
}

// Open opens (creating if necessary) the bbolt database at path and ensures
// all buckets exist. Bucket creation is idempotent, satisfying the additive
// schema-evolution requirement of spec §4.1/§6.
func Open(path string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	writeFailures, _ := meter.Int64Counter("flowforge_store_write_failures_total")
	readLatency, _ := meter.Float64Histogram("flowforge_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("flowforge_store_write_ms")

	return &Store{
		db:            db,
		writeFailures: writeFailures,
		readLatency:   readLatency,
		writeLatency:  writeLatency,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) recordWriteFailure(ctx context.Context, op string, err error) {
	s.writeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}

// ---------------------------------------------------------------------------
// FlowDefinition
// ---------------------------------------------------------------------------

// SaveFlow upserts a FlowDefinition and its task list atomically. Since flows
// are stored as a single JSON blob, "replacing its children" is implicit in
// one Put.
func (s *Store) SaveFlow(ctx context.Context, def model.FlowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "save_flow")))
	}()

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketFlows).Put([]byte(def.FlowID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketFlowNames).Put([]byte(def.Name), []byte(def.FlowID))
	})
	if err != nil {
		s.recordWriteFailure(ctx, "save_flow", err)
	}
	return err
}

// LoadAllFlows returns every persisted FlowDefinition. Used once at startup.
func (s *Store) LoadAllFlows(ctx context.Context) ([]model.FlowDefinition, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "load_all_flows")))
	}()

	var defs []model.FlowDefinition
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFlows).ForEach(func(k, v []byte) error {
			var def model.FlowDefinition
			if err := json.Unmarshal(v, &def); err != nil {
				return nil // skip corrupt entries rather than abort startup
			}
			defs = append(defs, def)
			return nil
		})
	})
	return defs, err
}

// GetFlowByName looks up the live FlowDefinition for name, if any.
func (s *Store) GetFlowByName(ctx context.Context, name string) (model.FlowDefinition, bool, error) {
	var def model.FlowDefinition
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		flowID := tx.Bucket(bucketFlowNames).Get([]byte(name))
		if flowID == nil {
			return nil
		}
		data := tx.Bucket(bucketFlows).Get(flowID)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &def); err != nil {
			return err
		}
		found = true
		return nil
	})
	return def, found, err
}

// DeleteFlow removes a FlowDefinition from the library (e.g. because a
// trigger consumed it).
func (s *Store) DeleteFlow(ctx context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFlows).Get([]byte(flowID))
		if data != nil {
			var def model.FlowDefinition
			if err := json.Unmarshal(data, &def); err == nil {
				if existing := tx.Bucket(bucketFlowNames).Get([]byte(def.Name)); string(existing) == flowID {
					if err := tx.Bucket(bucketFlowNames).Delete([]byte(def.Name)); err != nil {
						return err
					}
				}
			}
		}
		return tx.Bucket(bucketFlows).Delete([]byte(flowID))
	})
	if err != nil {
		s.recordWriteFailure(ctx, "delete_flow", err)
	}
	return err
}

// ---------------------------------------------------------------------------
// FlowRun
// ---------------------------------------------------------------------------

// SaveRun upserts a run and replaces all of its child task_runs and logs in
// one transaction. Writes to task_runs are always delete-then-insert so the
// row set stays authoritative (spec §4.1).
func (s *Store) SaveRun(ctx context.Context, run model.FlowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "save_run")))
	}()

	// The run metadata blob excludes Tasks/Logs; those live in their own
	// buckets so task_runs can be deleted-then-reinserted independently.
	meta := run
	meta.Tasks = nil
	meta.Logs = nil
	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketFlowRuns).Put([]byte(run.RunID), metaData); err != nil {
			return err
		}

		if err := deleteRunChildren(tx, bucketTaskRuns, run.RunID); err != nil {
			return err
		}
		for i, tr := range run.Tasks {
			trData, err := json.Marshal(tr)
			if err != nil {
				return err
			}
			key := taskRunKey(run.RunID, i)
			if err := tx.Bucket(bucketTaskRuns).Put(key, trData); err != nil {
				return err
			}
		}

		if err := deleteRunChildren(tx, bucketRunLogs, run.RunID); err != nil {
			return err
		}
		for i, l := range run.Logs {
			lData, err := json.Marshal(l)
			if err != nil {
				return err
			}
			key := runLogKey(run.RunID, i)
			if err := tx.Bucket(bucketRunLogs).Put(key, lData); err != nil {
				return err
			}
		}

		indexKey := []byte(fmt.Sprintf("%s:%020d:%s", run.FlowName, run.StartTime.UnixNano(), run.RunID))
		return tx.Bucket(bucketRunIndex).Put(indexKey, []byte(run.RunID))
	})
	if err != nil {
		s.recordWriteFailure(ctx, "save_run", err)
	}
	return err
}

func deleteRunChildren(tx *bbolt.Tx, bucket []byte, runID string) error {
	b := tx.Bucket(bucket)
	prefix := []byte(runID + ":")
	c := b.Cursor()
	var toDelete [][]byte
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		toDelete = append(toDelete, append([]byte(nil), k...))
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func taskRunKey(runID string, index int) []byte {
	return []byte(fmt.Sprintf("%s:%04d", runID, index))
}

func runLogKey(runID string, seq int) []byte {
	return []byte(fmt.Sprintf("%s:%020d", runID, seq))
}

func hasPrefix(data, prefix []byte) bool {
	return len(data) >= len(prefix) && string(data[:len(prefix)]) == string(prefix)
}

// LoadAllRuns returns every persisted FlowRun with its tasks and logs
// reassembled. Used once at startup.
func (s *Store) LoadAllRuns(ctx context.Context) ([]model.FlowRun, error) {
	var runs []model.FlowRun
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFlowRuns).ForEach(func(k, v []byte) error {
			var run model.FlowRun
			if err := json.Unmarshal(v, &run); err != nil {
				return nil
			}
			run.Tasks = loadTaskRuns(tx, run.RunID)
			run.Logs = loadRunLogs(tx, run.RunID)
			runs = append(runs, run)
			return nil
		})
	})
	return runs, err
}

// GetRun loads a single run by ID with its children.
func (s *Store) GetRun(ctx context.Context, runID string) (model.FlowRun, bool, error) {
	var run model.FlowRun
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFlowRuns).Get([]byte(runID))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &run); err != nil {
			return err
		}
		run.Tasks = loadTaskRuns(tx, runID)
		run.Logs = loadRunLogs(tx, runID)
		found = true
		return nil
	})
	return run, found, err
}

func loadTaskRuns(tx *bbolt.Tx, runID string) []model.TaskRun {
	var tasks []model.TaskRun
	b := tx.Bucket(bucketTaskRuns)
	prefix := []byte(runID + ":")
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var tr model.TaskRun
		if err := json.Unmarshal(v, &tr); err == nil {
			tasks = append(tasks, tr)
		}
	}
	return tasks
}

func loadRunLogs(tx *bbolt.Tx, runID string) []model.LogEntry {
	var logs []model.LogEntry
	b := tx.Bucket(bucketRunLogs)
	prefix := []byte(runID + ":")
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var l model.LogEntry
		if err := json.Unmarshal(v, &l); err == nil {
			logs = append(logs, l)
		}
	}
	return logs
}

// DeleteRun removes a run and all of its children.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFlowRuns).Get([]byte(runID))
		if data != nil {
			var run model.FlowRun
			if err := json.Unmarshal(data, &run); err == nil {
				indexKey := []byte(fmt.Sprintf("%s:%020d:%s", run.FlowName, run.StartTime.UnixNano(), run.RunID))
				_ = tx.Bucket(bucketRunIndex).Delete(indexKey)
			}
		}
		if err := deleteRunChildren(tx, bucketTaskRuns, runID); err != nil {
			return err
		}
		if err := deleteRunChildren(tx, bucketRunLogs, runID); err != nil {
			return err
		}
		return tx.Bucket(bucketFlowRuns).Delete([]byte(runID))
	})
	if err != nil {
		s.recordWriteFailure(ctx, "delete_run", err)
	}
	return err
}

// ---------------------------------------------------------------------------
// TaskStats / FlowStats
// ---------------------------------------------------------------------------

func taskStatsKey(flow, task string) []byte {
	return []byte(flow + "|" + task)
}

func (s *Store) GetTaskStats(ctx context.Context, flow, task string) (model.TaskStats, bool, error) {
	var stats model.TaskStats
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTaskStats).Get(taskStatsKey(flow, task))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &stats)
	})
	return stats, found, err
}

// GetAllFlowTaskStats returns every TaskStats for flow, keyed by task name.
func (s *Store) GetAllFlowTaskStats(ctx context.Context, flow string) (map[string]model.TaskStats, error) {
	out := make(map[string]model.TaskStats)
	prefix := []byte(flow + "|")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTaskStats).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var st model.TaskStats
			if err := json.Unmarshal(v, &st); err == nil {
				out[st.TaskName] = st
			}
		}
		return nil
	})
	return out, err
}

// UpdateTaskStats folds durationMs into the (flow,task) Welford accumulator
// using Welford's algorithm, and persists the result.
func (s *Store) UpdateTaskStats(ctx context.Context, flow, task string, durationMs float64) (model.TaskStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated model.TaskStats
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTaskStats)
		key := taskStatsKey(flow, task)

		var cur model.TaskStats
		if data := b.Get(key); data != nil {
			if err := json.Unmarshal(data, &cur); err != nil {
				return err
			}
		} else {
			cur = model.TaskStats{FlowName: flow, TaskName: task}
		}

		newAvg, newM2, newN := welfordSample(cur.AvgMs, cur.M2, cur.SampleCount, durationMs)
		cur.AvgMs, cur.M2, cur.SampleCount = newAvg, newM2, newN
		cur.LastUpdated = time.Now()
		updated = cur

		data, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		s.recordWriteFailure(ctx, "update_task_stats", err)
	}
	return updated, err
}

func (s *Store) GetFlowStats(ctx context.Context, flow string) (model.FlowStats, bool, error) {
	var stats model.FlowStats
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFlowStats).Get([]byte(flow))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &stats)
	})
	return stats, found, err
}

func (s *Store) UpdateFlowStats(ctx context.Context, flow string, durationMs float64) (model.FlowStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated model.FlowStats
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFlowStats)
		key := []byte(flow)

		var cur model.FlowStats
		if data := b.Get(key); data != nil {
			if err := json.Unmarshal(data, &cur); err != nil {
				return err
			}
		} else {
			cur = model.FlowStats{FlowName: flow}
		}

		newAvg, newM2, newN := welfordSample(cur.AvgMs, cur.M2, cur.SampleCount, durationMs)
		cur.AvgMs, cur.M2, cur.SampleCount = newAvg, newM2, newN
		cur.LastUpdated = time.Now()
		updated = cur

		data, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		s.recordWriteFailure(ctx, "update_flow_stats", err)
	}
	return updated, err
}

// DeleteStatsForFlow purges both TaskStats and FlowStats for flow (called
// when a flow's last run is deleted, spec §4.4.9).
func (s *Store) DeleteStatsForFlow(ctx context.Context, flow string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTaskStats)
		prefix := []byte(flow + "|")
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketFlowStats).Delete([]byte(flow))
	})
	if err != nil {
		s.recordWriteFailure(ctx, "delete_stats_for_flow", err)
	}
	return err
}

// ClearAllStats removes every TaskStats and FlowStats entry.
func (s *Store) ClearAllStats(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketTaskStats); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketTaskStats); err != nil {
			return err
		}
		if err := tx.DeleteBucket(bucketFlowStats); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketFlowStats)
		return err
	})
	if err != nil {
		s.recordWriteFailure(ctx, "clear_all_stats", err)
	}
	return err
}

func welfordSample(avg, m2 float64, n int64, x float64) (float64, float64, int64) {
	newN := n + 1
	delta := x - avg
	newAvg := avg + delta/float64(newN)
	delta2 := x - newAvg
	newM2 := m2 + delta*delta2
	return newAvg, newM2, newN
}

// ---------------------------------------------------------------------------
// History queries
// ---------------------------------------------------------------------------

// TaskHistory returns up to limit recent completed durationMs samples
// for (flow,task), oldest first. Runs are found through run_index (scoping
// the scan to flow and giving true chronological order, since task_runs
// keys alone are only runID-ordered) and each run's task_runs are then
// scanned for the matching task name.
func (s *Store) TaskHistory(ctx context.Context, flow, task string, limit int) ([]float64, error) {
	var durations []float64
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := []byte(flow + ":")
		c := tx.Bucket(bucketRunIndex).Cursor()
		var runIDs []string
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			runIDs = append(runIDs, string(v))
		}

		taskRuns := tx.Bucket(bucketTaskRuns)
		for _, runID := range runIDs {
			runPrefix := []byte(runID + ":")
			rc := taskRuns.Cursor()
			for k, v := rc.Seek(runPrefix); k != nil && hasPrefix(k, runPrefix); k, v = rc.Next() {
				var tr model.TaskRun
				if err := json.Unmarshal(v, &tr); err != nil {
					continue
				}
				if tr.Name == task && tr.State == model.StateCompleted {
					durations = append(durations, float64(tr.DurationMs))
				}
			}
		}
		if len(durations) > limit {
			durations = durations[len(durations)-limit:]
		}
		return nil
	})
	return durations, err
}

// FlowHistory returns up to limit recent completed flow durations (ms), oldest first.
func (s *Store) FlowHistory(ctx context.Context, flow string, limit int) ([]float64, error) {
	var durations []float64
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := []byte(flow + ":")
		c := tx.Bucket(bucketRunIndex).Cursor()
		var runIDs []string
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			runIDs = append(runIDs, string(v))
		}
		if len(runIDs) > limit {
			runIDs = runIDs[len(runIDs)-limit:]
		}
		for _, id := range runIDs {
			data := tx.Bucket(bucketFlowRuns).Get([]byte(id))
			if data == nil {
				continue
			}
			var run model.FlowRun
			if err := json.Unmarshal(data, &run); err != nil {
				continue
			}
			if run.State == model.StateCompleted && run.EndTime != nil {
				durations = append(durations, run.EndTime.Sub(run.StartTime).Seconds()*1000)
			}
		}
		return nil
	})
	return durations, err
}

// ---------------------------------------------------------------------------
// LearnedStructure
// ---------------------------------------------------------------------------

func (s *Store) SaveLearnedStructure(ctx context.Context, ls model.LearnedStructure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(ls)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLearned).Put([]byte(ls.FlowName), data)
	})
	if err != nil {
		s.recordWriteFailure(ctx, "save_learned_structure", err)
	}
	return err
}

func (s *Store) GetLearnedStructure(ctx context.Context, flow string) (model.LearnedStructure, bool, error) {
	var ls model.LearnedStructure
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketLearned).Get([]byte(flow))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &ls)
	})
	return ls, found, err
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

// Stats returns bucket-count diagnostics for operability.
func (s *Store) Stats() map[string]any {
	out := make(map[string]any)
	_ = s.db.View(func(tx *bbolt.Tx) error {
		out["db_size_bytes"] = tx.Size()
		for _, b := range allBuckets {
			bucket := tx.Bucket(b)
			if bucket != nil {
				out[string(b)+"_count"] = bucket.Stats().KeyN
			}
		}
		return nil
	})
	return out
}
