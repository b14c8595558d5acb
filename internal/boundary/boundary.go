// Package boundary exposes the FlowEngine, Dispatcher, Store, and Supervisor
// over HTTP (spec §6). It is a thin translation layer: request parsing,
// response shaping, and status-code mapping only.
package boundary

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/flowforge/internal/dispatch"
	"github.com/swarmguard/flowforge/internal/engine"
	"github.com/swarmguard/flowforge/internal/model"
	"github.com/swarmguard/flowforge/internal/resilience"
	"github.com/swarmguard/flowforge/internal/supervisor"
)

// Store is the subset of persistence used directly by the boundary (the
// statistics and history endpoints read through it; everything else goes
// through FlowEngine).
type Store interface {
	GetAllFlowTaskStats(ctx context.Context, flow string) (map[string]model.TaskStats, error)
	GetTaskStats(ctx context.Context, flow, task string) (model.TaskStats, bool, error)
	GetFlowStats(ctx context.Context, flow string) (model.FlowStats, bool, error)
	TaskHistory(ctx context.Context, flow, task string, limit int) ([]float64, error)
	FlowHistory(ctx context.Context, flow string, limit int) ([]float64, error)
	ClearAllStats(ctx context.Context) error
}

// Server wires every HTTP endpoint from spec §6 onto a gorilla/mux router.
type Server struct {
	engine     *engine.FlowEngine
	store      Store
	dispatch   *dispatch.Dispatcher
	supervisor *supervisor.Supervisor
	clients    []supervisor.ClientConfig
	reportsDir string
	log        *slog.Logger

	logLimiter  *resilience.RateLimiter
	pollLimiter *resilience.RateLimiter

	router *mux.Router
}

// Config bundles Server's dependencies.
type Config struct {
	Engine     *engine.FlowEngine
	Store      Store
	Dispatch   *dispatch.Dispatcher
	Supervisor *supervisor.Supervisor
	Clients    []supervisor.ClientConfig
	ReportsDir string
	Log        *slog.Logger
	Meter      metric.Meter
}

// NewServer builds the router. Call Handler to obtain an http.Handler.
func NewServer(cfg Config) *Server {
	meter := cfg.Meter
	if meter == nil {
		meter = noop.MeterProvider{}.Meter("flowforge-boundary")
	}
	s := &Server{
		engine:      cfg.Engine,
		store:       cfg.Store,
		dispatch:    cfg.Dispatch,
		supervisor:  cfg.Supervisor,
		clients:     cfg.Clients,
		reportsDir:  cfg.ReportsDir,
		log:         cfg.Log,
		logLimiter:  resilience.NewRateLimiter(meter, "append_log", 50, 10, time.Minute, 600),
		pollLimiter: resilience.NewRateLimiter(meter, "poll", 20, 5, time.Second, 0),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the http.Handler to mount on an *http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/client/configs", s.handleClientConfigs).Methods(http.MethodGet)
	r.HandleFunc("/api/client/status", s.handleClientStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/client/start", s.handleClientStart).Methods(http.MethodPost)
	r.HandleFunc("/api/client/stop", s.handleClientStop).Methods(http.MethodPost)

	r.HandleFunc("/api/engine/register", s.handleRegisterFlow).Methods(http.MethodPost)
	r.HandleFunc("/api/flows", s.handleRegisterFlow).Methods(http.MethodPost)
	r.HandleFunc("/api/engine/flows", s.handleListFlows).Methods(http.MethodGet)
	r.HandleFunc("/api/engine/runs", s.handleListRuns).Methods(http.MethodGet)
	r.HandleFunc("/api/engine/trigger/{flowId}", s.handleTrigger).Methods(http.MethodPost)
	r.HandleFunc("/api/engine/run/{flowId}", s.handleCreateRun).Methods(http.MethodPost)
	r.HandleFunc("/api/runs/{runId}/tasks/{taskIndex}/state", s.handleTaskState).Methods(http.MethodPost)
	r.HandleFunc("/api/runs/{runId}/complete", s.handleCompleteRun).Methods(http.MethodPost)
	r.HandleFunc("/api/flows/{runId}/logs", s.handleAppendLog).Methods(http.MethodPost)
	r.HandleFunc("/api/engine/runs/{runId}/logs", s.handleAppendLog).Methods(http.MethodPost)
	r.HandleFunc("/api/runs/{runId}", s.handleDeleteRun).Methods(http.MethodDelete)

	r.HandleFunc("/api/execution-requests", s.handlePoll).Methods(http.MethodGet)
	r.HandleFunc("/api/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)

	r.HandleFunc("/api/statistics", s.handleStatistics).Methods(http.MethodGet)
	r.HandleFunc("/api/statistics", s.handleClearStatistics).Methods(http.MethodDelete)
	r.HandleFunc("/api/statistics/task-history/{flowName}/{taskName}", s.handleTaskHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/statistics/flow-history/{flowName}", s.handleFlowHistory).Methods(http.MethodGet)

	if s.reportsDir != "" {
		r.PathPrefix("/Reports/").Handler(http.StripPrefix("/Reports/", http.FileServer(http.Dir(s.reportsDir))))
	}

	return r
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

var (
	errTooManyLogs  = errors.New("log append rate exceeded")
	errTooManyPolls = errors.New("poll rate exceeded")
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeSuccess(w http.ResponseWriter, extra map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

func (s *Server) statusForErr(err error) int {
	switch {
	case err == engine.ErrNotFound:
		return http.StatusNotFound
	case err == engine.ErrValidation:
		return http.StatusBadRequest
	default:
		if isNotFound(err) {
			return http.StatusNotFound
		}
		if isValidation(err) {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
}

func isNotFound(err error) bool   { return err != nil && containsWrapped(err, engine.ErrNotFound) }
func isValidation(err error) bool { return err != nil && containsWrapped(err, engine.ErrValidation) }

func containsWrapped(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ---------------------------------------------------------------------------
// Client / worker-process supervision
// ---------------------------------------------------------------------------

func (s *Server) handleClientConfigs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.clients)
}

func (s *Server) handleClientStatus(w http.ResponseWriter, r *http.Request) {
	status, logs, active := s.supervisor.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"logs":         lastN(logs, 50),
		"activeClient": active,
	})
}

func lastN(logs []string, n int) []string {
	if len(logs) <= n {
		return logs
	}
	return logs[len(logs)-n:]
}

func (s *Server) handleClientStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientID string `json:"clientId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var cfg *supervisor.ClientConfig
	for i := range s.clients {
		if s.clients[i].ID == body.ClientID {
			cfg = &s.clients[i]
			break
		}
	}
	if cfg == nil {
		writeError(w, http.StatusNotFound, engine.ErrNotFound)
		return
	}
	if err := s.supervisor.Start(r.Context(), *cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeSuccess(w, nil)
}

func (s *Server) handleClientStop(w http.ResponseWriter, r *http.Request) {
	_ = s.supervisor.Stop(r.Context())
	writeSuccess(w, nil)
}

// ---------------------------------------------------------------------------
// Flow / run surface
// ---------------------------------------------------------------------------

type registerBody struct {
	Name              string                `json:"name"`
	Description       string                `json:"description,omitempty"`
	Tags              map[string]string     `json:"tags,omitempty"`
	Tasks             []registerTaskBody    `json:"tasks"`
	AutoTrigger       bool                  `json:"autoTrigger,omitempty"`
	AutoTriggerConfig string                `json:"autoTriggerConfig,omitempty"`
}

type registerTaskBody struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	EstimatedTime int64  `json:"estimatedTime,omitempty"`
	CrucialPass   bool   `json:"crucialPass,omitempty"`
}

func (s *Server) handleRegisterFlow(w http.ResponseWriter, r *http.Request) {
	var body registerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tasks := make([]engine.TaskInput, len(body.Tasks))
	for i, t := range body.Tasks {
		tasks[i] = engine.TaskInput{
			Name:          t.Name,
			Description:   t.Description,
			EstimatedTime: t.EstimatedTime,
			CrucialPass:   t.CrucialPass,
		}
	}

	def, err := s.engine.RegisterFlow(r.Context(), engine.RegisterPayload{
		Name:        body.Name,
		Description: body.Description,
		Tags:        body.Tags,
		Tasks:       tasks,
	})
	if err != nil {
		writeError(w, s.statusForErr(err), err)
		return
	}

	if body.AutoTrigger {
		if _, err := s.engine.TriggerFlow(r.Context(), def.FlowID, body.AutoTriggerConfig, "", ""); err != nil {
			s.log.Error("auto-trigger failed", "flow", def.Name, "error", err)
		}
	}

	writeSuccess(w, map[string]any{"flow": def})
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ListFlows())
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.engine.ListRuns()
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartTime.After(runs[j].StartTime) })
	writeJSON(w, http.StatusOK, runs)
}

type triggerBody struct {
	Configuration string `json:"configuration,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["flowId"]
	var body triggerBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	runID, err := s.engine.TriggerFlow(r.Context(), flowID, body.Configuration, "", "")
	if err != nil {
		writeError(w, s.statusForErr(err), err)
		return
	}
	writeSuccess(w, map[string]any{"runId": runID})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["flowId"]
	var body triggerBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	runID, err := s.engine.CreateRun(r.Context(), flowID, body.Configuration, "", "")
	if err != nil {
		writeError(w, s.statusForErr(err), err)
		return
	}
	writeSuccess(w, map[string]any{"runId": runID})
}

type taskStateBody struct {
	State         string            `json:"state"`
	Progress      *float64          `json:"progress,omitempty"`
	DurationMs    *int64            `json:"durationMs,omitempty"`
	Result        *model.TaskResult `json:"result,omitempty"`
	TaskName      string            `json:"taskName,omitempty"`
	EstimatedTime *int64            `json:"estimatedTime,omitempty"`
	CrucialPass   *bool             `json:"crucialPass,omitempty"`
}

func (s *Server) handleTaskState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	runID := vars["runId"]
	taskIndex, err := strconv.Atoi(vars["taskIndex"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var body taskStateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	_, err = s.engine.UpdateTaskState(r.Context(), runID, taskIndex, engine.TaskUpdate{
		State:         body.State,
		Progress:      body.Progress,
		DurationMs:    body.DurationMs,
		Result:        body.Result,
		TaskName:      body.TaskName,
		EstimatedTime: body.EstimatedTime,
		CrucialPass:   body.CrucialPass,
	})
	if err != nil {
		writeError(w, s.statusForErr(err), err)
		return
	}
	writeSuccess(w, nil)
}

func (s *Server) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	var body struct {
		TaskCount int `json:"taskCount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.CompleteFlow(r.Context(), runID, body.TaskCount); err != nil {
		writeError(w, s.statusForErr(err), err)
		return
	}
	writeSuccess(w, nil)
}

func (s *Server) handleAppendLog(w http.ResponseWriter, r *http.Request) {
	if !s.logLimiter.Allow(r.Context()) {
		writeError(w, http.StatusTooManyRequests, errTooManyLogs)
		return
	}
	runID := mux.Vars(r)["runId"]
	var body struct {
		Log string `json:"log"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.AppendLog(r.Context(), runID, body.Log); err != nil {
		writeError(w, s.statusForErr(err), err)
		return
	}
	writeSuccess(w, nil)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	if err := s.engine.DeleteRun(r.Context(), runID); err != nil {
		writeError(w, s.statusForErr(err), err)
		return
	}
	writeSuccess(w, nil)
}

// ---------------------------------------------------------------------------
// Worker poll and heartbeat
// ---------------------------------------------------------------------------

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if !s.pollLimiter.Allow(r.Context()) {
		writeError(w, http.StatusTooManyRequests, errTooManyPolls)
		return
	}
	req, ok := s.dispatch.Poll(r.Context(), 30*time.Second)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.dispatch.Heartbeat()
	writeSuccess(w, nil)
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	taskStats := make(map[string]model.TaskStats)
	flowStats := make(map[string]model.FlowStats)
	for _, flow := range s.engine.ListFlows() {
		perTask, err := s.store.GetAllFlowTaskStats(r.Context(), flow.Name)
		if err != nil {
			continue
		}
		for task, st := range perTask {
			taskStats[flow.Name+"|"+task] = st
		}
		if fs, found, err := s.store.GetFlowStats(r.Context(), flow.Name); err == nil && found {
			flowStats[flow.Name] = fs
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"taskStatistics":  taskStats,
		"flowStatistics":  flowStats,
	})
}

func (s *Server) handleClearStatistics(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearAllStats(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeSuccess(w, nil)
}

func limitParam(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	flow, task := vars["flowName"], vars["taskName"]
	limit := limitParam(r, 50)

	history, err := s.store.TaskHistory(r.Context(), flow, task, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	stats, _, _ := s.store.GetTaskStats(r.Context(), flow, task)
	writeJSON(w, http.StatusOK, map[string]any{"history": history, "stats": stats})
}

func (s *Server) handleFlowHistory(w http.ResponseWriter, r *http.Request) {
	flow := mux.Vars(r)["flowName"]
	limit := limitParam(r, 50)

	history, err := s.store.FlowHistory(r.Context(), flow, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	stats, _, _ := s.store.GetFlowStats(r.Context(), flow)
	writeJSON(w, http.StatusOK, map[string]any{"history": history, "stats": stats})
}

// ---------------------------------------------------------------------------
// Packaged client configs
// ---------------------------------------------------------------------------

// LoadClientConfigs reads clients.json (spec §6 "packaged JSON file").
func LoadClientConfigs(path string) ([]supervisor.ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cfgs []supervisor.ClientConfig
	if err := json.Unmarshal(data, &cfgs); err != nil {
		return nil, err
	}
	return cfgs, nil
}

// reportFilename builds the <flowName>[_tagk-tagv...]_<isoTimestamp>.html file
// name of the Reports/<clientName>/ convention described in spec §6; the
// directory part is joined by reportPath.
func reportFilename(flowName string, tags map[string]string, ts time.Time) string {
	var b strings.Builder
	b.WriteString(flowName)
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("_" + k + "-" + tags[k])
	}
	b.WriteString("_" + ts.UTC().Format("2006-01-02T15-04-05Z"))
	b.WriteString(".html")
	return b.String()
}

// reportPath joins reportsDir/clientName/filename, ensuring the directory
// exists (spec §6 static report serving).
func reportPath(reportsDir, clientName, filename string) (string, error) {
	dir := filepath.Join(reportsDir, clientName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, filename), nil
}
