// Command flowforge runs the workflow-execution coordinator: the FlowEngine
// state machine, the Dispatcher long-poll channel, the bbolt-backed Store,
// and the HTTP boundary that exposes them to worker processes and the
// front-end.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/flowforge/internal/boundary"
	"github.com/swarmguard/flowforge/internal/dispatch"
	"github.com/swarmguard/flowforge/internal/engine"
	"github.com/swarmguard/flowforge/internal/logging"
	"github.com/swarmguard/flowforge/internal/model"
	"github.com/swarmguard/flowforge/internal/store"
	"github.com/swarmguard/flowforge/internal/supervisor"
	"github.com/swarmguard/flowforge/internal/telemetry"
)

const serviceName = "flowforge"

func main() {
	log := logging.Init(serviceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTelemetry := telemetry.Init(ctx, serviceName)
	defer telemetry.Flush(context.Background(), shutdownTelemetry)

	meter := otel.GetMeterProvider().Meter(serviceName)

	dbPath := envOr("FLOWFORGE_DB_PATH", "flowforge.db")
	st, err := store.Open(dbPath, meter)
	if err != nil {
		log.Error("open store failed", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	d := dispatch.New(meter)

	reportsDir := envOr("FLOWFORGE_REPORTS_DIR", "Reports")
	eng := engine.New(st, d, meter, log, engine.WithReporter(newFileReporter(reportsDir, log)))
	if err := eng.Start(ctx); err != nil {
		log.Error("engine start failed", "error", err)
		os.Exit(1)
	}
	defer eng.Shutdown()

	sup := supervisor.New(meter, log, eng.FailAllRunning)

	clientsPath := envOr("FLOWFORGE_CLIENTS_PATH", "clients.json")
	clients, err := boundary.LoadClientConfigs(clientsPath)
	if err != nil {
		log.Warn("load client configs failed, continuing with none", "path", clientsPath, "error", err)
	}

	srv := boundary.NewServer(boundary.Config{
		Engine:     eng,
		Store:      st,
		Dispatch:   d,
		Supervisor: sup,
		Clients:    clients,
		ReportsDir: reportsDir,
		Log:        log,
		Meter:      meter,
	})

	addr := envOr("FLOWFORGE_ADDR", ":8080")
	httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}

	go func() {
		log.Info("listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = sup.Stop(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info("shutdown complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// fileReporter is the minimal ReportRequester wired at startup: it records
// that a report was requested in the log. The HTML report renderer itself is
// an out-of-scope external collaborator (spec §1); this satisfies the
// contract without implementing that renderer.
type fileReporter struct {
	reportsDir string
	log        *slog.Logger
}

func newFileReporter(reportsDir string, log *slog.Logger) *fileReporter {
	return &fileReporter{reportsDir: reportsDir, log: log}
}

func (r *fileReporter) RequestReport(run model.FlowRun) {
	r.log.Info("report requested", "runId", run.RunID, "flowName", run.FlowName, "state", string(run.State), "reportsDir", r.reportsDir)
}
