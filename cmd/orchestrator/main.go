package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"praetor/internal/agent"
	"praetor/internal/approvals"
	"praetor/internal/config"
	"praetor/internal/db"
	"praetor/internal/engine"
	"praetor/internal/logging"
	"praetor/internal/metrics"
	"praetor/internal/recommend"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

func main() {
	logging.Init("orchestrator", nil)
	if err := run(os.Args[1:]); err != nil {
		fatalf("orchestrator: %v", err)
	}
}

var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
var loadConfig = config.LoadConfig
var newDB = db.NewDB
var newTemporalClient = func(cfg config.OrchestratorConfig) (client.Client, error) {
	opts := client.Options{HostPort: cfg.TemporalAddr, Namespace: cfg.Namespace}
	return client.Dial(opts)
}

var temporalHealthClient client.Client
var setTemporalHealthClient = func(c client.Client) { temporalHealthClient = c }

type closeFunc func() error

func (c closeFunc) Close() error {
	return c()
}

var newWorker = func(cfg config.OrchestratorConfig) (worker.Worker, io.Closer, error) {
	c, err := newTemporalClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	setTemporalHealthClient(c)
	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	return w, closeFunc(func() error { c.Close(); return nil }), nil
}
var runWorker = func(w worker.Worker) error { return w.Run(worker.InterruptCh()) }

var startWorker = func(acts *agent.Activities, cfg config.Config) error {
	if cfg.Orchestrator.TemporalAddr == "" {
		return errors.New("orchestrator.temporal_addr required")
	}
	w, closer, err := newWorker(cfg.Orchestrator)
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	w.RegisterWorkflow(agent.AgentRunWorkflow)
	w.RegisterActivity(acts)
	slog.Info("orchestrator ready",
		"temporal_addr", cfg.Orchestrator.TemporalAddr,
		"task_queue", cfg.Orchestrator.TaskQueue)
	return runWorker(w)
}

func run(args []string) error {
	fs := flag.NewFlagSet("orchestrator", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("config required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go func() {
		<-ctx.Done()
		time.AfterFunc(30*time.Second, func() { os.Exit(1) })
	}()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	database, err := newDB(cfg.Storage.PostgresDSN)
	if err != nil {
		return err
	}
	defer database.Close()

	if cfg.Orchestrator.HealthAddr != "" {
		startHealthServer(ctx, database, cfg)
	}

	if cfg.Approvals.WebhookURL != "" {
		sweeper := approvals.NewSweeper(database, approvals.NewWebhookNotifier(cfg.Approvals.WebhookURL))
		if cfg.Approvals.ReminderCron != "" {
			sweeper.Schedule = cfg.Approvals.ReminderCron
		}
		if cfg.Approvals.ReminderAfterSecs > 0 {
			sweeper.After = time.Duration(cfg.Approvals.ReminderAfterSecs) * time.Second
		}
		go func() {
			if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("approval sweeper stopped", "error", err)
			}
		}()
	}

	runtime := engine.NewClient(cfg.Agent.RuntimeBaseURL, cfg.Agent.RuntimeToken)
	acts := &agent.Activities{
		Store:    database,
		Sessions: database,
		Engine:   runtime,
		Resolver: runtime,
	}
	if rec := recommend.NewFromConfig(cfg.LLM); rec != nil {
		acts.Recommender = rec
	}
	return startWorker(acts, cfg)
}

func startHealthServer(ctx context.Context, database *db.DB, cfg config.Config) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		ok := true

		pctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if conn := database.Conn(); conn == nil {
			ok = false
		} else if err := conn.PingContext(pctx); err != nil {
			ok = false
		}

		if temporalHealthClient != nil {
			tctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if _, err := temporalHealthClient.CheckHealth(tctx, nil); err != nil {
				ok = false
			}
		} else if cfg.Orchestrator.TemporalAddr != "" {
			ok = false
		}

		if ok {
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
	})

	healthSrv := &http.Server{Addr: cfg.Orchestrator.HealthAddr, Handler: mux}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = healthSrv.Shutdown(sctx)
	}()
}
