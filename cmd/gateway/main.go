package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"praetor/internal/agent"
	"praetor/internal/config"
	"praetor/internal/db"
	"praetor/internal/logging"
	"praetor/internal/web"
	"go.temporal.io/sdk/client"
)

func main() {
	logging.Init("gateway", nil)
	if err := run(os.Args[1:], serveHTTP); err != nil {
		fatalf("gateway: %v", err)
	}
}

var serveHTTP = func(srv *http.Server) error { return srv.ListenAndServe() }
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

func run(args []string, serve func(*http.Server) error) error {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("config required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Web.HTTPAddr == "" {
		return errors.New("web.http_addr required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	database, err := newDB(cfg.Storage.PostgresDSN)
	if err != nil {
		return err
	}
	defer database.Close()

	temporal, err := newTemporalClient(cfg.Orchestrator)
	if err != nil {
		return err
	}
	if temporal != nil {
		defer temporal.Close()
	}

	starter := &agent.TemporalStarter{
		Client:        temporal,
		TaskQueue:     cfg.Orchestrator.TaskQueue,
		Presets:       cfg.Agent.Presets,
		DefaultPreset: cfg.Agent.DefaultPreset,
	}
	server := web.NewServer(database, starter, cfg.Web.AuthToken)
	httpSrv := &http.Server{
		Addr:              cfg.Web.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(sctx)
	}()

	slog.Info("gateway ready", "addr", cfg.Web.HTTPAddr)
	if err := serve(httpSrv); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
