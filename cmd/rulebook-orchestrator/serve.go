package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ansible/rulebook-orchestrator/internal/config"
	"github.com/ansible/rulebook-orchestrator/internal/engine"
	"github.com/ansible/rulebook-orchestrator/internal/engine/k8sengine"
	"github.com/ansible/rulebook-orchestrator/internal/engine/localengine"
	applog "github.com/ansible/rulebook-orchestrator/internal/log"
	"github.com/ansible/rulebook-orchestrator/internal/logstore"
	"github.com/ansible/rulebook-orchestrator/internal/metrics"
	"github.com/ansible/rulebook-orchestrator/internal/monitorloop"
	"github.com/ansible/rulebook-orchestrator/internal/orchestrator"
	"github.com/ansible/rulebook-orchestrator/internal/statusmgr"
	"github.com/ansible/rulebook-orchestrator/internal/store"
	"github.com/ansible/rulebook-orchestrator/internal/wsendpoint"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("data-dir", "./rulebook-orchestrator-data", "Data directory for the BoltDB store")
	serveCmd.Flags().String("listen-addr", "127.0.0.1:8087", "Address the heartbeat websocket endpoint listens on")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address the Prometheus metrics endpoint listens on")
	serveCmd.Flags().StringSlice("queues", []string{"default"}, "Worker queue names this process dispatches")
}

func runServe(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	listenAddr, _ := cmd.Flags().GetString("listen-addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	queueNames, _ := cmd.Flags().GetStringSlice("queues")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.New(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	eng, err := buildEngine(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize container engine: %w", err)
	}
	if closer, ok := eng.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	sm := statusmgr.New(st)
	logs := logstore.New(st, cfg.FlushAfter)

	orch := orchestrator.New(st, st.Notifier(), sm, eng, logs, cfg, queueNames)

	loop := monitorloop.New(st, sm, orch, cfg)
	loop.Start()
	defer loop.Stop()

	mux := http.NewServeMux()
	mux.Handle("/ws/ansible-rulebook", wsendpoint.New(st, logs, orch, cfg))

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		applog.Logger.Info().Str("addr", listenAddr).Msg("heartbeat endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	go func() {
		applog.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orch.Run(ctx)

	applog.Logger.Info().
		Str("deployment_type", string(cfg.DeploymentType)).
		Strs("queues", queueNames).
		Msg("orchestrator started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		applog.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		applog.Logger.Error().Err(err).Msg("shutting down after server error")
	}

	cancel()
	shutdownCtx := context.Background()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		applog.Logger.Warn().Err(err).Msg("metrics server shutdown error")
	}
	return srv.Shutdown(shutdownCtx)
}

func buildEngine(cfg *config.Config) (engine.ContainerEngine, error) {
	switch cfg.DeploymentType {
	case config.DeploymentK8s:
		return k8sengine.New()
	default:
		return localengine.New(cfg.PodmanSocketURL)
	}
}
