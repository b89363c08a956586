package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nanichwdry/videoexpressai/internal/httpapi"
	"github.com/nanichwdry/videoexpressai/internal/logging"
	"github.com/nanichwdry/videoexpressai/internal/monitor"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, job engine and heartbeat monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	a, err := loadApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg
	log := logging.Component(a.log, "control_plane")

	logging.Audit(log, "info", "control.startup", "", map[string]any{
		"addr":                      cfg.Server.Addr,
		"db_path":                   cfg.Store.Path,
		"db_driver":                 a.store.Driver(),
		"runpod_connected":          a.engine.WorkersConfigured(),
		"heartbeat_timeout_seconds": int(cfg.Monitor.HeartbeatTimeout.Seconds()),
		"poll_interval_ms":          cfg.Engine.PollInterval.Milliseconds(),
	})
	resumed, err := a.engine.Recover(ctx)
	if err != nil {
		logging.Audit(log, "error", "control.recovery_startup", "", map[string]any{"error": err.Error()})
	} else {
		logging.Audit(log, "info", "control.recovery_startup", "", map[string]any{"resumed": resumed})
	}

	mon := monitor.New(a.store, monitor.Options{
		Interval: cfg.Monitor.Interval,
		Timeout:  cfg.Monitor.HeartbeatTimeout,
		Logger:   a.log,
	})
	janitor := monitor.NewJanitor(a.engine, cfg.Jobs.CleanupInterval, cfg.RetentionPeriod(), a.log)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.NewRouter(a.engine, a.gpu, cfg.Server.APIToken, a.log),
		ReadHeaderTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return janitor.Run(gctx) })
	g.Go(func() error {
		logging.Audit(log, "info", "control.listen", "", map[string]any{"addr": cfg.Server.Addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		if engErr := a.engine.Shutdown(shutdownCtx); engErr != nil {
			logging.Audit(log, "warn", "control.shutdown", "", map[string]any{"error": engErr.Error()})
		}
		return err
	})

	err = g.Wait()
	logging.Audit(log, "info", "control.shutdown", "", map[string]any{"state": "stopped"})
	return err
}
