package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/storyforge/internal/api"
	"github.com/felipepmaragno/storyforge/internal/config"
	"github.com/felipepmaragno/storyforge/internal/telemetry"
)

func newServeCommand(cfg *config.Config) *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfg, withWorker)
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "Also process background jobs in this process")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config, withWorker bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting storyforge", "addr", cfg.Addr, "version", api.Version)

	shutdownTracing, err := telemetry.Init(ctx, "storyforge", api.Version, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	workerCtx, stopWorker := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorker()
	workerDone := make(chan struct{})
	if withWorker || a.inProcessQueue() {
		go func() {
			defer close(workerDone)
			a.worker().Run(workerCtx)
		}()
	} else {
		close(workerDone)
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      a.handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stopWorker()
		<-workerDone
		return err
	}

	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	stopWorker()
	drain(workerDone, cfg.DrainTimeout)

	slog.Info("server stopped")
	return nil
}

// drain waits for in-flight jobs up to timeout.
func drain(done <-chan struct{}, timeout time.Duration) {
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("drain timeout reached, abandoning in-flight jobs", "timeout", timeout)
	}
}
