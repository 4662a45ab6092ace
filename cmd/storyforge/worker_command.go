package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/storyforge/internal/api"
	"github.com/felipepmaragno/storyforge/internal/config"
	"github.com/felipepmaragno/storyforge/internal/telemetry"
)

func newWorkerCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process generation and usage jobs from the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), cfg)
		},
	}
}

func runWorker(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, "storyforge-worker", api.Version, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if a.inProcessQueue() {
		return fmt.Errorf("worker needs SQS_QUEUE_URL; the in-memory queue only serves jobs inside serve")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.worker().Run(ctx)
	}()

	<-ctx.Done()
	slog.Info("shutting down worker...")
	drain(done, cfg.DrainTimeout)
	return nil
}
