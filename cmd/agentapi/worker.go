package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/rbranco/agentapi/pkg/worker"
)

// WorkerCmd starts the queue consumer pool.
type WorkerCmd struct {
	Workers int `help:"Number of concurrent consumers. Overrides WORKERS." default:"0"`
}

func (c *WorkerCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cli.LogLevel != "" {
		setupLogging(cli.LogLevel)
	}

	cont, err := buildContainer(ctx)
	if err != nil {
		return err
	}
	defer cont.close()

	cont.watchAgents(ctx)

	pool := buildPool(cont, c.Workers)

	slog.Info("starting workers", "agents", cont.registry.Count())
	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// buildPool assembles the consumer pool. workers <= 0 falls back to the
// configured count.
func buildPool(cont *container, workers int) *worker.Pool {
	if workers <= 0 {
		workers = cont.cfg.Workers
	}
	var retry *worker.RetryService
	if cont.cfg.RetryEnabled {
		retry = worker.NewRetryService(cont.queue)
	}
	return worker.NewPool(cont.queue, cont.registry, cont.engine, cont.metrics, retry, worker.Options{
		Workers:      workers,
		RetryEnabled: cont.cfg.RetryEnabled,
	})
}
