package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/rbranco/agentapi/pkg/server"
)

// ServeCmd starts the HTTP ingress with an in-process worker pool. Run
// additional worker processes to scale consumption independently.
type ServeCmd struct {
	Addr      string `help:"Listen address. Overrides SERVER_ADDR." default:""`
	NoWorkers bool   `help:"Do not run the in-process worker pool."`
}

func (c *ServeCmd) Run(cli *CLI) error {
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

	addr := c.Addr
	if addr == "" {
		addr = cont.cfg.ServerAddr
	}

	var users server.UserStore
	if cont.db != nil {
		users = cont.db
	}
	var collections server.CollectionLister
	if cont.qdrant != nil {
		collections = cont.qdrant
	}

	srv := server.New(addr, server.Deps{
		Registry:    cont.registry,
		Queue:       cont.queue,
		Engine:      cont.engine,
		Metrics:     cont.metrics,
		Data:        cont.data,
		Docs:        cont.docs,
		Collections: collections,
		Auth:        cont.auth,
		Users:       users,
		RateLimiter: cont.queue.Redis(),
		Prometheus:  cont.registerer,
		Production:  cont.cfg.IsProduction(),
		TokenTTL:    time.Duration(cont.cfg.JWTAccessTTLMinutes) * time.Minute,
	})

	if !c.NoWorkers {
		pool := buildPool(cont, 0)
		go func() {
			if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("worker pool stopped", "error", err)
			}
		}()
	}

	slog.Info("starting ingress", "addr", addr, "agents", cont.registry.Count())
	return srv.Start(ctx)
}
