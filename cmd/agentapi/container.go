package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rbranco/agentapi/pkg/agent"
	"github.com/rbranco/agentapi/pkg/auth"
	"github.com/rbranco/agentapi/pkg/config"
	"github.com/rbranco/agentapi/pkg/dataquery"
	"github.com/rbranco/agentapi/pkg/llm"
	"github.com/rbranco/agentapi/pkg/metrics"
	"github.com/rbranco/agentapi/pkg/queue"
	"github.com/rbranco/agentapi/pkg/rag"
	"github.com/rbranco/agentapi/pkg/reasoning"
	"github.com/rbranco/agentapi/pkg/store"
	"github.com/rbranco/agentapi/pkg/vectorstore"
)

// dataDir is where per-agent tabular files live.
const dataDir = "data"

// container wires every component the commands run from. Optional
// dependencies (database, qdrant) stay nil when unconfigured and the
// components degrade accordingly.
type container struct {
	cfg        *config.Config
	queue      *queue.Client
	db         *store.Store
	registry   *agent.Registry
	llm        *llm.Client
	retriever  *rag.Retriever
	docs       *rag.DocumentService
	data       *dataquery.Service
	engine     *reasoning.Engine
	metrics    *metrics.Recorder
	registerer *prometheus.Registry
	auth       *auth.Service
	qdrant     *vectorstore.QdrantStore
}

// buildContainer loads config and connects everything.
func buildContainer(ctx context.Context) (*container, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.LogLevel)

	q, err := queue.New(ctx, queue.Options{
		Addr:   cfg.RedisAddr(),
		DB:     cfg.RedisDB,
		Stream: cfg.RedisStreamName,
	})
	if err != nil {
		return nil, err
	}

	c := &container{cfg: cfg, queue: q}

	if cfg.DatabaseURL != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		c.db = db
		if cfg.MigrateOnStartup {
			if err := db.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}
	}

	var cipher *config.Cipher
	if cfg.EncryptionKey != "" {
		cipher, err = config.NewCipher(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
	}

	var dbSource agent.DBSource
	if c.db != nil {
		dbSource = c.db
	}
	c.registry = agent.NewRegistry(cfg.AgentsDir, dbSource, cipher)
	if err := c.registry.LoadAll(ctx); err != nil {
		return nil, err
	}

	c.llm = llm.New(llm.Options{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL})

	stores := map[string]vectorstore.Store{
		vectorstore.KindRedis: vectorstore.NewRedisStore(q.Redis()),
	}
	if cfg.QdrantURL != "" {
		qs, err := vectorstore.NewQdrantStore(ctx, vectorstore.QdrantOptions{
			URL:    cfg.QdrantURL,
			APIKey: cfg.QdrantAPIKey,
		})
		if err != nil {
			return nil, err
		}
		c.qdrant = qs
		stores[vectorstore.KindQdrant] = qs
	}

	c.retriever = rag.NewRetriever(c.llm, stores, "")
	c.docs = rag.NewDocumentService(c.retriever)
	c.data = dataquery.NewService(dataDir)
	c.engine = reasoning.NewEngine(c.llm, c.retriever, c.data)

	c.registerer = prometheus.NewRegistry()
	c.metrics = metrics.NewRecorder(q, c.registerer)

	var tokens auth.TokenStore
	if c.db != nil {
		tokens = c.db.Tokens()
	}
	c.auth = auth.NewService(cfg.JWTSecret, cfg.JWTIssuer,
		time.Duration(cfg.JWTAccessTTLMinutes)*time.Minute, tokens)
	c.auth.LegacyToken = cfg.AccessToken

	// Pre-load the frame cache of data-analysis agents.
	for _, ac := range c.registry.List() {
		if ac.HasDataAnalysis() {
			if err := c.data.LoadFrames(ac.ID); err != nil {
				slog.Warn("agent data load failed", "agent_id", ac.ID, "error", err)
			}
		}
	}

	return c, nil
}

// watchAgents hot-reloads the registry on agents-dir changes.
func (c *container) watchAgents(ctx context.Context) {
	go func() {
		if err := c.registry.Watch(ctx); err != nil && ctx.Err() == nil {
			slog.Error("agents watch failed", "error", err)
		}
	}()
}

func (c *container) close() {
	if c.qdrant != nil {
		_ = c.qdrant.Close()
	}
	if c.db != nil {
		_ = c.db.Close()
	}
	_ = c.queue.Close()
}
