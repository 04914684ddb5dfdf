// Package server is the HTTP ingress: webhook dispatch (SSE or enqueue),
// auth endpoints, agent and RAG management, metrics and health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/rbranco/agentapi/pkg/agent"
	"github.com/rbranco/agentapi/pkg/auth"
	"github.com/rbranco/agentapi/pkg/dataquery"
	"github.com/rbranco/agentapi/pkg/metrics"
	"github.com/rbranco/agentapi/pkg/model"
	"github.com/rbranco/agentapi/pkg/rag"
	"github.com/rbranco/agentapi/pkg/store"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// JobQueue is the queue surface the ingress needs. Satisfied by
// *queue.Client.
type JobQueue interface {
	Enqueue(ctx context.Context, job model.Job) (string, error)
	Ping(ctx context.Context) error
}

// Streamer runs one streaming agent turn. Satisfied by *reasoning.Engine.
type Streamer interface {
	ProcessStream(ctx context.Context, cfg *agent.Config, msg model.Message, history []model.HistoryEntry) <-chan string
}

// MetricsService records turns and serves aggregates. Satisfied by
// *metrics.Recorder.
type MetricsService interface {
	RecordMessage(ctx context.Context, s metrics.Sample)
	AgentMetrics(ctx context.Context, agentID string) (*metrics.AgentMetrics, error)
	GlobalMetrics(ctx context.Context) (*metrics.GlobalMetrics, error)
	RecentLogs(ctx context.Context, limit int) ([]map[string]interface{}, error)
}

// DocumentStore is the knowledge-base surface. Satisfied by
// *rag.DocumentService.
type DocumentStore interface {
	Add(ctx context.Context, kind, index, content string, metadata map[string]interface{}, documentID string) (string, error)
	Delete(ctx context.Context, kind, index, documentID string) error
	Exists(ctx context.Context, kind, index, documentID string) (bool, error)
	List(ctx context.Context, kind, index string, limit int) ([]rag.Document, error)
	Stats(ctx context.Context, kind, index string) (*rag.IndexStats, error)
	Search(ctx context.Context, kind, index, query string, topK int) ([]model.RAGContext, error)
}

// CollectionLister enumerates vector-store collections for /rag/indexes.
type CollectionLister interface {
	ListCollections(ctx context.Context) ([]string, error)
}

// UserStore is the account and tenancy surface of the relational store.
// Satisfied by *store.Store.
type UserStore interface {
	CountUsers(ctx context.Context) (int, error)
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetUserByID(ctx context.Context, id string) (*store.User, error)
	Setup(ctx context.Context, groupName, email, passwordHash string) (*store.User, error)
	CreateUser(ctx context.Context, u store.User) (*store.User, error)
	ListUsers(ctx context.Context, groupID string) ([]store.User, error)
	CreateGroup(ctx context.Context, g store.Group) (*store.Group, error)
	ListGroups(ctx context.Context) ([]store.Group, error)
}

// Deps carries everything the server serves from. Nil entries degrade the
// corresponding routes to 503 instead of failing startup.
type Deps struct {
	Registry    *agent.Registry
	Queue       JobQueue
	Engine      Streamer
	Metrics     MetricsService
	Data        *dataquery.Service
	Docs        DocumentStore
	Collections CollectionLister
	Auth        *auth.Service
	Users       UserStore
	RateLimiter *redis.Client
	Prometheus  prometheus.Gatherer

	Production bool
	TokenTTL   time.Duration
	RatePerMin int
}

// Server is the HTTP ingress.
type Server struct {
	deps      Deps
	sanitizer *sanitizer
	httpSrv   *http.Server
}

// New builds the server and its router.
func New(addr string, deps Deps) *Server {
	if deps.TokenTTL <= 0 {
		deps.TokenTTL = time.Hour
	}
	if deps.RatePerMin <= 0 {
		deps.RatePerMin = 60
	}
	s := &Server{deps: deps, sanitizer: newSanitizer()}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Routes assembles the chi router. Exposed so tests can drive the handler
// stack without binding a port.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(corsMiddleware)
	r.Use(loggingMiddleware)
	r.Use(rateLimitMiddleware(s.deps.RateLimiter, s.deps.RatePerMin))
	if s.deps.Auth != nil {
		r.Use(auth.Middleware(s.deps.Auth))
	}

	r.Get("/health", s.handleHealth)

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/agent/{agentID}", s.handleWebhookAgent)
		r.Post("/{webhookName}", s.handleWebhookByName)
	})

	r.Post("/api/setup", s.handleSetup)
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(auth.RequireAdminGeral)
		r.Post("/grupos", s.handleCreateGroup)
		r.Get("/grupos", s.handleListGroups)
		r.Post("/usuarios", s.handleCreateUser)
		r.Get("/usuarios", s.handleListUsers)
	})
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/verify", s.handleVerify)
		r.Post("/logout", s.handleLogout)
		r.Get("/me", s.handleMe)
	})

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Get("/schema", s.handleAgentSchema)
		r.Post("/create", s.handleCreateAgent)
		r.Post("/reload", s.handleReloadAll)
		r.Route("/{agentID}", func(r chi.Router) {
			r.Get("/", s.handleGetAgent)
			r.Put("/", s.handleUpdateAgent)
			r.Delete("/", s.handleDeleteAgent)
			r.Post("/reload", s.handleReloadAgent)
			r.Post("/files", s.handleUploadFile)
			r.Get("/files", s.handleListFiles)
			r.Delete("/files/{filename}", s.handleDeleteFile)
			r.Post("/data/query", s.handleDataQuery)
			r.Get("/data/info", s.handleDataInfo)
		})
	})

	r.Route("/rag", func(r chi.Router) {
		r.Get("/indexes", s.handleListIndexes)
		r.Route("/{index}", func(r chi.Router) {
			r.Post("/documents", s.handleCreateDocument)
			r.Get("/documents", s.handleListDocuments)
			r.Delete("/documents/{documentID}", s.handleDeleteDocument)
			r.Get("/stats", s.handleIndexStats)
			r.Post("/search", s.handleSearchDocuments)
			r.Post("/files", s.handleUploadRAGFile)
		})
	})

	r.Route("/metrics", func(r chi.Router) {
		r.Get("/agents/{agentID}", s.handleAgentMetrics)
		r.Get("/global", s.handleGlobalMetrics)
		r.Get("/logs", s.handleMetricLogs)
		r.Get("/prom", s.handlePrometheus)
	})

	return r
}

// Start serves until ctx is canceled, then drains with a bounded timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "addr", s.httpSrv.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	redisOK := false
	if s.deps.Queue != nil && s.deps.Queue.Ping(r.Context()) == nil {
		redisOK = true
	}
	agentsLoaded := 0
	if s.deps.Registry != nil {
		agentsLoaded = s.deps.Registry.Count()
	}

	status := "healthy"
	redisState := "connected"
	if !redisOK {
		status = "degraded"
		redisState = "disconnected"
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":        status,
		"redis":         redisState,
		"agents_loaded": agentsLoaded,
	})
}

// respondJSON writes a JSON body with the given status.
func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("server: encode response failed", "error", err)
	}
}

// httpError mirrors the {"detail": ...} error envelope used everywhere.
func httpError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]string{"detail": detail})
}

func decodeJSON(r *http.Request, dest interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	return dec.Decode(dest)
}
