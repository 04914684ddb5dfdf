package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/invopop/jsonschema"

	"github.com/rbranco/agentapi/pkg/agent"
	"github.com/rbranco/agentapi/pkg/auth"
)

const maxUploadBytes = 32 << 20

// agentConfigSchema is reflected once; the config shape is fixed at build
// time. Served to the dashboard so the agent editor can validate client-side.
var agentConfigSchema = jsonschema.Reflect(&agent.Config{})

// agentSummary is the listing shape: enough to render a catalog without
// exposing prompts or keys.
type agentSummary struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	HasRAG     bool   `json:"has_rag"`
	ToolsCount int    `json:"tools_count"`
	GrupoID    string `json:"grupoId,omitempty"`
}

// canSee applies the group visibility rule. Requests without an
// authenticated user (auth disabled) see everything.
func canSee(r *http.Request, agentGroupID string) bool {
	user, ok := auth.UserFrom(r.Context())
	if !ok {
		return true
	}
	return user.CanSeeAgent(agentGroupID)
}

func (s *Server) requireRegistry(w http.ResponseWriter) bool {
	if s.deps.Registry == nil {
		httpError(w, http.StatusServiceUnavailable, "Service not initialized")
		return false
	}
	return true
}

func (s *Server) requireData(w http.ResponseWriter) bool {
	if s.deps.Data == nil {
		httpError(w, http.StatusServiceUnavailable, "Data analysis service not initialized")
		return false
	}
	return true
}

// visibleAgent resolves an agent the caller is allowed to see, or writes the
// 404 itself.
func (s *Server) visibleAgent(w http.ResponseWriter, r *http.Request) (*agent.Config, bool) {
	agentID := chi.URLParam(r, "agentID")
	cfg, ok := s.deps.Registry.Get(agentID)
	if !ok || !canSee(r, cfg.GrupoID) {
		httpError(w, http.StatusNotFound, fmt.Sprintf("Agent %s not found", agentID))
		return nil, false
	}
	return cfg, true
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	summaries := make([]agentSummary, 0)
	for _, cfg := range s.deps.Registry.List() {
		if !canSee(r, cfg.GrupoID) {
			continue
		}
		summaries = append(summaries, agentSummary{
			ID:         cfg.ID,
			Model:      cfg.Model,
			HasRAG:     cfg.RAG != nil,
			ToolsCount: len(cfg.Tools),
			GrupoID:    cfg.GrupoID,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"agents": summaries})
}

func (s *Server) handleAgentSchema(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, agentConfigSchema)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	cfg, ok := s.visibleAgent(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	agentID := chi.URLParam(r, "agentID")

	var cfg agent.Config
	if err := decodeJSON(r, &cfg); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if cfg.ID != agentID {
		httpError(w, http.StatusBadRequest, "Agent ID mismatch")
		return
	}
	if _, ok := s.deps.Registry.Get(agentID); !ok {
		httpError(w, http.StatusNotFound, fmt.Sprintf("Agent %s not found", agentID))
		return
	}
	if err := s.deps.Registry.Save(&cfg); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "updated",
		"agent_id": agentID,
		"agent":    cfg,
	})
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if err := s.deps.Registry.Delete(agentID); err != nil {
		httpError(w, http.StatusNotFound, fmt.Sprintf("Agent %s not found", agentID))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":   "deleted",
		"agent_id": agentID,
	})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	var cfg agent.Config
	if err := decodeJSON(r, &cfg); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, exists := s.deps.Registry.Get(cfg.ID); exists {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("Agent %s already exists", cfg.ID))
		return
	}
	if err := s.deps.Registry.Save(&cfg); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.reloadAgentData(&cfg)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "created",
		"agent_id": cfg.ID,
		"agent":    cfg,
	})
}

func (s *Server) handleReloadAgent(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if err := s.deps.Registry.Reload(r.Context()); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cfg, ok := s.deps.Registry.Get(agentID)
	if !ok {
		httpError(w, http.StatusNotFound, fmt.Sprintf("Agent %s not found", agentID))
		return
	}
	s.reloadAgentData(cfg)
	respondJSON(w, http.StatusOK, map[string]string{
		"status":   "reloaded",
		"agent_id": agentID,
	})
}

func (s *Server) handleReloadAll(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	if err := s.deps.Registry.Reload(r.Context()); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, cfg := range s.deps.Registry.List() {
		s.reloadAgentData(cfg)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "reloaded",
		"count":  s.deps.Registry.Count(),
	})
}

// reloadAgentData refreshes the frame cache of a data-analysis agent.
func (s *Server) reloadAgentData(cfg *agent.Config) {
	if s.deps.Data == nil || !cfg.HasDataAnalysis() {
		return
	}
	if err := s.deps.Data.LoadFrames(cfg.ID); err != nil {
		slog.Error("server: load agent data failed", "agent_id", cfg.ID, "error", err)
	}
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) || !s.requireData(w) {
		return
	}
	cfg, ok := s.visibleAgent(w, r)
	if !ok {
		return
	}

	filename, content, err := readUpload(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.deps.Data.SaveFile(cfg.ID, filename, content); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Track the file in the agent config so a reload re-attaches it.
	if cfg.HasDataAnalysis() && !containsString(cfg.DataAnalysis.Files, filename) {
		cfg.DataAnalysis.Files = append(cfg.DataAnalysis.Files, filename)
		if err := s.deps.Registry.Save(cfg); err != nil {
			slog.Error("server: track uploaded file failed", "agent_id", cfg.ID, "error", err)
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":   "uploaded",
		"filename": filename,
		"agent_id": cfg.ID,
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) || !s.requireData(w) {
		return
	}
	cfg, ok := s.visibleAgent(w, r)
	if !ok {
		return
	}
	files, err := s.deps.Data.ListFiles(cfg.ID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": cfg.ID,
		"files":    files,
		"count":    len(files),
	})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) || !s.requireData(w) {
		return
	}
	cfg, ok := s.visibleAgent(w, r)
	if !ok {
		return
	}
	filename := chi.URLParam(r, "filename")
	if err := s.deps.Data.DeleteFile(cfg.ID, filename); err != nil {
		httpError(w, http.StatusNotFound, "File not found")
		return
	}

	if cfg.DataAnalysis != nil && containsString(cfg.DataAnalysis.Files, filename) {
		cfg.DataAnalysis.Files = removeString(cfg.DataAnalysis.Files, filename)
		if err := s.deps.Registry.Save(cfg); err != nil {
			slog.Error("server: untrack deleted file failed", "agent_id", cfg.ID, "error", err)
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":   "deleted",
		"filename": filename,
		"agent_id": cfg.ID,
	})
}

func (s *Server) handleDataQuery(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) || !s.requireData(w) {
		return
	}
	cfg, ok := s.visibleAgent(w, r)
	if !ok {
		return
	}
	if !cfg.HasDataAnalysis() {
		httpError(w, http.StatusBadRequest, "Data analysis not enabled for this agent")
		return
	}

	var body struct {
		Query string `json:"query"`
	}
	if err := decodeJSON(r, &body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result := s.deps.Data.ExecuteQuery(cfg.ID, body.Query)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": cfg.ID,
		"query":    body.Query,
		"result":   result,
	})
}

func (s *Server) handleDataInfo(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) || !s.requireData(w) {
		return
	}
	cfg, ok := s.visibleAgent(w, r)
	if !ok {
		return
	}
	if !cfg.HasDataAnalysis() {
		httpError(w, http.StatusBadRequest, "Data analysis not enabled for this agent")
		return
	}

	info, err := s.deps.Data.Info(cfg.ID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": cfg.ID,
		"info":     info,
	})
}

// readUpload extracts the single multipart file field named "file".
func readUpload(r *http.Request) (string, []byte, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return "", nil, fmt.Errorf("invalid multipart form: %w", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, fmt.Errorf("file field is required: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		return "", nil, fmt.Errorf("read upload: %w", err)
	}
	if header.Filename == "" {
		return "", nil, fmt.Errorf("filename is required")
	}
	return header.Filename, content, nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}
