package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) requireMetrics(w http.ResponseWriter) bool {
	if s.deps.Metrics == nil {
		httpError(w, http.StatusServiceUnavailable, "Metrics service not initialized")
		return false
	}
	return true
}

func (s *Server) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.requireMetrics(w) {
		return
	}
	m, err := s.deps.Metrics.AgentMetrics(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	m.PeriodDays = queryInt(r, "days", 7)
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleGlobalMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.requireMetrics(w) {
		return
	}
	m, err := s.deps.Metrics.GlobalMetrics(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	m.PeriodDays = queryInt(r, "days", 7)
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleMetricLogs(w http.ResponseWriter, r *http.Request) {
	if !s.requireMetrics(w) {
		return
	}
	logs, err := s.deps.Metrics.RecentLogs(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

// handlePrometheus exposes the mirrored Prometheus collectors.
func (s *Server) handlePrometheus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prometheus == nil {
		httpError(w, http.StatusServiceUnavailable, "Metrics service not initialized")
		return
	}
	promhttp.HandlerFor(s.deps.Prometheus, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
