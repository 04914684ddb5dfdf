package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rbranco/agentapi/pkg/agent"
	"github.com/rbranco/agentapi/pkg/metrics"
	"github.com/rbranco/agentapi/pkg/model"
)

// webhookRequest is the inbound message body.
type webhookRequest struct {
	UserID         string                 `json:"user_id"`
	Channel        string                 `json:"channel"`
	Text           string                 `json:"text"`
	Metadata       map[string]interface{} `json:"metadata"`
	ConversationID string                 `json:"conversation_id"`
	History        []model.HistoryEntry   `json:"history"`
	Stream         bool                   `json:"stream"`
}

func (s *Server) handleWebhookByName(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		httpError(w, http.StatusServiceUnavailable, "Service not initialized")
		return
	}
	name := chi.URLParam(r, "webhookName")
	cfg, ok := s.deps.Registry.GetByWebhookName(name)
	if !ok {
		httpError(w, http.StatusNotFound, fmt.Sprintf("Webhook %s not found", name))
		return
	}
	s.dispatch(w, r, cfg)
}

func (s *Server) handleWebhookAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		httpError(w, http.StatusServiceUnavailable, "Service not initialized")
		return
	}
	agentID := chi.URLParam(r, "agentID")
	cfg, ok := s.deps.Registry.Get(agentID)
	if !ok {
		httpError(w, http.StatusNotFound, fmt.Sprintf("Agent %s not found", agentID))
		return
	}
	s.dispatch(w, r, cfg)
}

// dispatch routes one sanitized inbound message: SSE when stream is
// requested, otherwise a durable enqueue.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, cfg *agent.Config) {
	var body webhookRequest
	if err := decodeJSON(r, &body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg, history := s.sanitizeRequest(body)

	if body.Stream {
		s.streamResponse(w, r, cfg, msg, history)
		return
	}
	s.enqueueJob(w, r, cfg, msg, history)
}

// sanitizeRequest cleans every user-controlled string and applies defaults.
func (s *Server) sanitizeRequest(body webhookRequest) (model.Message, []model.HistoryEntry) {
	userID := s.sanitizer.clean(body.UserID, maxFieldLen)
	if userID == "" {
		userID = "unknown"
	}
	channel := model.Channel(body.Channel)
	if channel == "" {
		channel = model.ChannelWeb
	}

	var metadata map[string]interface{}
	if body.Metadata != nil {
		metadata = s.sanitizer.cleanValue(body.Metadata).(map[string]interface{})
	}

	history := body.History
	if len(history) > maxHistoryLen {
		history = history[len(history)-maxHistoryLen:]
	}
	cleaned := make([]model.HistoryEntry, 0, len(history))
	for _, entry := range history {
		cleaned = append(cleaned, model.HistoryEntry{
			Role:    entry.Role,
			Content: s.sanitizer.clean(entry.Content, maxTextLen),
		})
	}

	return model.Message{
		UserID:         userID,
		Channel:        channel,
		Text:           s.sanitizer.clean(body.Text, maxTextLen),
		Metadata:       metadata,
		ConversationID: s.sanitizer.clean(body.ConversationID, maxFieldLen),
	}, cleaned
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request, cfg *agent.Config, msg model.Message, history []model.HistoryEntry) {
	if s.deps.Queue == nil {
		httpError(w, http.StatusServiceUnavailable, "Queue not initialized")
		return
	}

	start := time.Now()
	jobID, err := s.deps.Queue.Enqueue(r.Context(), model.Job{
		AgentID:          cfg.ID,
		Message:          msg,
		History:          history,
		Stream:           false,
		WebhookOutputURL: cfg.WebhookOutputURL,
	})

	s.recordIngress(r, cfg.ID, msg, time.Since(start), 0, err == nil)

	if err != nil {
		slog.Error("server: enqueue failed", "agent_id", cfg.ID, "error", err)
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":   "enqueued",
		"job_id":   jobID,
		"agent_id": cfg.ID,
	})
}

// streamResponse relays engine chunks as SSE data frames. Each frame is a
// JSON-encoded string so embedded newlines and quotes survive the wire.
func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, cfg *agent.Config, msg model.Message, history []model.HistoryEntry) {
	if s.deps.Engine == nil {
		httpError(w, http.StatusServiceUnavailable, "Service not initialized")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	start := time.Now()
	success := true

	// The 200 is already committed, so a relay failure surfaces to the
	// client as a final error frame rather than a status change.
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("server: stream relay failed", "agent_id", cfg.ID, "panic", rec)
			_ = writeSSE(w, flusher, fmt.Sprintf("[ERRO: %v]", rec))
			s.recordIngress(r, cfg.ID, msg, time.Since(start), 0, false)
		}
	}()

	// Client disconnect cancels r.Context(), which stops the engine stream.
	for chunk := range s.deps.Engine.ProcessStream(r.Context(), cfg, msg, history) {
		if err := writeSSE(w, flusher, chunk); err != nil {
			slog.Error("server: sse write failed", "agent_id", cfg.ID, "error", err)
			success = false
			break
		}
	}
	if err := r.Context().Err(); err != nil {
		slog.Debug("server: sse client disconnected", "agent_id", cfg.ID)
		success = false
	}

	s.recordIngress(r, cfg.ID, msg, time.Since(start), 0, success)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, chunk string) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprintf("[ERRO: %v]", err))
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func (s *Server) recordIngress(r *http.Request, agentID string, msg model.Message, elapsed time.Duration, tokens int, success bool) {
	if s.deps.Metrics == nil {
		return
	}
	// Detached from the request context: a disconnect must not drop the sample.
	s.deps.Metrics.RecordMessage(context.WithoutCancel(r.Context()), metrics.Sample{
		AgentID:      agentID,
		UserID:       msg.UserID,
		Channel:      string(msg.Channel),
		ResponseTime: elapsed.Seconds(),
		TokensUsed:   tokens,
		Success:      success,
	})
}
