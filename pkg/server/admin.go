package server

import (
	"net/http"

	"github.com/rbranco/agentapi/pkg/auth"
	"github.com/rbranco/agentapi/pkg/store"
)

type groupRequest struct {
	Nome      string `json:"nome"`
	Descricao string `json:"descricao"`
}

type userRequest struct {
	Email   string `json:"email"`
	Senha   string `json:"senha"`
	Nivel   string `json:"nivel"`
	GrupoID string `json:"grupoId"`
}

type userResponse struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Nivel   string `json:"nivel"`
	GrupoID string `json:"grupoId,omitempty"`
}

type groupResponse struct {
	ID        string `json:"id"`
	Nome      string `json:"nome"`
	Descricao string `json:"descricao"`
}

func (s *Server) requireUsers(w http.ResponseWriter) bool {
	if s.deps.Users == nil {
		httpError(w, http.StatusServiceUnavailable, "Database not initialized")
		return false
	}
	return true
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	if !s.requireUsers(w) {
		return
	}
	var req groupRequest
	if err := decodeJSON(r, &req); err != nil || req.Nome == "" {
		httpError(w, http.StatusUnprocessableEntity, "Informe o nome do grupo")
		return
	}
	g, err := s.deps.Users.CreateGroup(r.Context(), store.Group{Name: req.Nome, Description: req.Descricao})
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, groupResponse{ID: g.ID, Nome: g.Name, Descricao: g.Description})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	if !s.requireUsers(w) {
		return
	}
	groups, err := s.deps.Users.ListGroups(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]groupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupResponse{ID: g.ID, Nome: g.Name, Descricao: g.Description})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !s.requireUsers(w) {
		return
	}
	var req userRequest
	if err := decodeJSON(r, &req); err != nil || req.Email == "" || req.Senha == "" {
		httpError(w, http.StatusUnprocessableEntity, "Informe email e senha")
		return
	}
	switch req.Nivel {
	case auth.LevelNormal, auth.LevelAdmin, auth.LevelAdminGeral:
	default:
		httpError(w, http.StatusUnprocessableEntity, "Nivel inválido")
		return
	}
	hash, err := auth.HashPassword(req.Senha)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	u, err := s.deps.Users.CreateUser(r.Context(), store.User{
		Email:        req.Email,
		PasswordHash: hash,
		Level:        req.Nivel,
		GroupID:      req.GrupoID,
	})
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, userResponse{ID: u.ID, Email: u.Email, Nivel: u.Level, GrupoID: u.GroupID})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if !s.requireUsers(w) {
		return
	}
	users, err := s.deps.Users.ListUsers(r.Context(), r.URL.Query().Get("grupoId"))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userResponse{ID: u.ID, Email: u.Email, Nivel: u.Level, GrupoID: u.GroupID})
	}
	respondJSON(w, http.StatusOK, out)
}
