package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rbranco/agentapi/pkg/auth"
)

type setupRequest struct {
	AdminEmail    string `json:"admin_email"`
	AdminPassword string `json:"admin_password"`
	GroupName     string `json:"group_name"`
}

type loginRequest struct {
	Email string `json:"email"`
	Senha string `json:"senha"`
	Token string `json:"token"`
}

// handleSetup creates the first group and ADMIN_GERAL account. Allowed only
// while the database has no users at all.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Users == nil {
		httpError(w, http.StatusServiceUnavailable, "Database not initialized")
		return
	}
	var body setupRequest
	if err := decodeJSON(r, &body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.AdminEmail == "" || body.AdminPassword == "" || body.GroupName == "" {
		httpError(w, http.StatusUnprocessableEntity, "admin_email, admin_password and group_name are required")
		return
	}

	count, err := s.deps.Users.CountUsers(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if count > 0 {
		httpError(w, http.StatusForbidden, "Setup already completed")
		return
	}

	hash, err := auth.HashPassword(body.AdminPassword)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	user, err := s.deps.Users.Setup(r.Context(), body.GroupName, body.AdminEmail, hash)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	slog.Info("server: setup completed", "admin", user.Email)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Setup completed successfully",
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := decodeJSON(r, &body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch {
	case body.Email != "" && body.Senha != "":
		s.loginWithPassword(w, r, body.Email, body.Senha)
	case body.Token != "":
		s.loginWithSharedToken(w, body.Token)
	default:
		httpError(w, http.StatusUnprocessableEntity, "Informe email/senha ou token")
	}
}

func (s *Server) loginWithPassword(w http.ResponseWriter, r *http.Request, email, senha string) {
	if s.deps.Auth == nil || s.deps.Users == nil {
		httpError(w, http.StatusServiceUnavailable, "Auth not initialized")
		return
	}

	user, err := s.deps.Users.GetUserByEmail(r.Context(), email)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if user == nil || !auth.VerifyPassword(user.PasswordHash, senha) {
		httpError(w, http.StatusUnauthorized, "Credenciais inválidas")
		return
	}

	token, expiresAt, err := s.deps.Auth.IssueToken(r.Context(), auth.User{
		ID:      user.ID,
		Email:   user.Email,
		Level:   user.Level,
		GroupID: user.GroupID,
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.setTokenCookie(w, token, s.deps.TokenTTL)
	respondJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
		"expires_at":   expiresAt.Format(time.RFC3339),
	})
}

// loginWithSharedToken accepts the legacy shared secret when configured.
func (s *Server) loginWithSharedToken(w http.ResponseWriter, token string) {
	if s.deps.Auth == nil || s.deps.Auth.LegacyToken == "" {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "Login realizado com sucesso",
		})
		return
	}
	if token != s.deps.Auth.LegacyToken {
		httpError(w, http.StatusUnauthorized, "Token inválido")
		return
	}
	s.setTokenCookie(w, token, 7*24*time.Hour)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Login realizado com sucesso",
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	token := extractRequestToken(r)
	if token == "" || s.deps.Auth == nil {
		respondJSON(w, http.StatusOK, map[string]bool{"valid": false})
		return
	}
	if s.deps.Auth.LegacyToken != "" && token == s.deps.Auth.LegacyToken {
		respondJSON(w, http.StatusOK, map[string]bool{"valid": true})
		return
	}
	_, err := s.deps.Auth.ValidateToken(r.Context(), token)
	respondJSON(w, http.StatusOK, map[string]bool{"valid": err == nil})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := extractRequestToken(r)
	if token != "" && s.deps.Auth != nil {
		if err := s.deps.Auth.RevokeToken(r.Context(), token); err != nil {
			slog.Debug("server: token revocation failed", "error", err)
		}
	}
	s.clearTokenCookie(w)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Logout realizado",
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFrom(r.Context())
	if !ok {
		httpError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	if user.Email == "" && s.deps.Users != nil {
		if full, err := s.deps.Users.GetUserByID(r.Context(), user.ID); err == nil && full != nil {
			user.Email = full.Email
		}
	}
	respondJSON(w, http.StatusOK, user)
}

func (s *Server) setTokenCookie(w http.ResponseWriter, token string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.deps.Production,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearTokenCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.deps.Production,
		SameSite: http.SameSiteLaxMode,
	})
}

func extractRequestToken(r *http.Request) string {
	if c, err := r.Cookie(auth.CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
