// Package auth provides password hashing, signed access tokens with
// server-side revocation, the request middleware and role helpers.
package auth

import (
	"context"
	"errors"
	"time"
)

// User levels, ordered by privilege.
const (
	LevelNormal     = "NORMAL"
	LevelAdmin      = "ADMIN"
	LevelAdminGeral = "ADMIN_GERAL"
)

// User is the authenticated identity attached to a request.
type User struct {
	ID      string `json:"id"`
	Email   string `json:"email,omitempty"`
	Level   string `json:"level"`
	GroupID string `json:"group_id,omitempty"`
}

// IsAdminGeral reports whether the user crosses group boundaries.
func (u *User) IsAdminGeral() bool { return u.Level == LevelAdminGeral }

// IsGroupAdmin reports whether the user administers at least its own group.
func (u *User) IsGroupAdmin() bool {
	return u.Level == LevelAdmin || u.Level == LevelAdminGeral
}

// CanSeeAgent applies the visibility rule: ADMIN_GERAL sees everything,
// everyone else sees agents of their own group plus groupless legacy agents.
func (u *User) CanSeeAgent(agentGroupID string) bool {
	if u.IsAdminGeral() {
		return true
	}
	return agentGroupID == "" || agentGroupID == u.GroupID
}

// TokenRecord is the persisted side of an issued token, keyed by jti.
type TokenRecord struct {
	JTI       string
	UserID    string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// TokenStore persists token records for revocation checks.
type TokenStore interface {
	Record(ctx context.Context, rec TokenRecord) error
	Lookup(ctx context.Context, jti string) (*TokenRecord, error)
	Revoke(ctx context.Context, jti string) error
}

// Sentinel errors shared by the token service and middleware.
var (
	ErrInvalidToken     = errors.New("auth: invalid token")
	ErrTokenRevoked     = errors.New("auth: token revoked")
	ErrTokenExpired     = errors.New("auth: token expired")
	ErrTokenNotRecorded = errors.New("auth: token record not found")
)
