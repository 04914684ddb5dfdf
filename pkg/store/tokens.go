package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rbranco/agentapi/pkg/auth"
)

// TokenStore adapts the access_tokens table to auth.TokenStore.
type TokenStore struct {
	db *sql.DB
}

// Tokens returns the auth.TokenStore backed by this database.
func (s *Store) Tokens() *TokenStore {
	return &TokenStore{db: s.db}
}

func (t *TokenStore) Record(ctx context.Context, rec auth.TokenRecord) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO access_tokens (jti, user_id, expires_at) VALUES ($1, $2, $3)`,
		rec.JTI, rec.UserID, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: record token: %w", err)
	}
	return nil
}

func (t *TokenStore) Lookup(ctx context.Context, jti string) (*auth.TokenRecord, error) {
	var (
		rec       auth.TokenRecord
		revokedAt sql.NullTime
	)
	err := t.db.QueryRowContext(ctx,
		`SELECT jti, user_id, expires_at, revoked_at FROM access_tokens WHERE jti = $1`, jti).
		Scan(&rec.JTI, &rec.UserID, &rec.ExpiresAt, &revokedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: lookup token: %w", err)
	}
	if revokedAt.Valid {
		rec.RevokedAt = &revokedAt.Time
	}
	return &rec, nil
}

func (t *TokenStore) Revoke(ctx context.Context, jti string) error {
	_, err := t.db.ExecContext(ctx,
		`UPDATE access_tokens SET revoked_at = $1 WHERE jti = $2 AND revoked_at IS NULL`,
		time.Now().UTC(), jti)
	if err != nil {
		return fmt.Errorf("store: revoke token: %w", err)
	}
	return nil
}

var _ auth.TokenStore = (*TokenStore)(nil)
