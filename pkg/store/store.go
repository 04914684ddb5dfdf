// Package store is the Postgres persistence layer: users, groups, issued
// access tokens and database-sourced agent configurations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Store wraps the SQL connection pool. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("store: database_url is not set")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the schema when missing. Run at startup when
// migrate_on_startup is enabled.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS groups (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			level         TEXT NOT NULL,
			group_id      TEXT REFERENCES groups(id)
		)`,
		`CREATE TABLE IF NOT EXISTS access_tokens (
			jti        TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			revoked_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id         TEXT PRIMARY KEY,
			group_id   TEXT,
			config     JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ============================================================================
// Users and groups
// ============================================================================

// User is a stored account.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Level        string
	GroupID      string
}

// Group is a tenant isolation unit.
type Group struct {
	ID          string
	Name        string
	Description string
}

// CountUsers returns the total number of accounts.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count users: %w", err)
	}
	return n, nil
}

// GetUserByEmail fetches an account, nil when absent.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, level, COALESCE(group_id, '') FROM users WHERE email = $1`, email)
	return scanUser(row)
}

// GetUserByID fetches an account, nil when absent.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, level, COALESCE(group_id, '') FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Level, &u.GroupID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts an account, generating its id.
func (s *Store) CreateUser(ctx context.Context, u User) (*User, error) {
	u.ID = uuid.New().String()
	var groupID interface{}
	if u.GroupID != "" {
		groupID = u.GroupID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, level, group_id) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.PasswordHash, u.Level, groupID)
	if err != nil {
		return nil, fmt.Errorf("store: create user %s: %w", u.Email, err)
	}
	return &u, nil
}

// ListUsers returns accounts ordered by email, optionally scoped to one
// group.
func (s *Store) ListUsers(ctx context.Context, groupID string) ([]User, error) {
	query := `SELECT id, email, password_hash, level, COALESCE(group_id, '') FROM users`
	args := []interface{}{}
	if groupID != "" {
		query += ` WHERE group_id = $1`
		args = append(args, groupID)
	}
	query += ` ORDER BY email`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Level, &u.GroupID); err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CreateGroup inserts a group, generating its id.
func (s *Store) CreateGroup(ctx context.Context, g Group) (*Group, error) {
	g.ID = uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (id, name, description) VALUES ($1, $2, $3)`,
		g.ID, g.Name, g.Description)
	if err != nil {
		return nil, fmt.Errorf("store: create group %s: %w", g.Name, err)
	}
	return &g, nil
}

// ListGroups returns all groups.
func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description FROM groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Description); err != nil {
			return nil, fmt.Errorf("store: scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Setup creates the first group and its ADMIN_GERAL user in one transaction.
// Fails once any user exists.
func (s *Store) Setup(ctx context.Context, groupName, email, passwordHash string) (*User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin setup: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&n); err != nil {
		return nil, fmt.Errorf("store: setup count users: %w", err)
	}
	if n > 0 {
		return nil, ErrAlreadySetUp
	}

	groupID := uuid.New().String()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO groups (id, name, description) VALUES ($1, $2, '')`, groupID, groupName)
	if err != nil {
		return nil, fmt.Errorf("store: setup create group: %w", err)
	}

	user := User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: passwordHash,
		Level:        "ADMIN_GERAL",
		GroupID:      groupID,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, level, group_id) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Email, user.PasswordHash, user.Level, user.GroupID)
	if err != nil {
		return nil, fmt.Errorf("store: setup create user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit setup: %w", err)
	}
	return &user, nil
}

// ErrAlreadySetUp is returned by Setup after the first successful call.
var ErrAlreadySetUp = fmt.Errorf("store: setup already completed")
