package auth

import (
	"context"
	"sync"
	"testing"
	"time"
)

// memoryTokenStore is a TokenStore for tests.
type memoryTokenStore struct {
	mu      sync.Mutex
	records map[string]TokenRecord
}

func newMemoryTokenStore() *memoryTokenStore {
	return &memoryTokenStore{records: make(map[string]TokenRecord)}
}

func (s *memoryTokenStore) Record(ctx context.Context, rec TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.JTI] = rec
	return nil
}

func (s *memoryTokenStore) Lookup(ctx context.Context, jti string) (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jti]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memoryTokenStore) Revoke(ctx context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jti]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.RevokedAt = &now
	s.records[jti] = rec
	return nil
}

func newTestService(store TokenStore) *Service {
	return NewService("test-secret", "ai-agent-api", time.Hour, store)
}

func TestIssueAndValidateToken(t *testing.T) {
	store := newMemoryTokenStore()
	svc := newTestService(store)
	ctx := context.Background()

	user := User{ID: "u1", Level: LevelAdmin, GroupID: "g1"}
	token, exp, err := svc.IssueToken(ctx, user)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if token == "" {
		t.Fatal("IssueToken() returned empty token")
	}
	if !exp.After(time.Now()) {
		t.Error("expiry should be in the future")
	}

	got, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if got.ID != "u1" || got.Level != LevelAdmin || got.GroupID != "g1" {
		t.Errorf("ValidateToken() = %+v", got)
	}

	if len(store.records) != 1 {
		t.Errorf("expected 1 recorded jti, got %d", len(store.records))
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	svc := newTestService(newMemoryTokenStore())
	other := NewService("other-secret", "ai-agent-api", time.Hour, nil)
	ctx := context.Background()

	token, _, err := svc.IssueToken(ctx, User{ID: "u1", Level: LevelNormal})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := other.ValidateToken(ctx, token); err == nil {
		t.Error("ValidateToken() with wrong secret should fail")
	}
}

func TestValidateTokenWrongIssuer(t *testing.T) {
	store := newMemoryTokenStore()
	issuer := NewService("test-secret", "someone-else", time.Hour, store)
	validator := newTestService(store)
	ctx := context.Background()

	token, _, err := issuer.IssueToken(ctx, User{ID: "u1", Level: LevelNormal})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := validator.ValidateToken(ctx, token); err == nil {
		t.Error("ValidateToken() with wrong issuer should fail")
	}
}

func TestRevokedTokenRejected(t *testing.T) {
	store := newMemoryTokenStore()
	svc := newTestService(store)
	ctx := context.Background()

	token, _, err := svc.IssueToken(ctx, User{ID: "u1", Level: LevelNormal})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	if _, err := svc.ValidateToken(ctx, token); err != ErrTokenRevoked {
		t.Errorf("ValidateToken() after revoke error = %v, want ErrTokenRevoked", err)
	}
}

func TestUnrecordedTokenRejected(t *testing.T) {
	// Token signed by a service with no store, validated by one with a store:
	// the jti was never recorded so validation must fail.
	signer := NewService("test-secret", "ai-agent-api", time.Hour, nil)
	validator := newTestService(newMemoryTokenStore())
	ctx := context.Background()

	token, _, err := signer.IssueToken(ctx, User{ID: "u1", Level: LevelNormal})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := validator.ValidateToken(ctx, token); err != ErrTokenNotRecorded {
		t.Errorf("ValidateToken() error = %v, want ErrTokenNotRecorded", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	store := newMemoryTokenStore()
	svc := NewService("test-secret", "ai-agent-api", -time.Minute, store)
	ctx := context.Background()

	token, _, err := svc.IssueToken(ctx, User{ID: "u1", Level: LevelNormal})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Error("ValidateToken() of expired token should fail")
	}
}

func TestPasswordHashAndVerify(t *testing.T) {
	hash, err := HashPassword("s3nha-forte")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "s3nha-forte" {
		t.Fatal("hash must not equal the plaintext")
	}
	if !VerifyPassword(hash, "s3nha-forte") {
		t.Error("VerifyPassword() with the right password = false")
	}
	if VerifyPassword(hash, "wrong") {
		t.Error("VerifyPassword() with the wrong password = true")
	}
}

func TestCanSeeAgent(t *testing.T) {
	tests := []struct {
		name    string
		user    User
		agentGp string
		want    bool
	}{
		{"admin geral sees all", User{Level: LevelAdminGeral}, "g9", true},
		{"same group", User{Level: LevelNormal, GroupID: "g1"}, "g1", true},
		{"other group", User{Level: LevelNormal, GroupID: "g1"}, "g2", false},
		{"legacy groupless agent", User{Level: LevelNormal, GroupID: "g1"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.user.CanSeeAgent(tt.agentGp); got != tt.want {
				t.Errorf("CanSeeAgent() = %v, want %v", got, tt.want)
			}
		})
	}
}
