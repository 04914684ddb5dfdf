package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Service issues and validates HS256 access tokens. Every issued token is
// recorded by jti so it can be revoked server-side before expiry.
type Service struct {
	secret []byte
	issuer string
	ttl    time.Duration
	store  TokenStore

	// LegacyToken is the shared-secret fallback accepted verbatim when set.
	LegacyToken string
}

// NewService builds a token service. A nil store disables revocation
// bookkeeping, which is only acceptable in tests.
func NewService(secret, issuer string, ttl time.Duration, store TokenStore) *Service {
	return &Service{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		store:  store,
	}
}

// Enabled reports whether any credential verification is configured at all.
// When false the middleware runs in development pass-through mode.
func (s *Service) Enabled() bool {
	return len(s.secret) > 0 || s.LegacyToken != ""
}

// IssueToken signs a token for the user and records its jti.
func (s *Service) IssueToken(ctx context.Context, user User) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(s.ttl)
	jti := uuid.New().String()

	tok, err := jwt.NewBuilder().
		Issuer(s.issuer).
		Subject(user.ID).
		JwtID(jti).
		IssuedAt(now).
		Expiration(exp).
		Claim("grp", user.GroupID).
		Claim("lvl", user.Level).
		Build()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}

	if s.store != nil {
		err = s.store.Record(ctx, TokenRecord{JTI: jti, UserID: user.ID, ExpiresAt: exp})
		if err != nil {
			return "", time.Time{}, fmt.Errorf("auth: record token: %w", err)
		}
	}
	return string(signed), exp, nil
}

// ValidateToken verifies signature, issuer and expiry, then checks the jti
// record: a token whose record is missing, revoked or expired is rejected
// even if the signature still verifies.
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (*User, error) {
	tok, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(true),
		jwt.WithIssuer(s.issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	jti := tok.JwtID()
	if jti == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}

	if s.store != nil {
		rec, err := s.store.Lookup(ctx, jti)
		if err != nil {
			return nil, fmt.Errorf("auth: lookup token: %w", err)
		}
		if rec == nil {
			return nil, ErrTokenNotRecorded
		}
		if rec.RevokedAt != nil {
			return nil, ErrTokenRevoked
		}
		if time.Now().After(rec.ExpiresAt) {
			return nil, ErrTokenExpired
		}
	}

	user := &User{ID: tok.Subject()}
	if grp, ok := tok.Get("grp"); ok {
		if v, ok := grp.(string); ok {
			user.GroupID = v
		}
	}
	if lvl, ok := tok.Get("lvl"); ok {
		if v, ok := lvl.(string); ok {
			user.Level = v
		}
	}
	return user, nil
}

// RevokeToken marks a token's record revoked. Validation fails afterwards.
func (s *Service) RevokeToken(ctx context.Context, tokenString string) error {
	tok, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(false),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if s.store == nil {
		return nil
	}
	return s.store.Revoke(ctx, tok.JwtID())
}
