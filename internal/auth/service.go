// Package auth issues and verifies agent bearer tokens and hashes agent
// credentials. Tokens are HS256 JWTs signed with a shared secret; a signed
// token is additionally checked against the allowlist so logout and
// revocation take effect immediately.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/chatline-io/chatline/internal/db"
	"github.com/chatline-io/chatline/internal/repositories"
)

// Claims holds the custom JWT claims embedded in every agent token.
// Standard claims (exp, iat, iss) are included via jwt.RegisteredClaims.
type Claims struct {
	jwt.RegisteredClaims

	// AgentID is the UUID of the authenticated agent.
	AgentID string `json:"aid"`

	// Name is included so clients can display the identity without a
	// profile fetch. Tokens are revocable, so staleness is bounded.
	Name string `json:"name"`

	// Admin is the agent's admin flag at token issuance time.
	Admin bool `json:"admin"`
}

// Service is the agent token verifier: it mints tokens at login, validates
// them at the gateway handshake and on every HTTP request, and revokes them
// at logout.
//
// The zero value is not usable — create instances with NewService.
type Service struct {
	secret []byte
	ttl    time.Duration
	issuer string
	store  TokenStore
	agents repositories.AgentRepository
}

// NewService creates a Service. secret is the shared HS256 signing key;
// ttl bounds token lifetime (allowlist entries share it).
func NewService(secret []byte, ttl time.Duration, store TokenStore, agents repositories.AgentRepository) *Service {
	return &Service{
		secret: secret,
		ttl:    ttl,
		issuer: "chatline",
		store:  store,
		agents: agents,
	}
}

// Login validates name/password and mints a token on success.
func (s *Service) Login(ctx context.Context, name, password string) (string, *db.Agent, error) {
	agent, err := s.agents.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Indistinguishable from a wrong password to avoid
			// account enumeration.
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, fmt.Errorf("auth: fetching agent by name: %w", err)
	}

	if !agent.Enabled {
		return "", nil, ErrAgentDisabled
	}
	if !VerifyPassword(password, agent.Password) {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.mint(agent)
	if err != nil {
		return "", nil, err
	}
	if err := s.store.Save(ctx, token, agent.ID, s.ttl); err != nil {
		return "", nil, err
	}
	return token, agent, nil
}

// Logout revokes a token. Revoking an unknown token is a no-op.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.store.Revoke(ctx, token)
}

// Verify parses and verifies a token: HS256 signature, expiry, issuer, and
// allowlist membership for the same agent. Returns the embedded claims.
func (s *Service) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject tokens signed with anything other than HMAC.
			// This prevents the "alg:none" confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	agentID, err := uuid.Parse(claims.AgentID)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	allowedFor, ok, err := s.store.Lookup(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	if !ok || allowedFor != agentID {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// mint creates a signed HS256 JWT for the given agent.
func (s *Service) mint(agent *db.Agent) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   agent.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
		AgentID: agent.ID.String(),
		Name:    agent.Name,
		Admin:   agent.Admin,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}
