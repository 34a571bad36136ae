package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TokenStore is the allowlist of issued agent tokens. A signed token that
// is absent from the store is rejected — this is what makes logout and
// server-side revocation effective despite stateless JWT signatures.
//
// Tokens are stored by SHA-256 hash; the raw token never touches the store.
type TokenStore interface {
	// Save records a token for an agent with the given TTL.
	Save(ctx context.Context, token string, agentID uuid.UUID, ttl time.Duration) error

	// Lookup returns the agent a token was issued to, or ok=false if the
	// token is unknown, revoked, or expired.
	Lookup(ctx context.Context, token string) (uuid.UUID, bool, error)

	// Revoke removes a token from the allowlist.
	Revoke(ctx context.Context, token string) error
}

// hashToken returns the hex SHA-256 of a raw token.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// -----------------------------------------------------------------------------
// Redis-backed store
// -----------------------------------------------------------------------------

// tokenKeyPrefix namespaces allowlist entries: im:token:<sha256> → agent id.
const tokenKeyPrefix = "im:token:"

// redisTokenStore keeps the allowlist in Redis so tokens survive a server
// restart and expire server-side via key TTL.
type redisTokenStore struct {
	rdb *redis.Client
}

// NewRedisTokenStore returns a TokenStore backed by Redis.
func NewRedisTokenStore(rdb *redis.Client) TokenStore {
	return &redisTokenStore{rdb: rdb}
}

func (s *redisTokenStore) Save(ctx context.Context, token string, agentID uuid.UUID, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, tokenKeyPrefix+hashToken(token), agentID.String(), ttl).Err(); err != nil {
		return fmt.Errorf("auth: saving token: %w", err)
	}
	return nil
}

func (s *redisTokenStore) Lookup(ctx context.Context, token string) (uuid.UUID, bool, error) {
	val, err := s.rdb.Get(ctx, tokenKeyPrefix+hashToken(token)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("auth: looking up token: %w", err)
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

func (s *redisTokenStore) Revoke(ctx context.Context, token string) error {
	if err := s.rdb.Del(ctx, tokenKeyPrefix+hashToken(token)).Err(); err != nil {
		return fmt.Errorf("auth: revoking token: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// In-memory store
// -----------------------------------------------------------------------------

// memoryTokenStore is the allowlist used when no Redis is configured.
// Tokens do not survive a restart, which matches the single-instance
// deployment the no-Redis mode exists for.
type memoryTokenStore struct {
	mu      sync.RWMutex
	entries map[string]memoryToken
}

type memoryToken struct {
	agentID   uuid.UUID
	expiresAt time.Time
}

// NewMemoryTokenStore returns an in-process TokenStore.
func NewMemoryTokenStore() TokenStore {
	return &memoryTokenStore{entries: make(map[string]memoryToken)}
}

func (s *memoryTokenStore) Save(_ context.Context, token string, agentID uuid.UUID, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[hashToken(token)] = memoryToken{
		agentID:   agentID,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (s *memoryTokenStore) Lookup(_ context.Context, token string) (uuid.UUID, bool, error) {
	key := hashToken(token)

	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return uuid.Nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return uuid.Nil, false, nil
	}
	return entry.agentID, true, nil
}

func (s *memoryTokenStore) Revoke(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, hashToken(token))
	return nil
}
