package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis key namespaces. The fd keys let an operator (or a restarted
// process) see which principal held which session handle.
const (
	keyAgent      = "im:agent:"       // im:agent:<id> → session handle
	keyCustomer   = "im:customer:"    // im:customer:<id> → session handle
	keyFD         = "im:fd:"          // im:fd:<handle> → principal
	keyAgentAlive = "im:agent:alive:" // im:agent:alive:<id>, TTL-bounded
	keyAgentState = "im:agent:state:" // im:agent:state:<id> → online/offline/busy
	keyLoad       = "im:agent:load"   // sorted set, score = load
)

// mirrorTimeout bounds every mirror write so a slow Redis cannot stall a
// bind or heartbeat path.
const mirrorTimeout = 2 * time.Second

// mirror shadows registry mutations into Redis. A nil client disables it;
// every method is then a no-op, which keeps call sites branch-free.
type mirror struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func newMirror(rdb *redis.Client, logger *zap.Logger) *mirror {
	return &mirror{rdb: rdb, logger: logger.Named("registry_mirror")}
}

func (m *mirror) enabled() bool { return m.rdb != nil }

func (m *mirror) bindAgent(ctx context.Context, agentID uuid.UUID, sessionID string, ttl time.Duration) {
	if !m.enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	pipe := m.rdb.Pipeline()
	pipe.Set(ctx, keyAgent+agentID.String(), sessionID, 0)
	pipe.Set(ctx, keyFD+sessionID, "agent:"+agentID.String(), 0)
	pipe.Set(ctx, keyAgentAlive+agentID.String(), "1", ttl)
	pipe.Set(ctx, keyAgentState+agentID.String(), string(StatusOnline), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("mirror bind agent failed", zap.Error(err))
	}
}

func (m *mirror) bindCustomer(ctx context.Context, customerID uuid.UUID, sessionID string) {
	if !m.enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	pipe := m.rdb.Pipeline()
	pipe.Set(ctx, keyCustomer+customerID.String(), sessionID, 0)
	pipe.Set(ctx, keyFD+sessionID, "customer:"+customerID.String(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("mirror bind customer failed", zap.Error(err))
	}
}

func (m *mirror) unbind(ctx context.Context, p Principal, sessionID string) {
	if !m.enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	pipe := m.rdb.Pipeline()
	pipe.Del(ctx, keyFD+sessionID)
	switch p.Kind {
	case PrincipalAgent:
		pipe.Del(ctx, keyAgent+p.ID.String())
		pipe.Del(ctx, keyAgentAlive+p.ID.String())
		pipe.Set(ctx, keyAgentState+p.ID.String(), string(StatusOffline), 0)
		pipe.ZRem(ctx, keyLoad, p.ID.String())
	case PrincipalCustomer:
		pipe.Del(ctx, keyCustomer+p.ID.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("mirror unbind failed", zap.Error(err))
	}
}

func (m *mirror) heartbeat(ctx context.Context, agentID uuid.UUID, ttl time.Duration) {
	if !m.enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	if err := m.rdb.Set(ctx, keyAgentAlive+agentID.String(), "1", ttl).Err(); err != nil {
		m.logger.Warn("mirror heartbeat failed", zap.Error(err))
	}
}

func (m *mirror) clearAlive(ctx context.Context, agentID uuid.UUID) {
	if !m.enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	if err := m.rdb.Del(ctx, keyAgentAlive+agentID.String()).Err(); err != nil {
		m.logger.Warn("mirror clear alive failed", zap.Error(err))
	}
}

func (m *mirror) setStatus(ctx context.Context, agentID uuid.UUID, status Status) {
	if !m.enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	if err := m.rdb.Set(ctx, keyAgentState+agentID.String(), string(status), 0).Err(); err != nil {
		m.logger.Warn("mirror set status failed", zap.Error(err))
	}
}

func (m *mirror) setLoad(ctx context.Context, agentID uuid.UUID, score float64) {
	if !m.enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	if err := m.rdb.ZAdd(ctx, keyLoad, redis.Z{Score: score, Member: agentID.String()}).Err(); err != nil {
		m.logger.Warn("mirror set load failed", zap.Error(err))
	}
}

func (m *mirror) removeLoad(ctx context.Context, agentID uuid.UUID) {
	if !m.enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	if err := m.rdb.ZRem(ctx, keyLoad, agentID.String()).Err(); err != nil {
		m.logger.Warn("mirror remove load failed", zap.Error(err))
	}
}
