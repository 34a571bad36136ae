// Package registry maintains the in-memory registry of connected sessions:
// which agent or customer is online, over which session, how alive each
// agent is, and how loaded. The registry is the volatile counterpart of the
// conversation store — restart loses it, reconnects rebuild it.
//
// All state is process-local and guarded by a single RWMutex; an optional
// Redis mirror shadows every mutation for observability and cross-restart
// visibility. The mirror is strictly best-effort: failures are logged and
// never fail the operation, because a single-instance dispatcher is correct
// on the in-memory maps alone.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatline-io/chatline/internal/wire"
)

// PrincipalKind distinguishes the two session owner types.
type PrincipalKind int

const (
	PrincipalAgent PrincipalKind = iota + 1
	PrincipalCustomer
)

// Principal identifies the owner of a session.
type Principal struct {
	Kind PrincipalKind
	ID   uuid.UUID
}

// Status is an agent's availability. It is an informational cache — the
// liveness TTL is the source of truth wherever capacity matters.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusBusy    Status = "busy"
)

// Session is one live bidirectional transport connection. The gateway's
// concrete session satisfies this; the registry and lifecycle manager never
// see the underlying WebSocket.
type Session interface {
	// ID is the process-unique session handle (the "fd").
	ID() string

	// Push enqueues an outbound frame, best-effort. It never blocks;
	// it reports false if the session's buffer is full or closed.
	Push(frame wire.Frame) bool

	// Kick delivers a terminal kicked frame and then closes gracefully,
	// after the already-enqueued frames have drained.
	Kick(message string)

	// Close severs the transport without a farewell frame.
	Close()

	// Established reports whether the transport is still writable.
	Established() bool
}

// LoadFunc computes an agent's current load score from durable state.
// Injected so the registry stays free of database dependencies.
type LoadFunc func(ctx context.Context, agentID uuid.UUID) (float64, error)

// LoadEntry is one row of the load ordering snapshot.
type LoadEntry struct {
	AgentID uuid.UUID
	Score   float64
}

// Config carries the registry's dependencies. Redis may be nil, in which
// case the mirror is disabled.
type Config struct {
	HeartbeatTTL time.Duration
	LoadOf       LoadFunc
	Redis        *redis.Client
	Logger       *zap.Logger
}

// Registry is the authoritative volatile session state. Safe for concurrent
// use by the gateway, the lifecycle manager, and the reconcilers.
//
// The zero value is not usable — create instances with New.
type Registry struct {
	mu         sync.RWMutex
	agents     map[uuid.UUID]Session
	customers  map[uuid.UUID]Session
	bySession  map[string]Principal
	status     map[uuid.UUID]Status
	admins     map[uuid.UUID]bool
	aliveUntil map[uuid.UUID]time.Time
	load       map[uuid.UUID]float64

	ttl    time.Duration
	loadOf LoadFunc
	mirror *mirror
	logger *zap.Logger

	// now is swappable in tests to step liveness deadlines.
	now func() time.Time
}

// New creates a Registry.
func New(cfg Config) *Registry {
	return &Registry{
		agents:     make(map[uuid.UUID]Session),
		customers:  make(map[uuid.UUID]Session),
		bySession:  make(map[string]Principal),
		status:     make(map[uuid.UUID]Status),
		admins:     make(map[uuid.UUID]bool),
		aliveUntil: make(map[uuid.UUID]time.Time),
		load:       make(map[uuid.UUID]float64),
		ttl:        cfg.HeartbeatTTL,
		loadOf:     cfg.LoadOf,
		mirror:     newMirror(cfg.Redis, cfg.Logger),
		logger:     cfg.Logger.Named("registry"),
		now:        time.Now,
	}
}

// BindAgent binds an agent to a session, evicting any prior session. If the
// old transport is still established it receives a kicked frame before the
// mapping is overwritten; a dead old transport is silently replaced. The
// agent comes up ONLINE with a fresh liveness deadline and, unless it is an
// admin, a freshly computed load score.
func (r *Registry) BindAgent(ctx context.Context, agentID uuid.UUID, admin bool, sess Session) {
	r.mu.Lock()
	old := r.agents[agentID]
	if old != nil && old.ID() != sess.ID() {
		delete(r.bySession, old.ID())
	}

	r.agents[agentID] = sess
	r.bySession[sess.ID()] = Principal{Kind: PrincipalAgent, ID: agentID}
	r.status[agentID] = StatusOnline
	r.admins[agentID] = admin
	r.aliveUntil[agentID] = r.now().Add(r.ttl)
	r.mu.Unlock()

	// Evict outside the lock — Kick never blocks, but it touches the old
	// session's internals and has no business under the registry mutex.
	if old != nil && old.ID() != sess.ID() {
		if old.Established() {
			r.logger.Info("evicting prior agent session",
				zap.String("agent_id", agentID.String()),
				zap.String("old_session", old.ID()),
				zap.String("new_session", sess.ID()),
			)
			old.Kick("signed in from another location")
		} else {
			r.logger.Debug("replacing dead agent session",
				zap.String("agent_id", agentID.String()),
				zap.String("old_session", old.ID()),
			)
		}
	}

	if !admin {
		r.recomputeLoad(ctx, agentID)
	}

	r.mirror.bindAgent(ctx, agentID, sess.ID(), r.ttl)
	r.logger.Info("agent bound",
		zap.String("agent_id", agentID.String()),
		zap.String("session", sess.ID()),
	)
}

// BindCustomer binds a customer to a session. A prior session for the same
// customer is replaced and closed without ceremony — a page refresh is the
// common cause, and the widget reconnect expects silent replacement.
func (r *Registry) BindCustomer(ctx context.Context, customerID uuid.UUID, sess Session) {
	r.mu.Lock()
	old := r.customers[customerID]
	if old != nil && old.ID() != sess.ID() {
		delete(r.bySession, old.ID())
	}
	r.customers[customerID] = sess
	r.bySession[sess.ID()] = Principal{Kind: PrincipalCustomer, ID: customerID}
	r.mu.Unlock()

	if old != nil && old.ID() != sess.ID() {
		old.Close()
	}

	r.mirror.bindCustomer(ctx, customerID, sess.ID())
	r.logger.Debug("customer bound",
		zap.String("customer_id", customerID.String()),
		zap.String("session", sess.ID()),
	)
}

// UnbindBySession removes the forward and reverse mappings for a session.
// For agents this also marks the agent OFFLINE, clears its liveness marker,
// and drops it from the load ordering. A session that was already evicted
// by a newer bind finds no reverse mapping and is a no-op.
func (r *Registry) UnbindBySession(ctx context.Context, sessionID string) {
	r.mu.Lock()
	p, ok := r.bySession[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.bySession, sessionID)

	switch p.Kind {
	case PrincipalAgent:
		delete(r.agents, p.ID)
		r.status[p.ID] = StatusOffline
		delete(r.aliveUntil, p.ID)
		delete(r.load, p.ID)
	case PrincipalCustomer:
		delete(r.customers, p.ID)
	}
	r.mu.Unlock()

	r.mirror.unbind(ctx, p, sessionID)
	r.logger.Debug("session unbound", zap.String("session", sessionID))
}

// Heartbeat refreshes the agent's liveness deadline. No-op if the agent is
// not currently bound.
func (r *Registry) Heartbeat(ctx context.Context, agentID uuid.UUID) {
	r.mu.Lock()
	if _, bound := r.agents[agentID]; !bound {
		r.mu.Unlock()
		return
	}
	r.aliveUntil[agentID] = r.now().Add(r.ttl)
	r.mu.Unlock()

	r.mirror.heartbeat(ctx, agentID, r.ttl)
}

// LookupAgentSession returns the session bound to an agent, if any.
func (r *Registry) LookupAgentSession(agentID uuid.UUID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.agents[agentID]
	return s, ok
}

// LookupCustomerSession returns the session bound to a customer, if any.
func (r *Registry) LookupCustomerSession(customerID uuid.UUID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.customers[customerID]
	return s, ok
}

// LookupBySession reverse-resolves a session handle to its principal.
func (r *Registry) LookupBySession(sessionID string) (Principal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.bySession[sessionID]
	return p, ok
}

// AgentStatus returns the agent's availability. Unknown agents are OFFLINE.
func (r *Registry) AgentStatus(agentID uuid.UUID) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.status[agentID]; ok {
		return s
	}
	return StatusOffline
}

// SetStatus changes an agent's availability. Leaving ONLINE removes the
// agent from the load ordering without refreshing its TTL; entering ONLINE
// re-inserts it with a freshly computed score.
func (r *Registry) SetStatus(ctx context.Context, agentID uuid.UUID, status Status) {
	r.mu.Lock()
	prev := r.status[agentID]
	r.status[agentID] = status
	admin := r.admins[agentID]
	if prev == StatusOnline && status != StatusOnline {
		delete(r.load, agentID)
	}
	r.mu.Unlock()

	if status == StatusOnline && prev != StatusOnline && !admin {
		r.recomputeLoad(ctx, agentID)
	}
	if status != StatusOnline {
		r.mirror.removeLoad(ctx, agentID)
	}
	r.mirror.setStatus(ctx, agentID, status)
}

// IsAlive reports whether the agent's liveness marker exists and has not
// expired. This, not Status, is the authority wherever capacity matters.
func (r *Registry) IsAlive(agentID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	deadline, ok := r.aliveUntil[agentID]
	return ok && r.now().Before(deadline)
}

// ClearAlive drops the liveness marker without touching the session
// mapping. The heartbeat sweep uses it when forcing a stale agent offline.
func (r *Registry) ClearAlive(ctx context.Context, agentID uuid.UUID) {
	r.mu.Lock()
	delete(r.aliveUntil, agentID)
	r.mu.Unlock()
	r.mirror.clearAlive(ctx, agentID)
}

// AgentsByLoad returns a snapshot of the load ordering, score ascending,
// ties broken by agent id. The snapshot may miss very recent mutations;
// callers re-check capacity against the store before acting on it.
func (r *Registry) AgentsByLoad() []LoadEntry {
	r.mu.RLock()
	entries := make([]LoadEntry, 0, len(r.load))
	for id, score := range r.load {
		entries = append(entries, LoadEntry{AgentID: id, Score: score})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score < entries[j].Score
		}
		return entries[i].AgentID.String() < entries[j].AgentID.String()
	})
	return entries
}

// OnlineAgents returns the ids of all agents currently marked ONLINE.
func (r *Registry) OnlineAgents() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(r.status))
	for id, s := range r.status {
		if s == StatusOnline {
			ids = append(ids, id)
		}
	}
	return ids
}

// UpdateLoad upserts the agent's score if the agent is present in the load
// ordering; agents outside it (offline, busy, admin) are left out.
func (r *Registry) UpdateLoad(ctx context.Context, agentID uuid.UUID, score float64) {
	r.mu.Lock()
	_, present := r.load[agentID]
	if present {
		r.load[agentID] = score
	}
	r.mu.Unlock()

	if present {
		r.mirror.setLoad(ctx, agentID, score)
	}
}

// RecomputeLoad recomputes the agent's score via the injected LoadFunc and
// inserts or updates it in the ordering. Called after every assignment,
// close, or transfer touching the agent.
func (r *Registry) RecomputeLoad(ctx context.Context, agentID uuid.UUID) {
	r.mu.RLock()
	online := r.status[agentID] == StatusOnline
	admin := r.admins[agentID]
	r.mu.RUnlock()
	if !online || admin {
		return
	}
	r.recomputeLoad(ctx, agentID)
}

func (r *Registry) recomputeLoad(ctx context.Context, agentID uuid.UUID) {
	score, err := r.loadOf(ctx, agentID)
	if err != nil {
		r.logger.Warn("load recompute failed",
			zap.String("agent_id", agentID.String()),
			zap.Error(err),
		)
		return
	}

	r.mu.Lock()
	r.load[agentID] = score
	r.mu.Unlock()

	r.mirror.setLoad(ctx, agentID, score)
}
