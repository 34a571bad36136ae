// Package assign picks the best candidate agent for a conversation. The
// registry's load ordering supplies the iteration order (a hint); the
// per-candidate capacity check against the store supplies correctness.
package assign

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatline-io/chatline/internal/db"
	"github.com/chatline-io/chatline/internal/registry"
	"github.com/chatline-io/chatline/internal/repositories"
)

// activeWeight and awaitingWeight compose the load score. A customer
// waiting on an unanswered message weighs more than one mid-exchange.
const (
	activeWeight   = 1.0
	awaitingWeight = 1.5
)

// Score computes an agent's current load score from the store. Wired into
// the registry as its LoadFunc; the score orders candidates and is never
// trusted as a capacity authority.
func Score(ctx context.Context, convs repositories.ConversationRepository, agentID uuid.UUID) (float64, error) {
	active, err := convs.CountActiveByAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	awaiting, err := convs.CountAwaitingReplyByAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return float64(active)*activeWeight + float64(awaiting)*awaitingWeight, nil
}

// Engine selects assignment candidates.
//
// The zero value is not usable — create instances with NewEngine.
type Engine struct {
	reg    *registry.Registry
	agents repositories.AgentRepository
	convs  repositories.ConversationRepository
	logger *zap.Logger
}

// NewEngine creates an Engine.
func NewEngine(reg *registry.Registry, agents repositories.AgentRepository, convs repositories.ConversationRepository, logger *zap.Logger) *Engine {
	return &Engine{
		reg:    reg,
		agents: agents,
		convs:  convs,
		logger: logger.Named("assign"),
	}
}

// Pick returns the least-loaded eligible agent, or nil if none qualifies.
// Eligible means: not excluded, ONLINE, alive, known, enabled, not admin,
// and below capacity. The capacity count is re-read from the store at the
// decision point — the cached score can be stale under concurrency, and a
// stale score must cost an extra query, not an over-assignment.
func (e *Engine) Pick(ctx context.Context, exclude map[uuid.UUID]struct{}) (*db.Agent, error) {
	for _, entry := range e.reg.AgentsByLoad() {
		id := entry.AgentID
		if _, skip := exclude[id]; skip {
			continue
		}
		if e.reg.AgentStatus(id) != registry.StatusOnline || !e.reg.IsAlive(id) {
			continue
		}

		agent, err := e.agents.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !agent.Enabled || agent.Admin {
			continue
		}

		active, err := e.convs.CountActiveByAgent(ctx, id)
		if err != nil {
			return nil, err
		}
		if active >= int64(agent.Capacity) {
			continue
		}

		e.logger.Debug("candidate picked",
			zap.String("agent_id", id.String()),
			zap.Float64("score", entry.Score),
			zap.Int64("active", active),
		)
		return agent, nil
	}
	return nil, nil
}
