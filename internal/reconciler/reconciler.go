// Package reconciler runs the periodic background sweeps that restore
// invariants violated by missed events: a lost disconnect, a stalled reply,
// an unassigned queue. It wraps gocron; each sweep is a singleton job so a
// slow run is never overlapped by the next tick.
//
// The sweeps are deliberately idempotent and cheap to repeat. Every action
// they take goes through the same lifecycle manager paths the event-driven
// flows use, so a sweep can never produce a state an online path could not.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatline-io/chatline/internal/assign"
	"github.com/chatline-io/chatline/internal/db"
	"github.com/chatline-io/chatline/internal/lifecycle"
	"github.com/chatline-io/chatline/internal/metrics"
	"github.com/chatline-io/chatline/internal/registry"
	"github.com/chatline-io/chatline/internal/repositories"
)

// Config carries the reconciler's dependencies and tuning knobs.
type Config struct {
	Convs     repositories.ConversationRepository
	Registry  *registry.Registry
	Engine    *assign.Engine
	Lifecycle *lifecycle.Manager
	Logger    *zap.Logger

	// HeartbeatSweepEvery is the period of the stale-agent sweep.
	HeartbeatSweepEvery time.Duration

	// DrainEvery is the period of the waiting-queue drain.
	DrainEvery time.Duration

	// TimeoutSweepEvery is the period of the reply-timeout sweep.
	TimeoutSweepEvery time.Duration

	// TimeoutThreshold is how long a customer message may go unanswered
	// before the conversation is auto-transferred.
	TimeoutThreshold time.Duration
}

// sweepBudget bounds how long a single sweep run may take.
const sweepBudget = 30 * time.Second

// Reconciler owns the three periodic sweeps. The zero value is not usable —
// create instances with New.
type Reconciler struct {
	cron      gocron.Scheduler
	convs     repositories.ConversationRepository
	reg       *registry.Registry
	engine    *assign.Engine
	mgr       *lifecycle.Manager
	threshold time.Duration
	logger    *zap.Logger
}

// New creates a Reconciler and registers its jobs. Call Start to begin.
func New(cfg Config) (*Reconciler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	r := &Reconciler{
		cron:      cron,
		convs:     cfg.Convs,
		reg:       cfg.Registry,
		engine:    cfg.Engine,
		mgr:       cfg.Lifecycle,
		threshold: cfg.TimeoutThreshold,
		logger:    cfg.Logger.Named("reconciler"),
	}

	jobs := []struct {
		name  string
		every time.Duration
		run   func(context.Context)
	}{
		{"heartbeat_sweep", cfg.HeartbeatSweepEvery, func(ctx context.Context) { r.SweepHeartbeats(ctx) }},
		{"waiting_drain", cfg.DrainEvery, func(ctx context.Context) { r.DrainWaiting(ctx) }},
		{"timeout_sweep", cfg.TimeoutSweepEvery, func(ctx context.Context) { r.SweepTimeouts(ctx) }},
	}
	for _, j := range jobs {
		run := j.run
		_, err := cron.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), sweepBudget)
				defer cancel()
				run(ctx)
			}),
			gocron.WithTags(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, fmt.Errorf("gocron.NewJob failed for %s: %w", j.name, err)
		}
	}
	return r, nil
}

// Start begins the periodic sweeps.
func (r *Reconciler) Start() {
	r.cron.Start()
	r.logger.Info("reconciler started")
}

// Stop shuts the scheduler down, waiting for a running sweep to finish.
func (r *Reconciler) Stop() error {
	if err := r.cron.Shutdown(); err != nil {
		return fmt.Errorf("reconciler shutdown error: %w", err)
	}
	r.logger.Info("reconciler stopped")
	return nil
}

// SweepHeartbeats forces agents with a lapsed liveness marker offline and
// redistributes their ACTIVE conversations. Agents that disconnected cleanly
// were already unbound and are not visited here.
func (r *Reconciler) SweepHeartbeats(ctx context.Context) {
	forced := 0
	for _, agentID := range r.reg.OnlineAgents() {
		if r.reg.IsAlive(agentID) {
			continue
		}

		if sess, ok := r.reg.LookupAgentSession(agentID); ok {
			r.reg.UnbindBySession(ctx, sess.ID())
			sess.Close()
		} else {
			r.reg.SetStatus(ctx, agentID, registry.StatusOffline)
			r.reg.ClearAlive(ctx, agentID)
		}
		forced++
		metrics.AgentsForcedOffline.Inc()

		transferred, reverted := r.mgr.HandleAgentOffline(ctx, agentID)
		r.logger.Info("stale agent forced offline",
			zap.String("agent_id", agentID.String()),
			zap.Int("transferred", transferred),
			zap.Int("reverted", reverted),
		)
	}
	if forced > 0 {
		r.logger.Info("heartbeat sweep done", zap.Int("forced_offline", forced))
	}
}

// DrainWaiting assigns queued conversations across online agents, least
// loaded first. This is the safety net behind the event-driven assignment
// paths; most runs find an empty queue and do nothing.
func (r *Reconciler) DrainWaiting(ctx context.Context) {
	waiting, err := r.convs.WaitingQueue(ctx, 1)
	if err != nil {
		r.logger.Warn("drain sweep: queue peek failed", zap.Error(err))
		return
	}
	if len(waiting) == 0 {
		return
	}

	assigned := 0
	for _, entry := range r.reg.AgentsByLoad() {
		assigned += r.mgr.DrainWaitingFor(ctx, entry.AgentID)

		remaining, err := r.convs.WaitingQueue(ctx, 1)
		if err != nil || len(remaining) == 0 {
			break
		}
	}
	if assigned > 0 {
		r.logger.Info("drain sweep assigned conversations", zap.Int("assigned", assigned))
	}
}

// SweepTimeouts auto-transfers ACTIVE conversations whose customer has been
// waiting on a reply longer than the threshold. A conversation with no
// eligible target stays where it is and is retried on the next tick.
func (r *Reconciler) SweepTimeouts(ctx context.Context) {
	cutoff := time.Now().Add(-r.threshold)
	candidates, err := r.convs.TimeoutCandidates(ctx, cutoff)
	if err != nil {
		r.logger.Warn("timeout sweep: candidate fetch failed", zap.Error(err))
		return
	}

	transferred := 0
	for i := range candidates {
		conv := &candidates[i]
		if conv.AgentID == nil {
			continue
		}
		current := *conv.AgentID

		target, err := r.engine.Pick(ctx, map[uuid.UUID]struct{}{current: {}})
		if err != nil {
			metrics.TransfersTotal.WithLabelValues(db.TransferAutoTimeout.String(), "failed").Inc()
			r.logger.Warn("timeout sweep: pick failed", zap.Error(err))
			continue
		}
		if target == nil {
			// Nobody else can take it; leave it with the current agent.
			metrics.TransfersTotal.WithLabelValues(db.TransferAutoTimeout.String(), "failed").Inc()
			continue
		}

		minutes := int(r.threshold.Minutes())
		reason := fmt.Sprintf("customer unanswered for over %d minutes", minutes)
		if err := r.mgr.Transfer(ctx, conv.ID, target.ID, db.TransferAutoTimeout, nil, reason); err != nil {
			metrics.TransfersTotal.WithLabelValues(db.TransferAutoTimeout.String(), "failed").Inc()
			r.logger.Warn("timeout transfer failed",
				zap.String("conversation_id", conv.ID.String()),
				zap.Error(err),
			)
			continue
		}
		transferred++
	}
	if transferred > 0 {
		r.logger.Info("timeout sweep transferred conversations", zap.Int("transferred", transferred))
	}
}
