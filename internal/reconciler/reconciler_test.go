package reconciler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chatline-io/chatline/internal/assign"
	"github.com/chatline-io/chatline/internal/db"
	"github.com/chatline-io/chatline/internal/lifecycle"
	"github.com/chatline-io/chatline/internal/metrics"
	"github.com/chatline-io/chatline/internal/registry"
	"github.com/chatline-io/chatline/internal/repositories"
	"github.com/chatline-io/chatline/internal/wire"
)

// timeoutTransfers reads the auto-timeout transfer counter for one outcome.
func timeoutTransfers(outcome string) float64 {
	return testutil.ToFloat64(
		metrics.TransfersTotal.WithLabelValues(db.TransferAutoTimeout.String(), outcome))
}

type sweepSession struct {
	id     string
	closed bool
}

func (s *sweepSession) ID() string           { return s.id }
func (s *sweepSession) Push(wire.Frame) bool { return true }
func (s *sweepSession) Kick(string)          {}
func (s *sweepSession) Close()               { s.closed = true }
func (s *sweepSession) Established() bool    { return true }

type sweepFixture struct {
	rec       *Reconciler
	reg       *registry.Registry
	agents    repositories.AgentRepository
	customers repositories.CustomerRepository
	convs     repositories.ConversationRepository
}

func newSweepFixture(t *testing.T, ttl time.Duration) *sweepFixture {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	agents := repositories.NewAgentRepository(database)
	customers := repositories.NewCustomerRepository(database)
	convs := repositories.NewConversationRepository(database)

	reg := registry.New(registry.Config{
		HeartbeatTTL: ttl,
		LoadOf: func(ctx context.Context, agentID uuid.UUID) (float64, error) {
			return assign.Score(ctx, convs, agentID)
		},
		Logger: zap.NewNop(),
	})
	engine := assign.NewEngine(reg, agents, convs, zap.NewNop())
	mgr := lifecycle.New(lifecycle.Config{
		Agents:    agents,
		Customers: customers,
		Convs:     convs,
		Registry:  reg,
		Engine:    engine,
		Logger:    zap.NewNop(),
	})

	rec, err := New(Config{
		Convs:               convs,
		Registry:            reg,
		Engine:              engine,
		Lifecycle:           mgr,
		Logger:              zap.NewNop(),
		HeartbeatSweepEvery: time.Minute,
		DrainEvery:          time.Minute,
		TimeoutSweepEvery:   time.Minute,
		TimeoutThreshold:    2 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Stop() })

	return &sweepFixture{rec: rec, reg: reg, agents: agents, customers: customers, convs: convs}
}

func (f *sweepFixture) onlineAgent(t *testing.T, name string, capacity int) (*db.Agent, *sweepSession) {
	t.Helper()
	a := &db.Agent{Name: name, Password: "x", Capacity: capacity, Enabled: true}
	require.NoError(t, f.agents.Create(context.Background(), a))
	sess := &sweepSession{id: "agent-" + name}
	f.reg.BindAgent(context.Background(), a.ID, false, sess)
	return a, sess
}

func (f *sweepFixture) activeConv(t *testing.T, visitor string, agentID uuid.UUID) *db.Conversation {
	t.Helper()
	ctx := context.Background()
	c, err := f.customers.Upsert(ctx, visitor, repositories.CustomerAttrs{})
	require.NoError(t, err)
	conv, _, err := f.convs.GetOrOpenFor(ctx, c.ID)
	require.NoError(t, err)
	require.NoError(t, f.convs.Assign(ctx, conv.ID, agentID))
	return conv
}

func TestSweepHeartbeatsForcesStaleAgentsOffline(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t, 50*time.Millisecond)

	stale, staleSess := f.onlineAgent(t, "stale", 5)
	conv := f.activeConv(t, "v1", stale.ID)

	time.Sleep(60 * time.Millisecond)
	rescue, _ := f.onlineAgent(t, "rescue", 5)

	f.rec.SweepHeartbeats(ctx)

	assert.Equal(t, registry.StatusOffline, f.reg.AgentStatus(stale.ID))
	assert.True(t, staleSess.closed, "the dead transport is torn down")
	assert.Equal(t, registry.StatusOnline, f.reg.AgentStatus(rescue.ID))

	got, err := f.convs.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AgentID)
	assert.Equal(t, rescue.ID, *got.AgentID)

	recs, err := f.convs.Transfers(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, db.TransferAutoAgentOffline, recs[0].Kind)
}

func TestSweepHeartbeatsRevertsWhenNobodyIsLeft(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t, 50*time.Millisecond)

	stale, _ := f.onlineAgent(t, "stale", 5)
	conv := f.activeConv(t, "v1", stale.ID)
	time.Sleep(60 * time.Millisecond)

	f.rec.SweepHeartbeats(ctx)

	got, err := f.convs.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ConversationWaiting, got.Status)
	assert.Nil(t, got.AgentID)
}

func TestSweepHeartbeatsLeavesLiveAgentsAlone(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t, time.Minute)

	agent, sess := f.onlineAgent(t, "alice", 5)
	f.rec.SweepHeartbeats(ctx)

	assert.Equal(t, registry.StatusOnline, f.reg.AgentStatus(agent.ID))
	assert.False(t, sess.closed)
}

func TestDrainWaitingSpreadsQueueAcrossAgents(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t, time.Minute)

	for _, visitor := range []string{"v1", "v2", "v3"} {
		c, err := f.customers.Upsert(ctx, visitor, repositories.CustomerAttrs{})
		require.NoError(t, err)
		_, _, err = f.convs.GetOrOpenFor(ctx, c.ID)
		require.NoError(t, err)
	}

	f.onlineAgent(t, "alice", 2)
	f.onlineAgent(t, "bob", 2)

	f.rec.DrainWaiting(ctx)

	remaining, err := f.convs.WaitingQueue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining, "every queued conversation found an agent")
}

func TestDrainWaitingStopsAtCapacity(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t, time.Minute)

	for _, visitor := range []string{"v1", "v2", "v3"} {
		c, err := f.customers.Upsert(ctx, visitor, repositories.CustomerAttrs{})
		require.NoError(t, err)
		_, _, err = f.convs.GetOrOpenFor(ctx, c.ID)
		require.NoError(t, err)
	}

	agent, _ := f.onlineAgent(t, "alice", 2)
	f.rec.DrainWaiting(ctx)

	active, err := f.convs.CountActiveByAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), active)

	remaining, err := f.convs.WaitingQueue(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 1, "the overflow stays queued")
}

func TestSweepTimeoutsTransfersStalledConversations(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t, time.Minute)

	slow, _ := f.onlineAgent(t, "slow", 5)
	conv := f.activeConv(t, "v1", slow.ID)
	require.NoError(t, f.convs.TouchCustomerMessage(ctx, conv.ID, time.Now().Add(-5*time.Minute)))

	rescue, _ := f.onlineAgent(t, "rescue", 5)

	before := timeoutTransfers("success")
	f.rec.SweepTimeouts(ctx)
	assert.Equal(t, before+1, timeoutTransfers("success"))

	got, err := f.convs.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AgentID)
	assert.Equal(t, rescue.ID, *got.AgentID)

	recs, err := f.convs.Transfers(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, db.TransferAutoTimeout, recs[0].Kind)
	assert.Nil(t, recs[0].OperatorID)
	assert.Contains(t, recs[0].Reason, "unanswered")
}

func TestSweepTimeoutsLeavesConversationWithoutAlternative(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t, time.Minute)

	slow, _ := f.onlineAgent(t, "slow", 5)
	conv := f.activeConv(t, "v1", slow.ID)
	require.NoError(t, f.convs.TouchCustomerMessage(ctx, conv.ID, time.Now().Add(-5*time.Minute)))

	before := timeoutTransfers("failed")
	f.rec.SweepTimeouts(ctx)
	assert.Equal(t, before+1, timeoutTransfers("failed"), "a stuck conversation counts as a failed rescue")

	got, err := f.convs.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AgentID)
	assert.Equal(t, slow.ID, *got.AgentID, "no eligible target means no move")

	recs, err := f.convs.Transfers(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSweepTimeoutsIgnoresAnsweredConversations(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t, time.Minute)

	slow, _ := f.onlineAgent(t, "slow", 5)
	conv := f.activeConv(t, "v1", slow.ID)
	stalled := time.Now().Add(-5 * time.Minute)
	require.NoError(t, f.convs.TouchCustomerMessage(ctx, conv.ID, stalled))
	require.NoError(t, f.convs.TouchAgentReply(ctx, conv.ID, stalled.Add(time.Minute)))

	f.onlineAgent(t, "rescue", 5)
	f.rec.SweepTimeouts(ctx)

	got, err := f.convs.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, slow.ID, *got.AgentID)
}
