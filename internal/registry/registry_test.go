package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatline-io/chatline/internal/wire"
)

// fakeSession records everything the registry does to it.
type fakeSession struct {
	mu          sync.Mutex
	id          string
	frames      []wire.Frame
	kicked      []string
	closed      bool
	established bool
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, established: true}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Push(frame wire.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return true
}

func (s *fakeSession) Kick(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kicked = append(s.kicked, message)
	s.established = false
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.established = false
}

func (s *fakeSession) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established
}

// testRegistry builds a registry with a controllable clock and a score table.
func testRegistry(t *testing.T, scores map[uuid.UUID]float64) (*Registry, *time.Time) {
	t.Helper()
	now := time.Now()
	r := New(Config{
		HeartbeatTTL: 60 * time.Second,
		LoadOf: func(_ context.Context, agentID uuid.UUID) (float64, error) {
			return scores[agentID], nil
		},
		Logger: zap.NewNop(),
	})
	r.now = func() time.Time { return now }
	return r, &now
}

func TestBindAgentEvictsPriorSession(t *testing.T) {
	ctx := context.Background()
	agentID := uuid.New()
	r, _ := testRegistry(t, map[uuid.UUID]float64{})

	s1 := newFakeSession("s1")
	s2 := newFakeSession("s2")

	r.BindAgent(ctx, agentID, false, s1)
	r.BindAgent(ctx, agentID, false, s2)

	require.Len(t, s1.kicked, 1, "prior session must receive a kick")
	assert.True(t, s2.Established(), "new session stays established")

	got, ok := r.LookupAgentSession(agentID)
	require.True(t, ok)
	assert.Equal(t, "s2", got.ID())

	// The evicted session's late unbind must not clobber the new binding.
	r.UnbindBySession(ctx, "s1")
	got, ok = r.LookupAgentSession(agentID)
	require.True(t, ok)
	assert.Equal(t, "s2", got.ID())
	assert.Equal(t, StatusOnline, r.AgentStatus(agentID))
}

func TestBindAgentReplacesDeadSessionWithoutKick(t *testing.T) {
	ctx := context.Background()
	agentID := uuid.New()
	r, _ := testRegistry(t, map[uuid.UUID]float64{})

	s1 := newFakeSession("s1")
	s1.established = false
	s2 := newFakeSession("s2")

	r.BindAgent(ctx, agentID, false, s1)
	r.BindAgent(ctx, agentID, false, s2)

	assert.Empty(t, s1.kicked, "a dead transport is replaced silently")
	got, ok := r.LookupAgentSession(agentID)
	require.True(t, ok)
	assert.Equal(t, "s2", got.ID())
}

func TestHeartbeatAndLiveness(t *testing.T) {
	ctx := context.Background()
	agentID := uuid.New()
	r, now := testRegistry(t, map[uuid.UUID]float64{})

	assert.False(t, r.IsAlive(agentID), "unknown agent is not alive")

	r.BindAgent(ctx, agentID, false, newFakeSession("s1"))
	assert.True(t, r.IsAlive(agentID))

	*now = now.Add(61 * time.Second)
	assert.False(t, r.IsAlive(agentID), "marker expires after the TTL")

	r.Heartbeat(ctx, agentID)
	assert.True(t, r.IsAlive(agentID), "heartbeat refreshes the deadline")

	// Heartbeat for an unbound agent is a no-op.
	other := uuid.New()
	r.Heartbeat(ctx, other)
	assert.False(t, r.IsAlive(other))
}

func TestUnbindAgentGoesOffline(t *testing.T) {
	ctx := context.Background()
	agentID := uuid.New()
	r, _ := testRegistry(t, map[uuid.UUID]float64{agentID: 1})

	sess := newFakeSession("s1")
	r.BindAgent(ctx, agentID, false, sess)
	require.Len(t, r.AgentsByLoad(), 1)

	r.UnbindBySession(ctx, "s1")

	_, ok := r.LookupAgentSession(agentID)
	assert.False(t, ok)
	assert.Equal(t, StatusOffline, r.AgentStatus(agentID))
	assert.False(t, r.IsAlive(agentID))
	assert.Empty(t, r.AgentsByLoad())
}

func TestAgentsByLoadOrdersByScoreThenID(t *testing.T) {
	ctx := context.Background()
	a := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	b := uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	c := uuid.MustParse("00000000-0000-0000-0000-00000000000c")
	r, _ := testRegistry(t, map[uuid.UUID]float64{a: 2.5, b: 1.0, c: 1.0})

	r.BindAgent(ctx, a, false, newFakeSession("sa"))
	r.BindAgent(ctx, b, false, newFakeSession("sb"))
	r.BindAgent(ctx, c, false, newFakeSession("sc"))

	entries := r.AgentsByLoad()
	require.Len(t, entries, 3)
	assert.Equal(t, b, entries[0].AgentID, "equal scores break ties by id")
	assert.Equal(t, c, entries[1].AgentID)
	assert.Equal(t, a, entries[2].AgentID)
}

func TestAdminNeverEntersLoadOrdering(t *testing.T) {
	ctx := context.Background()
	adminID := uuid.New()
	r, _ := testRegistry(t, map[uuid.UUID]float64{adminID: 0})

	r.BindAgent(ctx, adminID, true, newFakeSession("s1"))
	assert.Empty(t, r.AgentsByLoad())

	r.RecomputeLoad(ctx, adminID)
	assert.Empty(t, r.AgentsByLoad(), "explicit recompute still skips admins")
}

func TestSetStatusMovesLoadOrdering(t *testing.T) {
	ctx := context.Background()
	agentID := uuid.New()
	r, _ := testRegistry(t, map[uuid.UUID]float64{agentID: 3})

	r.BindAgent(ctx, agentID, false, newFakeSession("s1"))
	require.Len(t, r.AgentsByLoad(), 1)

	r.SetStatus(ctx, agentID, StatusBusy)
	assert.Empty(t, r.AgentsByLoad(), "leaving ONLINE removes the agent")
	assert.Equal(t, StatusBusy, r.AgentStatus(agentID))

	r.SetStatus(ctx, agentID, StatusOnline)
	entries := r.AgentsByLoad()
	require.Len(t, entries, 1)
	assert.Equal(t, 3.0, entries[0].Score, "re-entering ONLINE recomputes the score")
}

func TestUpdateLoadUpsertsOnlyPresentAgents(t *testing.T) {
	ctx := context.Background()
	agentID := uuid.New()
	r, _ := testRegistry(t, map[uuid.UUID]float64{agentID: 1})

	r.UpdateLoad(ctx, agentID, 9)
	assert.Empty(t, r.AgentsByLoad(), "agents outside the ordering stay outside")

	r.BindAgent(ctx, agentID, false, newFakeSession("s1"))
	r.UpdateLoad(ctx, agentID, 9)
	entries := r.AgentsByLoad()
	require.Len(t, entries, 1)
	assert.Equal(t, 9.0, entries[0].Score)
}

func TestBindCustomerReplacesSilently(t *testing.T) {
	ctx := context.Background()
	customerID := uuid.New()
	r, _ := testRegistry(t, map[uuid.UUID]float64{})

	s1 := newFakeSession("c1")
	s2 := newFakeSession("c2")

	r.BindCustomer(ctx, customerID, s1)
	r.BindCustomer(ctx, customerID, s2)

	assert.True(t, s1.closed, "old customer session is closed")
	assert.Empty(t, s1.kicked, "customers are not kicked, just replaced")

	got, ok := r.LookupCustomerSession(customerID)
	require.True(t, ok)
	assert.Equal(t, "c2", got.ID())

	p, ok := r.LookupBySession("c2")
	require.True(t, ok)
	assert.Equal(t, PrincipalCustomer, p.Kind)
	assert.Equal(t, customerID, p.ID)
}
