package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatline-io/chatline/internal/db"
)

// convFixture bundles the repositories used by conversation tests.
type convFixture struct {
	convs     ConversationRepository
	agents    AgentRepository
	customers CustomerRepository
}

func newConvFixture(t *testing.T) *convFixture {
	t.Helper()
	database := openTestDB(t)
	return &convFixture{
		convs:     NewConversationRepository(database),
		agents:    NewAgentRepository(database),
		customers: NewCustomerRepository(database),
	}
}

func (f *convFixture) customer(t *testing.T, visitorID string) *db.Customer {
	t.Helper()
	c, err := f.customers.Upsert(context.Background(), visitorID, CustomerAttrs{})
	require.NoError(t, err)
	return c
}

func (f *convFixture) agent(t *testing.T, name string) *db.Agent {
	t.Helper()
	a := &db.Agent{Name: name, Password: "x", Capacity: 10, Enabled: true}
	require.NoError(t, f.agents.Create(context.Background(), a))
	return a
}

func TestGetOrOpenFor(t *testing.T) {
	ctx := context.Background()
	f := newConvFixture(t)
	customer := f.customer(t, "v1")

	conv, created, err := f.convs.GetOrOpenFor(ctx, customer.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, db.ConversationWaiting, conv.Status)
	assert.Nil(t, conv.AgentID)

	same, created, err := f.convs.GetOrOpenFor(ctx, customer.ID)
	require.NoError(t, err)
	assert.False(t, created, "second call returns the open conversation")
	assert.Equal(t, conv.ID, same.ID)

	cur, err := f.convs.CurrentFor(ctx, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, cur.ID)

	// After a close the next call opens a fresh conversation.
	require.NoError(t, f.convs.Close(ctx, conv.ID))
	_, err = f.convs.CurrentFor(ctx, customer.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	fresh, created, err := f.convs.GetOrOpenFor(ctx, customer.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, conv.ID, fresh.ID)
}

func TestAssignTransitions(t *testing.T) {
	ctx := context.Background()
	f := newConvFixture(t)
	customer := f.customer(t, "v1")
	a := f.agent(t, "alice")
	b := f.agent(t, "bob")

	conv, _, err := f.convs.GetOrOpenFor(ctx, customer.ID)
	require.NoError(t, err)

	require.NoError(t, f.convs.Assign(ctx, conv.ID, a.ID))
	got, err := f.convs.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ConversationActive, got.Status)
	require.NotNil(t, got.AgentID)
	assert.Equal(t, a.ID, *got.AgentID)

	// Repeating the same assignment is idempotent.
	assert.NoError(t, f.convs.Assign(ctx, conv.ID, a.ID))

	// A racing assigner for a different agent loses.
	assert.ErrorIs(t, f.convs.Assign(ctx, conv.ID, b.ID), ErrConflict)

	// Reassign moves an ACTIVE conversation.
	require.NoError(t, f.convs.Reassign(ctx, conv.ID, b.ID))
	got, err = f.convs.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, *got.AgentID)

	// Revert returns it to the queue with the agent cleared.
	require.NoError(t, f.convs.Revert(ctx, conv.ID))
	got, err = f.convs.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ConversationWaiting, got.Status)
	assert.Nil(t, got.AgentID)

	// Neither Reassign nor Revert touch a non-ACTIVE conversation.
	assert.ErrorIs(t, f.convs.Reassign(ctx, conv.ID, a.ID), ErrConflict)
	assert.ErrorIs(t, f.convs.Revert(ctx, conv.ID), ErrConflict)

	require.NoError(t, f.convs.Close(ctx, conv.ID))
	assert.ErrorIs(t, f.convs.Assign(ctx, conv.ID, a.ID), ErrConflict,
		"a closed conversation cannot be assigned")
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newConvFixture(t)
	customer := f.customer(t, "v1")

	conv, _, err := f.convs.GetOrOpenFor(ctx, customer.ID)
	require.NoError(t, err)

	require.NoError(t, f.convs.Close(ctx, conv.ID))
	require.NoError(t, f.convs.Close(ctx, conv.ID), "second close is a no-op")

	got, err := f.convs.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ConversationClosed, got.Status)
	assert.NotNil(t, got.ClosedAt)

	assert.ErrorIs(t, f.convs.Close(ctx, uuid.New()), ErrNotFound)
}

func TestAppendMessageAndTimestamps(t *testing.T) {
	ctx := context.Background()
	f := newConvFixture(t)
	customer := f.customer(t, "v1")
	a := f.agent(t, "alice")

	conv, _, err := f.convs.GetOrOpenFor(ctx, customer.ID)
	require.NoError(t, err)

	msg, err := f.convs.AppendMessage(ctx, conv.ID, db.SenderCustomer, customer.ID, db.ContentText, "hello")
	require.NoError(t, err)
	require.NoError(t, f.convs.TouchCustomerMessage(ctx, conv.ID, msg.CreatedAt))

	got, err := f.convs.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageAt)
	require.NotNil(t, got.LastCustomerMessageAt)

	// An older timestamp never rolls a newer one back.
	stale := msg.CreatedAt.Add(-time.Hour)
	require.NoError(t, f.convs.TouchCustomerMessage(ctx, conv.ID, stale))
	got, err = f.convs.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, got.LastCustomerMessageAt.Before(msg.CreatedAt.Add(-time.Second)))

	reply, err := f.convs.AppendMessage(ctx, conv.ID, db.SenderAgent, a.ID, db.ContentText, "hi there")
	require.NoError(t, err)
	require.NoError(t, f.convs.TouchAgentReply(ctx, conv.ID, reply.CreatedAt))

	history, err := f.convs.History(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Body)
	assert.Equal(t, "hi there", history[1].Body)
}

func TestCustomerHistoryOmitsSystemMessages(t *testing.T) {
	ctx := context.Background()
	f := newConvFixture(t)
	customer := f.customer(t, "v1")

	conv, _, err := f.convs.GetOrOpenFor(ctx, customer.ID)
	require.NoError(t, err)

	_, err = f.convs.AppendMessage(ctx, conv.ID, db.SenderCustomer, customer.ID, db.ContentText, "hello")
	require.NoError(t, err)
	_, err = f.convs.AppendMessage(ctx, conv.ID, db.SenderSystem, uuid.Nil, db.ContentText, "handoff note")
	require.NoError(t, err)

	full, err := f.convs.History(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, full, 2)

	visible, err := f.convs.HistoryForCustomer(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "hello", visible[0].Body)
}

func TestReadFlags(t *testing.T) {
	ctx := context.Background()
	f := newConvFixture(t)
	customer := f.customer(t, "v1")
	a := f.agent(t, "alice")

	conv, _, err := f.convs.GetOrOpenFor(ctx, customer.ID)
	require.NoError(t, err)

	_, err = f.convs.AppendMessage(ctx, conv.ID, db.SenderCustomer, customer.ID, db.ContentText, "one")
	require.NoError(t, err)
	_, err = f.convs.AppendMessage(ctx, conv.ID, db.SenderCustomer, customer.ID, db.ContentText, "two")
	require.NoError(t, err)
	_, err = f.convs.AppendMessage(ctx, conv.ID, db.SenderAgent, a.ID, db.ContentText, "reply")
	require.NoError(t, err)

	n, err := f.convs.UnreadCount(ctx, conv.ID, db.SenderCustomer)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// The agent reading marks the customer's messages, not its own.
	require.NoError(t, f.convs.MarkRead(ctx, conv.ID, db.SenderAgent))
	n, err = f.convs.UnreadCount(ctx, conv.ID, db.SenderCustomer)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	n, err = f.convs.UnreadCount(ctx, conv.ID, db.SenderAgent)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "the agent reply stays unread")

	unread, err := f.convs.UnreadMessages(ctx, conv.ID, db.SenderAgent)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "reply", unread[0].Body)

	require.NoError(t, f.convs.MarkAllUnread(ctx, conv.ID))
	n, err = f.convs.UnreadCount(ctx, conv.ID, db.SenderCustomer)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "a transfer resets every read flag")
}

func TestCountsByAgent(t *testing.T) {
	ctx := context.Background()
	f := newConvFixture(t)
	a := f.agent(t, "alice")

	for i, visitor := range []string{"v1", "v2", "v3"} {
		c := f.customer(t, visitor)
		conv, _, err := f.convs.GetOrOpenFor(ctx, c.ID)
		require.NoError(t, err)
		require.NoError(t, f.convs.Assign(ctx, conv.ID, a.ID))

		msg, err := f.convs.AppendMessage(ctx, conv.ID, db.SenderCustomer, c.ID, db.ContentText, "ping")
		require.NoError(t, err)
		require.NoError(t, f.convs.TouchCustomerMessage(ctx, conv.ID, msg.CreatedAt))

		// Only the first conversation gets a reply.
		if i == 0 {
			reply, err := f.convs.AppendMessage(ctx, conv.ID, db.SenderAgent, a.ID, db.ContentText, "pong")
			require.NoError(t, err)
			require.NoError(t, f.convs.TouchAgentReply(ctx, conv.ID, reply.CreatedAt))
		}
	}

	active, err := f.convs.CountActiveByAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), active)

	awaiting, err := f.convs.CountAwaitingReplyByAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), awaiting)

	convs, err := f.convs.ActiveByAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, convs, 3)
}

func TestTimeoutCandidates(t *testing.T) {
	ctx := context.Background()
	f := newConvFixture(t)
	a := f.agent(t, "alice")

	answered := f.customer(t, "answered")
	stalled := f.customer(t, "stalled")

	mkConv := func(c *db.Customer) *db.Conversation {
		conv, _, err := f.convs.GetOrOpenFor(ctx, c.ID)
		require.NoError(t, err)
		require.NoError(t, f.convs.Assign(ctx, conv.ID, a.ID))
		return conv
	}
	answeredConv := mkConv(answered)
	stalledConv := mkConv(stalled)

	old := time.Now().Add(-10 * time.Minute)
	require.NoError(t, f.convs.TouchCustomerMessage(ctx, answeredConv.ID, old))
	require.NoError(t, f.convs.TouchCustomerMessage(ctx, stalledConv.ID, old))
	// Only the first conversation was replied to after the customer spoke.
	require.NoError(t, f.convs.TouchAgentReply(ctx, answeredConv.ID, old.Add(time.Minute)))

	cutoff := time.Now().Add(-2 * time.Minute)
	candidates, err := f.convs.TimeoutCandidates(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, stalledConv.ID, candidates[0].ID)
}

func TestWaitingQueueOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	f := newConvFixture(t)

	var ids []uuid.UUID
	for _, visitor := range []string{"v1", "v2", "v3"} {
		c := f.customer(t, visitor)
		conv, _, err := f.convs.GetOrOpenFor(ctx, c.ID)
		require.NoError(t, err)
		ids = append(ids, conv.ID)
		time.Sleep(5 * time.Millisecond) // distinct created_at for ordering
	}

	queue, err := f.convs.WaitingQueue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, ids[0], queue[0].ID, "oldest first")

	limited, err := f.convs.WaitingQueue(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestTransferLog(t *testing.T) {
	ctx := context.Background()
	f := newConvFixture(t)
	a := f.agent(t, "alice")
	b := f.agent(t, "bob")
	c := f.customer(t, "v1")

	conv, _, err := f.convs.GetOrOpenFor(ctx, c.ID)
	require.NoError(t, err)

	op := a.ID
	require.NoError(t, f.convs.AppendTransfer(ctx, &db.TransferRecord{
		ConversationID: conv.ID,
		FromAgentID:    a.ID,
		ToAgentID:      b.ID,
		Kind:           db.TransferManual,
		OperatorID:     &op,
		Reason:         "load balancing",
	}))

	recs, err := f.convs.Transfers(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, db.TransferManual, recs[0].Kind)
	assert.Equal(t, "load balancing", recs[0].Reason)
	require.NotNil(t, recs[0].OperatorID)
	assert.Equal(t, a.ID, *recs[0].OperatorID)
}
