// Package repositories defines the persistence interfaces for the chatline
// server and their GORM implementations. Handlers and the lifecycle manager
// depend on the interfaces only; the concrete types are constructed once in
// main and injected.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/chatline-io/chatline/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	GetByName(ctx context.Context, name string) (*db.Agent, error)
	Update(ctx context.Context, agent *db.Agent) error
	List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error)
}

// -----------------------------------------------------------------------------
// CustomerRepository
// -----------------------------------------------------------------------------

// CustomerAttrs carries the descriptive fields captured from the opening
// handshake. Empty fields leave the stored value untouched on reconnect.
type CustomerAttrs struct {
	Address    string
	UserAgent  string
	Locale     string
	SourcePage string
	Device     string
	OS         string
	Browser    string
}

type CustomerRepository interface {
	// Upsert returns the customer for the given stable visitor id, creating
	// it on first sight. The activity timestamp is refreshed on every call.
	Upsert(ctx context.Context, visitorID string, attrs CustomerAttrs) (*db.Customer, error)
	GetByID(ctx context.Context, id uuid.UUID) (*db.Customer, error)
	GetByVisitorID(ctx context.Context, visitorID string) (*db.Customer, error)
}

// -----------------------------------------------------------------------------
// ConversationRepository
// -----------------------------------------------------------------------------

// ConversationRepository is the durable conversation store: conversations,
// their messages, and the append-only transfer log. State transitions are
// conditional updates (CAS on status) so two assigners racing onto one
// WAITING conversation settle in the database, not in process memory.
type ConversationRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.Conversation, error)

	// CurrentFor returns the customer's current non-CLOSED conversation,
	// or ErrNotFound when none is open.
	CurrentFor(ctx context.Context, customerID uuid.UUID) (*db.Conversation, error)

	// GetOrOpenFor returns the customer's current non-CLOSED conversation,
	// creating a fresh WAITING one if none exists. The boolean reports
	// whether this call created it. Race-free under concurrent calls for
	// the same customer via the partial unique index on open conversations.
	GetOrOpenFor(ctx context.Context, customerID uuid.UUID) (*db.Conversation, bool, error)

	// Assign transitions WAITING → ACTIVE with the agent set. Idempotent if
	// the conversation is already ACTIVE with the same agent; returns
	// ErrConflict if it is ACTIVE with a different agent or CLOSED.
	Assign(ctx context.Context, conversationID, agentID uuid.UUID) error

	// Reassign overwrites the agent of an ACTIVE conversation.
	// Returns ErrConflict if the conversation is not ACTIVE.
	Reassign(ctx context.Context, conversationID, newAgentID uuid.UUID) error

	// Revert returns an ACTIVE conversation to WAITING with the agent
	// cleared. Used when an offline agent's conversations find no candidate.
	Revert(ctx context.Context, conversationID uuid.UUID) error

	// Close transitions to CLOSED with a closed-at stamp. Idempotent.
	Close(ctx context.Context, conversationID uuid.UUID) error

	// AppendMessage persists a message and advances the conversation's
	// last-message timestamp. SYSTEM messages carry uuid.Nil as senderID.
	AppendMessage(ctx context.Context, conversationID uuid.UUID, senderKind db.SenderKind, senderID uuid.UUID, contentKind db.ContentKind, body string) (*db.Message, error)

	// TouchCustomerMessage and TouchAgentReply advance the per-side reply
	// timestamps. Both are monotonic: a timestamp older than the stored one
	// is a no-op.
	TouchCustomerMessage(ctx context.Context, conversationID uuid.UUID, at time.Time) error
	TouchAgentReply(ctx context.Context, conversationID uuid.UUID, at time.Time) error

	// MarkRead flips read=true on all messages authored by the reader's
	// counterpart (an AGENT reader marks CUSTOMER messages, and vice versa).
	MarkRead(ctx context.Context, conversationID uuid.UUID, readerKind db.SenderKind) error

	// MarkAllUnread resets read=false on every message in the conversation
	// so a transfer target sees a fresh unread badge.
	MarkAllUnread(ctx context.Context, conversationID uuid.UUID) error

	// History returns all messages in creation order. HistoryForCustomer
	// omits SYSTEM messages — they are internal handoff bookkeeping.
	History(ctx context.Context, conversationID uuid.UUID) ([]db.Message, error)
	HistoryForCustomer(ctx context.Context, conversationID uuid.UUID) ([]db.Message, error)

	// UnreadMessages returns unread messages authored by senderKind, oldest
	// first. UnreadCount is the counting form.
	UnreadMessages(ctx context.Context, conversationID uuid.UUID, senderKind db.SenderKind) ([]db.Message, error)
	UnreadCount(ctx context.Context, conversationID uuid.UUID, senderKind db.SenderKind) (int64, error)

	// CountActiveByAgent is the live capacity check: the number of ACTIVE
	// conversations currently assigned to the agent. Assignment decisions
	// read this, never the cached load score.
	CountActiveByAgent(ctx context.Context, agentID uuid.UUID) (int64, error)

	// CountAwaitingReplyByAgent counts the agent's ACTIVE conversations
	// whose customer is waiting on a reply. Feeds the load score.
	CountAwaitingReplyByAgent(ctx context.Context, agentID uuid.UUID) (int64, error)

	// ActiveByAgent returns the agent's ACTIVE conversations.
	ActiveByAgent(ctx context.Context, agentID uuid.UUID) ([]db.Conversation, error)

	// List returns conversations filtered by optional status and agent,
	// newest first, for the HTTP surface.
	List(ctx context.Context, status *db.ConversationStatus, agentID *uuid.UUID, opts ListOptions) ([]db.Conversation, int64, error)

	// TimeoutCandidates returns ACTIVE conversations whose customer has
	// been waiting on a reply since before the cutoff.
	TimeoutCandidates(ctx context.Context, cutoff time.Time) ([]db.Conversation, error)

	// WaitingQueue returns unassigned WAITING conversations, oldest first.
	// A limit of 0 returns the whole queue.
	WaitingQueue(ctx context.Context, limit int) ([]db.Conversation, error)

	// AppendTransfer records a handoff in the transfer log.
	AppendTransfer(ctx context.Context, rec *db.TransferRecord) error

	// Transfers returns the transfer log for a conversation, oldest first.
	Transfers(ctx context.Context, conversationID uuid.UUID) ([]db.TransferRecord, error)
}
