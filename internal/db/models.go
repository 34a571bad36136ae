package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Enumerations
// -----------------------------------------------------------------------------
//
// Statuses and kinds are typed integers with a fixed database/wire encoding.
// Go code only ever handles the typed constants; the raw integers exist
// solely at the serde boundary (database columns and JSON frames).

// ConversationStatus is the lifecycle state of a conversation.
// WAITING → ACTIVE → CLOSED; CLOSED is terminal.
type ConversationStatus int

const (
	ConversationWaiting ConversationStatus = 1
	ConversationActive  ConversationStatus = 2
	ConversationClosed  ConversationStatus = 3
)

func (s ConversationStatus) String() string {
	switch s {
	case ConversationWaiting:
		return "waiting"
	case ConversationActive:
		return "active"
	case ConversationClosed:
		return "closed"
	}
	return "unknown"
}

// SenderKind identifies who authored a message.
type SenderKind int

const (
	SenderCustomer SenderKind = 1
	SenderAgent    SenderKind = 2
	SenderSystem   SenderKind = 3
)

func (k SenderKind) String() string {
	switch k {
	case SenderCustomer:
		return "customer"
	case SenderAgent:
		return "agent"
	case SenderSystem:
		return "system"
	}
	return "unknown"
}

// Counterpart returns the opposite human sender kind. Read-receipt handling
// uses it: an AGENT reader marks CUSTOMER messages read and vice versa.
func (k SenderKind) Counterpart() SenderKind {
	if k == SenderAgent {
		return SenderCustomer
	}
	return SenderAgent
}

// ContentKind identifies the payload type of a message body.
type ContentKind int

const (
	ContentText  ContentKind = 1
	ContentImage ContentKind = 2 // body is a URL produced by the upload side-channel
)

func (k ContentKind) String() string {
	switch k {
	case ContentText:
		return "text"
	case ContentImage:
		return "image"
	}
	return "unknown"
}

// TransferKind records why a conversation moved between agents.
type TransferKind int

const (
	TransferManual           TransferKind = 1
	TransferAutoTimeout      TransferKind = 2
	TransferAutoAgentOffline TransferKind = 3
)

func (k TransferKind) String() string {
	switch k {
	case TransferManual:
		return "manual"
	case TransferAutoTimeout:
		return "auto_timeout"
	case TransferAutoAgentOffline:
		return "auto_agent_offline"
	}
	return "unknown"
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent is a support operator account. Admins may observe and force
// transfers but are never assignment candidates. Capacity bounds the number
// of concurrently open (non-CLOSED) conversations the assignment paths may
// place on the agent.
type Agent struct {
	Base
	Name     string `gorm:"uniqueIndex;not null"`
	Password string `gorm:"not null"` // argon2id encoded hash
	Capacity int    `gorm:"not null;default:10"`
	Enabled  bool   `gorm:"not null;default:true"`
	Admin    bool   `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Customers
// -----------------------------------------------------------------------------

// Customer is an unauthenticated visitor, created lazily on first
// connection and keyed by a stable client-supplied identifier. Descriptive
// fields are captured from the opening handshake and are best-effort.
// Customers are never deleted by the dispatch core.
type Customer struct {
	Base
	VisitorID    string `gorm:"uniqueIndex;not null"`
	Address      string `gorm:"not null;default:''"`
	UserAgent    string `gorm:"not null;default:''"`
	Locale       string `gorm:"not null;default:''"`
	SourcePage   string `gorm:"not null;default:''"`
	Device       string `gorm:"not null;default:''"`
	OS           string `gorm:"not null;default:''"`
	Browser      string `gorm:"not null;default:''"`
	LastActiveAt time.Time
}

// -----------------------------------------------------------------------------
// Conversations
// -----------------------------------------------------------------------------

// Conversation is one customer↔agent engagement.
//
// Invariants enforced by the repository layer:
//   - WAITING ⇒ AgentID is nil; ACTIVE ⇒ AgentID points at a non-admin,
//     enabled agent.
//   - Each customer has at most one non-CLOSED conversation (partial unique
//     index on customer_id where status != closed).
//   - Reply/message timestamps only advance, never move backwards.
//
// Associations are by id only; related records are loaded via the
// repositories when a view needs the combination.
type Conversation struct {
	Base
	CustomerID            uuid.UUID          `gorm:"type:text;not null;index"`
	AgentID               *uuid.UUID         `gorm:"type:text;index:idx_conversations_agent_status"`
	Status                ConversationStatus `gorm:"not null;default:1;index:idx_conversations_agent_status"`
	LastMessageAt         *time.Time
	LastAgentReplyAt      *time.Time
	LastCustomerMessageAt *time.Time
	ClosedAt              *time.Time
}

// -----------------------------------------------------------------------------
// Messages
// -----------------------------------------------------------------------------

// Message is immutable after creation except for the read flag, which only
// flips false → true. SYSTEM messages carry the nil UUID as SenderID.
type Message struct {
	Base
	ConversationID uuid.UUID   `gorm:"type:text;not null;index"`
	SenderKind     SenderKind  `gorm:"not null"`
	SenderID       uuid.UUID   `gorm:"type:text;not null"`
	ContentKind    ContentKind `gorm:"not null;default:1"`
	Body           string      `gorm:"type:text;not null"`
	Read           bool        `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Transfer records
// -----------------------------------------------------------------------------

// TransferRecord is the append-only audit log of conversation handoffs.
// OperatorID is set only for MANUAL transfers.
type TransferRecord struct {
	Base
	ConversationID uuid.UUID    `gorm:"type:text;not null;index"`
	FromAgentID    uuid.UUID    `gorm:"type:text;not null"`
	ToAgentID      uuid.UUID    `gorm:"type:text;not null"`
	Kind           TransferKind `gorm:"not null"`
	OperatorID     *uuid.UUID   `gorm:"type:text"`
	Reason         string       `gorm:"not null;default:''"`
}
