// Package wire defines the JSON frame vocabulary exchanged over the
// WebSocket transport. Every frame, inbound or outbound, is an envelope of
// the shape {"type": "...", "data": {...}} — outbound error and kick frames
// may carry a bare "message" instead of a data object.
//
// The gateway decodes inbound frames and dispatches on Type; the lifecycle
// manager and reconcilers build outbound frames and hand them to sessions
// for delivery. Frame order is preserved per recipient session; fan-out to
// multiple recipients carries no cross-recipient ordering guarantee.
package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of event carried by a Frame.
type Type string

// Inbound frame types (client → server). Unrecognized types are dropped.
const (
	// TypePing refreshes the sender's heartbeat (agents only) and elicits
	// a pong reply.
	TypePing Type = "ping"

	// TypeMessage carries a chat message from either side.
	TypeMessage Type = "message"

	// TypeTyping forwards a typing indicator to the counterpart.
	TypeTyping Type = "typing"

	// TypeRead marks the counterpart's messages in a conversation as read.
	TypeRead Type = "read"

	// TypeCloseConversation closes a conversation. Agents only.
	TypeCloseConversation Type = "close_conversation"

	// TypeStatus changes the agent's availability (online/busy). Agents only.
	TypeStatus Type = "status"
)

// Outbound frame types (server → client).
const (
	TypeConnected              Type = "connected"
	TypePong                   Type = "pong"
	TypeNewMessage             Type = "new_message"
	TypeMessageSent            Type = "message_sent"
	TypeConversationAssigned   Type = "conversation_assigned"
	TypeAgentAssigned          Type = "agent_assigned"
	TypeQueueNotice            Type = "queue_notice"
	TypeConversationClosed     Type = "conversation_closed"
	TypeTransferredOut         Type = "conversation_transferred_out"
	TypeAgentChanged           Type = "agent_changed"
	TypeMessagesRead           Type = "messages_read"
	TypeOfflineMessages        Type = "offline_messages"
	TypeStatusChanged          Type = "status_changed"
	TypeKicked                 Type = "kicked"
	TypeError                  Type = "error"
)

// Frame is the envelope for every WebSocket frame.
type Frame struct {
	Type    Type   `json:"type"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Inbound is the raw form of a client frame. Data is decoded per Type by
// the gateway once the type is known.
type Inbound struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// InboundMessage is the data of a "message" frame. ConversationID is set by
// agents (they address a specific conversation); customers omit it and the
// server resolves their current conversation.
type InboundMessage struct {
	ConversationID uuid.UUID `json:"conversation_id,omitempty"`
	ContentKind    int       `json:"content_kind"`
	Body           string    `json:"body"`
}

// InboundTyping is the data of a "typing" frame.
type InboundTyping struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Typing         bool      `json:"typing"`
}

// InboundRead is the data of a "read" frame.
type InboundRead struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

// InboundClose is the data of a "close_conversation" frame.
type InboundClose struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

// InboundStatus is the data of a "status" frame. Status is "online" or
// "busy" — an agent cannot declare itself offline, it disconnects instead.
type InboundStatus struct {
	Status string `json:"status"`
}

// ConnectedPayload acknowledges a successful handshake.
type ConnectedPayload struct {
	AgentID    uuid.UUID `json:"agent_id,omitempty"`
	CustomerID uuid.UUID `json:"customer_id,omitempty"`
	Status     string    `json:"status,omitempty"`
}

// MessagePayload is the wire form of a persisted message.
type MessagePayload struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderKind     int       `json:"sender_kind"`
	SenderID       uuid.UUID `json:"sender_id"`
	ContentKind    int       `json:"content_kind"`
	Body           string    `json:"body"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}

// CustomerSummary embeds customer context into conversation_assigned frames
// so the agent UI can render the visitor card without a follow-up request.
type CustomerSummary struct {
	ID         uuid.UUID `json:"id"`
	VisitorID  string    `json:"visitor_id"`
	Locale     string    `json:"locale,omitempty"`
	SourcePage string    `json:"source_page,omitempty"`
	Device     string    `json:"device,omitempty"`
	OS         string    `json:"os,omitempty"`
	Browser    string    `json:"browser,omitempty"`
}

// ConversationSummary is the wire form of a conversation.
type ConversationSummary struct {
	ID         uuid.UUID `json:"id"`
	CustomerID uuid.UUID `json:"customer_id"`
	AgentID    uuid.UUID `json:"agent_id,omitempty"`
	Status     int       `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// ConversationAssignedPayload is sent to an agent when a conversation lands
// on it, whether by fresh assignment, queue drain, or transfer.
type ConversationAssignedPayload struct {
	Conversation ConversationSummary `json:"conversation"`
	Customer     CustomerSummary     `json:"customer"`
	Messages     []MessagePayload    `json:"messages,omitempty"`
	UnreadCount  int64               `json:"unread_count"`
	IsTransfer   bool                `json:"is_transfer,omitempty"`
	FromAgentID  uuid.UUID           `json:"from_agent_id,omitempty"`
}

// AgentAssignedPayload tells a customer which agent is now serving them.
type AgentAssignedPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	AgentID        uuid.UUID `json:"agent_id"`
	AgentName      string    `json:"agent_name"`
}

// QueueNoticePayload tells a customer that no agent is currently free.
type QueueNoticePayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

// ConversationClosedPayload announces a close to both sides.
type ConversationClosedPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

// TransferredOutPayload tells the source agent a conversation left it.
type TransferredOutPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	ToAgentID      uuid.UUID `json:"to_agent_id"`
	ToName         string    `json:"to_name"`
	Kind           int       `json:"kind"`
	Reason         string    `json:"reason,omitempty"`
}

// AgentChangedPayload tells the customer their conversation was handed off.
type AgentChangedPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	AgentID        uuid.UUID `json:"agent_id"`
	AgentName      string    `json:"agent_name"`
	Text           string    `json:"text"`
}

// TypingPayload forwards a typing indicator.
type TypingPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Typing         bool      `json:"typing"`
}

// MessagesReadPayload notifies the counterpart that its messages were read.
type MessagesReadPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Reader         int       `json:"reader"`
}

// OfflineMessagesPayload delivers messages that arrived while the customer
// was disconnected.
type OfflineMessagesPayload struct {
	ConversationID uuid.UUID        `json:"conversation_id"`
	Messages       []MessagePayload `json:"messages"`
}

// StatusChangedPayload echoes an agent status change.
type StatusChangedPayload struct {
	Status string `json:"status"`
}
