package lifecycle

import "errors"

// Typed results for transfer and close preconditions. The HTTP surface
// maps these onto success=false payloads; the streaming path drops them
// silently because only HTTP invokes transfer.
var (
	// ErrConversationNotFound is returned when the conversation id does
	// not resolve.
	ErrConversationNotFound = errors.New("lifecycle: conversation not found")

	// ErrConversationClosed is returned when the operation targets a
	// CLOSED conversation. CLOSED is terminal.
	ErrConversationClosed = errors.New("lifecycle: conversation closed")

	// ErrNoCurrentAgent is returned when a transfer targets a conversation
	// that has no agent to transfer from.
	ErrNoCurrentAgent = errors.New("lifecycle: conversation has no agent")

	// ErrSameAgent is returned when source and target agent coincide.
	ErrSameAgent = errors.New("lifecycle: same agent")

	// ErrTargetNotFound is returned when the transfer target does not exist.
	ErrTargetNotFound = errors.New("lifecycle: target agent not found")

	// ErrTargetDisabled is returned when the transfer target is disabled.
	ErrTargetDisabled = errors.New("lifecycle: target agent disabled")

	// ErrTargetOffline is returned when the transfer target is not ONLINE.
	ErrTargetOffline = errors.New("lifecycle: target agent offline")

	// ErrTargetFull is returned when the transfer target has no remaining
	// capacity at the live database check.
	ErrTargetFull = errors.New("lifecycle: target full")

	// ErrNotOwner is returned when the caller does not own the referenced
	// conversation.
	ErrNotOwner = errors.New("lifecycle: not the assigned agent")
)
