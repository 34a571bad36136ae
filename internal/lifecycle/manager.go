// Package lifecycle orchestrates conversation state: opening, routing,
// transferring, and closing conversations, and fanning the resulting
// notifications out to every interested session.
//
// The manager holds no state of its own — it is a stateless façade over
// the conversation store (durable), the registry (volatile), and the
// assignment engine. Every push is best-effort: a full or dead recipient
// buffer is logged and never rolls back a committed state change, and no
// push blocks another.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatline-io/chatline/internal/assign"
	"github.com/chatline-io/chatline/internal/db"
	"github.com/chatline-io/chatline/internal/metrics"
	"github.com/chatline-io/chatline/internal/registry"
	"github.com/chatline-io/chatline/internal/repositories"
	"github.com/chatline-io/chatline/internal/wire"
)

// Config carries the manager's dependencies.
type Config struct {
	Agents    repositories.AgentRepository
	Customers repositories.CustomerRepository
	Convs     repositories.ConversationRepository
	Registry  *registry.Registry
	Engine    *assign.Engine
	Logger    *zap.Logger
}

// Manager implements the conversation lifecycle and transfer machine.
//
// The zero value is not usable — create instances with New.
type Manager struct {
	agents    repositories.AgentRepository
	customers repositories.CustomerRepository
	convs     repositories.ConversationRepository
	reg       *registry.Registry
	engine    *assign.Engine
	logger    *zap.Logger
}

// New creates a Manager.
func New(cfg Config) *Manager {
	return &Manager{
		agents:    cfg.Agents,
		customers: cfg.Customers,
		convs:     cfg.Convs,
		reg:       cfg.Registry,
		engine:    cfg.Engine,
		logger:    cfg.Logger.Named("lifecycle"),
	}
}

// -----------------------------------------------------------------------------
// Inbound messages
// -----------------------------------------------------------------------------

// HandleCustomerMessage processes a message frame from a customer session:
// resolve or open the conversation, persist, route to the assigned agent or
// try to assign one, and echo delivery back to the customer.
func (m *Manager) HandleCustomerMessage(ctx context.Context, customerID uuid.UUID, contentKind db.ContentKind, body string) error {
	customer, err := m.customers.GetByID(ctx, customerID)
	if err != nil {
		return fmt.Errorf("lifecycle: loading customer: %w", err)
	}

	conv, created, err := m.convs.GetOrOpenFor(ctx, customerID)
	if err != nil {
		return err
	}

	msg, err := m.convs.AppendMessage(ctx, conv.ID, db.SenderCustomer, customerID, contentKind, body)
	if err != nil {
		return err
	}
	if err := m.convs.TouchCustomerMessage(ctx, conv.ID, msg.CreatedAt); err != nil {
		m.logger.Warn("touch customer message failed", zap.Error(err))
	}
	metrics.MessagesTotal.WithLabelValues(db.SenderCustomer.String()).Inc()

	switch {
	case conv.AgentID != nil:
		agentID := *conv.AgentID
		if created {
			// Cannot normally happen (a just-created conversation is
			// WAITING), but a racing assigner may have won in between.
			m.pushAssigned(ctx, conv, customer, agentID, false, uuid.Nil)
		}
		m.pushAgent(agentID, wire.Frame{Type: wire.TypeNewMessage, Data: messagePayload(msg)})
		m.reg.RecomputeLoad(ctx, agentID)

	default:
		candidate, err := m.engine.Pick(ctx, nil)
		if err != nil {
			return err
		}
		if candidate == nil {
			metrics.QueueNoticesTotal.Inc()
			m.pushCustomer(customerID, wire.Frame{
				Type: wire.TypeQueueNotice,
				Data: wire.QueueNoticePayload{ConversationID: conv.ID},
			})
			break
		}

		if err := m.convs.Assign(ctx, conv.ID, candidate.ID); err != nil {
			if errors.Is(err, repositories.ErrConflict) {
				// A concurrent assigner won; route to whoever holds it now.
				if cur, gerr := m.convs.GetByID(ctx, conv.ID); gerr == nil && cur.AgentID != nil {
					m.pushAgent(*cur.AgentID, wire.Frame{Type: wire.TypeNewMessage, Data: messagePayload(msg)})
				}
				break
			}
			return err
		}
		metrics.AssignmentsTotal.WithLabelValues("inbound").Inc()

		m.pushAssigned(ctx, conv, customer, candidate.ID, false, uuid.Nil)
		m.pushAgent(candidate.ID, wire.Frame{Type: wire.TypeNewMessage, Data: messagePayload(msg)})
		m.pushCustomer(customerID, wire.Frame{
			Type: wire.TypeAgentAssigned,
			Data: wire.AgentAssignedPayload{
				ConversationID: conv.ID,
				AgentID:        candidate.ID,
				AgentName:      candidate.Name,
			},
		})
		m.reg.RecomputeLoad(ctx, candidate.ID)
	}

	m.pushCustomer(customerID, wire.Frame{Type: wire.TypeMessageSent, Data: messagePayload(msg)})
	return nil
}

// HandleAgentMessage processes a message frame from an agent session.
// A frame referencing a missing, foreign, or closed conversation comes
// from a malformed or stale client and is dropped without reply.
func (m *Manager) HandleAgentMessage(ctx context.Context, agentID, conversationID uuid.UUID, contentKind db.ContentKind, body string) error {
	conv, err := m.convs.GetByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			m.logger.Debug("agent message for unknown conversation",
				zap.String("agent_id", agentID.String()),
				zap.String("conversation_id", conversationID.String()),
			)
			return nil
		}
		return err
	}
	if conv.Status == db.ConversationClosed || conv.AgentID == nil || *conv.AgentID != agentID {
		m.logger.Debug("agent message rejected",
			zap.String("agent_id", agentID.String()),
			zap.String("conversation_id", conversationID.String()),
			zap.String("status", conv.Status.String()),
		)
		return nil
	}

	msg, err := m.convs.AppendMessage(ctx, conv.ID, db.SenderAgent, agentID, contentKind, body)
	if err != nil {
		return err
	}
	if err := m.convs.TouchAgentReply(ctx, conv.ID, msg.CreatedAt); err != nil {
		m.logger.Warn("touch agent reply failed", zap.Error(err))
	}
	metrics.MessagesTotal.WithLabelValues(db.SenderAgent.String()).Inc()

	m.pushCustomer(conv.CustomerID, wire.Frame{Type: wire.TypeNewMessage, Data: messagePayload(msg)})
	m.pushAgent(agentID, wire.Frame{Type: wire.TypeMessageSent, Data: messagePayload(msg)})
	m.reg.RecomputeLoad(ctx, agentID)
	return nil
}

// -----------------------------------------------------------------------------
// Typing and read receipts
// -----------------------------------------------------------------------------

// Typing forwards a typing indicator to the conversation counterpart after
// validating that the sender owns its side of the conversation. Nothing is
// persisted.
func (m *Manager) Typing(ctx context.Context, sender registry.Principal, conversationID uuid.UUID, typing bool) {
	conv, err := m.convs.GetByID(ctx, conversationID)
	if err != nil {
		return
	}

	frame := wire.Frame{
		Type: wire.TypeTyping,
		Data: wire.TypingPayload{ConversationID: conversationID, Typing: typing},
	}
	switch sender.Kind {
	case registry.PrincipalAgent:
		if conv.AgentID == nil || *conv.AgentID != sender.ID {
			return
		}
		m.pushCustomer(conv.CustomerID, frame)
	case registry.PrincipalCustomer:
		if conv.CustomerID != sender.ID {
			return
		}
		if conv.AgentID != nil {
			m.pushAgent(*conv.AgentID, frame)
		}
	}
}

// MarkRead flips the counterpart's messages to read and notifies it.
func (m *Manager) MarkRead(ctx context.Context, reader registry.Principal, conversationID uuid.UUID) error {
	conv, err := m.convs.GetByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrConversationNotFound
		}
		return err
	}

	var readerKind db.SenderKind
	switch reader.Kind {
	case registry.PrincipalAgent:
		if conv.AgentID == nil || *conv.AgentID != reader.ID {
			return ErrNotOwner
		}
		readerKind = db.SenderAgent
	case registry.PrincipalCustomer:
		if conv.CustomerID != reader.ID {
			return ErrNotOwner
		}
		readerKind = db.SenderCustomer
	}

	if err := m.convs.MarkRead(ctx, conversationID, readerKind); err != nil {
		return err
	}

	notice := wire.Frame{
		Type: wire.TypeMessagesRead,
		Data: wire.MessagesReadPayload{ConversationID: conversationID, Reader: int(readerKind)},
	}
	if readerKind == db.SenderAgent {
		m.pushCustomer(conv.CustomerID, notice)
	} else if conv.AgentID != nil {
		m.pushAgent(*conv.AgentID, notice)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Close
// -----------------------------------------------------------------------------

// Close terminates a conversation. Only the assigned agent or an admin may
// close. Closing frees a capacity slot, so the waiting queue is drained
// toward the former agent immediately afterwards.
func (m *Manager) Close(ctx context.Context, callerID uuid.UUID, callerAdmin bool, conversationID uuid.UUID) error {
	conv, err := m.convs.GetByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	if conv.Status == db.ConversationClosed {
		return nil
	}
	if !callerAdmin && (conv.AgentID == nil || *conv.AgentID != callerID) {
		return ErrNotOwner
	}

	if err := m.convs.Close(ctx, conversationID); err != nil {
		return err
	}

	closed := wire.Frame{
		Type: wire.TypeConversationClosed,
		Data: wire.ConversationClosedPayload{ConversationID: conversationID},
	}
	m.pushCustomer(conv.CustomerID, closed)
	if conv.AgentID != nil {
		former := *conv.AgentID
		m.pushAgent(former, closed)
		m.reg.RecomputeLoad(ctx, former)
		m.DrainWaitingFor(ctx, former)
	}

	m.logger.Info("conversation closed",
		zap.String("conversation_id", conversationID.String()),
		zap.String("caller", callerID.String()),
	)
	return nil
}

// -----------------------------------------------------------------------------
// Transfer
// -----------------------------------------------------------------------------

// Transfer moves an ACTIVE conversation to another agent. Preconditions are
// checked in a fixed order and surface as typed errors; once Reassign
// commits, the transfer record, unread reset, system message, load updates,
// and fan-out all proceed — individual push failures never roll it back.
func (m *Manager) Transfer(ctx context.Context, conversationID, targetID uuid.UUID, kind db.TransferKind, operatorID *uuid.UUID, reason string) error {
	conv, err := m.convs.GetByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	if conv.Status == db.ConversationClosed {
		return ErrConversationClosed
	}
	if conv.AgentID == nil {
		return ErrNoCurrentAgent
	}
	fromID := *conv.AgentID
	if fromID == targetID {
		return ErrSameAgent
	}

	target, err := m.agents.GetByID(ctx, targetID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrTargetNotFound
		}
		return err
	}
	if !target.Enabled {
		return ErrTargetDisabled
	}
	if m.reg.AgentStatus(targetID) != registry.StatusOnline {
		return ErrTargetOffline
	}

	active, err := m.convs.CountActiveByAgent(ctx, targetID)
	if err != nil {
		return err
	}
	if active >= int64(target.Capacity) {
		return ErrTargetFull
	}

	if err := m.convs.Reassign(ctx, conversationID, targetID); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return ErrConversationClosed
		}
		return err
	}

	if err := m.convs.AppendTransfer(ctx, &db.TransferRecord{
		ConversationID: conversationID,
		FromAgentID:    fromID,
		ToAgentID:      targetID,
		Kind:           kind,
		OperatorID:     operatorID,
		Reason:         reason,
	}); err != nil {
		m.logger.Error("transfer record append failed", zap.Error(err))
	}

	if err := m.convs.MarkAllUnread(ctx, conversationID); err != nil {
		m.logger.Error("mark all unread failed", zap.Error(err))
	}

	fromName := fromID.String()
	if from, err := m.agents.GetByID(ctx, fromID); err == nil {
		fromName = from.Name
	}
	sysBody := fmt.Sprintf("conversation transferred from %s to %s (%s)", fromName, target.Name, kind)
	if _, err := m.convs.AppendMessage(ctx, conversationID, db.SenderSystem, uuid.Nil, db.ContentText, sysBody); err != nil {
		m.logger.Error("system message append failed", zap.Error(err))
	} else {
		metrics.MessagesTotal.WithLabelValues(db.SenderSystem.String()).Inc()
	}

	m.reg.RecomputeLoad(ctx, fromID)
	m.reg.RecomputeLoad(ctx, targetID)

	customer, err := m.customers.GetByID(ctx, conv.CustomerID)
	if err != nil {
		m.logger.Warn("transfer fan-out without customer record", zap.Error(err))
		customer = &db.Customer{}
		customer.ID = conv.CustomerID
	}

	m.pushAgent(fromID, wire.Frame{
		Type: wire.TypeTransferredOut,
		Data: wire.TransferredOutPayload{
			ConversationID: conversationID,
			ToAgentID:      targetID,
			ToName:         target.Name,
			Kind:           int(kind),
			Reason:         reason,
		},
	})
	m.pushAssigned(ctx, conv, customer, targetID, true, fromID)
	m.pushCustomer(conv.CustomerID, wire.Frame{
		Type: wire.TypeAgentChanged,
		Data: wire.AgentChangedPayload{
			ConversationID: conversationID,
			AgentID:        targetID,
			AgentName:      target.Name,
			Text:           fmt.Sprintf("you are now chatting with %s", target.Name),
		},
	})

	metrics.TransfersTotal.WithLabelValues(kind.String(), "success").Inc()
	m.logger.Info("conversation transferred",
		zap.String("conversation_id", conversationID.String()),
		zap.String("from", fromID.String()),
		zap.String("to", targetID.String()),
		zap.String("kind", kind.String()),
	)
	return nil
}

// -----------------------------------------------------------------------------
// Queue drainage and offline handling
// -----------------------------------------------------------------------------

// DrainWaitingFor assigns waiting conversations to a specific agent until
// its capacity is full or the queue empties. Returns the number assigned.
// The per-iteration capacity re-read guards against saturation by
// concurrent assigners mid-loop.
func (m *Manager) DrainWaitingFor(ctx context.Context, agentID uuid.UUID) int {
	agent, err := m.agents.GetByID(ctx, agentID)
	if err != nil || !agent.Enabled || agent.Admin {
		return 0
	}
	if m.reg.AgentStatus(agentID) != registry.StatusOnline || !m.reg.IsAlive(agentID) {
		return 0
	}

	active, err := m.convs.CountActiveByAgent(ctx, agentID)
	if err != nil {
		m.logger.Warn("drain: active count failed", zap.Error(err))
		return 0
	}
	free := int64(agent.Capacity) - active
	if free <= 0 {
		return 0
	}

	waiting, err := m.convs.WaitingQueue(ctx, int(free))
	if err != nil {
		m.logger.Warn("drain: waiting queue fetch failed", zap.Error(err))
		return 0
	}

	assigned := 0
	for i := range waiting {
		conv := &waiting[i]

		current, err := m.convs.CountActiveByAgent(ctx, agentID)
		if err != nil || current >= int64(agent.Capacity) {
			break
		}
		if err := m.convs.Assign(ctx, conv.ID, agentID); err != nil {
			// Another assigner took this conversation; move on.
			continue
		}
		assigned++
		metrics.AssignmentsTotal.WithLabelValues("drain").Inc()

		customer, err := m.customers.GetByID(ctx, conv.CustomerID)
		if err != nil {
			customer = &db.Customer{}
			customer.ID = conv.CustomerID
		}
		m.pushAssigned(ctx, conv, customer, agentID, false, uuid.Nil)
		m.pushCustomer(conv.CustomerID, wire.Frame{
			Type: wire.TypeAgentAssigned,
			Data: wire.AgentAssignedPayload{
				ConversationID: conv.ID,
				AgentID:        agentID,
				AgentName:      agent.Name,
			},
		})
	}

	if assigned > 0 {
		m.reg.RecomputeLoad(ctx, agentID)
		m.logger.Info("waiting queue drained",
			zap.String("agent_id", agentID.String()),
			zap.Int("assigned", assigned),
		)
	}
	return assigned
}

// HandleAgentOffline redistributes an offline agent's ACTIVE conversations:
// each one is transferred to a fresh candidate, or reverted to WAITING when
// no candidate exists. Customers learn of a re-assignment through the
// regular agent_changed fan-out; a revert is silent.
func (m *Manager) HandleAgentOffline(ctx context.Context, agentID uuid.UUID) (transferred, reverted int) {
	convs, err := m.convs.ActiveByAgent(ctx, agentID)
	if err != nil {
		m.logger.Warn("offline handling: listing conversations failed", zap.Error(err))
		return 0, 0
	}

	for i := range convs {
		conv := &convs[i]

		candidate, err := m.engine.Pick(ctx, nil)
		if err != nil {
			m.logger.Warn("offline handling: pick failed", zap.Error(err))
			continue
		}

		if candidate != nil {
			err := m.Transfer(ctx, conv.ID, candidate.ID, db.TransferAutoAgentOffline, nil, "agent went offline")
			if err == nil {
				transferred++
				continue
			}
			metrics.TransfersTotal.WithLabelValues(db.TransferAutoAgentOffline.String(), "failed").Inc()
			m.logger.Warn("offline transfer failed",
				zap.String("conversation_id", conv.ID.String()),
				zap.Error(err),
			)
		}

		if err := m.convs.Revert(ctx, conv.ID); err != nil {
			m.logger.Warn("offline revert failed",
				zap.String("conversation_id", conv.ID.String()),
				zap.Error(err),
			)
			continue
		}
		reverted++
	}
	return transferred, reverted
}

// -----------------------------------------------------------------------------
// Connect-time helpers
// -----------------------------------------------------------------------------

// OfflineMessagesFor returns the unread agent messages of the customer's
// current conversation, for delivery right after a customer handshake.
// Returns nil when there is no open conversation or nothing to deliver.
func (m *Manager) OfflineMessagesFor(ctx context.Context, customerID uuid.UUID) (*wire.OfflineMessagesPayload, error) {
	conv, err := m.convs.CurrentFor(ctx, customerID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	msgs, err := m.convs.UnreadMessages(ctx, conv.ID, db.SenderAgent)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	payload := &wire.OfflineMessagesPayload{ConversationID: conv.ID}
	for i := range msgs {
		payload.Messages = append(payload.Messages, messagePayload(&msgs[i]))
	}
	return payload, nil
}

// -----------------------------------------------------------------------------
// Push plumbing
// -----------------------------------------------------------------------------

// pushAssigned delivers a conversation_assigned frame with the customer
// summary, message history, and unread count to the receiving agent.
func (m *Manager) pushAssigned(ctx context.Context, conv *db.Conversation, customer *db.Customer, agentID uuid.UUID, isTransfer bool, fromAgentID uuid.UUID) {
	history, err := m.convs.History(ctx, conv.ID)
	if err != nil {
		m.logger.Warn("assigned fan-out: history fetch failed", zap.Error(err))
	}
	unread, err := m.convs.UnreadCount(ctx, conv.ID, db.SenderCustomer)
	if err != nil {
		m.logger.Warn("assigned fan-out: unread count failed", zap.Error(err))
	}

	payload := wire.ConversationAssignedPayload{
		Conversation: wire.ConversationSummary{
			ID:         conv.ID,
			CustomerID: conv.CustomerID,
			AgentID:    agentID,
			Status:     int(db.ConversationActive),
			CreatedAt:  conv.CreatedAt,
		},
		Customer: wire.CustomerSummary{
			ID:         customer.ID,
			VisitorID:  customer.VisitorID,
			Locale:     customer.Locale,
			SourcePage: customer.SourcePage,
			Device:     customer.Device,
			OS:         customer.OS,
			Browser:    customer.Browser,
		},
		UnreadCount: unread,
		IsTransfer:  isTransfer,
		FromAgentID: fromAgentID,
	}
	for i := range history {
		payload.Messages = append(payload.Messages, messagePayload(&history[i]))
	}

	m.pushAgent(agentID, wire.Frame{Type: wire.TypeConversationAssigned, Data: payload})
}

// pushAgent delivers a frame to the agent's session, if one is bound.
func (m *Manager) pushAgent(agentID uuid.UUID, frame wire.Frame) {
	sess, ok := m.reg.LookupAgentSession(agentID)
	if !ok {
		return
	}
	if !sess.Push(frame) {
		m.logger.Debug("push to agent dropped",
			zap.String("agent_id", agentID.String()),
			zap.String("type", string(frame.Type)),
		)
	}
}

// pushCustomer delivers a frame to the customer's session, if one is bound.
func (m *Manager) pushCustomer(customerID uuid.UUID, frame wire.Frame) {
	sess, ok := m.reg.LookupCustomerSession(customerID)
	if !ok {
		return
	}
	if !sess.Push(frame) {
		m.logger.Debug("push to customer dropped",
			zap.String("customer_id", customerID.String()),
			zap.String("type", string(frame.Type)),
		)
	}
}

// messagePayload converts a persisted message to its wire form.
func messagePayload(msg *db.Message) wire.MessagePayload {
	return wire.MessagePayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderKind:     int(msg.SenderKind),
		SenderID:       msg.SenderID,
		ContentKind:    int(msg.ContentKind),
		Body:           msg.Body,
		Read:           msg.Read,
		CreatedAt:      msg.CreatedAt,
	}
}

// StatusFromWire maps a client-supplied status string to a registry status.
// Agents may only declare online or busy; anything else is rejected.
func StatusFromWire(s string) (registry.Status, bool) {
	switch s {
	case string(registry.StatusOnline):
		return registry.StatusOnline, true
	case string(registry.StatusBusy):
		return registry.StatusBusy, true
	}
	return "", false
}
