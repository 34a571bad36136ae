package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chatline-io/chatline/internal/db"
)

// gormConversationRepository is the GORM implementation of
// ConversationRepository. All state transitions are conditional updates on
// the current status so concurrent assigners settle in the database.
type gormConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository returns a ConversationRepository backed by the
// provided *gorm.DB.
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &gormConversationRepository{db: db}
}

// GetByID retrieves a conversation by its UUID.
func (r *gormConversationRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Conversation, error) {
	var conv db.Conversation
	err := r.db.WithContext(ctx).First(&conv, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversations: get by id: %w", err)
	}
	return &conv, nil
}

// CurrentFor returns the customer's open conversation, if any.
func (r *gormConversationRepository) CurrentFor(ctx context.Context, customerID uuid.UUID) (*db.Conversation, error) {
	var conv db.Conversation
	err := r.db.WithContext(ctx).
		Where("customer_id = ? AND status <> ?", customerID, db.ConversationClosed).
		First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversations: current for customer: %w", err)
	}
	return &conv, nil
}

// GetOrOpenFor returns the customer's current non-CLOSED conversation or
// creates a fresh WAITING one. The partial unique index on open
// conversations makes the create race-free: the loser of a concurrent open
// gets a unique violation and re-reads the winner's row.
func (r *gormConversationRepository) GetOrOpenFor(ctx context.Context, customerID uuid.UUID) (*db.Conversation, bool, error) {
	var conv db.Conversation
	err := r.db.WithContext(ctx).
		Where("customer_id = ? AND status <> ?", customerID, db.ConversationClosed).
		First(&conv).Error
	if err == nil {
		return &conv, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("conversations: get open for customer: %w", err)
	}

	conv = db.Conversation{
		CustomerID: customerID,
		Status:     db.ConversationWaiting,
	}
	if cerr := r.db.WithContext(ctx).Create(&conv).Error; cerr != nil {
		if !isUniqueViolation(cerr) {
			return nil, false, fmt.Errorf("conversations: open: %w", cerr)
		}
		if rerr := r.db.WithContext(ctx).
			Where("customer_id = ? AND status <> ?", customerID, db.ConversationClosed).
			First(&conv).Error; rerr != nil {
			return nil, false, fmt.Errorf("conversations: reread after conflict: %w", rerr)
		}
		return &conv, false, nil
	}
	return &conv, true, nil
}

// Assign transitions WAITING → ACTIVE. The conditional update is the
// capacity race arbiter: two assigners racing onto one WAITING conversation
// produce exactly one affected row.
func (r *gormConversationRepository) Assign(ctx context.Context, conversationID, agentID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Conversation{}).
		Where("id = ? AND status = ?", conversationID, db.ConversationWaiting).
		Updates(map[string]any{
			"agent_id": agentID,
			"status":   db.ConversationActive,
		})
	if result.Error != nil {
		return fmt.Errorf("conversations: assign: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// No WAITING row matched — distinguish idempotent repeat from conflict.
	conv, err := r.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status == db.ConversationActive && conv.AgentID != nil && *conv.AgentID == agentID {
		return nil
	}
	return ErrConflict
}

// Reassign overwrites the agent of an ACTIVE conversation (transfer path).
func (r *gormConversationRepository) Reassign(ctx context.Context, conversationID, newAgentID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Conversation{}).
		Where("id = ? AND status = ?", conversationID, db.ConversationActive).
		Update("agent_id", newAgentID)
	if result.Error != nil {
		return fmt.Errorf("conversations: reassign: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// Revert returns an ACTIVE conversation to WAITING with the agent cleared.
func (r *gormConversationRepository) Revert(ctx context.Context, conversationID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Conversation{}).
		Where("id = ? AND status = ?", conversationID, db.ConversationActive).
		Updates(map[string]any{
			"agent_id": nil,
			"status":   db.ConversationWaiting,
		})
	if result.Error != nil {
		return fmt.Errorf("conversations: revert: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// Close transitions to CLOSED with a closed-at stamp. A second close of the
// same conversation is a no-op.
func (r *gormConversationRepository) Close(ctx context.Context, conversationID uuid.UUID) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&db.Conversation{}).
		Where("id = ? AND status <> ?", conversationID, db.ConversationClosed).
		Updates(map[string]any{
			"status":    db.ConversationClosed,
			"closed_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("conversations: close: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	if _, err := r.GetByID(ctx, conversationID); err != nil {
		return err
	}
	// Already closed.
	return nil
}

// AppendMessage persists a message and advances the conversation's
// last-message timestamp in one transaction.
func (r *gormConversationRepository) AppendMessage(ctx context.Context, conversationID uuid.UUID, senderKind db.SenderKind, senderID uuid.UUID, contentKind db.ContentKind, body string) (*db.Message, error) {
	msg := db.Message{
		ConversationID: conversationID,
		SenderKind:     senderKind,
		SenderID:       senderID,
		ContentKind:    contentKind,
		Body:           body,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		return tx.Model(&db.Conversation{}).
			Where("id = ?", conversationID).
			Update("last_message_at", msg.CreatedAt).Error
	})
	if err != nil {
		return nil, fmt.Errorf("conversations: append message: %w", err)
	}
	return &msg, nil
}

// TouchCustomerMessage advances last_customer_message_at. Monotonic: an
// older timestamp never overwrites a newer one.
func (r *gormConversationRepository) TouchCustomerMessage(ctx context.Context, conversationID uuid.UUID, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&db.Conversation{}).
		Where("id = ? AND (last_customer_message_at IS NULL OR last_customer_message_at < ?)", conversationID, at).
		Update("last_customer_message_at", at).Error
	if err != nil {
		return fmt.Errorf("conversations: touch customer message: %w", err)
	}
	return nil
}

// TouchAgentReply advances last_agent_reply_at. Monotonic.
func (r *gormConversationRepository) TouchAgentReply(ctx context.Context, conversationID uuid.UUID, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&db.Conversation{}).
		Where("id = ? AND (last_agent_reply_at IS NULL OR last_agent_reply_at < ?)", conversationID, at).
		Update("last_agent_reply_at", at).Error
	if err != nil {
		return fmt.Errorf("conversations: touch agent reply: %w", err)
	}
	return nil
}

// MarkRead flips read=true on all messages authored by the reader's counterpart.
func (r *gormConversationRepository) MarkRead(ctx context.Context, conversationID uuid.UUID, readerKind db.SenderKind) error {
	err := r.db.WithContext(ctx).
		Model(&db.Message{}).
		Where("conversation_id = ? AND sender_kind = ? AND read = ?", conversationID, readerKind.Counterpart(), false).
		Update("read", true).Error
	if err != nil {
		return fmt.Errorf("conversations: mark read: %w", err)
	}
	return nil
}

// MarkAllUnread resets read=false on every message in the conversation.
func (r *gormConversationRepository) MarkAllUnread(ctx context.Context, conversationID uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Model(&db.Message{}).
		Where("conversation_id = ?", conversationID).
		Update("read", false).Error
	if err != nil {
		return fmt.Errorf("conversations: mark all unread: %w", err)
	}
	return nil
}

// History returns all messages in creation order. UUIDv7 ids are
// time-ordered, so the id is the tie-breaker within one timestamp.
func (r *gormConversationRepository) History(ctx context.Context, conversationID uuid.UUID) ([]db.Message, error) {
	var msgs []db.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at asc, id asc").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("conversations: history: %w", err)
	}
	return msgs, nil
}

// HistoryForCustomer returns the customer-visible history: SYSTEM messages
// are internal handoff bookkeeping and are filtered out at the query level.
func (r *gormConversationRepository) HistoryForCustomer(ctx context.Context, conversationID uuid.UUID) ([]db.Message, error) {
	var msgs []db.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND sender_kind <> ?", conversationID, db.SenderSystem).
		Order("created_at asc, id asc").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("conversations: customer history: %w", err)
	}
	return msgs, nil
}

// UnreadMessages returns unread messages authored by senderKind, oldest first.
func (r *gormConversationRepository) UnreadMessages(ctx context.Context, conversationID uuid.UUID, senderKind db.SenderKind) ([]db.Message, error) {
	var msgs []db.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND sender_kind = ? AND read = ?", conversationID, senderKind, false).
		Order("created_at asc, id asc").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("conversations: unread messages: %w", err)
	}
	return msgs, nil
}

// UnreadCount counts unread messages authored by senderKind.
func (r *gormConversationRepository) UnreadCount(ctx context.Context, conversationID uuid.UUID, senderKind db.SenderKind) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Message{}).
		Where("conversation_id = ? AND sender_kind = ? AND read = ?", conversationID, senderKind, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("conversations: unread count: %w", err)
	}
	return count, nil
}

// CountActiveByAgent counts the agent's ACTIVE conversations. This is the
// live capacity read used at every assignment decision point.
func (r *gormConversationRepository) CountActiveByAgent(ctx context.Context, agentID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Conversation{}).
		Where("agent_id = ? AND status = ?", agentID, db.ConversationActive).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("conversations: count active by agent: %w", err)
	}
	return count, nil
}

// CountAwaitingReplyByAgent counts the agent's ACTIVE conversations whose
// customer sent the most recent word.
func (r *gormConversationRepository) CountAwaitingReplyByAgent(ctx context.Context, agentID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Conversation{}).
		Where("agent_id = ? AND status = ? AND last_customer_message_at IS NOT NULL AND (last_agent_reply_at IS NULL OR last_agent_reply_at < last_customer_message_at)",
			agentID, db.ConversationActive).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("conversations: count awaiting reply: %w", err)
	}
	return count, nil
}

// ActiveByAgent returns the agent's ACTIVE conversations, oldest first.
func (r *gormConversationRepository) ActiveByAgent(ctx context.Context, agentID uuid.UUID) ([]db.Conversation, error) {
	var convs []db.Conversation
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND status = ?", agentID, db.ConversationActive).
		Order("created_at asc").
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("conversations: active by agent: %w", err)
	}
	return convs, nil
}

// List returns conversations newest first with optional status and agent filters.
func (r *gormConversationRepository) List(ctx context.Context, status *db.ConversationStatus, agentID *uuid.UUID, opts ListOptions) ([]db.Conversation, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.Conversation{})
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	if agentID != nil {
		q = q.Where("agent_id = ?", *agentID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("conversations: count: %w", err)
	}

	q = q.Order("created_at desc")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}

	var convs []db.Conversation
	if err := q.Find(&convs).Error; err != nil {
		return nil, 0, fmt.Errorf("conversations: list: %w", err)
	}
	return convs, total, nil
}

// TimeoutCandidates returns ACTIVE conversations where the customer's last
// message predates the cutoff and the agent has not replied since.
func (r *gormConversationRepository) TimeoutCandidates(ctx context.Context, cutoff time.Time) ([]db.Conversation, error) {
	var convs []db.Conversation
	err := r.db.WithContext(ctx).
		Where("status = ? AND agent_id IS NOT NULL AND last_customer_message_at IS NOT NULL AND last_customer_message_at <= ? AND (last_agent_reply_at IS NULL OR last_agent_reply_at < last_customer_message_at)",
			db.ConversationActive, cutoff).
		Order("last_customer_message_at asc").
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("conversations: timeout candidates: %w", err)
	}
	return convs, nil
}

// WaitingQueue returns unassigned WAITING conversations, oldest first.
func (r *gormConversationRepository) WaitingQueue(ctx context.Context, limit int) ([]db.Conversation, error) {
	q := r.db.WithContext(ctx).
		Where("status = ? AND agent_id IS NULL", db.ConversationWaiting).
		Order("created_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var convs []db.Conversation
	if err := q.Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("conversations: waiting queue: %w", err)
	}
	return convs, nil
}

// AppendTransfer records a handoff in the append-only transfer log.
func (r *gormConversationRepository) AppendTransfer(ctx context.Context, rec *db.TransferRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("conversations: append transfer: %w", err)
	}
	return nil
}

// Transfers returns the transfer log for a conversation, oldest first.
func (r *gormConversationRepository) Transfers(ctx context.Context, conversationID uuid.UUID) ([]db.TransferRecord, error) {
	var recs []db.TransferRecord
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("conversations: transfers: %w", err)
	}
	return recs, nil
}
