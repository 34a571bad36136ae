package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatline-io/chatline/internal/db"
	"github.com/chatline-io/chatline/internal/lifecycle"
	"github.com/chatline-io/chatline/internal/registry"
	"github.com/chatline-io/chatline/internal/repositories"
)

// ConversationHandler groups the conversation console HTTP handlers.
type ConversationHandler struct {
	convs  repositories.ConversationRepository
	mgr    *lifecycle.Manager
	logger *zap.Logger
}

// NewConversationHandler creates a new ConversationHandler.
func NewConversationHandler(convs repositories.ConversationRepository, mgr *lifecycle.Manager, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{
		convs:  convs,
		mgr:    mgr,
		logger: logger.Named("conversation_handler"),
	}
}

// conversationResponse is the JSON representation of a conversation.
type conversationResponse struct {
	ID            string     `json:"id"`
	CustomerID    string     `json:"customer_id"`
	AgentID       *string    `json:"agent_id"`
	Status        string     `json:"status"`
	LastMessageAt *time.Time `json:"last_message_at"`
	ClosedAt      *time.Time `json:"closed_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

func conversationToResponse(c *db.Conversation) conversationResponse {
	resp := conversationResponse{
		ID:            c.ID.String(),
		CustomerID:    c.CustomerID.String(),
		Status:        c.Status.String(),
		LastMessageAt: c.LastMessageAt,
		ClosedAt:      c.ClosedAt,
		CreatedAt:     c.CreatedAt,
	}
	if c.AgentID != nil {
		s := c.AgentID.String()
		resp.AgentID = &s
	}
	return resp
}

// messageResponse is the JSON representation of a message.
type messageResponse struct {
	ID          string    `json:"id"`
	SenderKind  string    `json:"sender_kind"`
	SenderID    string    `json:"sender_id,omitempty"`
	ContentKind string    `json:"content_kind"`
	Body        string    `json:"body"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}

func messageToResponse(m *db.Message) messageResponse {
	resp := messageResponse{
		ID:          m.ID.String(),
		SenderKind:  m.SenderKind.String(),
		ContentKind: m.ContentKind.String(),
		Body:        m.Body,
		Read:        m.Read,
		CreatedAt:   m.CreatedAt,
	}
	if m.SenderID != uuid.Nil {
		resp.SenderID = m.SenderID.String()
	}
	return resp
}

// listConversationsResponse wraps a paginated list of conversations.
type listConversationsResponse struct {
	Items []conversationResponse `json:"items"`
	Total int64                  `json:"total"`
}

// List handles GET /api/v1/conversations.
// Optional filters: status (waiting|active|closed), agent_id, mine=true.
// Admins see every conversation; a regular agent is always scoped to its own,
// whatever filters it sends.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	q := r.URL.Query()

	callerID, admin, ok := callerIdentity(w, r)
	if !ok {
		return
	}

	var status *db.ConversationStatus
	if v := q.Get("status"); v != "" {
		s, ok := parseStatus(v)
		if !ok {
			ErrBadRequest(w, "unknown status filter")
			return
		}
		status = &s
	}

	var agentID *uuid.UUID
	switch {
	case !admin:
		agentID = &callerID
	case q.Get("mine") == "true":
		agentID = &callerID
	case q.Get("agent_id") != "":
		id, err := uuid.Parse(q.Get("agent_id"))
		if err != nil {
			ErrBadRequest(w, "invalid agent_id")
			return
		}
		agentID = &id
	}

	convs, total, err := h.convs.List(r.Context(), status, agentID, opts)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]conversationResponse, len(convs))
	for i := range convs {
		items[i] = conversationToResponse(&convs[i])
	}
	Ok(w, listConversationsResponse{Items: items, Total: total})
}

// Messages handles GET /api/v1/conversations/{id}/messages.
// Returns the full history including SYSTEM handoff messages — this is the
// agent console view, not the customer one. Only the assigned agent or an
// admin may read it.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	convID, ok := conversationID(w, r)
	if !ok {
		return
	}
	if !h.authorizeConversation(w, r, convID) {
		return
	}

	msgs, err := h.convs.History(r.Context(), convID)
	if err != nil {
		h.logger.Error("failed to load history", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]messageResponse, len(msgs))
	for i := range msgs {
		items[i] = messageToResponse(&msgs[i])
	}
	Ok(w, envelope{"items": items})
}

// Close handles POST /api/v1/conversations/{id}/close.
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	convID, ok := conversationID(w, r)
	if !ok {
		return
	}
	claims := claimsFromCtx(r.Context())
	callerID, err := uuid.Parse(claims.AgentID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	if err := h.mgr.Close(r.Context(), callerID, claims.Admin, convID); err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrConversationNotFound):
			ErrNotFound(w)
		case errors.Is(err, lifecycle.ErrNotOwner):
			ErrForbidden(w)
		default:
			h.logger.Error("close failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	NoContent(w)
}

// transferRequest is the JSON body expected by the transfer endpoint.
type transferRequest struct {
	TargetAgentID string `json:"target_agent_id"`
	Reason        string `json:"reason"`
}

// transferResponse reports the transfer outcome. Precondition failures are
// business results, not protocol errors: they come back as 200 with
// success=false and a message the console shows verbatim.
type transferResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Transfer handles POST /api/v1/conversations/{id}/transfer.
func (h *ConversationHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	convID, ok := conversationID(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	targetID, err := uuid.Parse(req.TargetAgentID)
	if err != nil {
		ErrBadRequest(w, "invalid target_agent_id")
		return
	}

	claims := claimsFromCtx(r.Context())
	operatorID, err := uuid.Parse(claims.AgentID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	err = h.mgr.Transfer(r.Context(), convID, targetID, db.TransferManual, &operatorID, req.Reason)
	if err != nil {
		if msg, conflict := transferConflict(err); conflict {
			Ok(w, transferResponse{Success: false, Message: msg})
			return
		}
		h.logger.Error("transfer failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, transferResponse{Success: true})
}

// Read handles POST /api/v1/conversations/{id}/read, marking the customer's
// messages as read by the agent.
func (h *ConversationHandler) Read(w http.ResponseWriter, r *http.Request) {
	convID, ok := conversationID(w, r)
	if !ok {
		return
	}
	claims := claimsFromCtx(r.Context())
	callerID, err := uuid.Parse(claims.AgentID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	reader := registry.Principal{Kind: registry.PrincipalAgent, ID: callerID}
	if err := h.mgr.MarkRead(r.Context(), reader, convID); err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrConversationNotFound):
			ErrNotFound(w)
		case errors.Is(err, lifecycle.ErrNotOwner):
			ErrForbidden(w)
		default:
			h.logger.Error("mark read failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	NoContent(w)
}

// transferRecordResponse is the JSON representation of one handoff.
type transferRecordResponse struct {
	ID          string    `json:"id"`
	FromAgentID string    `json:"from_agent_id"`
	ToAgentID   string    `json:"to_agent_id"`
	Kind        string    `json:"kind"`
	OperatorID  *string   `json:"operator_id"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Transfers handles GET /api/v1/conversations/{id}/transfers.
// Same access rule as Messages: assigned agent or admin.
func (h *ConversationHandler) Transfers(w http.ResponseWriter, r *http.Request) {
	convID, ok := conversationID(w, r)
	if !ok {
		return
	}
	if !h.authorizeConversation(w, r, convID) {
		return
	}

	recs, err := h.convs.Transfers(r.Context(), convID)
	if err != nil {
		h.logger.Error("failed to load transfer log", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]transferRecordResponse, len(recs))
	for i := range recs {
		rec := &recs[i]
		items[i] = transferRecordResponse{
			ID:          rec.ID.String(),
			FromAgentID: rec.FromAgentID.String(),
			ToAgentID:   rec.ToAgentID.String(),
			Kind:        rec.Kind.String(),
			Reason:      rec.Reason,
			CreatedAt:   rec.CreatedAt,
		}
		if rec.OperatorID != nil {
			s := rec.OperatorID.String()
			items[i].OperatorID = &s
		}
	}
	Ok(w, envelope{"items": items})
}

// callerIdentity resolves the authenticated agent from the request context,
// writing a 401 when the claims are absent or malformed.
func callerIdentity(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool, bool) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return uuid.Nil, false, false
	}
	id, err := uuid.Parse(claims.AgentID)
	if err != nil {
		ErrUnauthorized(w)
		return uuid.Nil, false, false
	}
	return id, claims.Admin, true
}

// authorizeConversation loads the conversation and checks that the caller is
// its assigned agent or an admin. Writes the error response itself and
// returns false when the caller may not proceed.
func (h *ConversationHandler) authorizeConversation(w http.ResponseWriter, r *http.Request, convID uuid.UUID) bool {
	callerID, admin, ok := callerIdentity(w, r)
	if !ok {
		return false
	}

	conv, err := h.convs.GetByID(r.Context(), convID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return false
		}
		h.logger.Error("failed to load conversation", zap.Error(err))
		ErrInternal(w)
		return false
	}
	if !admin && (conv.AgentID == nil || *conv.AgentID != callerID) {
		ErrForbidden(w)
		return false
	}
	return true
}

// conversationID parses the {id} path parameter, writing a 400 on failure.
func conversationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid conversation id")
		return uuid.Nil, false
	}
	return id, true
}

// parseStatus maps a query value to a conversation status.
func parseStatus(v string) (db.ConversationStatus, bool) {
	switch v {
	case "waiting":
		return db.ConversationWaiting, true
	case "active":
		return db.ConversationActive, true
	case "closed":
		return db.ConversationClosed, true
	}
	return 0, false
}

// transferConflict maps a lifecycle precondition error to the message shown
// to the operator. Non-precondition errors return conflict=false.
func transferConflict(err error) (string, bool) {
	switch {
	case errors.Is(err, lifecycle.ErrConversationNotFound):
		return "conversation not found", true
	case errors.Is(err, lifecycle.ErrConversationClosed):
		return "conversation is closed", true
	case errors.Is(err, lifecycle.ErrNoCurrentAgent):
		return "conversation has no agent to transfer from", true
	case errors.Is(err, lifecycle.ErrSameAgent):
		return "conversation is already with that agent", true
	case errors.Is(err, lifecycle.ErrTargetNotFound):
		return "target agent not found", true
	case errors.Is(err, lifecycle.ErrTargetDisabled):
		return "target agent is disabled", true
	case errors.Is(err, lifecycle.ErrTargetOffline):
		return "target agent is not online", true
	case errors.Is(err, lifecycle.ErrTargetFull):
		return "target agent has no free capacity", true
	}
	return "", false
}
