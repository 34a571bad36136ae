package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatline-io/chatline/internal/auth"
	"github.com/chatline-io/chatline/internal/db"
	"github.com/chatline-io/chatline/internal/lifecycle"
	"github.com/chatline-io/chatline/internal/metrics"
	"github.com/chatline-io/chatline/internal/registry"
	"github.com/chatline-io/chatline/internal/repositories"
	"github.com/chatline-io/chatline/internal/wire"
)

// Config carries the handler's dependencies.
type Config struct {
	Auth      *auth.Service
	Agents    repositories.AgentRepository
	Customers repositories.CustomerRepository
	Registry  *registry.Registry
	Lifecycle *lifecycle.Manager
	Logger    *zap.Logger
}

// Handler serves the WebSocket endpoint. The connection type and credential
// travel as query parameters:
//
//	GET /ws?type=agent&token=<bearer>
//	GET /ws?type=customer&visitor_id=<stable id>&locale=...&source=...
type Handler struct {
	auth      *auth.Service
	agents    repositories.AgentRepository
	customers repositories.CustomerRepository
	reg       *registry.Registry
	mgr       *lifecycle.Manager
	logger    *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		auth:      cfg.Auth,
		agents:    cfg.Agents,
		customers: cfg.Customers,
		reg:       cfg.Registry,
		mgr:       cfg.Lifecycle,
		logger:    cfg.Logger.Named("gateway"),
	}
}

// ServeHTTP upgrades the connection and runs the session until the transport
// closes. It blocks for the lifetime of the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("type")
	if kind != "agent" && kind != "customer" {
		http.Error(w, "unknown connection type", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	sess := newSession(conn, h.logger)
	go sess.writePump()

	switch kind {
	case "agent":
		h.serveAgent(r, sess)
	case "customer":
		h.serveCustomer(r, sess)
	}
}

// reject pushes a terminal error frame and closes the session.
func (h *Handler) reject(sess *Session, message string) {
	sess.Push(wire.Frame{Type: wire.TypeError, Message: message})
	sess.Close()
}

func (h *Handler) serveAgent(r *http.Request, sess *Session) {
	ctx := context.Background()

	claims, err := h.auth.Verify(ctx, r.URL.Query().Get("token"))
	if err != nil {
		h.reject(sess, "authentication failed")
		return
	}
	agentID, err := uuid.Parse(claims.AgentID)
	if err != nil {
		h.reject(sess, "authentication failed")
		return
	}
	agent, err := h.agents.GetByID(ctx, agentID)
	if err != nil || !agent.Enabled {
		h.reject(sess, "authentication failed")
		return
	}

	h.reg.BindAgent(ctx, agentID, agent.Admin, sess)
	metrics.SessionsOpen.WithLabelValues("agent").Inc()
	defer func() {
		metrics.SessionsOpen.WithLabelValues("agent").Dec()
		h.reg.UnbindBySession(context.Background(), sess.ID())
	}()

	sess.Push(wire.Frame{Type: wire.TypeConnected, Data: wire.ConnectedPayload{
		AgentID: agentID,
		Status:  string(registry.StatusOnline),
	}})

	// A fresh agent is the cheapest drain target there is.
	if !agent.Admin {
		h.mgr.DrainWaitingFor(ctx, agentID)
	}

	h.logger.Info("agent connected",
		zap.String("agent_id", agentID.String()),
		zap.String("session", sess.ID()),
	)
	sess.readPump(func(in wire.Inbound) {
		h.dispatchAgent(context.Background(), agentID, agent.Admin, sess, in)
	})
	h.logger.Info("agent disconnected", zap.String("agent_id", agentID.String()))
}

func (h *Handler) serveCustomer(r *http.Request, sess *Session) {
	ctx := context.Background()
	q := r.URL.Query()

	visitorID := strings.TrimSpace(q.Get("visitor_id"))
	if visitorID == "" {
		h.reject(sess, "missing visitor id")
		return
	}

	customer, err := h.customers.Upsert(ctx, visitorID, repositories.CustomerAttrs{
		Address:    r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Locale:     q.Get("locale"),
		SourcePage: q.Get("source"),
		Device:     q.Get("device"),
		OS:         q.Get("os"),
		Browser:    q.Get("browser"),
	})
	if err != nil {
		h.logger.Error("customer upsert failed", zap.Error(err))
		h.reject(sess, "internal error")
		return
	}

	h.reg.BindCustomer(ctx, customer.ID, sess)
	metrics.SessionsOpen.WithLabelValues("customer").Inc()
	defer func() {
		metrics.SessionsOpen.WithLabelValues("customer").Dec()
		h.reg.UnbindBySession(context.Background(), sess.ID())
	}()

	sess.Push(wire.Frame{Type: wire.TypeConnected, Data: wire.ConnectedPayload{
		CustomerID: customer.ID,
	}})

	if offline, err := h.mgr.OfflineMessagesFor(ctx, customer.ID); err != nil {
		h.logger.Warn("offline messages fetch failed", zap.Error(err))
	} else if offline != nil {
		sess.Push(wire.Frame{Type: wire.TypeOfflineMessages, Data: offline})
	}

	h.logger.Debug("customer connected",
		zap.String("customer_id", customer.ID.String()),
		zap.String("session", sess.ID()),
	)
	sess.readPump(func(in wire.Inbound) {
		h.dispatchCustomer(context.Background(), customer.ID, sess, in)
	})
}

// dispatchAgent routes one inbound agent frame. Malformed or unauthorized
// frames are dropped; nothing an agent sends can crash the pump.
func (h *Handler) dispatchAgent(ctx context.Context, agentID uuid.UUID, admin bool, sess *Session, in wire.Inbound) {
	switch in.Type {
	case wire.TypePing:
		h.reg.Heartbeat(ctx, agentID)
		sess.Push(wire.Frame{Type: wire.TypePong})

	case wire.TypeMessage:
		var m wire.InboundMessage
		if err := json.Unmarshal(in.Data, &m); err != nil || m.ConversationID == uuid.Nil {
			return
		}
		kind, ok := contentKind(m.ContentKind)
		if !ok || strings.TrimSpace(m.Body) == "" {
			return
		}
		if err := h.mgr.HandleAgentMessage(ctx, agentID, m.ConversationID, kind, m.Body); err != nil {
			h.logger.Warn("agent message failed", zap.Error(err))
		}

	case wire.TypeTyping:
		var t wire.InboundTyping
		if err := json.Unmarshal(in.Data, &t); err != nil {
			return
		}
		h.mgr.Typing(ctx, registry.Principal{Kind: registry.PrincipalAgent, ID: agentID}, t.ConversationID, t.Typing)

	case wire.TypeRead:
		var rd wire.InboundRead
		if err := json.Unmarshal(in.Data, &rd); err != nil {
			return
		}
		if err := h.mgr.MarkRead(ctx, registry.Principal{Kind: registry.PrincipalAgent, ID: agentID}, rd.ConversationID); err != nil {
			h.logger.Debug("mark read dropped", zap.Error(err))
		}

	case wire.TypeCloseConversation:
		var c wire.InboundClose
		if err := json.Unmarshal(in.Data, &c); err != nil {
			return
		}
		if err := h.mgr.Close(ctx, agentID, admin, c.ConversationID); err != nil {
			h.logger.Debug("close dropped", zap.Error(err))
		}

	case wire.TypeStatus:
		var st wire.InboundStatus
		if err := json.Unmarshal(in.Data, &st); err != nil {
			return
		}
		status, ok := lifecycle.StatusFromWire(st.Status)
		if !ok {
			return
		}
		h.reg.SetStatus(ctx, agentID, status)
		sess.Push(wire.Frame{Type: wire.TypeStatusChanged, Data: wire.StatusChangedPayload{Status: string(status)}})
		if status == registry.StatusOnline && !admin {
			h.mgr.DrainWaitingFor(ctx, agentID)
		}

	default:
		h.logger.Debug("unknown agent frame dropped", zap.String("type", string(in.Type)))
	}
}

// dispatchCustomer routes one inbound customer frame.
func (h *Handler) dispatchCustomer(ctx context.Context, customerID uuid.UUID, sess *Session, in wire.Inbound) {
	switch in.Type {
	case wire.TypePing:
		sess.Push(wire.Frame{Type: wire.TypePong})

	case wire.TypeMessage:
		var m wire.InboundMessage
		if err := json.Unmarshal(in.Data, &m); err != nil {
			return
		}
		kind, ok := contentKind(m.ContentKind)
		if !ok || strings.TrimSpace(m.Body) == "" {
			return
		}
		// Customers address their single open conversation implicitly.
		if err := h.mgr.HandleCustomerMessage(ctx, customerID, kind, m.Body); err != nil {
			h.logger.Warn("customer message failed", zap.Error(err))
		}

	case wire.TypeTyping:
		var t wire.InboundTyping
		if err := json.Unmarshal(in.Data, &t); err != nil {
			return
		}
		h.mgr.Typing(ctx, registry.Principal{Kind: registry.PrincipalCustomer, ID: customerID}, t.ConversationID, t.Typing)

	case wire.TypeRead:
		var rd wire.InboundRead
		if err := json.Unmarshal(in.Data, &rd); err != nil {
			return
		}
		if err := h.mgr.MarkRead(ctx, registry.Principal{Kind: registry.PrincipalCustomer, ID: customerID}, rd.ConversationID); err != nil {
			h.logger.Debug("mark read dropped", zap.Error(err))
		}

	default:
		h.logger.Debug("unknown customer frame dropped", zap.String("type", string(in.Type)))
	}
}

// contentKind validates a wire content kind. Zero means text, the default
// for clients that omit the field.
func contentKind(v int) (db.ContentKind, bool) {
	switch v {
	case 0, int(db.ContentText):
		return db.ContentText, true
	case int(db.ContentImage):
		return db.ContentImage, true
	}
	return 0, false
}
