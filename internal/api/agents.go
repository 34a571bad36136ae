package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/chatline-io/chatline/internal/db"
	"github.com/chatline-io/chatline/internal/registry"
	"github.com/chatline-io/chatline/internal/repositories"
)

// AgentHandler groups the agent directory HTTP handlers. The directory
// merges durable agent records with the live registry view so the console
// can render presence and pick transfer targets from one response.
type AgentHandler struct {
	repo   repositories.AgentRepository
	reg    *registry.Registry
	logger *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(repo repositories.AgentRepository, reg *registry.Registry, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		repo:   repo,
		reg:    reg,
		logger: logger.Named("agent_handler"),
	}
}

// agentResponse is the JSON representation of an agent. Status and Alive
// come from the registry; everything else from the store. The password hash
// is never serialized.
type agentResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	Enabled  bool   `json:"enabled"`
	Admin    bool   `json:"admin"`
	Status   string `json:"status"`
	Alive    bool   `json:"alive"`
}

// agentToResponse converts a db.Agent plus its registry state.
func (h *AgentHandler) agentToResponse(a *db.Agent) agentResponse {
	return agentResponse{
		ID:       a.ID.String(),
		Name:     a.Name,
		Capacity: a.Capacity,
		Enabled:  a.Enabled,
		Admin:    a.Admin,
		Status:   string(h.reg.AgentStatus(a.ID)),
		Alive:    h.reg.IsAlive(a.ID),
	}
}

// listAgentsResponse wraps a paginated list of agents.
type listAgentsResponse struct {
	Items []agentResponse `json:"items"`
	Total int64           `json:"total"`
}

// List handles GET /api/v1/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	agents, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]agentResponse, len(agents))
	for i := range agents {
		items[i] = h.agentToResponse(&agents[i])
	}

	Ok(w, listAgentsResponse{Items: items, Total: total})
}

// paginationOpts parses limit/offset query parameters with sane bounds.
func paginationOpts(r *http.Request) repositories.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repositories.ListOptions{Limit: limit, Offset: offset}
}
