package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/chatline-io/chatline/internal/auth"
)

// AuthHandler groups the login and logout HTTP handlers.
type AuthHandler struct {
	svc    *auth.Service
	logger *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(svc *auth.Service, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		svc:    svc,
		logger: logger.Named("auth_handler"),
	}
}

// loginRequest is the JSON body expected by POST /api/v1/auth/login.
type loginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// loginResponse carries the bearer token and the agent's own profile.
type loginResponse struct {
	Token string       `json:"token"`
	Agent agentProfile `json:"agent"`
}

type agentProfile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	Admin    bool   `json:"admin"`
}

// Login handles POST /api/v1/auth/login.
// Invalid credentials and unknown names are indistinguishable on the wire.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Password == "" {
		ErrBadRequest(w, "name and password are required")
		return
	}

	token, agent, err := h.svc.Login(r.Context(), req.Name, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			errJSON(w, http.StatusUnauthorized, "invalid credentials", "invalid_credentials")
		case errors.Is(err, auth.ErrAgentDisabled):
			errJSON(w, http.StatusForbidden, "account disabled", "agent_disabled")
		default:
			h.logger.Error("login failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	h.logger.Info("agent logged in", zap.String("agent_id", agent.ID.String()))
	Ok(w, loginResponse{
		Token: token,
		Agent: agentProfile{
			ID:       agent.ID.String(),
			Name:     agent.Name,
			Capacity: agent.Capacity,
			Admin:    agent.Admin,
		},
	})
}

// Logout handles POST /api/v1/auth/logout.
// Revokes the presented token; revoking an unknown token is a no-op.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		ErrUnauthorized(w)
		return
	}
	if err := h.svc.Logout(r.Context(), token); err != nil {
		h.logger.Error("logout failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
