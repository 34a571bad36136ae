package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/chatline-io/chatline/internal/auth"
	"github.com/chatline-io/chatline/internal/db"
	"github.com/chatline-io/chatline/internal/lifecycle"
	"github.com/chatline-io/chatline/internal/registry"
	"github.com/chatline-io/chatline/internal/repositories"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.Service
	Lifecycle   *lifecycle.Manager
	Registry    *registry.Registry
	Logger      *zap.Logger

	// DB backs the health check; /healthz reports unhealthy when the
	// database stops answering pings.
	DB *gorm.DB

	// Gateway is the WebSocket upgrade handler, mounted at /ws. It runs its
	// own credential check during the handshake, outside the HTTP auth chain.
	Gateway http.Handler

	// Repositories — used directly by handlers that do not need the
	// lifecycle manager.
	Agents        repositories.AgentRepository
	Conversations repositories.ConversationRepository
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and size.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Agents, cfg.Registry, cfg.Logger)
	conversationHandler := NewConversationHandler(cfg.Conversations, cfg.Lifecycle, cfg.Logger)

	// --- Operational endpoints ---
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := db.Ping(req.Context(), cfg.DB); err != nil {
			cfg.Logger.Warn("health check: database ping failed", zap.Error(err))
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// --- WebSocket endpoint ---
	r.Handle("/ws", cfg.Gateway)

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes (no authentication required) ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
		})

		// --- Authenticated routes (valid bearer token required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.AuthService))

			// Auth
			r.Post("/auth/logout", authHandler.Logout)

			// Agent directory
			r.Get("/agents", agentHandler.List)

			// Conversation console
			r.Get("/conversations", conversationHandler.List)
			r.Get("/conversations/{id}/messages", conversationHandler.Messages)
			r.Get("/conversations/{id}/transfers", conversationHandler.Transfers)
			r.Post("/conversations/{id}/close", conversationHandler.Close)
			r.Post("/conversations/{id}/transfer", conversationHandler.Transfer)
			r.Post("/conversations/{id}/read", conversationHandler.Read)
		})
	})

	return r
}
