package app

import (
	"net/http"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/stocklane/stocklane/internal/auth"
	"github.com/stocklane/stocklane/internal/observability"
	"github.com/stocklane/stocklane/internal/rbac"
	"github.com/stocklane/stocklane/internal/shared"
)

// Permission names gating the admin API.
const (
	PermManageRoles = "manage_roles"
	PermManageUsers = "manage_users"
	PermViewUser    = "view_user"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	Metrics        *observability.Metrics
	AuthHandler    *auth.Handler
	RBACHandler    *rbac.Handler
	RBACMiddleware rbac.Middleware
}

// NewRouter constructs the chi.Router with Stocklane defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if params.Metrics != nil {
		r.Use(params.Metrics.Middleware)
	}
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
	}) {
		r.Use(mw)
	}
	r.Use(chimw.Logger)
	if params.Config != nil && params.Config.AppRequestTimeout > 0 {
		r.Use(chimw.Timeout(params.Config.AppRequestTimeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	loginLimit := 10
	if params.Config != nil && params.Config.LoginRateLimit > 0 {
		loginLimit = params.Config.LoginRateLimit
	}
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(loginLimit, time.Minute))
		r.Post("/login", params.AuthHandler.Login)
	})
	r.Post("/logout", params.AuthHandler.Logout)

	r.Route("/api/v1/rbac", func(r chi.Router) {
		r.Use(params.RBACMiddleware.RequireAll(PermManageRoles))
		params.RBACHandler.Register(r)
	})

	return r
}
