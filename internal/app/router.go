package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/odyssey-erp/odyssey-iam/internal/audit/http"
	"github.com/odyssey-erp/odyssey-iam/internal/auth"
	"github.com/odyssey-erp/odyssey-iam/internal/observability"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/roles"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
	"github.com/odyssey-erp/odyssey-iam/internal/users"
	"github.com/odyssey-erp/odyssey-iam/jobs"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Authenticator      *auth.Authenticator
	AuthHandler        *auth.Handler
	UsersHandler       *users.Handler
	RolesHandler       *roles.Handler
	PermissionsHandler *rbac.PermissionsHandler
	AuditHandler       *audithttp.Handler
	JobHandler         *jobs.Handler
	RBACMiddleware     rbac.Middleware
	Metrics            *observability.Metrics
	HealthChecks       map[string]HealthCheck
}

// NewRouter constructs the chi.Router with Odyssey defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", healthHandler(params.Logger, params.HealthChecks))
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/auth", params.AuthHandler.MountRoutes)

	r.Group(func(r chi.Router) {
		r.Use(params.Authenticator.Middleware)
		if params.UsersHandler != nil {
			r.Route("/users", params.UsersHandler.MountRoutes)
		}
		if params.RolesHandler != nil {
			r.Route("/roles", params.RolesHandler.MountRoutes)
		}
		if params.PermissionsHandler != nil {
			r.Route("/permissions", params.PermissionsHandler.MountRoutes)
		}
		if params.AuditHandler != nil {
			r.Route("/audit", params.AuditHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", func(r chi.Router) {
				r.Use(params.RBACMiddleware.RequireRole(shared.RoleAdmin))
				params.JobHandler.MountRoutes(r)
			})
		}
	})
	return r
}

func healthHandler(logger *slog.Logger, checks map[string]HealthCheck) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		deps := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				logger.Warn("health check failed", slog.String("check", name), slog.Any("error", err))
				deps[name] = "down"
				status = http.StatusServiceUnavailable
				continue
			}
			deps[name] = "ok"
		}
		body := map[string]any{"status": "ok"}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		if len(deps) > 0 {
			body["checks"] = deps
		}
		httpx.JSON(w, status, body)
	}
}
