package roles

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Handler manages role management endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermRolesRead))
		r.Get("/", h.listRoles)
		r.Get("/{name}/permissions", h.rolePermissions)
	})
	r.With(h.rbac.RequireAny(shared.PermRolesCreate)).Post("/", h.createRole)
	r.With(h.rbac.RequireAny(shared.PermRolesUpdate)).Put("/{name}/permissions", h.replacePermissions)
	r.With(h.rbac.RequireRole(shared.RoleAdmin)).Delete("/{name}", h.deleteRole)
}

type createRoleRequest struct {
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description" validate:"max=255"`
}

type permissionsRequest struct {
	Permissions []string `json:"permissions" validate:"required,dive,required,max=128"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, r, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.CreateRole(r.Context(), shared.PrincipalFromContext(r.Context()), CreateInput{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		h.fail(w, r, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteRole(r.Context(), shared.PrincipalFromContext(r.Context()), chi.URLParam(r, "name")); err != nil {
		h.fail(w, r, "delete role", err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) rolePermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.RolePermissions(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, r, "role permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) replacePermissions(w http.ResponseWriter, r *http.Request) {
	var req permissionsRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	perms, err := h.service.ReplacePermissions(r.Context(), shared.PrincipalFromContext(r.Context()), chi.URLParam(r, "name"), req.Permissions)
	if err != nil {
		h.fail(w, r, "replace role permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
