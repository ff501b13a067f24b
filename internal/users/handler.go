package users

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Handler manages user management endpoints.
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

// MountRoutes registers user routes. The router must already authenticate.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequireAny(shared.PermUsersRead)).Get("/", h.listUsers)
	r.With(h.rbac.RequireEither(IsSelf("id"), h.rbac.Authorizer.Permissions(shared.PermUsersRead))).Get("/{id}", h.getUser)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermUsersUpdate))
		r.Patch("/{id}/status", h.setStatus)
		r.Patch("/{id}/role", h.setRole)
	})
}

// IsSelf admits a principal acting on its own account, identified by the
// named URL parameter. Any other request is left to the next check.
func IsSelf(param string) rbac.Check {
	return func(r *http.Request) rbac.Decision {
		p := shared.PrincipalFromContext(r.Context())
		if p == nil {
			return rbac.Deny(shared.UnauthorizedError("authentication required"))
		}
		id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
		if err != nil || id != p.ID {
			return rbac.Indeterminate()
		}
		return rbac.Admit()
	}
}

type statusRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type roleRequest struct {
	Role string `json:"role" validate:"required,max=64"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, perPage := shared.PageParams(q)
	f := ListFilters{Role: strings.TrimSpace(q.Get("role")), Page: page, Limit: perPage}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.RespondError(w, &shared.ValidationError{Fields: map[string]string{"active": "must be a boolean"}})
			return
		}
		f.Active = &active
	}
	users, pagination, err := h.service.ListUsers(r.Context(), f)
	if err != nil {
		h.fail(w, r, "list users", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": users, "pagination": pagination})
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get user", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	user, err := h.service.SetStatus(r.Context(), shared.PrincipalFromContext(r.Context()), id, *req.Active)
	if err != nil {
		h.fail(w, r, "set user status", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) setRole(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var req roleRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	user, err := h.service.SetRole(r.Context(), shared.PrincipalFromContext(r.Context()), id, rbac.NormalizeName(req.Role))
	if err != nil {
		h.fail(w, r, "set user role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, &shared.ValidationError{Fields: map[string]string{"id": "must be a positive integer"}})
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
