package rbac

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// PermissionSource resolves a role to its permissions.
type PermissionSource interface {
	Resolve(ctx context.Context, role string) ([]Permission, error)
}

// DecisionObserver receives the outcome of every authorizer check.
type DecisionObserver interface {
	ObserveAuthz(check, outcome string)
}

// Authorizer builds permission and role checks for authenticated principals.
type Authorizer struct {
	source   PermissionSource
	logger   *slog.Logger
	observer DecisionObserver
}

// NewAuthorizer constructs an Authorizer. observer may be nil.
func NewAuthorizer(source PermissionSource, logger *slog.Logger, observer DecisionObserver) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{source: source, logger: logger, observer: observer}
}

// Permissions admits principals holding any of names. The admin role is always
// admitted; any other principal is denied when names is empty.
func (a *Authorizer) Permissions(names ...string) Check {
	required := normalizeList(names)
	return func(r *http.Request) Decision {
		d := a.permissions(r, required)
		a.observe("permissions", d)
		return d
	}
}

func (a *Authorizer) permissions(r *http.Request, required []string) Decision {
	p := shared.PrincipalFromContext(r.Context())
	if p == nil {
		return Deny(shared.UnauthorizedError("authentication required"))
	}
	if NormalizeName(p.Role) == shared.RoleAdmin {
		return Admit()
	}
	if len(required) == 0 {
		return Deny(errAccessDenied())
	}
	granted, err := a.source.Resolve(r.Context(), p.Role)
	if err != nil {
		a.logger.Error("rbac resolve permissions", slog.String("role", p.Role), slog.Int64("user_id", p.ID), slog.Any("error", err))
		return Deny(err)
	}
	for _, need := range required {
		for _, g := range granted {
			if g.Grants(need) {
				return Admit()
			}
		}
	}
	return Deny(shared.ForbiddenError("insufficient permissions"))
}

// Roles admits principals whose role is one of names. The admin role is always admitted.
func (a *Authorizer) Roles(names ...string) Check {
	required := normalizeList(names)
	return func(r *http.Request) Decision {
		d := roles(r, required)
		a.observe("roles", d)
		return d
	}
}

func roles(r *http.Request, required []string) Decision {
	p := shared.PrincipalFromContext(r.Context())
	if p == nil {
		return Deny(shared.UnauthorizedError("authentication required"))
	}
	role := NormalizeName(p.Role)
	if role == shared.RoleAdmin {
		return Admit()
	}
	for _, name := range required {
		if name == role {
			return Admit()
		}
	}
	return Deny(shared.ForbiddenError("insufficient role"))
}

// Granted returns the permission names held by role, for display in auth responses.
func (a *Authorizer) Granted(ctx context.Context, role string) ([]string, error) {
	perms, err := a.source.Resolve(ctx, role)
	if err != nil {
		return nil, err
	}
	return Names(perms), nil
}

func (a *Authorizer) observe(check string, d Decision) {
	if a.observer != nil {
		a.observer.ObserveAuthz(check, d.String())
	}
}
