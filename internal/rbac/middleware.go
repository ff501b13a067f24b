package rbac

import "net/http"

// Middleware exposes the authorizer as chi-friendly middleware constructors.
type Middleware struct {
	Authorizer *Authorizer
}

// RequireAny ensures the current principal has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return Require(m.Authorizer.Permissions(perms...))
}

// RequireRole ensures the current principal holds one of the given roles.
func (m Middleware) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return Require(m.Authorizer.Roles(roles...))
}

// RequireEither admits when any of the checks admits.
func (m Middleware) RequireEither(checks ...Check) func(http.Handler) http.Handler {
	return RequireAny(checks...)
}
