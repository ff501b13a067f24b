package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-iam/internal/auth/token"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// errAuthRequired is the single error clients see for any authentication failure.
var errAuthRequired = shared.UnauthorizedError("invalid or missing credentials")

// AccessVerifier verifies access tokens.
type AccessVerifier interface {
	Verify(raw string, want token.Kind) (*token.Claims, error)
}

// PrincipalLoader loads the identity behind a verified token subject.
type PrincipalLoader interface {
	LoadPrincipal(ctx context.Context, id int64) (*shared.Principal, error)
}

// Authenticator resolves the bearer token of a request into a principal.
type Authenticator struct {
	tokens     AccessVerifier
	principals PrincipalLoader
	logger     *slog.Logger
	observer   Observer
}

// NewAuthenticator constructs an Authenticator. observer may be nil.
func NewAuthenticator(tokens AccessVerifier, principals PrincipalLoader, logger *slog.Logger, observer Observer) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{tokens: tokens, principals: principals, logger: logger, observer: observer}
}

// Authenticate returns the active principal for r.
func (a *Authenticator) Authenticate(r *http.Request) (*shared.Principal, error) {
	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, errAuthRequired
	}
	claims, err := a.tokens.Verify(raw, token.KindAccess)
	if err != nil {
		return nil, errAuthRequired
	}
	id, err := claims.UserID()
	if err != nil {
		return nil, errAuthRequired
	}
	p, err := a.principals.LoadPrincipal(r.Context(), id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, errAuthRequired
		}
		return nil, err
	}
	if !p.IsActive {
		return nil, errAuthRequired
	}
	return p, nil
}

// Middleware rejects unauthenticated requests and stores the principal in context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Authenticate(r)
		if err != nil {
			if errors.Is(err, shared.ErrUnauthorized) {
				a.observe("rejected")
				w.Header().Set("WWW-Authenticate", `Bearer realm="odyssey"`)
			} else {
				a.logger.Error("authenticate request", slog.Any("error", err))
			}
			httpx.RespondError(w, err)
			return
		}
		a.observe("ok")
		next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), p)))
	})
}

func (a *Authenticator) observe(outcome string) {
	if a.observer != nil {
		a.observer.ObserveAuth("authenticate", outcome)
	}
}

func bearerToken(header string) (string, bool) {
	scheme, raw, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}
