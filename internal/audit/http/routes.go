package audithttp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

const exportRateLimit = 10
const rateWindow = time.Minute

// MountRoutes mendaftarkan endpoint audit timeline dan ekspor CSV.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(exportRateLimit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "export rate limit exceeded")
		}),
	)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermAuditRead))
		r.Get("/", h.handleTimeline)
		r.With(limiter).Get("/export.csv", h.handleExport)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if p := shared.PrincipalFromContext(r.Context()); p != nil {
		return "user:" + strconv.FormatInt(p.ID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
