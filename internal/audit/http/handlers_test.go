package audithttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-iam/internal/audit"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

type fakeTimeline struct {
	filters []audit.TimelineFilters
	rows    []audit.TimelineRow
}

func (f *fakeTimeline) Timeline(_ context.Context, filters audit.TimelineFilters) (audit.Result, error) {
	f.filters = append(f.filters, filters)
	return audit.Result{Rows: f.rows, Paging: audit.PagingInfo{Page: 1, PageSize: 20}}, nil
}

func (f *fakeTimeline) Export(_ context.Context, filters audit.TimelineFilters) ([]audit.TimelineRow, error) {
	f.filters = append(f.filters, filters)
	return f.rows, nil
}

type staticSource map[string][]rbac.Permission

func (s staticSource) Resolve(_ context.Context, role string) ([]rbac.Permission, error) {
	return s[role], nil
}

var principals = map[string]*shared.Principal{
	"manager":  {ID: 2, Role: shared.RoleManager, IsActive: true},
	"employee": {ID: 3, Role: shared.RoleEmployee, IsActive: true},
}

func newRouter(svc *fakeTimeline) http.Handler {
	authz := rbac.NewAuthorizer(staticSource{
		shared.RoleManager: {{Name: shared.PermAuditRead, Resource: "audit", Action: "read"}},
	}, nil, nil)
	h := NewHandler(nil, svc, rbac.Middleware{Authorizer: authz})
	h.now = func() time.Time { return time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC) }

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p, ok := principals[r.Header.Get("X-Test-Role")]; ok {
				r = r.WithContext(shared.ContextWithPrincipal(r.Context(), p))
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Route("/audit", h.MountRoutes)
	return r
}

func get(h http.Handler, path, role string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Test-Role", role)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTimelineRequiresAuditRead(t *testing.T) {
	svc := &fakeTimeline{rows: []audit.TimelineRow{{Action: "auth.login", Entity: "user", EntityID: "3"}}}
	h := newRouter(svc)

	rec := get(h, "/audit", "manager")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body audit.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Rows, 1)
	assert.Equal(t, "auth.login", body.Rows[0].Action)

	assert.Equal(t, http.StatusForbidden, get(h, "/audit", "employee").Code)
	assert.Equal(t, http.StatusUnauthorized, get(h, "/audit", "").Code)
	assert.Len(t, svc.filters, 1)
}

func TestTimelineFilters(t *testing.T) {
	svc := &fakeTimeline{}
	h := newRouter(svc)

	rec := get(h, "/audit?from=2026-03-01&to=2026-03-05&actor=+ana@odyssey.local+&action=auth.login&page=2&page_size=10", "manager")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	f := svc.filters[0]
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), f.From)
	assert.Equal(t, time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC), f.To)
	assert.Equal(t, "ana@odyssey.local", f.Actor)
	assert.Equal(t, "auth.login", f.Action)
	assert.Equal(t, 2, f.Page)
	assert.Equal(t, 10, f.PageSize)

	rec = get(h, "/audit", "manager")
	require.Equal(t, http.StatusOK, rec.Code)
	f = svc.filters[1]
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), f.From)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), f.To)
}

func TestTimelineRejectsBadFilters(t *testing.T) {
	h := newRouter(&fakeTimeline{})

	for _, q := range []string{
		"?from=yesterday",
		"?to=2026/03/01",
		"?from=2026-03-05&to=2026-03-01",
		"?from=2025-01-01&to=2026-03-01",
		"?page=0",
		"?page_size=abc",
	} {
		rec := get(h, "/audit"+q, "manager")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, q)
	}
}

func TestExportCSV(t *testing.T) {
	svc := &fakeTimeline{rows: []audit.TimelineRow{{Action: "roles.create", Entity: "role", EntityID: "auditor"}}}
	h := newRouter(svc)

	rec := get(h, "/audit/export.csv", "manager")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "audit-timeline.csv")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "at,actor_id,actor,action,entity,entity_id,meta\n"))
	assert.Contains(t, rec.Body.String(), "roles.create,role,auditor")

	assert.Equal(t, http.StatusForbidden, get(h, "/audit/export.csv", "employee").Code)
}

func TestExportRateLimitedPerUser(t *testing.T) {
	h := newRouter(&fakeTimeline{})

	for i := 0; i < exportRateLimit; i++ {
		require.Equal(t, http.StatusOK, get(h, "/audit/export.csv", "manager").Code, i)
	}
	rec := get(h, "/audit/export.csv", "manager")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Timeline reads are not limited.
	assert.Equal(t, http.StatusOK, get(h, "/audit", "manager").Code)
}
