package rbac

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

type countingObserver struct {
	seen map[string]int
}

func (o *countingObserver) ObserveAuthz(check, outcome string) {
	if o.seen == nil {
		o.seen = map[string]int{}
	}
	o.seen[check+"/"+outcome]++
}

func newAuthorizer(store *memStore) (*Authorizer, *countingObserver) {
	obs := &countingObserver{}
	return NewAuthorizer(NewResolver(store, nil, nil), nil, obs), obs
}

func TestAdminBypass(t *testing.T) {
	store := newMemStore()
	authz, _ := newAuthorizer(store)
	admin := &shared.Principal{ID: 1, Role: shared.RoleAdmin, IsActive: true}

	assert.True(t, authz.Permissions("anything:at-all")(newRequest(admin)).Admitted())
	assert.True(t, authz.Permissions()(newRequest(admin)).Admitted())
	assert.True(t, authz.Roles("manager")(newRequest(admin)).Admitted())
	assert.Zero(t, store.roleCalls.Load())
}

func TestPermissionsEmptyListDeniesNonAdmin(t *testing.T) {
	authz, _ := newAuthorizer(newMemStore())
	d := authz.Permissions()(newRequest(&shared.Principal{ID: 2, Role: "manager"}))
	require.True(t, d.Denied())
	assert.ErrorIs(t, d.Err(), shared.ErrForbidden)
}

func TestUnknownRoleFailsClosed(t *testing.T) {
	authz, _ := newAuthorizer(newMemStore())
	d := authz.Permissions(shared.PermUsersRead)(newRequest(&shared.Principal{ID: 9, Role: "nonexistent-role"}))
	require.True(t, d.Denied())
	assert.ErrorIs(t, d.Err(), shared.ErrForbidden)
}

func TestPermissionsAnyMatchAndWildcard(t *testing.T) {
	authz, obs := newAuthorizer(newMemStore())
	manager := &shared.Principal{ID: 2, Role: "manager"}

	assert.True(t, authz.Permissions(shared.PermUsersUpdate)(newRequest(manager)).Admitted())
	assert.True(t, authz.Permissions(shared.PermRolesCreate, shared.PermRolesRead)(newRequest(manager)).Admitted())

	d := authz.Permissions(shared.PermRolesUpdate)(newRequest(manager))
	require.True(t, d.Denied())
	assert.ErrorIs(t, d.Err(), shared.ErrForbidden)

	employee := &shared.Principal{ID: 3, Role: "employee"}
	assert.True(t, authz.Permissions(shared.PermUsersRead)(newRequest(employee)).Denied())

	assert.Equal(t, 2, obs.seen["permissions/admit"])
	assert.Equal(t, 2, obs.seen["permissions/deny"])
}

func TestChecksRequirePrincipal(t *testing.T) {
	authz, _ := newAuthorizer(newMemStore())

	d := authz.Permissions(shared.PermUsersRead)(newRequest(nil))
	assert.ErrorIs(t, d.Err(), shared.ErrUnauthorized)

	d = authz.Roles("manager")(newRequest(nil))
	assert.ErrorIs(t, d.Err(), shared.ErrUnauthorized)
}

func TestRoles(t *testing.T) {
	authz, _ := newAuthorizer(newMemStore())
	manager := &shared.Principal{ID: 2, Role: "Manager"}

	assert.True(t, authz.Roles("employee", "manager")(newRequest(manager)).Admitted())
	d := authz.Roles("employee")(newRequest(manager))
	assert.ErrorIs(t, d.Err(), shared.ErrForbidden)
	assert.True(t, authz.Roles()(newRequest(manager)).Denied())
}

func TestResolverFailureIsInternal(t *testing.T) {
	store := newMemStore()
	store.failWith = assert.AnError
	authz, _ := newAuthorizer(store)

	rec := httptest.NewRecorder()
	Require(authz.Permissions(shared.PermUsersRead))(http.NotFoundHandler()).
		ServeHTTP(rec, newRequest(&shared.Principal{ID: 2, Role: "manager"}))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMiddlewareHelpers(t *testing.T) {
	authz, _ := newAuthorizer(newMemStore())
	mw := Middleware{Authorizer: authz}
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	employee := &shared.Principal{ID: 3, Role: "employee"}

	rec := httptest.NewRecorder()
	mw.RequireAny(shared.PermUsersRead)(ok).ServeHTTP(rec, newRequest(employee))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	mw.RequireRole("employee")(ok).ServeHTTP(rec, newRequest(employee))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mw.RequireEither(authz.Permissions(shared.PermUsersRead), authz.Roles("employee"))(ok).ServeHTTP(rec, newRequest(employee))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPermissionsHandlerLists(t *testing.T) {
	store := newMemStore()
	resolver := NewResolver(store, nil, nil)
	authz := NewAuthorizer(resolver, nil, nil)
	h := NewPermissionsHandler(nil, NewService(store, resolver, nil), Middleware{Authorizer: authz})
	router := chi.NewRouter()
	router.Route("/permissions", h.MountRoutes)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, newRequestTo("/permissions", &shared.Principal{ID: 2, Role: "employee"}))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, newRequestTo("/permissions", &shared.Principal{ID: 1, Role: shared.RoleAdmin}))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Permissions []Permission `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Permissions, 2)
}

func newRequestTo(path string, p *shared.Principal) *http.Request {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	return r.WithContext(shared.ContextWithPrincipal(r.Context(), p))
}
