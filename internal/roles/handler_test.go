package roles

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// memRepo backs both the role management port and the resolver's RoleStore so
// cache invalidation can be observed through real authorization decisions.
type memRepo struct {
	mu      sync.Mutex
	nextID  int64
	roles   map[string]Role
	links   map[string][]string
	catalog map[string]rbac.Permission
	inUse   map[string]bool
}

func newMemRepo() *memRepo {
	m := &memRepo{
		roles:   map[string]Role{},
		links:   map[string][]string{},
		catalog: map[string]rbac.Permission{},
		inUse:   map[string]bool{},
	}
	seed, err := rbac.DefaultSeed()
	if err != nil {
		panic(err)
	}
	for i, p := range seed.Permissions {
		m.catalog[p.Name] = rbac.Permission{ID: int64(i + 1), Name: p.Name, Resource: p.Resource, Action: p.Action, BuiltIn: true}
	}
	for _, r := range seed.Roles {
		m.nextID++
		m.roles[r.Name] = Role{ID: m.nextID, Name: r.Name, BuiltIn: true}
		m.links[r.Name] = append([]string{}, r.Permissions...)
	}
	return m
}

func (m *memRepo) ListRoles(context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) GetRole(_ context.Context, name string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[name]
	if !ok {
		return Role{}, shared.ErrNotFound
	}
	return r, nil
}

func (m *memRepo) CreateRole(_ context.Context, in CreateInput) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[in.Name]; ok {
		return Role{}, ErrRoleExists
	}
	m.nextID++
	r := Role{ID: m.nextID, Name: in.Name, Description: in.Description, CreatedAt: time.Now()}
	m.roles[in.Name] = r
	return r, nil
}

func (m *memRepo) DeleteRole(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[name]; !ok {
		return shared.ErrNotFound
	}
	if m.inUse[name] {
		return ErrRoleInUse
	}
	delete(m.roles, name)
	delete(m.links, name)
	return nil
}

func (m *memRepo) RolePermissions(_ context.Context, name string) ([]rbac.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[name]; !ok {
		return nil, shared.ErrNotFound
	}
	return m.permissionsLocked(name), nil
}

func (m *memRepo) ReplacePermissions(_ context.Context, name string, perms []string) ([]rbac.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[name]; !ok {
		return nil, shared.ErrNotFound
	}
	var missing []string
	for _, p := range perms {
		if _, ok := m.catalog[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return nil, &UnknownPermissionsError{Names: missing}
	}
	m.links[name] = append([]string{}, perms...)
	return m.permissionsLocked(name), nil
}

func (m *memRepo) permissionsLocked(name string) []rbac.Permission {
	out := []rbac.Permission{}
	for _, p := range m.links[name] {
		out = append(out, m.catalog[p])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *memRepo) RoleByName(_ context.Context, name string) (rbac.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[name]
	if !ok {
		return rbac.Role{}, rbac.ErrNotFound
	}
	return rbac.Role{ID: r.ID, Name: r.Name, BuiltIn: r.BuiltIn}, nil
}

func (m *memRepo) PermissionsForRole(_ context.Context, roleID int64) ([]rbac.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, r := range m.roles {
		if r.ID == roleID {
			return m.permissionsLocked(name), nil
		}
	}
	return []rbac.Permission{}, nil
}

type fixture struct {
	router http.Handler
	repo   *memRepo
	redis  *miniredis.Miniredis
}

var principals = map[string]*shared.Principal{
	"admin":    {ID: 1, Role: shared.RoleAdmin, IsActive: true},
	"manager":  {ID: 2, Role: shared.RoleManager, IsActive: true},
	"employee": {ID: 3, Role: shared.RoleEmployee, IsActive: true},
	"auditor":  {ID: 4, Role: "auditor", IsActive: true},
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newMemRepo()
	resolver := rbac.NewResolver(repo, rbac.NewCache(client, time.Hour), nil)
	authz := rbac.NewAuthorizer(resolver, nil, nil)
	h := NewHandler(nil, NewService(repo, resolver, nil, nil), rbac.Middleware{Authorizer: authz})

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p, ok := principals[r.Header.Get("X-Test-Role")]; ok {
				r = r.WithContext(shared.ContextWithPrincipal(r.Context(), p))
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Route("/roles", h.MountRoutes)
	return &fixture{router: r, repo: repo, redis: mr}
}

func (f *fixture) do(method, path, as string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Test-Role", as)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestListRolesRequiresPermission(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/roles", "manager", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Roles []Role `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Roles, 3)

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/roles", "employee", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/roles", "", nil).Code)
}

func TestCreateRole(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/roles", "admin", map[string]string{"name": " Auditor ", "description": "read only"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var role Role
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &role))
	assert.Equal(t, "auditor", role.Name)
	assert.False(t, role.BuiltIn)

	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/roles", "admin", map[string]string{"name": "auditor"}).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(http.MethodPost, "/roles", "admin", map[string]string{"name": "9 lives"}).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(http.MethodPost, "/roles", "admin", map[string]string{}).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/roles", "manager", map[string]string{"name": "other"}).Code)
}

func TestReplacePermissionsInvalidatesCache(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/roles", "admin", map[string]string{"name": "auditor"})

	// Warm the cache with the empty permission set.
	require.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/roles", "auditor", nil).Code)
	require.True(t, f.redis.Exists("rbac:role:auditor:permissions"))

	rec := f.do(http.MethodPut, "/roles/auditor/permissions", "admin", map[string][]string{
		"permissions": {"Roles:Read", "permissions:read", "roles:read"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Permissions []rbac.Permission `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"permissions:read", "roles:read"}, rbac.Names(body.Permissions))
	assert.False(t, f.redis.Exists("rbac:role:auditor:permissions"))

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/roles", "auditor", nil).Code)

	rec = f.do(http.MethodGet, "/roles/auditor/permissions", "auditor", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Permissions, 2)

	rec = f.do(http.MethodPut, "/roles/auditor/permissions", "admin", map[string][]string{"permissions": {}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/roles", "auditor", nil).Code)
}

func TestReplacePermissionsValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPut, "/roles/manager/permissions", "admin", map[string][]string{"permissions": {"reports:export"}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(http.MethodPut, "/roles/manager/permissions", "admin", map[string][]string{"permissions": {"nocolon"}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(http.MethodPut, "/roles/manager/permissions", "admin", map[string]string{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(http.MethodPut, "/roles/ghost/permissions", "admin", map[string][]string{"permissions": {"users:read"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPut, "/roles/employee/permissions", "manager", map[string][]string{"permissions": {"users:read"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeleteRole(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/roles", "admin", map[string]string{"name": "auditor"})
	f.do(http.MethodPost, "/roles", "admin", map[string]string{"name": "contractor"})
	f.repo.inUse["contractor"] = true

	for _, name := range []string{shared.RoleAdmin, shared.RoleManager, shared.RoleEmployee} {
		rec := f.do(http.MethodDelete, "/roles/"+name, "admin", nil)
		assert.Equal(t, http.StatusConflict, rec.Code, name)
	}

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodDelete, "/roles/auditor", "manager", nil).Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodDelete, "/roles/contractor", "admin", nil).Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/roles/auditor", "admin", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/roles/auditor", "admin", nil).Code)
}

type invalidationSpy struct {
	roles []string
}

func (s *invalidationSpy) Invalidate(_ context.Context, role string) {
	s.roles = append(s.roles, role)
}

type auditSpy struct {
	entries []shared.AuditLog
}

func (a *auditSpy) Record(_ context.Context, e shared.AuditLog) error {
	a.entries = append(a.entries, e)
	return nil
}

func TestServiceAuditsAndInvalidates(t *testing.T) {
	repo := newMemRepo()
	spy := &invalidationSpy{}
	audit := &auditSpy{}
	svc := NewService(repo, spy, audit, nil)
	ctx := context.Background()
	actor := principals["admin"]

	_, err := svc.CreateRole(ctx, actor, CreateInput{Name: "ops"})
	require.NoError(t, err)
	_, err = svc.ReplacePermissions(ctx, actor, "ops", []string{"users:read"})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteRole(ctx, actor, "ops"))

	assert.Equal(t, []string{"ops", "ops"}, spy.roles)
	actions := make([]string, 0, len(audit.entries))
	for _, e := range audit.entries {
		actions = append(actions, e.Action)
		assert.Equal(t, actor.ID, e.ActorID)
		assert.Equal(t, "role", e.Entity)
	}
	assert.Equal(t, []string{shared.AuditRoleCreate, shared.AuditRolePermissions, shared.AuditRoleDelete}, actions)

	_, err = svc.ReplacePermissions(ctx, actor, "manager", []string{"ghost:read"})
	var unknown *UnknownPermissionsError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, []string{"ghost:read"}, unknown.Names)
	assert.ErrorIs(t, err, shared.ErrValidation)
	assert.Len(t, spy.roles, 2)
}

func TestMissingNames(t *testing.T) {
	found := []rbac.Permission{{Name: "users:read"}}
	assert.Equal(t, []string{"roles:read", "users:all"}, missingNames([]string{"users:all", "users:read", "roles:read"}, found))
	assert.Empty(t, missingNames([]string{"users:read"}, found))
}
