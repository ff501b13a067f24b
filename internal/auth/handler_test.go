package auth_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-iam/internal/auth"
	"github.com/odyssey-erp/odyssey-iam/internal/auth/refresh"
	"github.com/odyssey-erp/odyssey-iam/internal/auth/token"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
	_ "github.com/odyssey-erp/odyssey-iam/testing"
)

type stubRepo struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]*auth.User
}

func newStubRepo() *stubRepo {
	return &stubRepo{users: map[int64]*auth.User{}}
}

func (s *stubRepo) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (s *stubRepo) FindByID(_ context.Context, id int64) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *stubRepo) Create(_ context.Context, in auth.NewUser) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, in.Email) {
			return nil, auth.ErrEmailTaken
		}
	}
	s.nextID++
	u := &auth.User{
		ID:           s.nextID,
		Email:        in.Email,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Role:         in.Role,
		PasswordHash: in.PasswordHash,
		IsActive:     true,
	}
	s.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (s *stubRepo) UpdatePassword(_ context.Context, id int64, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return shared.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (s *stubRepo) setActive(id int64, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id].IsActive = active
}

type memSessions struct {
	mu   sync.Mutex
	rows map[string]refresh.Record
}

func (m *memSessions) WithTx(ctx context.Context, fn func(context.Context, refresh.Repository) error) error {
	return fn(ctx, m)
}

func (m *memSessions) Insert(_ context.Context, rec refresh.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[rec.Token]; ok {
		return refresh.ErrConflict
	}
	m.rows[rec.Token] = rec
	return nil
}

func (m *memSessions) FindForUpdate(_ context.Context, raw string) (refresh.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[raw]
	if !ok {
		return refresh.Record{}, refresh.ErrNotFound
	}
	return rec, nil
}

func (m *memSessions) Delete(_ context.Context, raw string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[raw]; !ok {
		return 0, nil
	}
	delete(m.rows, raw)
	return 1, nil
}

func (m *memSessions) DeleteByUser(_ context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.rows {
		if rec.UserID == userID {
			delete(m.rows, k)
			n++
		}
	}
	return n, nil
}

func (m *memSessions) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	return 0, nil
}

type staticPermissions map[string][]string

func (p staticPermissions) Granted(_ context.Context, role string) ([]string, error) {
	return append([]string{}, p[role]...), nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  map[string]string
	calls int
}

func (n *recordingNotifier) NotifyPasswordReset(_ context.Context, email, resetToken string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = map[string]string{}
	}
	n.sent[email] = resetToken
	n.calls++
	return nil
}

type fixture struct {
	router   http.Handler
	repo     *stubRepo
	notifier *recordingNotifier
	tokens   *token.Service
}

func newFixture(t *testing.T, opts auth.Options) *fixture {
	t.Helper()
	tokens, err := token.NewService(token.Config{Secret: "0123456789abcdef0123456789abcdef", Issuer: "odyssey-iam"})
	require.NoError(t, err)

	repo := newStubRepo()
	store := refresh.NewStore(&memSessions{rows: map[string]refresh.Record{}}, tokens, auth.Subjects{Repo: repo})
	notifier := &recordingNotifier{}
	svc := auth.NewService(auth.Deps{
		Repo:     repo,
		Tokens:   tokens,
		Sessions: store,
		Permissions: staticPermissions{
			shared.RoleEmployee: {},
			shared.RoleManager:  {shared.PermUsersAll},
		},
		Notifier: notifier,
	}, opts)
	authn := auth.NewAuthenticator(tokens, svc, nil, nil)
	handler := auth.NewHandler(nil, svc, authn, nil)

	r := chi.NewRouter()
	r.Route("/auth", handler.MountRoutes)
	return &fixture{router: r, repo: repo, notifier: notifier, tokens: tokens}
}

func (f *fixture) do(t *testing.T, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

type sessionBody struct {
	User         shared.Principal `json:"user"`
	Permissions  []string         `json:"permissions"`
	AccessToken  string           `json:"accessToken"`
	RefreshToken string           `json:"refreshToken"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (f *fixture) register(t *testing.T, email, password string) sessionBody {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/auth/register", map[string]string{
		"email": email, "password": password, "firstName": "Ana", "lastName": "Lim",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[sessionBody](t, rec)
}

func (f *fixture) login(t *testing.T, email, password string) sessionBody {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/auth/login", map[string]string{"email": email, "password": password}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[sessionBody](t, rec)
}

func TestLoginAutoProvisionsThenMe(t *testing.T) {
	f := newFixture(t, auth.Options{AutoProvision: true})

	sess := f.login(t, "new.person@odyssey.local", "s3cret-pass")
	assert.Equal(t, shared.RoleAdmin, sess.User.Role)
	assert.NotEmpty(t, sess.AccessToken)
	assert.NotEmpty(t, sess.RefreshToken)

	rec := f.do(t, http.MethodGet, "/auth/me", nil, sess.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	me := decode[auth.Profile](t, rec)
	assert.Equal(t, sess.User.ID, me.User.ID)
	assert.Equal(t, "new.person@odyssey.local", me.User.Email)

	rec = f.do(t, http.MethodPost, "/auth/refresh-token", map[string]string{"refreshToken": sess.RefreshToken}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginAutoProvisionRejectsShortPassword(t *testing.T) {
	f := newFixture(t, auth.Options{AutoProvision: true})

	rec := f.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "tiny@odyssey.local", "password": "short"}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "password")
	assert.Empty(t, f.repo.users)
}

func TestLoginUnknownEmailRejectedByDefault(t *testing.T) {
	f := newFixture(t, auth.Options{})

	rec := f.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "ghost@odyssey.local", "password": "whatever1"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.repo.users)
}

func TestLoginRejectsBadPasswordAndDisabledAccount(t *testing.T) {
	f := newFixture(t, auth.Options{})
	sess := f.register(t, "ana@odyssey.local", "correct-horse")

	rec := f.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "ana@odyssey.local", "password": "wrong-horse"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	f.repo.setActive(sess.User.ID, false)
	rec = f.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "ana@odyssey.local", "password": "correct-horse"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterAssignsDefaultRole(t *testing.T) {
	f := newFixture(t, auth.Options{DefaultRole: shared.RoleManager})

	sess := f.register(t, "Mira@Odyssey.Local", "long-enough")
	assert.Equal(t, shared.RoleManager, sess.User.Role)
	assert.Equal(t, "mira@odyssey.local", sess.User.Email)
	assert.Equal(t, []string{shared.PermUsersAll}, sess.Permissions)

	rec := f.do(t, http.MethodPost, "/auth/register", map[string]string{"email": "mira@odyssey.local", "password": "long-enough"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t, auth.Options{})

	rec := f.do(t, http.MethodPost, "/auth/register", map[string]string{"email": "not-an-email", "password": "short"}, "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode[map[string]any](t, rec)
	fields, ok := body["fields"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	assert.Contains(t, fields, "email")
	assert.Contains(t, fields, "password")

	rec = f.do(t, http.MethodPost, "/auth/login", nil, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRefreshRotatesAndInvalidatesPredecessor(t *testing.T) {
	f := newFixture(t, auth.Options{})
	sess := f.register(t, "rot@odyssey.local", "long-enough")

	rec := f.do(t, http.MethodPost, "/auth/refresh-token", map[string]string{"refreshToken": sess.RefreshToken}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pair := decode[token.Pair](t, rec)
	assert.NotEqual(t, sess.RefreshToken, pair.RefreshToken)

	rec = f.do(t, http.MethodPost, "/auth/refresh-token", map[string]string{"refreshToken": sess.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/refresh-token", map[string]string{"refreshToken": pair.RefreshToken}, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/auth/me", nil, pair.AccessToken)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	f := newFixture(t, auth.Options{})
	sess := f.register(t, "kind@odyssey.local", "long-enough")

	rec := f.do(t, http.MethodPost, "/auth/refresh-token", map[string]string{"refreshToken": sess.AccessToken}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshRejectsDisabledAccount(t *testing.T) {
	f := newFixture(t, auth.Options{})
	sess := f.register(t, "off@odyssey.local", "long-enough")
	f.repo.setActive(sess.User.ID, false)

	rec := f.do(t, http.MethodPost, "/auth/refresh-token", map[string]string{"refreshToken": sess.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutTwiceIsNotFound(t *testing.T) {
	f := newFixture(t, auth.Options{})
	sess := f.register(t, "bye@odyssey.local", "long-enough")

	rec := f.do(t, http.MethodPost, "/auth/logout", map[string]string{"refreshToken": sess.RefreshToken}, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/logout", map[string]string{"refreshToken": sess.RefreshToken}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/refresh-token", map[string]string{"refreshToken": sess.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPasswordResetRevokesAllSessions(t *testing.T) {
	f := newFixture(t, auth.Options{ExposeResetToken: true})
	f.register(t, "reset@odyssey.local", "old-password")

	var refreshTokens []string
	for i := 0; i < 3; i++ {
		refreshTokens = append(refreshTokens, f.login(t, "reset@odyssey.local", "old-password").RefreshToken)
	}

	rec := f.do(t, http.MethodPost, "/auth/request-password-reset", map[string]string{"email": "reset@odyssey.local"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resetToken, _ := decode[map[string]any](t, rec)["resetToken"].(string)
	require.NotEmpty(t, resetToken)
	assert.Equal(t, resetToken, f.notifier.sent["reset@odyssey.local"])

	rec = f.do(t, http.MethodGet, "/auth/me", nil, resetToken)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/reset-password", map[string]string{"token": resetToken, "newPassword": "new-password"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/auth/reset-password", map[string]string{"token": resetToken, "newPassword": "third-password"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	for _, rt := range refreshTokens {
		rec = f.do(t, http.MethodPost, "/auth/refresh-token", map[string]string{"refreshToken": rt}, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "reset@odyssey.local", "password": "old-password"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	f.login(t, "reset@odyssey.local", "new-password")
}

func TestRequestResetHidesTokenAndUnknownEmails(t *testing.T) {
	f := newFixture(t, auth.Options{})
	f.register(t, "quiet@odyssey.local", "long-enough")

	rec := f.do(t, http.MethodPost, "/auth/request-password-reset", map[string]string{"email": "quiet@odyssey.local"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, decode[map[string]any](t, rec), "resetToken")
	assert.Equal(t, 1, f.notifier.calls)

	rec = f.do(t, http.MethodPost, "/auth/request-password-reset", map[string]string{"email": "nobody@odyssey.local"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.notifier.calls)
}

func TestResetPasswordRejectsOtherKinds(t *testing.T) {
	f := newFixture(t, auth.Options{})
	sess := f.register(t, "kinds@odyssey.local", "long-enough")

	rec := f.do(t, http.MethodPost, "/auth/reset-password", map[string]string{"token": sess.AccessToken, "newPassword": "new-password"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMeRejectsMissingOrInvalidCredentials(t *testing.T) {
	f := newFixture(t, auth.Options{})
	sess := f.register(t, "me@odyssey.local", "long-enough")

	rec := f.do(t, http.MethodGet, "/auth/me", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	missing := rec.Body.String()

	rec = f.do(t, http.MethodGet, "/auth/me", nil, "garbage")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, missing, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/auth/me", nil, sess.RefreshToken)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	f.repo.setActive(sess.User.ID, false)
	rec = f.do(t, http.MethodGet, "/auth/me", nil, sess.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, missing, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	out := httptest.NewRecorder()
	f.router.ServeHTTP(out, req)
	assert.Equal(t, http.StatusUnauthorized, out.Code)
}
