package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/auth/refresh"
	"github.com/odyssey-erp/odyssey-iam/internal/auth/token"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Tokens is the subset of token.Service used by the auth flows.
type Tokens interface {
	IssuePair(sub token.Subject) (token.Pair, error)
	IssueAccess(sub token.Subject) (string, error)
	IssueReset(sub token.Subject) (string, error)
	Verify(raw string, want token.Kind) (*token.Claims, error)
	TTL(kind token.Kind) time.Duration
}

// Sessions is the subset of refresh.Store used by the auth flows.
type Sessions interface {
	Persist(ctx context.Context, raw string, ownerID int64, ttl time.Duration) error
	Rotate(ctx context.Context, old string) (refresh.Rotation, error)
	Revoke(ctx context.Context, raw string) error
	RevokeAllForOwner(ctx context.Context, ownerID int64) (int64, error)
}

// Permissions lists the permission names granted to a role.
type Permissions interface {
	Granted(ctx context.Context, role string) ([]string, error)
}

// ResetNotifier delivers a reset token out of band.
type ResetNotifier interface {
	NotifyPasswordReset(ctx context.Context, email, resetToken string) error
}

// Observer receives auth flow outcomes.
type Observer interface {
	ObserveAuth(event, outcome string)
}

// Options toggles deployment specific behaviour.
type Options struct {
	// DefaultRole is assigned on registration.
	DefaultRole string
	// AutoProvision creates an admin account on login for unknown emails.
	// Development only.
	AutoProvision bool
	// ExposeResetToken returns the reset token in the API response.
	ExposeResetToken bool
}

// Deps groups Service collaborators.
type Deps struct {
	Repo        Repository
	Tokens      Tokens
	Sessions    Sessions
	Permissions Permissions
	Notifier    ResetNotifier
	Auditor     shared.Auditor
	Observer    Observer
	Logger      *slog.Logger
}

// Service wraps authentication business rules.
type Service struct {
	repo     Repository
	tokens   Tokens
	sessions Sessions
	perms    Permissions
	notifier ResetNotifier
	audit    shared.Auditor
	observer Observer
	logger   *slog.Logger
	opts     Options
}

// NewService constructs a new Service.
func NewService(deps Deps, opts Options) *Service {
	if opts.DefaultRole == "" {
		opts.DefaultRole = shared.RoleEmployee
	}
	if deps.Auditor == nil {
		deps.Auditor = shared.NopAuditor{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		repo:     deps.Repo,
		tokens:   deps.Tokens,
		sessions: deps.Sessions,
		perms:    deps.Permissions,
		notifier: deps.Notifier,
		audit:    deps.Auditor,
		observer: deps.Observer,
		logger:   deps.Logger,
		opts:     opts,
	}
}

// RegisterInput is the payload for Register.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Login validates email/password credentials and opens a session. With
// AutoProvision on, an unknown email is registered as admin; a password shorter
// than MinPasswordLength then fails validation and nothing is created.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)
	user, err := s.repo.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, shared.ErrNotFound) && s.opts.AutoProvision:
		user, err = s.provision(ctx, email, password)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, shared.ErrNotFound):
		VerifyPassword("", password)
		s.observe("login", "rejected")
		return nil, shared.ErrInvalidCredentials
	case err != nil:
		return nil, err
	default:
		if !VerifyPassword(user.PasswordHash, password) || !user.IsActive {
			s.observe("login", "rejected")
			return nil, shared.ErrInvalidCredentials
		}
	}

	sess, err := s.openSession(ctx, user)
	if err != nil {
		return nil, err
	}
	s.record(ctx, user.ID, shared.AuditLogin, user.ID, nil)
	s.observe("login", "ok")
	return sess, nil
}

func (s *Service) provision(ctx context.Context, email, password string) (*User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.Create(ctx, NewUser{Email: email, Role: shared.RoleAdmin, PasswordHash: hash})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("auto-provisioned admin account on login", slog.Int64("user_id", user.ID), slog.String("email", user.Email))
	s.record(ctx, user.ID, shared.AuditRegister, user.ID, map[string]any{"auto_provisioned": true})
	return user, nil
}

// Register creates an account with the default role and opens a session.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.Create(ctx, NewUser{
		Email:        normalizeEmail(in.Email),
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		Role:         s.opts.DefaultRole,
		PasswordHash: hash,
	})
	if err != nil {
		return nil, err
	}
	sess, err := s.openSession(ctx, user)
	if err != nil {
		return nil, err
	}
	s.record(ctx, user.ID, shared.AuditRegister, user.ID, nil)
	s.observe("register", "ok")
	return sess, nil
}

func (s *Service) openSession(ctx context.Context, user *User) (*Session, error) {
	pair, err := s.tokens.IssuePair(user.Subject())
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Persist(ctx, pair.RefreshToken, user.ID, s.tokens.TTL(token.KindRefresh)); err != nil {
		return nil, err
	}
	perms, err := s.perms.Granted(ctx, user.Role)
	if err != nil {
		return nil, err
	}
	return &Session{
		User:         user.Principal(),
		Permissions:  perms,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// consumed whether or not its successor is used.
func (s *Service) Refresh(ctx context.Context, raw string) (token.Pair, error) {
	if _, err := s.tokens.Verify(raw, token.KindRefresh); err != nil {
		if errors.Is(err, token.ErrExpired) {
			if rerr := s.sessions.Revoke(ctx, raw); rerr != nil && !errors.Is(rerr, refresh.ErrNotFound) {
				s.logger.Warn("drop expired refresh token", slog.Any("error", rerr))
			}
			s.observe("refresh", "expired")
			return token.Pair{}, refresh.ErrExpired
		}
		s.observe("refresh", "rejected")
		return token.Pair{}, err
	}

	rot, err := s.sessions.Rotate(ctx, raw)
	if err != nil {
		s.observe("refresh", "rejected")
		return token.Pair{}, err
	}
	access, err := s.tokens.IssueAccess(rot.Subject)
	if err != nil {
		return token.Pair{}, err
	}
	s.observe("refresh", "ok")
	return token.Pair{AccessToken: access, RefreshToken: rot.Token}, nil
}

// Logout revokes a single refresh token. Revoking an unknown token is an error.
func (s *Service) Logout(ctx context.Context, raw string) error {
	if err := s.sessions.Revoke(ctx, raw); err != nil {
		return err
	}
	var actor int64
	if claims, err := s.tokens.Verify(raw, token.KindRefresh); err == nil {
		actor, _ = claims.UserID()
	}
	if actor > 0 {
		s.record(ctx, actor, shared.AuditLogout, actor, nil)
	}
	s.observe("logout", "ok")
	return nil
}

// RequestPasswordReset issues a reset token for an active account and enqueues
// its delivery. Unknown or disabled accounts yield an empty token and no error.
// The token is returned only when Options.ExposeResetToken is set.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.repo.FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	if !user.IsActive {
		return "", nil
	}
	sub := user.Subject()
	sub.Fingerprint = passwordFingerprint(user.PasswordHash)
	reset, err := s.tokens.IssueReset(sub)
	if err != nil {
		return "", err
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyPasswordReset(ctx, user.Email, reset); err != nil {
			return "", fmt.Errorf("auth: enqueue reset mail: %w", err)
		}
	}
	s.observe("reset_request", "ok")
	if !s.opts.ExposeResetToken {
		return "", nil
	}
	return reset, nil
}

// ResetPassword verifies a reset token, replaces the password hash and revokes
// every refresh token of the account. A reset token is spent once the password
// it was issued against has changed.
func (s *Service) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	claims, err := s.tokens.Verify(resetToken, token.KindReset)
	if err != nil {
		s.observe("reset", "rejected")
		return err
	}
	id, err := claims.UserID()
	if err != nil {
		return err
	}
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return token.ErrInvalid
		}
		return err
	}
	if !user.IsActive {
		return shared.UnauthorizedError("account disabled")
	}
	if !fingerprintMatches(claims.Fingerprint, user.PasswordHash) {
		s.observe("reset", "rejected")
		return token.ErrInvalid
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.repo.UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}
	revoked, err := s.sessions.RevokeAllForOwner(ctx, user.ID)
	if err != nil {
		return err
	}
	s.record(ctx, user.ID, shared.AuditPasswordReset, user.ID, map[string]any{"revoked_sessions": revoked})
	s.observe("reset", "ok")
	return nil
}

// Me returns the current profile of principal with its permissions.
func (s *Service) Me(ctx context.Context, p *shared.Principal) (*Profile, error) {
	if p == nil {
		return nil, shared.UnauthorizedError("authentication required")
	}
	user, err := s.repo.FindByID(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	perms, err := s.perms.Granted(ctx, user.Role)
	if err != nil {
		return nil, err
	}
	return &Profile{User: user.Principal(), Permissions: perms}, nil
}

// LoadPrincipal implements PrincipalLoader for the Authenticator.
func (s *Service) LoadPrincipal(ctx context.Context, id int64) (*shared.Principal, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return user.Principal(), nil
}

func (s *Service) record(ctx context.Context, actor int64, action string, userID int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   action,
		Entity:   "user",
		EntityID: strconv.FormatInt(userID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) observe(event, outcome string) {
	if s.observer != nil {
		s.observer.ObserveAuth(event, outcome)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
