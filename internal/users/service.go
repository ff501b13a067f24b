package users

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context, f ListFilters) ([]User, int, error)
	GetUser(ctx context.Context, id int64) (User, error)
	SetActive(ctx context.Context, id int64, active bool) (User, error)
	SetRole(ctx context.Context, id int64, role string) (User, error)
}

// SessionRevoker drops every refresh token of an account.
type SessionRevoker interface {
	RevokeAllForOwner(ctx context.Context, ownerID int64) (int64, error)
}

// Service handles user business logic.
type Service struct {
	repo     RepositoryPort
	sessions SessionRevoker
	grants   rbac.PermissionSource
	audit    shared.Auditor
	logger   *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, sessions SessionRevoker, grants rbac.PermissionSource, audit shared.Auditor, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAuditor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, sessions: sessions, grants: grants, audit: audit, logger: logger}
}

// ListUsers returns one page of users together with its pagination metadata.
func (s *Service) ListUsers(ctx context.Context, f ListFilters) ([]User, shared.Pagination, error) {
	users, total, err := s.repo.ListUsers(ctx, f)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	if users == nil {
		users = []User{}
	}
	return users, shared.NewPagination(f.Page, f.Limit, total), nil
}

// GetUser returns a single user.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	return s.repo.GetUser(ctx, id)
}

// SetStatus activates or deactivates an account. Deactivation revokes every
// refresh token of the account. A failed revocation is logged only: refresh
// rotation already rejects inactive owners. Actors cannot deactivate themselves.
func (s *Service) SetStatus(ctx context.Context, actor *shared.Principal, id int64, active bool) (User, error) {
	if actor != nil && actor.ID == id && !active {
		return User{}, shared.ForbiddenError("cannot deactivate your own account")
	}
	u, err := s.repo.SetActive(ctx, id, active)
	if err != nil {
		return User{}, err
	}
	meta := map[string]any{"active": active}
	if !active {
		revoked, err := s.sessions.RevokeAllForOwner(ctx, id)
		if err != nil {
			s.logger.Error("revoke sessions after deactivation", slog.Int64("user_id", id), slog.Any("error", err))
		} else {
			meta["revoked_sessions"] = revoked
		}
	}
	s.record(ctx, actor, shared.AuditUserStatus, id, meta)
	return u, nil
}

// SetRole changes the role of an account. Only admins may change their own
// role or grant or revoke admin. Other actors may only move accounts between
// roles whose permissions they hold themselves.
func (s *Service) SetRole(ctx context.Context, actor *shared.Principal, id int64, role string) (User, error) {
	before, err := s.repo.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	if err := s.authorizeRoleChange(ctx, actor, before, role); err != nil {
		return User{}, err
	}
	u, err := s.repo.SetRole(ctx, id, role)
	if err != nil {
		return User{}, err
	}
	s.record(ctx, actor, shared.AuditUserRole, id, map[string]any{"from": before.Role, "to": u.Role})
	return u, nil
}

func (s *Service) authorizeRoleChange(ctx context.Context, actor *shared.Principal, target User, role string) error {
	if actor == nil {
		return shared.UnauthorizedError("authentication required")
	}
	if rbac.NormalizeName(actor.Role) == shared.RoleAdmin {
		return nil
	}
	if actor.ID == target.ID {
		return shared.ForbiddenError("cannot change your own role")
	}
	if rbac.NormalizeName(role) == shared.RoleAdmin || rbac.NormalizeName(target.Role) == shared.RoleAdmin {
		return shared.ForbiddenError("only admins can grant or revoke the admin role")
	}
	held, err := s.grants.Resolve(ctx, actor.Role)
	if err != nil {
		return err
	}
	for _, name := range []string{target.Role, role} {
		perms, err := s.grants.Resolve(ctx, name)
		if err != nil {
			return err
		}
		for _, p := range perms {
			if !holds(held, p.Name) {
				return shared.ForbiddenError("role " + name + " grants " + p.Name + " which you do not hold")
			}
		}
	}
	return nil
}

func holds(held []rbac.Permission, name string) bool {
	for _, g := range held {
		if g.Grants(name) {
			return true
		}
	}
	return false
}

func (s *Service) record(ctx context.Context, actor *shared.Principal, action string, id int64, meta map[string]any) {
	var actorID int64
	if actor != nil {
		actorID = actor.ID
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "user",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}
