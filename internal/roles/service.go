package roles

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

var roleNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{1,63}$`)

// ErrBuiltinRole is returned when deleting a built-in role.
var ErrBuiltinRole = fmt.Errorf("%w: built-in roles cannot be deleted", shared.ErrConflict)

// RepositoryPort defines data access methods for roles.
type RepositoryPort interface {
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, name string) (Role, error)
	CreateRole(ctx context.Context, in CreateInput) (Role, error)
	DeleteRole(ctx context.Context, name string) error
	RolePermissions(ctx context.Context, name string) ([]rbac.Permission, error)
	ReplacePermissions(ctx context.Context, name string, perms []string) ([]rbac.Permission, error)
}

// Invalidator drops cached permission sets.
type Invalidator interface {
	Invalidate(ctx context.Context, role string)
}

// Service handles role business logic.
type Service struct {
	repo   RepositoryPort
	cache  Invalidator
	audit  shared.Auditor
	logger *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, cache Invalidator, audit shared.Auditor, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAuditor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, audit: audit, logger: logger}
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// CreateRole adds a custom role with no permissions.
func (s *Service) CreateRole(ctx context.Context, actor *shared.Principal, in CreateInput) (Role, error) {
	in.Name = rbac.NormalizeName(in.Name)
	if !roleNamePattern.MatchString(in.Name) {
		return Role{}, &shared.ValidationError{Fields: map[string]string{
			"name": "must start with a letter and contain only lowercase letters, digits, '-' or '_'",
		}}
	}
	role, err := s.repo.CreateRole(ctx, in)
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, actor, shared.AuditRoleCreate, role.Name, nil)
	return role, nil
}

// DeleteRole removes a custom role. Built-in roles and roles still assigned
// to users are refused.
func (s *Service) DeleteRole(ctx context.Context, actor *shared.Principal, name string) error {
	name = rbac.NormalizeName(name)
	if shared.IsBuiltinRole(name) {
		return ErrBuiltinRole
	}
	role, err := s.repo.GetRole(ctx, name)
	if err != nil {
		return err
	}
	if role.BuiltIn {
		return ErrBuiltinRole
	}
	if err := s.repo.DeleteRole(ctx, name); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, name)
	s.record(ctx, actor, shared.AuditRoleDelete, name, nil)
	return nil
}

// RolePermissions lists the permissions currently linked to a role.
func (s *Service) RolePermissions(ctx context.Context, name string) ([]rbac.Permission, error) {
	return s.repo.RolePermissions(ctx, rbac.NormalizeName(name))
}

// ReplacePermissions sets the exact permission set of a role and drops its
// cached copy so the next authorization sees the change.
func (s *Service) ReplacePermissions(ctx context.Context, actor *shared.Principal, name string, perms []string) ([]rbac.Permission, error) {
	name = rbac.NormalizeName(name)
	normalized, err := normalizePermissions(perms)
	if err != nil {
		return nil, err
	}
	out, err := s.repo.ReplacePermissions(ctx, name, normalized)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, name)
	s.record(ctx, actor, shared.AuditRolePermissions, name, map[string]any{"permissions": normalized})
	return out, nil
}

func normalizePermissions(perms []string) ([]string, error) {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		p = rbac.NormalizeName(p)
		if _, _, ok := rbac.SplitName(p); !ok {
			return nil, &shared.ValidationError{Fields: map[string]string{"permissions": "each entry must look like resource:action"}}
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Service) record(ctx context.Context, actor *shared.Principal, action, role string, meta map[string]any) {
	var actorID int64
	if actor != nil {
		actorID = actor.ID
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "role", EntityID: role, Meta: meta}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}
