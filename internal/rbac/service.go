package rbac

import (
	"context"
	"log/slog"
)

// Store is the persistence port used by Service.
type Store interface {
	RoleStore
	Seeder
	ListPermissions(ctx context.Context) ([]Permission, error)
}

// Service exposes the read side of the permission catalogue and bootstraps it.
type Service struct {
	store    Store
	resolver *Resolver
	logger   *slog.Logger
}

// NewService constructs a Service.
func NewService(store Store, resolver *Resolver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, resolver: resolver, logger: logger}
}

// ListPermissions returns all permissions ordered by name.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// Bootstrap applies seed and drops cached permission sets of the seeded roles.
func (s *Service) Bootstrap(ctx context.Context, seed Seed) error {
	if err := s.store.ApplySeed(ctx, seed); err != nil {
		return err
	}
	for _, role := range seed.Roles {
		s.resolver.Invalidate(ctx, role.Name)
	}
	s.logger.Info("rbac seed applied", slog.Int("roles", len(seed.Roles)), slog.Int("permissions", len(seed.Permissions)))
	return nil
}
