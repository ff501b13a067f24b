package rbac

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// RoleStore is the read side the resolver needs.
type RoleStore interface {
	RoleByName(ctx context.Context, name string) (Role, error)
	PermissionsForRole(ctx context.Context, roleID int64) ([]Permission, error)
}

// Resolver maps a role name to its permission set, reading through Cache.
type Resolver struct {
	store  RoleStore
	cache  *Cache
	logger *slog.Logger
	group  singleflight.Group

	mu  sync.Mutex
	gen map[string]uint64
}

// NewResolver builds a Resolver. cache may be nil.
func NewResolver(store RoleStore, cache *Cache, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, cache: cache, logger: logger, gen: make(map[string]uint64)}
}

// Resolve returns the permissions granted to role. An unknown role resolves to
// an empty set without error.
func (r *Resolver) Resolve(ctx context.Context, role string) ([]Permission, error) {
	role = NormalizeName(role)
	if role == "" {
		return []Permission{}, nil
	}

	perms, ok, err := r.cache.Get(ctx, role)
	if err != nil {
		r.logger.Warn("rbac cache get", slog.String("role", role), slog.Any("error", err))
	}
	if ok {
		return perms, nil
	}

	ch := r.group.DoChan(role, func() (interface{}, error) {
		return r.load(context.WithoutCancel(ctx), role)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Permission), nil
	}
}

// load reads role from the store and caches it unless Invalidate ran while
// the read was in flight.
func (r *Resolver) load(ctx context.Context, role string) ([]Permission, error) {
	gen := r.generation(role)
	stored, err := r.store.RoleByName(ctx, role)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return []Permission{}, nil
		}
		return nil, err
	}
	perms, err := r.store.PermissionsForRole(ctx, stored.ID)
	if err != nil {
		return nil, err
	}
	if perms == nil {
		perms = []Permission{}
	}
	if r.generation(role) != gen {
		return perms, nil
	}
	if err := r.cache.Set(ctx, role, perms); err != nil {
		r.logger.Warn("rbac cache set", slog.String("role", role), slog.Any("error", err))
	}
	// Invalidate may have landed between the check and the write.
	if r.generation(role) != gen {
		r.drop(ctx, role)
	}
	return perms, nil
}

func (r *Resolver) generation(role string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen[role]
}

// Invalidate drops the cached permission set for role. Loads already in
// flight for role are not cached, and later callers start a fresh load.
func (r *Resolver) Invalidate(ctx context.Context, role string) {
	role = NormalizeName(role)
	r.mu.Lock()
	r.gen[role]++
	r.mu.Unlock()
	r.group.Forget(role)
	r.drop(ctx, role)
}

func (r *Resolver) drop(ctx context.Context, role string) {
	if err := r.cache.Delete(ctx, role); err != nil {
		r.logger.Warn("rbac cache invalidate", slog.String("role", role), slog.Any("error", err))
	}
}
