package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores resolved role permissions in Redis. A nil Cache or nil client
// behaves as a permanent miss.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

func cacheKey(role string) string {
	return fmt.Sprintf("rbac:role:%s:permissions", role)
}

// Get returns the cached permissions for role. ok is false on a miss.
func (c *Cache) Get(ctx context.Context, role string) (perms []Permission, ok bool, err error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	payload, err := c.client.Get(ctx, cacheKey(role)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal(payload, &perms); err != nil {
		return nil, false, err
	}
	return perms, true, nil
}

// Set stores perms for role.
func (c *Cache) Set(ctx context.Context, role string, perms []Permission) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(role), raw, c.ttl).Err()
}

// Delete drops the cached entry for role.
func (c *Cache) Delete(ctx context.Context, role string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, cacheKey(role)).Err()
}
