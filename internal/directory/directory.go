// Package directory resolves user IDs to display names through the
// shared Redis directory, so incoming-call prompts can show who is
// calling without a round trip to the relational store.
package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"secureconnect-callkit/pkg/cache"
)

// Resolver resolves a user ID to a human-readable display name
type Resolver interface {
	DisplayName(ctx context.Context, userID uuid.UUID) (string, error)
}

// RedisDirectory reads the global user directory kept in Redis
type RedisDirectory struct {
	client *redis.Client
}

// NewRedisDirectory creates a directory backed by the given Redis client
func NewRedisDirectory(client *redis.Client) *RedisDirectory {
	return &RedisDirectory{client: client}
}

var _ Resolver = (*RedisDirectory)(nil)

func nameKey(userID uuid.UUID) string {
	return fmt.Sprintf("directory:user:%s:name", userID)
}

// SetDisplayName maps a user ID to a display name. No expiration: the
// directory is refreshed by profile updates, not TTLs.
func (d *RedisDirectory) SetDisplayName(ctx context.Context, userID uuid.UUID, name string) error {
	if err := d.client.Set(ctx, nameKey(userID), name, 0).Err(); err != nil {
		return fmt.Errorf("failed to set display name: %w", err)
	}
	return nil
}

// DisplayName resolves a user's display name. A user missing from the
// directory resolves to a shortened ID instead of an error, so a prompt
// can always be shown.
func (d *RedisDirectory) DisplayName(ctx context.Context, userID uuid.UUID) (string, error) {
	name, err := d.client.Get(ctx, nameKey(userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return shortID(userID), nil
		}
		return "", fmt.Errorf("failed to resolve display name: %w", err)
	}
	return name, nil
}

func shortID(userID uuid.UUID) string {
	s := userID.String()
	return "user-" + s[:8]
}

// CachedResolver wraps a Resolver with a bounded TTL cache. Display
// names change rarely; a ringing prompt should not cost a directory
// round trip every time.
type CachedResolver struct {
	inner Resolver
	cache *cache.MemoryCache
	ttl   time.Duration
}

// NewCachedResolver caches up to maxSize resolved names for ttl
func NewCachedResolver(inner Resolver, ttl time.Duration, maxSize int) *CachedResolver {
	return &CachedResolver{
		inner: inner,
		cache: cache.NewMemoryCache(ttl, maxSize),
		ttl:   ttl,
	}
}

var _ Resolver = (*CachedResolver)(nil)

// DisplayName resolves through the cache. Resolution failures are not
// cached, so a transient directory outage heals on the next lookup.
func (r *CachedResolver) DisplayName(ctx context.Context, userID uuid.UUID) (string, error) {
	key := userID.String()
	if v, ok := r.cache.Get(key); ok {
		if name, ok := v.(string); ok {
			return name, nil
		}
	}

	name, err := r.inner.DisplayName(ctx, userID)
	if err != nil {
		return "", err
	}
	r.cache.Set(key, name, r.ttl)
	return name, nil
}
