package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/centrorum/community-service/internal/config"
	"github.com/centrorum/community-service/internal/model"
	registrycache "github.com/centrorum/community-service/internal/registry/cache"
	"github.com/centrorum/community-service/internal/security"
)

const defaultTTL = 5 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.ProfileCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: COMMUNITY_SERVICE_REDIS_URL is required")
	}
	ttl := cfg.CacheProfileTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, ttl)
}

// LoadFromURL creates a ProfileCache from a Redis-compatible URL.
func LoadFromURL(ctx context.Context, redisURL string) (registrycache.ProfileCache, error) {
	return LoadFromURLWithTTL(ctx, redisURL, defaultTTL)
}

// LoadFromURLWithTTL creates a cache with an explicit profile TTL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.ProfileCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisProfileCache{client: client, ttl: ttl}, nil
}

type redisProfileCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func profileKey(userID uint64) string {
	return fmt.Sprintf("user-profile:%d", userID)
}

func (c *redisProfileCache) Available() bool {
	return true
}

func (c *redisProfileCache) Get(ctx context.Context, userID uint64) (*model.User, error) {
	data, err := c.client.Get(ctx, profileKey(userID)).Bytes()
	if err == goredis.Nil {
		if security.CacheMissesTotal != nil {
			security.CacheMissesTotal.Inc()
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var user model.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, err
	}
	if security.CacheHitsTotal != nil {
		security.CacheHitsTotal.Inc()
	}
	return &user, nil
}

func (c *redisProfileCache) Set(ctx context.Context, user model.User, ttl time.Duration) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, profileKey(user.ID), data, ttl).Err()
}

func (c *redisProfileCache) Remove(ctx context.Context, userID uint64) error {
	return c.client.Del(ctx, profileKey(userID)).Err()
}

var _ registrycache.ProfileCache = (*redisProfileCache)(nil)
