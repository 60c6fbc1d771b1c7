package noop

import (
	"context"
	"time"

	"github.com/centrorum/community-service/internal/model"
	"github.com/centrorum/community-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.ProfileCache, error) {
			return &noopProfileCache{}, nil
		},
	})
}

type noopProfileCache struct{}

func (n *noopProfileCache) Available() bool { return false }
func (n *noopProfileCache) Get(_ context.Context, _ uint64) (*model.User, error) {
	return nil, nil
}
func (n *noopProfileCache) Set(_ context.Context, _ model.User, _ time.Duration) error {
	return nil
}
func (n *noopProfileCache) Remove(_ context.Context, _ uint64) error { return nil }

var _ cache.ProfileCache = (*noopProfileCache)(nil)
