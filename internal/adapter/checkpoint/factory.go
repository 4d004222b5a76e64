package checkpoint

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"catalog-agent/internal/domain"
	"catalog-agent/internal/infra/config"
)

// Open builds the store selected by cfg.Backend. The returned close function
// releases the backend's resources. When client is non-nil the redis backend
// reuses it instead of dialing.
func Open(ctx context.Context, cfg config.CheckpointConfig, client *redis.Client) (domain.CheckpointStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), noop, nil
	case "file", "":
		s, err := NewFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case "sqlite":
		s, err := NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "redis":
		if client != nil {
			return NewRedisStore(client, cfg.Redis.Prefix, cfg.Redis.TTL), noop, nil
		}
		c, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, storeErr("checkpoint.Open", err)
		}
		return NewRedisStore(c, cfg.Redis.Prefix, cfg.Redis.TTL), c.Close, nil
	default:
		return nil, nil, domain.NewDomainError("checkpoint.Open", domain.ErrInvalidInput,
			fmt.Sprintf("unknown checkpoint backend %q", cfg.Backend))
	}
}
