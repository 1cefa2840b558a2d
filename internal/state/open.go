package state

import (
	"context"
	"fmt"

	"github.com/feichai0017/page-colorizer/pkg/logger"
)

// Config selects and configures the state backend.
type Config struct {
	Backend  Backend        `yaml:"backend" mapstructure:"backend"`
	Redis    RedisConfig    `yaml:"redis" mapstructure:"redis"`
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

// Open builds the Store named by cfg.Backend.
func Open(ctx context.Context, cfg Config, log logger.Logger) (Store, error) {
	log = log.Named("state")
	switch cfg.Backend {
	case BackendMemory, "":
		log.Warn("Using in-memory state store; progress is lost on restart")
		return NewMemoryStore(), nil
	case BackendRedis:
		client, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, cfg.Redis.Prefix, log), nil
	case BackendPostgres:
		return OpenPostgres(ctx, cfg.Postgres, log)
	default:
		return nil, fmt.Errorf("unsupported state backend: %s", cfg.Backend)
	}
}
