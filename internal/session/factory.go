package session

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sendrec/streamgate/internal/database"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type StoreConfig struct {
	Backend       string
	DB            database.DBTX
	Redis         RedisConfig
	SweepInterval time.Duration
}

// NewStore builds the backend named by cfg.Backend. Unknown names are an error.
func NewStore(ctx context.Context, cfg StoreConfig, clk clock.Clock) (Store, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(clk, cfg.SweepInterval), nil
	case BackendPostgres:
		if cfg.DB == nil {
			return nil, fmt.Errorf("postgres session backend requires a database")
		}
		st := NewPostgresStore(cfg.DB, clk)
		st.StartCleanupLoop(ctx, cfg.SweepInterval)
		return st, nil
	case BackendRedis:
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("redis session backend requires an address")
		}
		return NewRedisStore(ctx, cfg.Redis, clk)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}
