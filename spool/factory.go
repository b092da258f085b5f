package spool

import (
	"context"
	"fmt"

	"github.com/migadu/spoold/config"
	"github.com/migadu/spoold/logger"
)

// NewFromConfig opens the repository backend selected by cfg.Spool.
func NewFromConfig(ctx context.Context, cfg *config.Config) (Repository, error) {
	switch cfg.Spool.Backend {
	case "memory":
		logger.Warn("Spool: using in-memory backend, envelopes are lost on restart")
		return NewMemoryRepository(), nil
	case "", "disk":
		return NewDiskRepository(cfg.Spool.GetPath())
	case "sqlite":
		return NewSQLiteRepository(cfg.Spool.GetPath())
	case "postgres":
		ttl, err := cfg.Spool.GetLockTTL()
		if err != nil {
			return nil, fmt.Errorf("invalid spool lock_ttl: %w", err)
		}
		return NewPostgresRepository(ctx, &cfg.Database, ttl)
	default:
		return nil, fmt.Errorf("unknown spool backend %q", cfg.Spool.Backend)
	}
}

// NewQueueFromConfig opens the configured repository and wraps it in a Queue.
func NewQueueFromConfig(ctx context.Context, cfg *config.Config) (*Queue, error) {
	poll, err := cfg.Spool.GetPollInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid spool poll_interval: %w", err)
	}
	repo, err := NewFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewQueue(repo, poll), nil
}
