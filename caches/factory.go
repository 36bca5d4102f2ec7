// Package caches constructs concrete cache backends from configuration.
// It includes memory, disk, and redis stores.
package caches

import (
	"fmt"

	"github.com/blueberrycongee/llmcache/caches/disk"
	"github.com/blueberrycongee/llmcache/caches/memory"
	"github.com/blueberrycongee/llmcache/caches/redis"
	"github.com/blueberrycongee/llmcache/internal/observability"
	"github.com/blueberrycongee/llmcache/pkg/cache"
	cacheerrors "github.com/blueberrycongee/llmcache/pkg/errors"
)

// Options carries cross-backend construction dependencies.
type Options struct {
	// OnEvict is notified when a backend removes an entry on its own
	// (capacity eviction or lazy expiration).
	OnEvict cache.EvictFunc
	// Logger receives backend diagnostics. Defaults to a no-op logger.
	Logger *observability.Logger
}

// New creates a backend for the configured kind.
func New(cfg cache.Config, opts Options) (cache.Backend, error) {
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}

	switch cfg.Backend {
	case cache.BackendMemory:
		return memory.New(memory.Config{
			MaxEntries:   cfg.MaxEntries,
			MaxSizeBytes: cfg.MaxSizeBytes,
			OnEvict:      opts.OnEvict,
		}), nil

	case cache.BackendDisk:
		return disk.New(disk.Config{
			CachePath:         cfg.Disk.CachePath,
			CleanupInterval:   cfg.Disk.CleanupInterval,
			MaxDiskUsage:      cfg.Disk.MaxDiskUsage,
			EnableCompression: cfg.Disk.EnableCompression,
			OnEvict:           opts.OnEvict,
			Logger:            opts.Logger,
		})

	case cache.BackendRedis:
		return redis.New(redis.Config{
			Host:              cfg.Redis.Host,
			Port:              cfg.Redis.Port,
			Password:          cfg.Redis.Password,
			DB:                cfg.Redis.DB,
			KeyPrefix:         cfg.Redis.KeyPrefix,
			ConnectionTimeout: cfg.Redis.ConnectionTimeout,
			EnableCompression: cfg.Redis.EnableCompression,
		})

	default:
		return nil, cacheerrors.NewConfigurationError(
			fmt.Sprintf("unsupported cache backend: %s", cfg.Backend))
	}
}
