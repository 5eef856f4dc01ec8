// Package backend opens the StorageBackend described by configuration.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/guardianmesh/backend/file"
	"github.com/hupe1980/guardianmesh/backend/memory"
	"github.com/hupe1980/guardianmesh/backend/redis"
	"github.com/hupe1980/guardianmesh/backend/remote"
	"github.com/hupe1980/guardianmesh/backend/sqlite"
	"github.com/hupe1980/guardianmesh/config"
	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/logging"
)

// Open returns an initialized backend for cfg.
//
// The remote service is used only when both its endpoint and api key are
// configured. If it can't be reached, Open logs a warning and falls back to
// the file backend under cfg.Dir.
func Open(ctx context.Context, cfg config.MemoryConfig, logger logging.Logger) (core.StorageBackend, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	if cfg.Remote.Enabled() {
		rb := remote.New(cfg.Remote.Endpoint, cfg.Remote.APIKey, func(o *remote.Options) {
			o.SystemPrefix = cfg.Remote.SystemPrefix
			o.Timeout = cfg.Remote.Timeout
			o.RateLimit = cfg.Remote.RateLimit
			o.Burst = cfg.Remote.Burst
			o.Logger = logger
		})
		err := rb.Initialize(ctx)
		if err == nil {
			logger.Info("memory backend selected", "kind", "remote", "endpoint", cfg.Remote.Endpoint)
			return rb, nil
		}
		if !errors.Is(err, core.ErrConnectivity) {
			return nil, err
		}
		logger.Warn("remote memory service unavailable, using file backend", "endpoint", cfg.Remote.Endpoint, "error", err)
		return initialize(ctx, file.New(cfg.Dir, func(o *file.Options) { o.Logger = logger }), "file", logger)
	}

	var b core.StorageBackend
	switch cfg.Backend {
	case "", "file":
		b = file.New(cfg.Dir, func(o *file.Options) { o.Logger = logger })
	case "memory":
		b = memory.New()
	case "sqlite":
		b = sqlite.New(cfg.SQLitePath, func(o *sqlite.Options) { o.Logger = logger })
	case "redis":
		b = redis.New(func(o *redis.Options) {
			o.Addr = cfg.Redis.Addr
			o.Password = cfg.Redis.Password
			o.DB = cfg.Redis.DB
			o.Prefix = cfg.Redis.Prefix
			o.Logger = logger
		})
	default:
		return nil, &core.ValidationError{Field: "memory.backend", Reason: fmt.Sprintf("unknown backend %q", cfg.Backend)}
	}
	return initialize(ctx, b, cfg.Backend, logger)
}

func initialize(ctx context.Context, b core.StorageBackend, kind string, logger logging.Logger) (core.StorageBackend, error) {
	if err := b.Initialize(ctx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("initialize %s backend: %w", kind, err)
	}
	logger.Info("memory backend selected", "kind", kind)
	return b, nil
}
