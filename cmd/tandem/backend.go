package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aretw0/tandem/internal/config"
	"github.com/aretw0/tandem/pkg/adapters/bolt"
	"github.com/aretw0/tandem/pkg/adapters/file"
	"github.com/aretw0/tandem/pkg/adapters/memory"
	"github.com/aretw0/tandem/pkg/adapters/mongo"
	"github.com/aretw0/tandem/pkg/adapters/postgres"
	"github.com/aretw0/tandem/pkg/adapters/redis"
	"github.com/aretw0/tandem/pkg/persistence/middleware"
	"github.com/aretw0/tandem/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

const connectTimeout = 10 * time.Second

// services bundles the infrastructure selected by the configuration.
type services struct {
	store       ports.DocumentStore
	replication ports.Provider
	locker      ports.DistributedLocker
	redis       *backend.Client
	closers     []io.Closer
}

func openServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	svc := &services{}
	if cfg.Store.Kind == config.StoreRedis || cfg.Relay.Replication {
		svc.redis = backend.NewClient(&backend.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		svc.closers = append(svc.closers, svc.redis)
	}

	store, err := openStore(ctx, cfg, svc.redis)
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.store = store
	// The redis store closes the shared client, which is already tracked.
	if c, ok := store.(io.Closer); ok && cfg.Store.Kind != config.StoreRedis {
		svc.closers = append(svc.closers, c)
	}
	logger.Debug("Document store opened", "kind", cfg.Store.Kind)

	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		svc.Close()
		return nil, err
	}
	if key != nil {
		encryption, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: key})
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("failed to configure encryption: %w", err)
		}
		svc.store = middleware.Chain(svc.store, encryption)
		logger.Info("Document encryption enabled")
	}

	if svc.redis != nil {
		svc.locker = redis.NewLocker(svc.redis, "tandem:")
	}
	if cfg.Relay.Replication {
		svc.replication = redis.NewProvider(svc.redis, redis.WithForwardRemote(), redis.WithProviderLogger(logger))
		logger.Info("Relay replication enabled", "redis", cfg.Redis.Addr)
	}
	return svc, nil
}

// openStore opens the configured document store. The redis store shares client.
func openStore(ctx context.Context, cfg *config.Config, client *backend.Client) (ports.DocumentStore, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch cfg.Store.Kind {
	case config.StoreFile:
		return file.New(cfg.Store.Dir), nil
	case config.StoreRedis:
		return redis.NewFromClient(client, redis.WithPrefix(cfg.Redis.Prefix), redis.WithTTL(cfg.Redis.TTL)), nil
	case config.StoreBolt:
		return bolt.Open(cfg.Store.Path)
	case config.StorePostgres:
		return postgres.New(ctx, cfg.Store.DSN)
	case config.StoreMongo:
		return mongo.New(ctx, cfg.Store.URI, mongo.WithDatabase(cfg.Store.Database))
	default:
		return memory.NewStore(), nil
	}
}

// Close releases every connection the services opened.
func (s *services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
