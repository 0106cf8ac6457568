package main

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	redisv9 "github.com/redis/go-redis/v9"

	"github.com/kidoz/dotcelery/internal/broker"
	"github.com/kidoz/dotcelery/internal/broker/memorybroker"
	"github.com/kidoz/dotcelery/internal/broker/redisbroker"
	"github.com/kidoz/dotcelery/internal/config"
	"github.com/kidoz/dotcelery/internal/deadletter"
	"github.com/kidoz/dotcelery/internal/deadletter/memdeadletter"
	"github.com/kidoz/dotcelery/internal/deadletter/pgdeadletter"
	"github.com/kidoz/dotcelery/internal/delayed"
	"github.com/kidoz/dotcelery/internal/delayed/memdelayed"
	"github.com/kidoz/dotcelery/internal/delayed/pgdelayed"
	"github.com/kidoz/dotcelery/internal/queue"
	"github.com/kidoz/dotcelery/internal/resultbackend"
	"github.com/kidoz/dotcelery/internal/resultbackend/memresultbackend"
	"github.com/kidoz/dotcelery/internal/resultbackend/pgresultbackend"
	"github.com/kidoz/dotcelery/internal/revocation"
	grpctransport "github.com/kidoz/dotcelery/internal/transport/grpc"
)

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

// buildBroker constructs the broker driver named by cfg.Broker.Kind.
// A direct-to-store driver is used for every celeryctl command unless
// --remote is given, in which case the caller should prefer a
// grpctransport.Client over calling this at all; see remoteClient.
func buildBroker(ctx context.Context, cfg *config.Config) (broker.Broker, func(), error) {
	switch cfg.Broker.Kind {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Broker.RedisAddr, DB: cfg.Broker.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect broker redis: %w", err)
		}
		notifyClient := redisv9.NewClient(&redisv9.Options{Addr: cfg.Broker.RedisAddr, DB: cfg.Broker.RedisDB})
		notifier := queue.NewRedisListNotifier(notifyClient)
		b := redisbroker.New(client, cfg.Broker.VisibilityTimeout, notifier)
		return b, func() { b.Close(); notifier.Close(); notifyClient.Close(); client.Close() }, nil
	default:
		b := memorybroker.New(cfg.Broker.VisibilityTimeout)
		return b, func() { b.Close() }, nil
	}
}

func buildResultBackend(ctx context.Context, cfg *config.Config) (resultbackend.ResultBackend, func(), error) {
	switch cfg.ResultBackend.Kind {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.ResultBackend.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect result backend postgres: %w", err)
		}
		backend, err := pgresultbackend.New(ctx, pool, time.Second)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return backend, func() { backend.Close(); pool.Close() }, nil
	default:
		backend := memresultbackend.New()
		return backend, func() { backend.Close() }, nil
	}
}

func buildDelayedStore(ctx context.Context, cfg *config.Config) (delayed.Store, func(), error) {
	switch cfg.DelayedStore.Kind {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DelayedStore.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect delayed store postgres: %w", err)
		}
		store, err := pgdelayed.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, func() { store.Close(); pool.Close() }, nil
	default:
		store := memdelayed.New()
		return store, func() { store.Close() }, nil
	}
}

func buildRevocationStore(cfg *config.Config) (revocation.Store, func(), error) {
	switch cfg.Broker.Kind {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Broker.RedisAddr, DB: cfg.Broker.RedisDB})
		store := revocation.NewRedisStore(client)
		return store, func() { client.Close() }, nil
	default:
		store := revocation.NewMemStore()
		return store, func() { store.Close() }, nil
	}
}

func buildDeadLetterHandler(ctx context.Context, cfg *config.Config) (deadletter.Handler, func(), error) {
	switch cfg.ResultBackend.Kind {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.ResultBackend.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect dead letter postgres: %w", err)
		}
		h, err := pgdeadletter.New(ctx, pool, cfg.DLQ.MaxMessages)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return h, func() { h.Close(); pool.Close() }, nil
	default:
		h := memdeadletter.New(cfg.DLQ.MaxMessages)
		return h, func() { h.Close() }, nil
	}
}

// buildRevocationNotifier mirrors celeryd's own notifier selection so a
// terminate-revoke issued from the CLI reaches every celeryd node sharing
// a redis broker immediately, not just on their next poll.
func buildRevocationNotifier(cfg *config.Config) (queue.Notifier, func()) {
	switch cfg.Broker.Kind {
	case "redis":
		client := redisv9.NewClient(&redisv9.Options{Addr: cfg.Broker.RedisAddr, DB: cfg.Broker.RedisDB})
		notifier := queue.NewRedisNotifier(client)
		return notifier, func() { notifier.Close(); client.Close() }
	default:
		notifier := queue.NewNoopNotifier()
		return notifier, func() { notifier.Close() }
	}
}

// remoteClient dials a transport gRPC server for --remote operation,
// letting celeryctl reach a cluster node's broker/result backend/
// revocation store without embedding their drivers in the CLI process.
func remoteClient(addr string) (*grpctransport.Client, error) {
	return grpctransport.NewClient(addr)
}
