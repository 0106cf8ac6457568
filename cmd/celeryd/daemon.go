package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kidoz/dotcelery/internal/broker"
	"github.com/kidoz/dotcelery/internal/broker/memorybroker"
	"github.com/kidoz/dotcelery/internal/broker/redisbroker"
	"github.com/kidoz/dotcelery/internal/circuitbreaker"
	"github.com/kidoz/dotcelery/internal/config"
	"github.com/kidoz/dotcelery/internal/deadletter"
	"github.com/kidoz/dotcelery/internal/deadletter/memdeadletter"
	"github.com/kidoz/dotcelery/internal/deadletter/pgdeadletter"
	"github.com/kidoz/dotcelery/internal/delayed"
	"github.com/kidoz/dotcelery/internal/delayed/memdelayed"
	"github.com/kidoz/dotcelery/internal/delayed/pgdelayed"
	"github.com/kidoz/dotcelery/internal/logging"
	"github.com/kidoz/dotcelery/internal/metrics"
	"github.com/kidoz/dotcelery/internal/pipeline"
	"github.com/kidoz/dotcelery/internal/progress"
	"github.com/kidoz/dotcelery/internal/queue"
	"github.com/kidoz/dotcelery/internal/ratelimit"
	"github.com/kidoz/dotcelery/internal/registry"
	"github.com/kidoz/dotcelery/internal/resultbackend"
	"github.com/kidoz/dotcelery/internal/resultbackend/memresultbackend"
	"github.com/kidoz/dotcelery/internal/resultbackend/pgresultbackend"
	"github.com/kidoz/dotcelery/internal/revocation"
	"github.com/kidoz/dotcelery/internal/tasks"
	"github.com/kidoz/dotcelery/internal/tracker"
	"github.com/kidoz/dotcelery/internal/tracker/memtracker"
	"github.com/kidoz/dotcelery/internal/tracker/pgtracker"
	"github.com/kidoz/dotcelery/internal/tracker/redistracker"
	grpctransport "github.com/kidoz/dotcelery/internal/transport/grpc"
	"github.com/kidoz/dotcelery/internal/worker"
)

func workerCmd() *cobra.Command {
	var (
		queues         []string
		maxConcurrency int
		grpcAddr       string
		grpcEnabled    bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker daemon (consume loop + pipeline + delayed promoter)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("queues") {
				cfg.Worker.Queues = queues
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.Worker.MaxConcurrency = maxConcurrency
			}
			if cmd.Flags().Changed("grpc") {
				cfg.GRPC.Enabled = grpcEnabled
			}
			if cmd.Flags().Changed("grpc-addr") {
				cfg.GRPC.Addr = grpcAddr
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			ctx := context.Background()

			b, closeBroker, err := buildBroker(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build broker: %w", err)
			}
			defer closeBroker()

			results, closeResults, err := buildResultBackend(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build result backend: %w", err)
			}
			defer closeResults()

			delayedStore, closeDelayed, err := buildDelayedStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build delayed store: %w", err)
			}
			defer closeDelayed()

			trk, closeTracker, err := buildTracker(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build tracker: %w", err)
			}
			defer closeTracker()

			revStore, closeRevocation, err := buildRevocationStore(cfg)
			if err != nil {
				return fmt.Errorf("build revocation store: %w", err)
			}
			defer closeRevocation()

			dlq, closeDLQ, err := buildDeadLetterHandler(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build dead letter handler: %w", err)
			}
			defer closeDLQ()

			rateLimiter := buildRateLimiter(cfg)

			reg := registry.New()
			if err := tasks.Register(reg); err != nil {
				return fmt.Errorf("register tasks: %w", err)
			}
			reg.Build()

			progressReporter := progress.New(results, nil)
			breakers := circuitbreaker.NewRegistry()

			notifier, closeNotifier := buildRevocationNotifier(cfg)
			defer closeNotifier()
			watcher := revocation.NewWatcher()

			p := pipeline.New(pipeline.Deps{
				Registry:    reg,
				Broker:      b,
				Results:     results,
				Delayed:     delayedStore,
				Revocations: revStore,
				Watcher:     watcher,
				RateLimiter: rateLimiter,
				Tracker:     trk,
				DeadLetters: dlq,
				Progress:    progressReporter,
				Breakers:    breakers,
			}, pipeline.Config{
				WorkerID:                  cfg.Worker.Hostname,
				MaxSupportedSchemaVersion: cfg.Security.MaxSupportedSchemaVersion,
				MaxPayloadBytes:           cfg.Security.MaxPayloadBytes,
				TaskNameAllowlist:         allowlistSet(cfg.Security.TaskNameAllowlist),
				RequireSignature:          cfg.Security.RequireSignature,
				SignatureSecret:           []byte(cfg.Security.SignatureSecret),
				DefaultOverlapLeaseTimeout: cfg.Resilience.OverlapLeaseTimeout,
				DefaultRetry: pipeline.RetryPolicy{
					InitialDelay: cfg.Resilience.RetryInitialDelay,
					MaxDelay:     cfg.Resilience.RetryMaxDelay,
					Multiplier:   cfg.Resilience.RetryMultiplier,
				},
				ResultExpiry: cfg.ResultBackend.ResultExpiry,
			})

			pool := worker.New(b, p, worker.Config{
				Queues:         cfg.Worker.Queues,
				MaxConcurrency: cfg.Worker.MaxConcurrency,
				ShutdownGrace:  cfg.Worker.GracefulShutdownTimeout,
				Breakers:       breakers,
			})

			promoter := delayed.NewPromoter(delayedStore, b, delayed.PromoterConfig{
				PollInterval: cfg.DelayedStore.PromotionInterval,
				BatchSize:    cfg.DelayedStore.PromotionBatch,
			})
			promoter.Start()
			defer promoter.Stop()

			poolCtx, cancelPool := context.WithCancel(ctx)
			defer cancelPool()
			if err := pool.Start(poolCtx); err != nil {
				return fmt.Errorf("start worker pool: %w", err)
			}

			// A revocation notification only says "something changed", not
			// which task id, so the rescan checks every currently in-flight
			// id against the revocation store and terminates the ones that
			// turned out to be terminate-revoked.
			revocation.WatchNotifier(poolCtx, notifier, queue.QueueRevocation, func() {
				for _, id := range watcher.InFlight() {
					rec, revoked, err := revStore.IsRevoked(poolCtx, id)
					if err == nil && revoked && rec.Terminate {
						watcher.Terminate(id)
					}
				}
			})

			var adminServer *http.Server
			if cfg.Daemon.AdminAddr != "" {
				adminServer = startAdminServer(cfg.Daemon.AdminAddr, cfg.Observability.Metrics.Enabled)
				logging.Op().Info("admin HTTP server started", "addr", cfg.Daemon.AdminAddr)
			}

			var grpcServer *grpctransport.Server
			if cfg.GRPC.Enabled {
				grpcServer = grpctransport.NewServer(b, results, revStore)
				grpcCtx, cancelGRPC := context.WithCancel(ctx)
				defer cancelGRPC()
				go func() {
					if err := grpcServer.Serve(grpcCtx, cfg.GRPC.Addr); err != nil {
						logging.Op().Error("transport gRPC server stopped", "error", err)
					}
				}()
				logging.Op().Info("transport gRPC server enabled", "addr", cfg.GRPC.Addr)
			}

			logging.Op().Info("celeryd worker started",
				"queues", cfg.Worker.Queues,
				"max_concurrency", cfg.Worker.MaxConcurrency,
				"broker", cfg.Broker.Kind,
				"result_backend", cfg.ResultBackend.Kind)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			if grpcServer != nil {
				grpcServer.Stop()
			}
			if adminServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				adminServer.Shutdown(shutdownCtx)
				cancel()
			}
			pool.Stop()
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&queues, "queues", nil, "Queues to consume from (comma-separated)")
	cmd.Flags().IntVar(&maxConcurrency, "concurrency", 0, "Maximum in-flight dispatches")
	cmd.Flags().BoolVar(&grpcEnabled, "grpc", false, "Enable the transport gRPC server")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "Transport gRPC listen address")

	return cmd
}

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

func allowlistSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// buildBroker constructs the broker driver named by cfg.Broker.Kind.
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

// buildTracker prefers the broker's own Redis endpoint for overlap
// leases when available (no separate "tracker kind" knob in config);
// failing that it shares the result backend's Postgres pool when one
// is configured, and otherwise falls back to the in-process tracker.
func buildTracker(ctx context.Context, cfg *config.Config) (tracker.Tracker, func(), error) {
	switch {
	case cfg.Broker.Kind == "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Broker.RedisAddr, DB: cfg.Broker.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect tracker redis: %w", err)
		}
		t := redistracker.New(client)
		return t, func() { client.Close() }, nil
	case cfg.ResultBackend.Kind == "postgres":
		pool, err := pgxpool.New(ctx, cfg.ResultBackend.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect tracker postgres: %w", err)
		}
		t, err := pgtracker.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return t, func() { t.Close(); pool.Close() }, nil
	default:
		t := memtracker.New()
		return t, func() { t.Close() }, nil
	}
}

// buildRevocationNotifier follows the broker's Kind: a redis broker gets
// a redis pub/sub notifier so a terminate-revoke on one celeryd reaches
// every other celeryd sharing that broker immediately instead of only on
// that node's own revocation store; anything else falls back to an
// in-process no-op, since single-node polling already sees the change on
// the next IsRevoked check.
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

// buildDeadLetterHandler follows the result backend's Kind, since
// dead-lettered messages are operator-facing history in the same way
// stored results are.
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

// startAdminServer exposes the dashboard JSON metrics plus, when
// enabled, the Prometheus scrape endpoint, mirroring the teacher's
// daemon.go pattern of one http.Server started alongside the main
// processing loop and shut down on the same signal.
func startAdminServer(addr string, prometheusEnabled bool) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics.json", metrics.Global().JSONHandler())
	mux.Handle("/metrics/timeseries", metrics.Global().TimeSeriesHandler())
	if prometheusEnabled {
		mux.Handle("/metrics", metrics.Default().Handler())
	}

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("admin HTTP server stopped", "error", err)
		}
	}()
	return srv
}

func buildRateLimiter(cfg *config.Config) ratelimit.Backend {
	if cfg.RateLimit.Backend != "redis" {
		return ratelimit.NewLocalTokenBucketBackend()
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RateLimit.RedisAddr})
	primary := ratelimit.New(client)
	return ratelimit.NewFallbackBackend(primary)
}
