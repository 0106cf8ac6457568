package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/kidoz/dotcelery/internal/beat"
	"github.com/kidoz/dotcelery/internal/beat/memstore"
	"github.com/kidoz/dotcelery/internal/beat/yamlfile"
	"github.com/kidoz/dotcelery/internal/broker"
	"github.com/kidoz/dotcelery/internal/broker/memorybroker"
	"github.com/kidoz/dotcelery/internal/broker/redisbroker"
	"github.com/kidoz/dotcelery/internal/config"
	"github.com/kidoz/dotcelery/internal/logging"
)

func runCmd() *cobra.Command {
	var scheduleFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the beat scheduler (tick loop over cron/interval entries)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("schedule-file") {
				cfg.Beat.ScheduleFile = scheduleFile
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			ctx := context.Background()

			b, closeBroker, err := buildBroker(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build broker: %w", err)
			}
			defer closeBroker()

			store := memstore.New()
			if cfg.Beat.ScheduleFile != "" {
				specs, err := yamlfile.Load(cfg.Beat.ScheduleFile)
				if err != nil {
					return fmt.Errorf("load schedule file: %w", err)
				}
				for _, spec := range specs {
					store.Put(spec)
				}
				logging.Op().Info("loaded static schedule entries", "file", cfg.Beat.ScheduleFile, "count", len(specs))
			}

			scheduler := beat.New(b, store, beat.Config{
				CheckInterval:      cfg.Beat.CheckInterval,
				RunMissedOnStartup: cfg.Beat.RunMissedOnStartup,
				SchedulerName:      cfg.Beat.SchedulerName,
				DefaultQueue:       cfg.Beat.DefaultQueue,
			})

			if err := scheduler.Start(ctx); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}

			logging.Op().Info("celerybeat started",
				"scheduler_name", cfg.Beat.SchedulerName,
				"check_interval", cfg.Beat.CheckInterval,
				"broker", cfg.Broker.Kind)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			scheduler.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&scheduleFile, "schedule-file", "", "YAML file of static schedule entries")
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

// buildBroker constructs the broker driver named by cfg.Broker.Kind.
// Duplicated from celeryd rather than shared, matching the teacher's
// own cmd/* binaries each owning their flag/config wiring rather than
// reaching into a sibling command package.
func buildBroker(ctx context.Context, cfg *config.Config) (broker.Broker, func(), error) {
	switch cfg.Broker.Kind {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Broker.RedisAddr, DB: cfg.Broker.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect broker redis: %w", err)
		}
		// celerybeat only publishes due entries, never consumes, so the
		// wake-up notifier has no observer here; New falls back to a
		// no-op notifier when nil.
		b := redisbroker.New(client, cfg.Broker.VisibilityTimeout, nil)
		return b, func() { b.Close() }, nil
	default:
		b := memorybroker.New(cfg.Broker.VisibilityTimeout)
		return b, func() { b.Close() }, nil
	}
}
