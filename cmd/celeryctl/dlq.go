package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kidoz/dotcelery/internal/broker"
	"github.com/kidoz/dotcelery/internal/message"
)

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and manage the dead-letter queue",
	}
	cmd.AddCommand(dlqListCmd(), dlqGetCmd(), dlqRequeueCmd(), dlqDeleteCmd(), dlqPurgeCmd())
	return cmd
}

func dlqListCmd() *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			h, closeH, err := buildDeadLetterHandler(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build dead letter handler: %w", err)
			}
			defer closeH()

			entries, err := h.List(ctx, offset, limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s\ttask=%s\treason=%s\tqueue=%s\ttime=%s\n", e.ID, e.TaskName, e.Reason, e.Queue, e.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
			}
			fmt.Printf("%d entries\n", len(entries))
			return nil
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "Pagination offset")
	cmd.Flags().IntVar(&limit, "limit", 50, "Max entries to return")
	return cmd
}

func dlqGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one dead-lettered entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			h, closeH, err := buildDeadLetterHandler(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build dead letter handler: %w", err)
			}
			defer closeH()

			entry, ok, err := h.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("%s: not found\n", args[0])
				return nil
			}
			fmt.Printf("id=%s task=%s queue=%s reason=%s\nexception: %s: %s\npayload: %s\n",
				entry.ID, entry.TaskName, entry.Queue, entry.Reason,
				entry.ExceptionType, entry.ExceptionMessage, string(entry.OriginalPayloadBytes))
			return nil
		},
	}
	return cmd
}

func dlqRequeueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Re-publish a dead-lettered entry's original payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			h, closeH, err := buildDeadLetterHandler(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build dead letter handler: %w", err)
			}
			defer closeH()

			entry, ok, err := h.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("dlq: entry %s not found", args[0])
			}

			b, closeBroker, err := buildBroker(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build broker: %w", err)
			}
			defer closeBroker()

			if err := h.Requeue(ctx, args[0], requeueFunc(b, entry.TaskName)); err != nil {
				return err
			}
			fmt.Printf("requeued %s\n", args[0])
			return nil
		},
	}
	return cmd
}

// requeueFunc adapts a broker.Broker into the raw-payload republish
// callback deadletter.Handler.Requeue expects. The callback only
// receives the queue and the original args bytes, so taskName comes
// from a Get call made before Requeue, matching the entry the caller
// is about to requeue.
func requeueFunc(b broker.Broker, taskName string) func(ctx context.Context, queue string, payload []byte) error {
	return func(ctx context.Context, queue string, payload []byte) error {
		msg := message.NewTaskMessage(taskName, queue, payload, "application/json")
		return b.Publish(ctx, msg)
	}
}

func dlqDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a dead-lettered entry without requeueing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			h, closeH, err := buildDeadLetterHandler(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build dead letter handler: %w", err)
			}
			defer closeH()

			if err := h.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
	return cmd
}

func dlqPurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every dead-lettered entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			h, closeH, err := buildDeadLetterHandler(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build dead letter handler: %w", err)
			}
			defer closeH()

			if err := h.Purge(ctx); err != nil {
				return err
			}
			fmt.Println("purged dead letter queue")
			return nil
		},
	}
	return cmd
}
