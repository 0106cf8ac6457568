package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kidoz/dotcelery/internal/message"
)

func publishCmd() *cobra.Command {
	var (
		queue      string
		args       string
		contentTyp string
		priority   int
		etaIn      time.Duration
		expiresIn  time.Duration
		maxRetries int
		remoteAddr string
	)

	cmd := &cobra.Command{
		Use:   "publish <task>",
		Short: "Publish a task message onto a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-retries") {
				maxRetries = cfg.Resilience.DefaultMaxRetries
			}

			msg := message.NewTaskMessage(cmdArgs[0], queue, []byte(args), contentTyp)
			msg.Priority = priority
			msg.MaxRetries = maxRetries
			now := time.Now()
			if etaIn > 0 {
				eta := now.Add(etaIn)
				msg.ETA = &eta
			}
			if expiresIn > 0 {
				expires := now.Add(expiresIn)
				msg.Expires = &expires
			}
			if err := msg.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			if remoteAddr != "" {
				client, err := remoteClient(remoteAddr)
				if err != nil {
					return err
				}
				defer client.Close()
				if err := client.Dispatch(ctx, msg); err != nil {
					return err
				}
				fmt.Printf("published %s (task=%s queue=%s) via %s\n", msg.ID, msg.Task, msg.Queue, remoteAddr)
				return nil
			}

			if msg.ETA != nil {
				store, closeStore, err := buildDelayedStore(ctx, cfg)
				if err != nil {
					return fmt.Errorf("build delayed store: %w", err)
				}
				defer closeStore()
				if err := store.Add(ctx, msg, *msg.ETA); err != nil {
					return err
				}
				fmt.Printf("scheduled %s (task=%s queue=%s) for %s\n", msg.ID, msg.Task, msg.Queue, msg.ETA.Format(time.RFC3339))
				return nil
			}

			b, closeBroker, err := buildBroker(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build broker: %w", err)
			}
			defer closeBroker()

			if err := b.Publish(ctx, msg); err != nil {
				return err
			}
			fmt.Printf("published %s (task=%s queue=%s)\n", msg.ID, msg.Task, msg.Queue)
			return nil
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "default", "Queue to publish onto")
	cmd.Flags().StringVarP(&args, "args", "a", "{}", "JSON args payload")
	cmd.Flags().StringVar(&contentTyp, "content-type", "application/json", "Content type of --args")
	cmd.Flags().IntVar(&priority, "priority", 0, "Message priority")
	cmd.Flags().DurationVar(&etaIn, "eta", 0, "Delay delivery by this duration")
	cmd.Flags().DurationVar(&expiresIn, "expires", 0, "Expire the message this long after now")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Override the default max retry count")
	cmd.Flags().StringVar(&remoteAddr, "remote", "", "Dispatch via a transport gRPC server instead of the local broker")

	return cmd
}
