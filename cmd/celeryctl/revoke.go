package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kidoz/dotcelery/internal/message"
	"github.com/kidoz/dotcelery/internal/queue"
)

func revokeCmd() *cobra.Command {
	var (
		terminate  bool
		expiry     time.Duration
		remoteAddr string
	)

	cmd := &cobra.Command{
		Use:   "revoke <task-id>",
		Short: "Mark a task id revoked so it is rejected on dispatch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()

			if remoteAddr != "" {
				client, err := remoteClient(remoteAddr)
				if err != nil {
					return err
				}
				defer client.Close()
				if err := client.Revoke(ctx, taskID, terminate); err != nil {
					return err
				}
				fmt.Printf("revoked %s via %s (terminate=%v)\n", taskID, remoteAddr, terminate)
				return nil
			}

			store, closeStore, err := buildRevocationStore(cfg)
			if err != nil {
				return fmt.Errorf("build revocation store: %w", err)
			}
			defer closeStore()

			signal := message.SignalGraceful
			if terminate {
				signal = message.SignalImmediate
			}
			if err := store.Revoke(ctx, taskID, terminate, expiry, signal); err != nil {
				return err
			}

			notifier, closeNotifier := buildRevocationNotifier(cfg)
			defer closeNotifier()
			if err := notifier.Notify(ctx, queue.QueueRevocation); err != nil {
				fmt.Printf("warning: revocation notify failed, nodes will still see it on their next poll: %v\n", err)
			}

			fmt.Printf("revoked %s (terminate=%v)\n", taskID, terminate)
			return nil
		},
	}

	cmd.Flags().BoolVar(&terminate, "terminate", false, "Inject an immediate cancellation signal into an in-flight dispatch")
	cmd.Flags().DurationVar(&expiry, "expiry", 24*time.Hour, "How long the revocation record remains in effect")
	cmd.Flags().StringVar(&remoteAddr, "remote", "", "Revoke via a transport gRPC server instead of the local revocation store")

	return cmd
}
