package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kidoz/dotcelery/internal/message"
)

func resultCmd() *cobra.Command {
	var (
		wait       bool
		timeout    time.Duration
		remoteAddr string
	)

	cmd := &cobra.Command{
		Use:   "result <task-id>",
		Short: "Fetch (or wait for) a task's stored result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			if remoteAddr != "" {
				client, err := remoteClient(remoteAddr)
				if err != nil {
					return err
				}
				defer client.Close()
				res, err := client.GetResult(ctx, taskID)
				if err != nil {
					return err
				}
				return printResult(taskID, res)
			}

			results, closeResults, err := buildResultBackend(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build result backend: %w", err)
			}
			defer closeResults()

			if wait {
				res, err := results.WaitForResult(ctx, taskID, timeout)
				if err != nil {
					return err
				}
				return printResult(taskID, res)
			}

			res, err := results.GetResult(ctx, taskID)
			if err != nil {
				return err
			}
			return printResult(taskID, res)
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Block until a result is stored")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Max time to wait (0 means wait forever, bounded by --remote's own deadline)")
	cmd.Flags().StringVar(&remoteAddr, "remote", "", "Query a transport gRPC server instead of the local result backend")

	return cmd
}

func printResult(taskID string, res *message.TaskResult) error {
	if res == nil {
		fmt.Printf("%s: no result yet\n", taskID)
		return nil
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
