package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "celeryctl",
		Short: "dotcelery admin and producer CLI",
		Long:  "Publishes tasks, inspects results, revokes in-flight work, and manages the dead-letter queue and schedule",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to JSON config file (optional, env overrides)")
	rootCmd.AddCommand(
		publishCmd(),
		resultCmd(),
		revokeCmd(),
		dlqCmd(),
		scheduleCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
