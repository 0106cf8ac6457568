package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "celeryd",
		Short: "dotcelery worker daemon",
		Long:  "Runs the consume loop, execution pipeline, and delayed-message promoter over a configured broker/backend pair",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to JSON config file (optional, env and flags override)")
	rootCmd.AddCommand(workerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
