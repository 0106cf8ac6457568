package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "celerybeat",
		Short: "dotcelery periodic scheduler",
		Long:  "Runs the beat tick loop, publishing due cron/interval entries onto the configured broker",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to JSON config file (optional, env and flags override)")
	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
