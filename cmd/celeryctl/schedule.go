package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kidoz/dotcelery/internal/beat"
	"github.com/kidoz/dotcelery/internal/beat/yamlfile"
)

// loadOrEmpty is like yamlfile.Load but treats a missing file as an
// empty schedule, so "schedule add" can create a file from scratch.
func loadOrEmpty(path string) ([]beat.EntrySpec, error) {
	specs, err := yamlfile.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return specs, nil
}

// scheduleCmd manages the YAML schedule file celerybeat loads on
// startup (cfg.Beat.ScheduleFile). There is no running-process RPC for
// schedule mutation, so these subcommands edit the file directly; a
// celerybeat process must be restarted (or watch the file, once that
// exists) to pick up the change.
func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage the static schedule file celerybeat loads on startup",
	}
	cmd.AddCommand(scheduleListCmd(), scheduleAddCmd(), scheduleRemoveCmd())
	return cmd
}

func scheduleFileFlag(cmd *cobra.Command, file *string) {
	cmd.Flags().StringVar(file, "file", "", "Schedule YAML file (defaults to the config's beat.schedule_file)")
}

func scheduleListCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entries in the schedule file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolvedScheduleFile(file)
			if err != nil {
				return err
			}
			specs, err := yamlfile.Load(path)
			if err != nil {
				return err
			}
			for _, s := range specs {
				timing := s.CronExpr
				if timing == "" {
					timing = s.Interval.String()
				}
				fmt.Printf("%s\ttask=%s\tqueue=%s\tschedule=%s\tenabled=%v\n", s.Name, s.TaskName, s.Queue, timing, s.Enabled)
			}
			fmt.Printf("%d entries in %s\n", len(specs), path)
			return nil
		},
	}
	scheduleFileFlag(cmd, &file)
	return cmd
}

func scheduleAddCmd() *cobra.Command {
	var (
		file     string
		task     string
		queue    string
		cronExpr string
		interval time.Duration
		priority int
		enabled  bool
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or replace an entry in the schedule file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolvedScheduleFile(file)
			if err != nil {
				return err
			}
			specs, err := loadOrEmpty(path)
			if err != nil {
				return err
			}
			if task == "" {
				return fmt.Errorf("--task is required")
			}
			if cronExpr == "" && interval <= 0 {
				return fmt.Errorf("either --cron or --interval is required")
			}

			newSpec := beat.EntrySpec{
				Name:     args[0],
				TaskName: task,
				Queue:    queue,
				Priority: priority,
				CronExpr: cronExpr,
				Interval: interval,
				Enabled:  enabled,
			}

			replaced := false
			for i, s := range specs {
				if s.Name == newSpec.Name {
					specs[i] = newSpec
					replaced = true
					break
				}
			}
			if !replaced {
				specs = append(specs, newSpec)
			}

			if err := yamlfile.Dump(path, specs); err != nil {
				return err
			}
			fmt.Printf("wrote %s to %s\n", newSpec.Name, path)
			return nil
		},
	}
	scheduleFileFlag(cmd, &file)
	cmd.Flags().StringVar(&task, "task", "", "Task name to invoke")
	cmd.Flags().StringVar(&queue, "queue", "default", "Queue to publish onto")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression (mutually exclusive with --interval)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Fixed interval (mutually exclusive with --cron)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Message priority")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "Whether the entry is active")
	return cmd
}

func scheduleRemoveCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove an entry from the schedule file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolvedScheduleFile(file)
			if err != nil {
				return err
			}
			specs, err := yamlfile.Load(path)
			if err != nil {
				return err
			}
			out := specs[:0]
			found := false
			for _, s := range specs {
				if s.Name == args[0] {
					found = true
					continue
				}
				out = append(out, s)
			}
			if !found {
				return fmt.Errorf("schedule: entry %q not found in %s", args[0], path)
			}
			if err := yamlfile.Dump(path, out); err != nil {
				return err
			}
			fmt.Printf("removed %s from %s\n", args[0], path)
			return nil
		},
	}
	scheduleFileFlag(cmd, &file)
	return cmd
}

func resolvedScheduleFile(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Beat.ScheduleFile == "" {
		return "", fmt.Errorf("schedule: no --file given and beat.schedule_file is not configured")
	}
	return cfg.Beat.ScheduleFile, nil
}
