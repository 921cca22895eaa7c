package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/workdesk/internal/archive"
	"github.com/zulandar/workdesk/internal/repo"
)

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive maintenance commands",
	}

	cmd.AddCommand(newArchiveSweepCmd())
	return cmd
}

func newArchiveSweepCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Unpost closed items older than a cutoff",
		Long: `Unposts every closed task and complaint approved or resolved before the
cutoff. Defaults to archive.after_days from the config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := openDB(configPath)
			if err != nil {
				return err
			}
			if olderThan == 0 {
				olderThan = time.Duration(cfg.Archive.AfterDays) * 24 * time.Hour
			}
			n, err := archive.New(repo.New(gormDB), nil, nil).Sweep(context.Background(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unposted %d closed item(s) older than %s\n", n, olderThan)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "cutoff age (e.g. 720h); default archive.after_days")
	return cmd
}
