package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/core/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the gateway database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		database, err := db.Open(cmd.Context(), cfg.Server.DBURL)
		if err != nil {
			return err
		}
		defer database.Close()

		applied, err := db.MigrateUp(cmd.Context(), database, logger)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		}
		for _, id := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", id)
		}
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		database, err := db.Open(cmd.Context(), cfg.Server.DBURL)
		if err != nil {
			return err
		}
		defer database.Close()

		statuses, err := db.MigrateStatus(cmd.Context(), database)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "MIGRATION\tSTATUS\tAPPLIED AT\tDURATION")
		for _, s := range statuses {
			if !s.Applied {
				fmt.Fprintf(tw, "%s\tpending\t-\t-\n", s.Version)
				continue
			}
			at := "-"
			if s.AppliedAt != nil {
				at = s.AppliedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\tapplied\t%s\t%s\n", s.Version, at, s.Duration)
		}
		return tw.Flush()
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}
