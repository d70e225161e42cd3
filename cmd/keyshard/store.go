package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/torosent/keyshard/internal/output"
)

func newStoreCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect and maintain the aggregate results store",
	}
	cmd.AddCommand(newStoreShowCmd(a), newStoreBackupsCmd(a), newStorePruneCmd(a))
	return cmd
}

func newStoreShowCmd(a *app) *cobra.Command {
	var (
		depth  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the aggregate snapshot from disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			snap := st.Load(cmd.Context(), false)
			if strings.EqualFold(format, "json") {
				return output.PrintJSON(cmd.OutOrStdout(), snap)
			}
			output.PrintSnapshot(cmd.OutOrStdout(), snap, depth)
			return nil
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 3, "Levels of the model tree to print")
	cmd.Flags().StringVarP(&format, "output", "o", "text", "Output format: text or json")
	return cmd
}

func newStoreBackupsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List store backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			backups, err := st.Backups()
			if err != nil {
				return err
			}
			if len(backups) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No backups.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTAG\tSIZE\tPATH")
			for _, b := range backups {
				tag := b.Tag
				if tag == "" {
					tag = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", b.Time.Format(time.RFC3339), tag, b.Size, b.Path)
			}
			return tw.Flush()
		},
	}
}

func newStorePruneCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete backups past the retention window",
		Long:  "prune removes backups older than store.retention_days while always keeping the newest store.keep_backups.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			maxAge := time.Duration(a.cfg.Store.RetentionDays) * 24 * time.Hour
			removed, err := st.PruneBackups(maxAge, a.cfg.Store.KeepBackups)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d backup(s).\n", removed)
			return nil
		},
	}
}
