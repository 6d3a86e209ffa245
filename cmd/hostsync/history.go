package main

import (
	"errors"
	"fmt"
	"io"

	"hostsync/cmd/hostsync/ui"
	"hostsync/internal/adapter/sqlite"

	"github.com/spf13/cobra"
)

func historyCmd(opts *globalOptions) *cobra.Command {
	var (
		journal string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent cycles from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.cfg.Journal.Path
			if cmd.Flags().Changed("journal") {
				path = journal
			}
			if path == "" {
				return errors.New("no journal configured: pass --journal or set journal.path")
			}

			store, err := sqlite.Open(path, opts.cfg.Journal.Retention)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&journal, "journal", "", "Journal database path")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of cycles to show")
	return cmd
}

func printHistory(w io.Writer, entries []sqlite.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, ui.InfoMsg("journal is empty"))
		return
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		result := ui.Success("ok")
		switch {
		case e.Fatal != "":
			result = ui.Error(e.Fatal)
		case e.Failed > 0:
			result = ui.Warn(fmt.Sprintf("%d failed", e.Failed))
		}
		rows = append(rows, []string{
			e.StartedAt.Local().Format("2006-01-02 15:04:05"),
			e.CycleID,
			ui.Duration(e.Duration),
			fmt.Sprintf("%d/%d", e.Observed, e.Desired),
			fmt.Sprintf("-%d +%d ~%d", e.Deleted, e.Created, e.Recreated),
			result,
		})
	}
	fmt.Fprintln(w, ui.Table([]string{"STARTED", "CYCLE", "TOOK", "OBSERVED/DESIRED", "CHANGES", "RESULT"}, rows))
}
