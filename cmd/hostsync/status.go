package main

import (
	"fmt"
	"io"
	"sort"

	"hostsync/cmd/hostsync/ui"
	"hostsync/internal/reconcile"

	"github.com/spf13/cobra"
)

func statusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List the containers hostsync manages on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			a, err := newAgent(cmd.Context(), cfg, agentOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			containers, err := a.runtime.ListControlled(cmd.Context(), cfg.ReconcileOwnership())
			if err != nil {
				return err
			}
			printContainers(cmd.OutOrStdout(), containers)
			return nil
		},
	}
}

func printContainers(w io.Writer, containers []reconcile.ObservedContainer) {
	if len(containers) == 0 {
		fmt.Fprintln(w, ui.InfoMsg("no managed containers"))
		return
	}
	sorted := append([]reconcile.ObservedContainer(nil), containers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	rows := make([][]string, 0, len(sorted))
	for _, c := range sorted {
		rows = append(rows, []string{c.ID, c.Version, ui.State(c.State), ui.Dash(c.Name), ui.Dash(c.Image), shortID(c.ContainerID)})
	}
	fmt.Fprintln(w, ui.Table([]string{"ID", "VERSION", "STATE", "NAME", "IMAGE", "CONTAINER"}, rows))
}
