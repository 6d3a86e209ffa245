package main

import (
	"fmt"
	"io"

	"hostsync/cmd/hostsync/ui"
	"hostsync/internal/desired"
	"hostsync/internal/reconcile"

	"github.com/spf13/cobra"
)

func planCmd(opts *globalOptions) *cobra.Command {
	var src sourceFlags
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what the next cycle would change without applying it",
		Long: "Fetch the desired state, list managed containers and classify them. " +
			"Images are still pulled to detect updates unless --skip-image-check is set.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			src.apply(cmd, cfg)
			// Status reporting never applies to a preview.
			cfg.ReportStatus = false
			if err := cfg.Validate(); err != nil {
				return err
			}

			a, err := newAgent(cmd.Context(), cfg, agentOptions{withSource: true})
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.engine.Preview(cmd.Context())
			if err != nil {
				return err
			}
			printPreview(cmd.OutOrStdout(), p)
			return nil
		},
	}
	src.register(cmd.Flags())
	return cmd
}

func printPreview(w io.Writer, p reconcile.Preview) {
	specs := desired.Index(p.Specs)
	running := make(map[string]reconcile.ObservedContainer, len(p.Running))
	for _, c := range p.Running {
		running[c.ID] = c
	}

	var rows [][]string
	for _, id := range p.Classification.ToDelete {
		rows = append(rows, []string{ui.Action("delete"), id, running[id].Version, ui.Muted("-"), "not desired"})
	}
	for _, id := range p.Classification.ToCreate {
		rows = append(rows, []string{ui.Action("create"), id, ui.Muted("-"), specs[id].Version, specs[id].Config.Image()})
	}
	for _, id := range p.Classification.ToUpdate {
		reason := "version changed"
		if running[id].Version == specs[id].Version {
			reason = "newer image"
		}
		rows = append(rows, []string{ui.Action("recreate"), id, running[id].Version, specs[id].Version, reason})
	}

	for _, f := range p.ProbeFailures {
		fmt.Fprintln(w, ui.WarnMsg("image check for %s (%s) failed: %v", f.ID, f.Ref, f.Err))
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, ui.SuccessMsg("no changes: %d desired, %d running", len(p.Specs), len(p.Running)))
		return
	}
	fmt.Fprintln(w, ui.Table([]string{"ACTION", "ID", "CURRENT", "DESIRED", "DETAIL"}, rows))
	fmt.Fprintln(w, ui.InfoMsg("%d to delete, %d to create, %d to recreate",
		len(p.Classification.ToDelete), len(p.Classification.ToCreate), len(p.Classification.ToUpdate)))
}
