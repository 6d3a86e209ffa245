package main

import (
	"fmt"
	"io"

	"hostsync/cmd/hostsync/ui"
	"hostsync/internal/reconcile"

	"github.com/spf13/cobra"
)

func onceCmd(opts *globalOptions) *cobra.Command {
	var src sourceFlags
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single reconciliation cycle and print what it did",
		Long:  "Run a single reconciliation cycle. Exits non-zero when the cycle or any container action failed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			src.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newAgent(ctx, cfg, agentOptions{withSource: true, withJournal: true, logReporting: true})
			if err != nil {
				return err
			}
			defer a.Close()

			l := &reconcile.Loop{Engine: a.engine, Observers: a.observers()}
			report := l.RunOnce(ctx)
			printReport(cmd.OutOrStdout(), report)
			return report.Err()
		},
	}
	src.register(cmd.Flags())
	return cmd
}

func printReport(w io.Writer, r reconcile.CycleReport) {
	fmt.Fprint(w, ui.KeyValues("",
		ui.KV("cycle", r.ID),
		ui.KV("duration", ui.Duration(r.Duration())),
		ui.KV("desired", fmt.Sprint(r.Desired)),
		ui.KV("observed", fmt.Sprint(r.Observed)),
	))

	if len(r.Outcomes) > 0 {
		rows := make([][]string, 0, len(r.Outcomes))
		for _, o := range r.Outcomes {
			result := ui.Success("ok")
			if o.Failed() {
				result = ui.Error(o.Err.Error())
			}
			rows = append(rows, []string{ui.Action(o.Kind.String()), o.ID, ui.Dash(shortID(o.ContainerID)), ui.Duration(o.Duration), result})
		}
		fmt.Fprintln(w, ui.Table([]string{"ACTION", "ID", "CONTAINER", "TOOK", "RESULT"}, rows))
	}

	for _, f := range r.ProbeFailures {
		fmt.Fprintln(w, ui.WarnMsg("image check for %s (%s) failed: %v", f.ID, f.Ref, f.Err))
	}
	if r.Prune.Err != nil {
		fmt.Fprintln(w, ui.WarnMsg("prune failed: %v", r.Prune.Err))
	} else if r.Prune.Containers > 0 || r.Prune.Images > 0 {
		fmt.Fprintln(w, ui.InfoMsg("pruned %d containers and %d images", r.Prune.Containers, r.Prune.Images))
	}
	if r.ReportErr != nil {
		fmt.Fprintln(w, ui.WarnMsg("status report failed: %v", r.ReportErr))
	}

	switch failed := len(r.Failed()); {
	case r.Fatal != nil:
		fmt.Fprintln(w, ui.ErrorMsg("cycle aborted: %v", r.Fatal))
	case failed > 0:
		fmt.Fprintln(w, ui.ErrorMsg("%d of %d actions failed", failed, len(r.Outcomes)))
	case len(r.Outcomes) == 0:
		fmt.Fprintln(w, ui.SuccessMsg("already converged"))
	default:
		fmt.Fprintln(w, ui.SuccessMsg("converged with %d actions", len(r.Outcomes)))
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
