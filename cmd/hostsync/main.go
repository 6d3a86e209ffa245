package main

import (
	"fmt"
	"os"

	"hostsync/cmd/hostsync/ui"
	"hostsync/config"
	"hostsync/internal/buildinfo"
	"hostsync/internal/logging"

	"github.com/spf13/cobra"
)

const annotationNoConfig = "hostsync/no-config"

// globalOptions are the persistent flags plus the config they resolve to.
type globalOptions struct {
	configPath    string
	debug         bool
	logFormat     string
	noInteraction bool

	cfg *config.Config
}

func main() {
	if err := logging.Configure(logging.LevelWarn, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "hostsync",
		Short:         "Converge the containers on this host onto a desired state",
		Version:       buildinfo.String(),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.ConfigureInteraction(opts.noInteraction)
			if cmd.Annotations[annotationNoConfig] == "true" {
				return nil
			}

			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.debug {
				cfg.Log.Level = logging.LevelDebug
			}
			if opts.logFormat != "" {
				cfg.Log.Format = opts.logFormat
			}
			if err := logging.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default "+config.Path()+")")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format: text or json")
	root.PersistentFlags().BoolVar(&opts.noInteraction, "no-interaction", false, "Disable colours and terminal styling")

	root.AddCommand(
		runCmd(opts),
		onceCmd(opts),
		planCmd(opts),
		statusCmd(opts),
		historyCmd(opts),
		versionCmd(),
	)
	return root
}
