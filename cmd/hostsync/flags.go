package main

import (
	"time"

	"hostsync/config"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// sourceFlags override the desired state and engine settings of the config
// file. Only flags the user actually set take effect.
type sourceFlags struct {
	file           string
	remoteURL      string
	deviceID       string
	pruneImages    bool
	reportStatus   bool
	parallelism    int
	skipImageCheck bool
	journal        string
}

func (f *sourceFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.file, "file", "", "Read the desired state from a local JSON or YAML file")
	fs.StringVar(&f.remoteURL, "remote-url", "", "Fetch the desired state from <url>/services/<device-id>")
	fs.StringVar(&f.deviceID, "device-id", "", "Device id used with --remote-url")
	fs.BoolVar(&f.pruneImages, "prune-images", false, "Also prune images no container uses")
	fs.BoolVar(&f.reportStatus, "report-status", false, "Report container status to the remote api")
	fs.IntVar(&f.parallelism, "parallelism", 1, "Concurrent container actions per batch")
	fs.BoolVar(&f.skipImageCheck, "skip-image-check", false, "Do not pull to detect updated images")
	fs.StringVar(&f.journal, "journal", "", "Record each cycle in a SQLite journal at this path")
}

func (f *sourceFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("file") {
		cfg.Source.File = f.file
		cfg.Source.RemoteURL = ""
	}
	if changed("remote-url") {
		cfg.Source.RemoteURL = f.remoteURL
		cfg.Source.File = ""
	}
	if changed("device-id") {
		cfg.Source.DeviceID = f.deviceID
	}
	if changed("prune-images") {
		cfg.PruneImages = f.pruneImages
	}
	if changed("report-status") {
		cfg.ReportStatus = f.reportStatus
	}
	if changed("parallelism") {
		cfg.Parallelism = f.parallelism
	}
	if changed("skip-image-check") {
		cfg.SkipImageCheck = f.skipImageCheck
	}
	if changed("journal") {
		cfg.Journal.Path = f.journal
	}
}

// loopFlags only apply to the long-running agent.
type loopFlags struct {
	interval     time.Duration
	watch        bool
	metricsAddr  string
	otlpEndpoint string
}

func (f *loopFlags) register(fs *pflag.FlagSet) {
	fs.DurationVar(&f.interval, "interval", 5*time.Second, "Pause between cycles")
	fs.BoolVar(&f.watch, "watch", false, "Start a cycle as soon as the --file source changes")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9464")
	fs.StringVar(&f.otlpEndpoint, "otlp-endpoint", "", "Export traces to this OTLP/HTTP endpoint")
}

func (f *loopFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("interval") {
		cfg.Interval = f.interval
	}
	if changed("watch") {
		cfg.Source.Watch = f.watch
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if changed("otlp-endpoint") {
		cfg.OTLPEndpoint = f.otlpEndpoint
	}
}
