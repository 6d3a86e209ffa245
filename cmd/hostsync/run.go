package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"hostsync/internal/desired"
	"hostsync/internal/metrics"
	"hostsync/internal/reconcile"
	"hostsync/internal/telemetry"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func runCmd(opts *globalOptions) *cobra.Command {
	var (
		src  sourceFlags
		loop loopFlags
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile containers in a loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			src.apply(cmd, cfg)
			loop.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.Setup(ctx, cfg.OTLPEndpoint)
			if err != nil {
				return err
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				if err := shutdownTracing(flushCtx); err != nil {
					slog.Warn("flushing traces failed", "err", err)
				}
			}()

			a, err := newAgent(ctx, cfg, agentOptions{withSource: true, withJournal: true, waitForever: true})
			if err != nil {
				return err
			}
			defer a.Close()

			l := &reconcile.Loop{Engine: a.engine, Interval: cfg.Interval}
			var recorder *metrics.Recorder
			if cfg.MetricsAddr != "" {
				recorder = metrics.NewRecorder()
				l.Observers = a.observers(recorder)
			} else {
				l.Observers = a.observers()
			}
			if cfg.Source.Watch {
				trigger, err := desired.Watch(ctx, cfg.Source.File, 0)
				if err != nil {
					return err
				}
				l.Trigger = trigger
			}

			slog.Info("starting hostsync", "source", fmt.Sprint(a.engine.Source), "interval", cfg.Interval,
				"parallelism", cfg.Parallelism, "report_status", cfg.ReportStatus)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := l.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			if recorder != nil {
				g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, recorder) })
			}
			return g.Wait()
		},
	}
	src.register(cmd.Flags())
	loop.register(cmd.Flags())
	return cmd
}

// serveMetrics serves /metrics and /healthz until ctx is done.
func serveMetrics(ctx context.Context, addr string, recorder *metrics.Recorder) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("serving metrics", "addr", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shut down metrics server: %w", err)
		}
		return nil
	}
}
