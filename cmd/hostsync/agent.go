package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"hostsync/config"
	"hostsync/internal/adapter/sqlite"
	"hostsync/internal/desired"
	"hostsync/internal/infra/docker"
	"hostsync/internal/reconcile"
	"hostsync/internal/status"
	"hostsync/internal/telemetry"
)

// agent bundles the collaborators one command needs. Close releases them in
// reverse order of creation.
type agent struct {
	cfg     *config.Config
	runtime *docker.Runtime
	engine  *reconcile.Engine
	journal *sqlite.Store
	client  *http.Client

	closers []func() error
}

// agentOptions selects the optional pieces a command wires in.
type agentOptions struct {
	withSource   bool
	withJournal  bool
	logReporting bool
	// waitForever keeps waiting for the daemon instead of giving up after
	// the runtime timeout.
	waitForever bool
}

func newAgent(ctx context.Context, cfg *config.Config, opts agentOptions) (a *agent, err error) {
	a = &agent{cfg: cfg, client: telemetry.HTTPClient(cfg.HTTPTimeout)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	rt, err := docker.NewRuntime(cfg.RuntimeTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to docker: %w", err)
	}
	a.runtime = rt
	a.closers = append(a.closers, rt.Close)
	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if !opts.waitForever {
		waitCtx, cancel = context.WithTimeout(ctx, cfg.RuntimeTimeout)
	}
	err = rt.WaitReady(waitCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("wait for docker: %w", err)
	}

	a.engine = &reconcile.Engine{
		Runtime:        rt,
		Credentials:    cfg,
		Ownership:      cfg.ReconcileOwnership(),
		LogPolicy:      cfg.ReconcileLogPolicy(),
		PruneImages:    cfg.PruneImages,
		SkipImageCheck: cfg.SkipImageCheck,
		Parallelism:    cfg.Parallelism,
	}
	if opts.withSource {
		src, err := a.source()
		if err != nil {
			return nil, err
		}
		a.engine.Source = src
		a.engine.Reporter = a.reporter(opts.logReporting)
	}

	if opts.withJournal && cfg.Journal.Path != "" {
		store, err := sqlite.Open(cfg.Journal.Path, cfg.Journal.Retention)
		if err != nil {
			return nil, err
		}
		a.journal = store
		a.closers = append(a.closers, store.Close)
	}
	return a, nil
}

func (a *agent) source() (reconcile.Source, error) {
	if a.cfg.Source.File != "" {
		return desired.NewFileSource(a.cfg.Source.File), nil
	}
	if a.cfg.Source.RemoteURL != "" {
		src := desired.NewRemoteSource(a.cfg.Source.RemoteURL, a.cfg.Source.DeviceID, a.client)
		src.Headers = a.cfg.Source.Headers
		return src, nil
	}
	return nil, errors.New("no desired state source configured")
}

func (a *agent) reporter(logReporting bool) reconcile.Reporter {
	var reporters status.Multi
	if a.cfg.ReportStatus {
		r := status.NewHTTPReporter(a.cfg.Source.RemoteURL, a.client)
		r.Headers = a.cfg.Source.Headers
		reporters = append(reporters, r)
	}
	if logReporting {
		reporters = append(reporters, status.LogReporter{})
	}
	switch len(reporters) {
	case 0:
		return nil
	case 1:
		return reporters[0]
	default:
		return reporters
	}
}

// observers returns the cycle observers this agent writes to.
func (a *agent) observers(extra ...reconcile.CycleObserver) []reconcile.CycleObserver {
	out := make([]reconcile.CycleObserver, 0, len(extra)+1)
	if a.journal != nil {
		out = append(out, a.journal)
	}
	return append(out, extra...)
}

func (a *agent) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		slog.Debug("closing agent resources failed", "err", err)
		return err
	}
	return nil
}
