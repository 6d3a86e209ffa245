// Package reconcile converges the managed containers of one host onto a
// desired state. Every cycle re-derives the full delta from the runtime's
// labels; nothing is remembered between cycles.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hostsync/internal/desired"
	"hostsync/internal/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	stepFetch    = "fetch"
	stepObserve  = "observe"
	stepClassify = "classify"
	stepApply    = "apply"
	stepPrune    = "prune"
	stepReport   = "report"
)

var cycleSteps = []telemetry.Step{
	{ID: stepFetch, Title: "fetch desired state"},
	{ID: stepObserve, Title: "list managed containers"},
	{ID: stepClassify, Title: "probe images and classify"},
	{ID: stepApply, Title: "delete, create and recreate containers"},
	{ID: stepPrune, Title: "prune stopped containers and unused images"},
	{ID: stepReport, Title: "report container status"},
}

// Engine runs reconciliation cycles. Source and Runtime are required; a nil
// Reporter disables status reporting and a nil Credentials resolver makes any
// spec with credentials fail its creation.
type Engine struct {
	Source      Source
	Runtime     Runtime
	Reporter    Reporter
	Credentials CredentialResolver

	Ownership Ownership
	LogPolicy LogPolicy

	PruneImages    bool
	SkipImageCheck bool
	// Parallelism bounds concurrent actions within a batch. Values below 1
	// mean sequential.
	Parallelism int

	Tracer     trace.Tracer
	Now        func() time.Time
	NewCycleID func() string
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) cycleID() string {
	if e.NewCycleID != nil {
		return e.NewCycleID()
	}
	return uuid.NewString()
}

func (e *Engine) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return telemetry.Tracer()
}

func (e *Engine) owner() Ownership {
	return e.Ownership.normalized()
}

func (e *Engine) logPolicy() LogPolicy {
	if e.LogPolicy == (LogPolicy{}) {
		return DefaultLogPolicy()
	}
	return e.LogPolicy
}

func (e *Engine) parallelism() int {
	if e.Parallelism < 1 {
		return 1
	}
	return e.Parallelism
}

// Preview is the outcome of the read-only half of a cycle.
type Preview struct {
	Specs          []desired.ContainerSpec
	Running        []ObservedContainer
	Classification Classification
	ProbeFailures  []ProbeFailure
}

// Preview fetches, observes and classifies without changing any container.
// Image freshness is still probed (which pulls images) unless SkipImageCheck
// is set.
func (e *Engine) Preview(ctx context.Context) (Preview, error) {
	specs, err := e.fetch(ctx)
	if err != nil {
		return Preview{}, err
	}
	running, err := e.observe(ctx)
	if err != nil {
		return Preview{}, err
	}
	c, failures := e.classify(ctx, specs, running)
	return Preview{Specs: specs, Running: running, Classification: c, ProbeFailures: failures}, nil
}

// RunCycle performs one fetch, observe, classify, apply, prune, report pass.
// The returned error is non-nil only when the cycle could not get past fetch,
// observe or planning; per-container failures are in the report.
func (e *Engine) RunCycle(ctx context.Context) (report CycleReport, err error) {
	report = CycleReport{ID: e.cycleID(), StartedAt: e.now()}
	log := slog.With("component", "reconcile", "cycle", report.ID)

	op, opErr := telemetry.Start(ctx, e.tracer(), "reconcile.cycle", cycleSteps, attribute.String("cycle.id", report.ID))
	if opErr != nil {
		return report, opErr
	}
	ctx = op.Context()
	defer func() {
		report.FinishedAt = e.now()
		report.Fatal = err
		op.SetAttributes(
			attribute.Int("actions.total", len(report.Outcomes)),
			attribute.Int("actions.failed", len(report.Failed())),
		)
		op.End(err)
	}()

	var specs []desired.ContainerSpec
	if err = op.RunStep(ctx, stepFetch, func(ctx context.Context) error {
		var fetchErr error
		specs, fetchErr = e.fetch(ctx)
		return fetchErr
	}); err != nil {
		log.Error("fetching desired state failed", "err", err)
		return report, err
	}
	report.Desired = len(specs)

	var running []ObservedContainer
	if err = op.RunStep(ctx, stepObserve, func(ctx context.Context) error {
		var obsErr error
		running, obsErr = e.observe(ctx)
		return obsErr
	}); err != nil {
		log.Error("listing managed containers failed", "err", err)
		return report, err
	}
	report.Observed = len(running)

	var plan Plan
	if err = op.RunStep(ctx, stepClassify, func(ctx context.Context) error {
		report.Classification, report.ProbeFailures = e.classify(ctx, specs, running)
		var planErr error
		plan, planErr = BuildPlan(report.Classification, specs)
		return planErr
	}); err != nil {
		log.Error("planning failed", "err", err)
		return report, err
	}
	for _, f := range report.ProbeFailures {
		log.Warn("image freshness check failed", "id", f.ID, "image", f.Ref, "err", f.Err)
	}
	log.Debug("classified containers",
		"delete", report.Classification.ToDelete,
		"create", report.Classification.ToCreate,
		"update", report.Classification.ToUpdate,
	)

	_ = op.RunStep(ctx, stepApply, func(ctx context.Context) error {
		report.Outcomes = e.apply(ctx, plan)
		return errors.Join(outcomeErrors(report.Outcomes)...)
	})

	_ = op.RunStep(ctx, stepPrune, func(ctx context.Context) error {
		report.Prune = e.prune(ctx)
		return report.Prune.Err
	})

	if e.Reporter != nil {
		_ = op.RunStep(ctx, stepReport, func(ctx context.Context) error {
			report.Snapshot, report.ReportErr = e.reportSnapshot(ctx)
			return report.ReportErr
		})
	}

	if failed := report.Failed(); len(failed) > 0 {
		log.Warn("cycle finished with failures", "actions", len(report.Outcomes), "failed", len(failed))
	} else if len(report.Outcomes) > 0 {
		log.Info("cycle applied changes", "actions", len(report.Outcomes))
	}
	return report, nil
}

func (e *Engine) fetch(ctx context.Context) ([]desired.ContainerSpec, error) {
	specs, err := e.Source.Fetch(ctx)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	return specs, nil
}

func (e *Engine) observe(ctx context.Context) ([]ObservedContainer, error) {
	running, err := e.Runtime.ListControlled(ctx, e.owner())
	if err != nil {
		return nil, &ObserveError{Err: err}
	}
	return running, nil
}

func (e *Engine) classify(ctx context.Context, specs []desired.ContainerSpec, running []ObservedContainer) (Classification, []ProbeFailure) {
	var stale StaleSet
	var failures []ProbeFailure
	if !e.SkipImageCheck {
		candidates, loginFailures := e.authenticate(ctx, specs, FreshnessCandidates(specs, running))
		stale, failures = ImageProbe{Runtime: e.Runtime}.Probe(ctx, running, candidates)
		failures = append(loginFailures, failures...)
	}
	return Classify(specs, running, stale), failures
}

// authenticate logs in to the registries of private candidates so their image
// can be pulled for the freshness check. Each registry and username pair is
// logged in to once. A candidate whose login fails is dropped and reported.
func (e *Engine) authenticate(ctx context.Context, specs []desired.ContainerSpec, candidates []string) ([]string, []ProbeFailure) {
	byID := desired.Index(specs)
	type account struct{ registry, username string }
	done := make(map[account]error)

	kept := make([]string, 0, len(candidates))
	var failures []ProbeFailure
	for _, id := range candidates {
		spec, ok := byID[id]
		if !ok || spec.Credentials == nil {
			kept = append(kept, id)
			continue
		}
		key := account{spec.Credentials.Registry, spec.Credentials.Username}
		err, seen := done[key]
		if !seen {
			err = e.login(ctx, &spec)
			done[key] = err
		}
		if err != nil {
			failures = append(failures, ProbeFailure{ID: id, Ref: spec.Config.Image(), Err: err})
			continue
		}
		kept = append(kept, id)
	}
	return kept, failures
}

// apply runs deletions, then creations, then recreations. Each batch finishes
// before the next starts.
func (e *Engine) apply(ctx context.Context, plan Plan) []ActionOutcome {
	out := make([]ActionOutcome, 0, plan.Len())
	for _, batch := range [][]Action{plan.Deletes, plan.Creates, plan.Recreates} {
		out = append(out, e.applyBatch(ctx, batch)...)
	}
	return out
}

func (e *Engine) applyBatch(ctx context.Context, actions []Action) []ActionOutcome {
	outcomes := make([]ActionOutcome, len(actions))
	var g errgroup.Group
	g.SetLimit(e.parallelism())
	for i, a := range actions {
		g.Go(func() error {
			outcomes[i] = e.applyOne(ctx, a)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (e *Engine) applyOne(ctx context.Context, a Action) ActionOutcome {
	start := e.now()
	outcome := ActionOutcome{Kind: a.Kind, ID: a.ID}

	ctx, span := e.tracer().Start(ctx, "reconcile."+a.Kind.String(), trace.WithAttributes(
		attribute.String("container.id", a.ID),
	))
	defer span.End()

	switch a.Kind {
	case ActionDelete:
		outcome.Err = e.deleteContainer(ctx, a.ID)
	case ActionCreate:
		outcome.ContainerID, outcome.Err = e.createContainer(ctx, a.Spec)
	case ActionRecreate:
		if outcome.Err = e.deleteContainer(ctx, a.ID); outcome.Err == nil {
			outcome.ContainerID, outcome.Err = e.createContainer(ctx, a.Spec)
		}
	default:
		outcome.Err = fmt.Errorf("%w: unknown action %d for %q", ErrInvariantViolation, a.Kind, a.ID)
	}
	outcome.Duration = e.now().Sub(start)

	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		slog.Error("container action failed", "action", a.Kind.String(), "id", a.ID, "err", outcome.Err)
		e.emit(ctx, StatusEvent{ID: a.ID, Phase: PhaseError, Err: outcome.Err})
	}
	return outcome
}

// deleteContainer stops and removes every managed container labelled with id.
// Finding none is not an error.
func (e *Engine) deleteContainer(ctx context.Context, id string) error {
	found, err := e.Runtime.FindControlled(ctx, e.owner(), id)
	if err != nil {
		return &RuntimeError{ID: id, Op: "find", Err: err}
	}
	if len(found) == 0 {
		slog.Debug("container already gone", "id", id)
		return nil
	}
	for _, c := range found {
		slog.Debug("removing container", "id", id, "container", c.ContainerID, "state", c.State)
		if c.Status == StatusRunning {
			if err := e.Runtime.Stop(ctx, c.ContainerID); err != nil {
				return &RuntimeError{ID: id, Op: "stop", Err: err}
			}
		}
		if err := e.Runtime.Remove(ctx, c.ContainerID); err != nil {
			return &RuntimeError{ID: id, Op: "remove", Err: err}
		}
	}
	e.emit(ctx, StatusEvent{ID: id, Phase: PhaseRemoved})
	return nil
}

// createContainer logs in when the spec carries credentials, then creates and
// starts the container with the ownership labels and the log policy attached.
func (e *Engine) createContainer(ctx context.Context, spec *desired.ContainerSpec) (string, error) {
	e.emit(ctx, StatusEvent{ID: spec.ID, Phase: PhaseCreating})

	if spec.Credentials != nil {
		if err := e.login(ctx, spec); err != nil {
			return "", err
		}
	}

	req := RunRequest{
		ID:        spec.ID,
		Config:    spec.Config.WithoutCredentials(),
		Labels:    e.owner().Labels(spec.ID, spec.Version),
		LogPolicy: e.logPolicy(),
	}
	slog.Debug("creating container", "id", spec.ID, "version", spec.Version, "image", req.Config.Image())

	containerID, err := e.Runtime.Run(ctx, req)
	if err != nil {
		if errors.Is(err, ErrInvalidConfig) {
			return "", &ConfigError{ID: spec.ID, Err: err}
		}
		return "", &RuntimeError{ID: spec.ID, Op: "run", Err: err}
	}
	e.emit(ctx, StatusEvent{ID: spec.ID, Phase: PhaseCreated})
	return containerID, nil
}

func (e *Engine) login(ctx context.Context, spec *desired.ContainerSpec) error {
	creds := *spec.Credentials
	if err := creds.Validate(); err != nil {
		return &ConfigError{ID: spec.ID, Err: err}
	}
	if e.Credentials == nil {
		return &ConfigError{ID: spec.ID, Err: fmt.Errorf("no password configured for registry %s", creds.Registry)}
	}
	password, ok := e.Credentials.RegistryPassword(creds.Registry, creds.Username)
	if !ok {
		return &ConfigError{ID: spec.ID, Err: fmt.Errorf("no password configured for registry %s", creds.Registry)}
	}

	auth := RegistryAuth{Username: creds.Username, Password: password, Registry: creds.Registry}
	if err := e.Runtime.Login(ctx, auth); err != nil {
		return &RuntimeError{ID: spec.ID, Op: "login", Err: err}
	}
	return nil
}

// prune removes stopped containers and, when enabled, unused images. It runs
// whatever happened to individual containers earlier in the cycle.
func (e *Engine) prune(ctx context.Context) PruneResult {
	res := PruneResult{Ran: true}
	var errs []error

	pr, err := e.Runtime.PruneContainers(ctx)
	if err != nil {
		slog.Warn("pruning containers failed", "err", err)
		errs = append(errs, fmt.Errorf("prune containers: %w", err))
	} else {
		res.Containers = len(pr.Deleted)
		res.SpaceReclaimed += pr.SpaceReclaimed
	}

	if e.PruneImages {
		pr, err := e.Runtime.PruneImages(ctx)
		if err != nil {
			slog.Warn("pruning images failed", "err", err)
			errs = append(errs, fmt.Errorf("prune images: %w", err))
		} else {
			res.Images = len(pr.Deleted)
			res.SpaceReclaimed += pr.SpaceReclaimed
		}
	}

	res.Err = errors.Join(errs...)
	if res.Containers > 0 || res.Images > 0 {
		slog.Debug("pruned", "containers", res.Containers, "images", res.Images, "reclaimed", res.SpaceReclaimed)
	}
	return res
}

func (e *Engine) reportSnapshot(ctx context.Context) ([]ContainerReport, error) {
	running, err := e.Runtime.ListControlled(ctx, e.owner())
	if err != nil {
		slog.Warn("listing containers for status report failed", "err", err)
		return nil, fmt.Errorf("list containers for report: %w", err)
	}
	snapshot := Snapshot(running)
	if err := e.Reporter.ReportSnapshot(ctx, snapshot); err != nil {
		slog.Warn("status report failed", "err", err)
		return snapshot, fmt.Errorf("report status: %w", err)
	}
	return snapshot, nil
}

func (e *Engine) emit(ctx context.Context, ev StatusEvent) {
	if e.Reporter == nil {
		return
	}
	e.Reporter.ContainerEvent(ctx, ev)
}

// Snapshot converts observed containers to status report entries.
func Snapshot(running []ObservedContainer) []ContainerReport {
	out := make([]ContainerReport, 0, len(running))
	for _, c := range running {
		status := c.State
		if status == "" {
			status = c.Status.String()
		}
		out = append(out, ContainerReport{ID: c.ID, Status: status})
	}
	return out
}

func outcomeErrors(outcomes []ActionOutcome) []error {
	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}
