package reconcile_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hostsync/internal/adapter/fake"
	"hostsync/internal/desired"
	"hostsync/internal/reconcile"

	"github.com/google/go-cmp/cmp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func containerSpec(id, version, image string) desired.ContainerSpec {
	return desired.ContainerSpec{
		ID:      id,
		Version: version,
		Config:  desired.RuntimeConfig{"image": image, "name": id},
	}
}

type harness struct {
	source   *fake.Source
	runtime  *fake.Runtime
	reporter *fake.Reporter
	engine   *reconcile.Engine
}

func newHarness(specs ...desired.ContainerSpec) *harness {
	h := &harness{
		source:   fake.NewSource(specs...),
		runtime:  fake.NewRuntime(),
		reporter: &fake.Reporter{},
	}
	h.engine = &reconcile.Engine{
		Source:     h.source,
		Runtime:    h.runtime,
		Reporter:   h.reporter,
		Now:        fake.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)).Ticking(time.Millisecond).Now,
		NewCycleID: func() string { return "cycle-1" },
	}
	return h
}

func (h *harness) run(t *testing.T) reconcile.CycleReport {
	t.Helper()
	report, err := h.engine.RunCycle(t.Context())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	return report
}

func (h *harness) managed(t *testing.T) map[string]string {
	t.Helper()
	running, err := h.runtime.ListControlled(t.Context(), reconcile.DefaultOwnership())
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]string, len(running))
	for _, c := range running {
		out[c.ID] = c.Version
	}
	return out
}

func TestEngine_ConvergesEmptyHost(t *testing.T) {
	h := newHarness(containerSpec("web", "1", "nginx:1.27"), containerSpec("db", "3", "postgres:16"))

	report := h.run(t)

	if err := report.Err(); err != nil {
		t.Fatalf("report.Err() = %v", err)
	}
	if diff := cmp.Diff(map[string]string{"web": "1", "db": "3"}, h.managed(t)); diff != "" {
		t.Errorf("managed containers (-want +got):\n%s", diff)
	}
	if got := report.Count(reconcile.ActionCreate); got != 2 {
		t.Errorf("creates = %d, want 2", got)
	}
	if report.ID != "cycle-1" || report.Duration() <= 0 {
		t.Errorf("report id/duration = %q/%v", report.ID, report.Duration())
	}

	for _, req := range h.runtime.RunRequests() {
		if req.LogPolicy != reconcile.DefaultLogPolicy() {
			t.Errorf("%s: log policy = %+v, want default", req.ID, req.LogPolicy)
		}
		if req.Labels[reconcile.DefaultIDLabel] != req.ID {
			t.Errorf("%s: id label = %q", req.ID, req.Labels[reconcile.DefaultIDLabel])
		}
	}

	want := []reconcile.StatusPhase{reconcile.PhaseCreating, reconcile.PhaseCreated}
	if diff := cmp.Diff(want, h.reporter.PhasesFor("web")); diff != "" {
		t.Errorf("web phases (-want +got):\n%s", diff)
	}

	second := h.run(t)
	if len(second.Outcomes) != 0 || !second.Classification.Empty() {
		t.Errorf("second cycle = %+v, want no actions", second.Classification)
	}
}

func TestEngine_DeletesUndesiredAndLeavesUnmanaged(t *testing.T) {
	h := newHarness()
	unmanaged := h.runtime.AddContainer(fake.Container{Image: "postgres:16"})
	h.runtime.AddManaged("old", "1", "old:1", "sha256:old")

	report := h.run(t)

	if got := report.Count(reconcile.ActionDelete); got != 1 {
		t.Fatalf("deletes = %d, want 1", got)
	}
	if len(h.managed(t)) != 0 {
		t.Errorf("managed containers left: %v", h.managed(t))
	}
	if diff := cmp.Diff([]string{"FindControlled", "Stop", "Remove"}, methodsFor(h.runtime, "FindControlled", "Stop", "Remove")); diff != "" {
		t.Errorf("delete sequence (-want +got):\n%s", diff)
	}
	for _, c := range h.runtime.Calls("Stop") {
		if c.Args[0] == unmanaged {
			t.Error("unmanaged container was stopped")
		}
	}
	if cs := h.runtime.Containers(); len(cs) != 1 || cs[0].ContainerID != unmanaged {
		t.Errorf("containers = %+v, want only the unmanaged one", cs)
	}
	if diff := cmp.Diff([]reconcile.StatusPhase{reconcile.PhaseRemoved}, h.reporter.PhasesFor("old")); diff != "" {
		t.Errorf("old phases (-want +got):\n%s", diff)
	}
}

func TestEngine_DeleteRemovesEveryDuplicate(t *testing.T) {
	h := newHarness()
	h.runtime.AddManaged("dup", "1", "a:1", "sha256:a")
	h.runtime.AddManaged("dup", "2", "a:2", "sha256:b")

	report := h.run(t)

	if err := report.Err(); err != nil {
		t.Fatal(err)
	}
	if n := len(h.runtime.Calls("Remove")); n != 2 {
		t.Errorf("Remove called %d times, want 2", n)
	}
}

func TestEngine_StoppedContainerIsRemovedWithoutStop(t *testing.T) {
	h := newHarness()
	h.runtime.AddContainer(fake.Container{Image: "x:1", State: "exited", Labels: reconcile.DefaultOwnership().Labels("x", "1")})

	h.run(t)

	if n := len(h.runtime.Calls("Stop")); n != 0 {
		t.Errorf("Stop called %d times for an exited container", n)
	}
	if n := len(h.runtime.Calls("Remove")); n != 1 {
		t.Errorf("Remove called %d times, want 1", n)
	}
}

func TestEngine_VersionChangeRecreates(t *testing.T) {
	h := newHarness(containerSpec("web", "2", "nginx:1.28"))
	h.runtime.AddContainer(fake.Container{Name: "web", Image: "nginx:1.27", Labels: reconcile.DefaultOwnership().Labels("web", "1")})

	report := h.run(t)

	if got := report.Count(reconcile.ActionRecreate); got != 1 {
		t.Fatalf("recreates = %d, want 1: %v", got, report.Err())
	}
	if diff := cmp.Diff(map[string]string{"web": "2"}, h.managed(t)); diff != "" {
		t.Errorf("managed (-want +got):\n%s", diff)
	}
	want := []reconcile.StatusPhase{reconcile.PhaseRemoved, reconcile.PhaseCreating, reconcile.PhaseCreated}
	if diff := cmp.Diff(want, h.reporter.PhasesFor("web")); diff != "" {
		t.Errorf("phases (-want +got):\n%s", diff)
	}
}

func TestEngine_StaleImageRecreates(t *testing.T) {
	h := newHarness(containerSpec("web", "1", "nginx:latest"))
	h.runtime.AddManaged("web", "1", "nginx:latest", "sha256:old")
	h.runtime.SetLocalImage("nginx:latest", "sha256:old")
	h.runtime.PublishImage("nginx:latest", "sha256:new")

	report := h.run(t)

	if diff := cmp.Diff([]string{"web"}, report.Classification.ToUpdate); diff != "" {
		t.Fatalf("ToUpdate (-want +got):\n%s", diff)
	}
	cs := h.runtime.Containers()
	if len(cs) != 1 || cs[0].ImageID != "sha256:new" {
		t.Errorf("containers = %+v, want one on sha256:new", cs)
	}
}

func TestEngine_SkipImageCheck(t *testing.T) {
	h := newHarness(containerSpec("web", "1", "nginx:latest"))
	h.engine.SkipImageCheck = true
	h.runtime.AddManaged("web", "1", "nginx:latest", "sha256:old")
	h.runtime.PublishImage("nginx:latest", "sha256:new")

	report := h.run(t)

	if !report.Classification.Empty() {
		t.Errorf("classification = %+v, want empty", report.Classification)
	}
	if n := len(h.runtime.Calls("PullImage")); n != 0 {
		t.Errorf("PullImage called %d times", n)
	}
}

func TestEngine_ProbeFailureLeavesContainerAlone(t *testing.T) {
	h := newHarness(containerSpec("web", "1", "nginx:latest"))
	h.runtime.AddManaged("web", "1", "nginx:latest", "sha256:old")
	h.runtime.PullErr = func(context.Context, string) error { return errors.New("registry down") }

	report := h.run(t)

	if len(report.ProbeFailures) != 1 || report.ProbeFailures[0].ID != "web" {
		t.Fatalf("probe failures = %+v", report.ProbeFailures)
	}
	if len(report.Outcomes) != 0 {
		t.Errorf("outcomes = %+v, want none", report.Outcomes)
	}
	if err := report.Err(); err != nil {
		t.Errorf("report.Err() = %v, want nil", err)
	}
}

func TestEngine_FailureIsIsolated(t *testing.T) {
	h := newHarness(
		containerSpec("a", "1", "a:1"),
		containerSpec("b", "1", "b:1"),
		containerSpec("c", "1", "c:1"),
	)
	boom := errors.New("daemon said no")
	h.runtime.RunErr = func(_ context.Context, req reconcile.RunRequest) error {
		if req.ID == "b" {
			return boom
		}
		return nil
	}

	report := h.run(t)

	if diff := cmp.Diff(map[string]string{"a": "1", "c": "1"}, h.managed(t)); diff != "" {
		t.Errorf("managed (-want +got):\n%s", diff)
	}
	failed := report.Failed()
	if len(failed) != 1 || failed[0].ID != "b" {
		t.Fatalf("failed = %+v, want only b", failed)
	}
	var rerr *reconcile.RuntimeError
	if !errors.As(failed[0].Err, &rerr) || rerr.Op != "run" || !errors.Is(rerr, boom) {
		t.Errorf("failure = %v, want RuntimeError run wrapping boom", failed[0].Err)
	}
	if !errors.Is(report.Err(), boom) {
		t.Errorf("report.Err() = %v, want it to wrap boom", report.Err())
	}
	want := []reconcile.StatusPhase{reconcile.PhaseCreating, reconcile.PhaseError}
	if diff := cmp.Diff(want, h.reporter.PhasesFor("b")); diff != "" {
		t.Errorf("b phases (-want +got):\n%s", diff)
	}
	if len(h.runtime.Calls("PruneContainers")) != 1 {
		t.Error("prune did not run")
	}
}

func TestEngine_PruneRunsAfterFailures(t *testing.T) {
	h := newHarness(containerSpec("a", "1", "a:1"))
	h.engine.PruneImages = true
	h.runtime.AddManaged("gone", "1", "g:1", "sha256:g")
	h.runtime.StopErr = func(context.Context, string) error { return errors.New("stop timeout") }
	h.runtime.RunErr = func(context.Context, reconcile.RunRequest) error { return errors.New("no space") }

	report := h.run(t)

	if len(report.Failed()) != 2 {
		t.Fatalf("failed = %+v, want 2", report.Failed())
	}
	if !report.Prune.Ran {
		t.Error("prune did not run")
	}
	methods := h.runtime.Methods()
	if i := slices.Index(methods, "PruneContainers"); i < slices.Index(methods, "Run") {
		t.Errorf("PruneContainers ran before apply: %v", methods)
	}
	if len(h.runtime.Calls("PruneImages")) != 1 {
		t.Error("PruneImages not called with PruneImages enabled")
	}
}

func TestEngine_PruneImagesDisabledByDefault(t *testing.T) {
	h := newHarness()
	h.run(t)
	if len(h.runtime.Calls("PruneContainers")) != 1 {
		t.Error("PruneContainers not called")
	}
	if len(h.runtime.Calls("PruneImages")) != 0 {
		t.Error("PruneImages called while disabled")
	}
}

func TestEngine_PruneErrorIsNotFatal(t *testing.T) {
	h := newHarness(containerSpec("a", "1", "a:1"))
	h.runtime.PruneErr = func(context.Context) error { return errors.New("prune busy") }

	report := h.run(t)

	if report.Prune.Err == nil {
		t.Error("expected prune error in report")
	}
	if err := report.Err(); err != nil {
		t.Errorf("report.Err() = %v, want nil", err)
	}
}

func TestEngine_RecreateSkipsCreateWhenDeleteFails(t *testing.T) {
	h := newHarness(containerSpec("web", "2", "nginx:1.28"))
	h.runtime.AddManaged("web", "1", "nginx:1.27", "sha256:a")
	h.runtime.RemoveErr = func(context.Context, string) error { return errors.New("device busy") }

	report := h.run(t)

	failed := report.Failed()
	if len(failed) != 1 || failed[0].Kind != reconcile.ActionRecreate {
		t.Fatalf("failed = %+v", failed)
	}
	var rerr *reconcile.RuntimeError
	if !errors.As(failed[0].Err, &rerr) || rerr.Op != "remove" {
		t.Errorf("err = %v, want remove RuntimeError", failed[0].Err)
	}
	if n := len(h.runtime.Calls("Run")); n != 0 {
		t.Errorf("Run called %d times after failed delete", n)
	}
}

func TestEngine_CredentialsAreStripped(t *testing.T) {
	s := containerSpec("private", "1", "registry.example.com/team/app:1")
	s.Config["credentials"] = map[string]any{"username": "bot", "registry": "registry.example.com"}
	s.Credentials = &desired.Credentials{Username: "bot", Registry: "registry.example.com"}

	h := newHarness(s)
	h.engine.Credentials = reconcile.StaticCredentials{"registry.example.com": "hunter2"}

	report := h.run(t)

	if err := report.Err(); err != nil {
		t.Fatal(err)
	}
	logins := h.runtime.Logins()
	want := []reconcile.RegistryAuth{{Username: "bot", Password: "hunter2", Registry: "registry.example.com"}}
	if diff := cmp.Diff(want, logins); diff != "" {
		t.Errorf("logins (-want +got):\n%s", diff)
	}
	reqs := h.runtime.RunRequests()
	if len(reqs) != 1 {
		t.Fatalf("run requests = %d", len(reqs))
	}
	if _, ok := reqs[0].Config["credentials"]; ok {
		t.Error("credentials forwarded to the runtime")
	}
	if _, ok := s.Config["credentials"]; !ok {
		t.Error("desired config was mutated")
	}
	if methods := methodsFor(h.runtime, "Login", "Run"); !slices.Equal(methods, []string{"Login", "Run"}) {
		t.Errorf("call order = %v, want Login before Run", methods)
	}
}

func TestEngine_LogsInBeforeFreshnessCheck(t *testing.T) {
	const ref = "registry.example.com/team/app:1"
	s := containerSpec("private", "1", ref)
	s.Credentials = &desired.Credentials{Username: "bot", Registry: "registry.example.com"}
	other := containerSpec("worker", "1", "registry.example.com/team/worker:1")
	other.Credentials = &desired.Credentials{Username: "bot", Registry: "registry.example.com"}

	h := newHarness(s, other)
	h.engine.Credentials = reconcile.StaticCredentials{"registry.example.com": "hunter2"}
	h.runtime.AddManaged("private", "1", ref, "sha256:one")
	h.runtime.AddManaged("worker", "1", "registry.example.com/team/worker:1", "sha256:w1")
	h.runtime.SetLocalImage(ref, "sha256:one")
	h.runtime.SetLocalImage("registry.example.com/team/worker:1", "sha256:w1")
	h.runtime.PublishImage(ref, "sha256:two")
	h.runtime.PullErr = func(context.Context, string) error {
		if len(h.runtime.Logins()) == 0 {
			return errors.New("pull access denied")
		}
		return nil
	}

	report := h.run(t)

	if err := report.Err(); err != nil {
		t.Fatal(err)
	}
	if len(report.ProbeFailures) != 0 {
		t.Fatalf("freshness failures = %+v, want none", report.ProbeFailures)
	}
	methods := methodsFor(h.runtime, "Login", "PullImage", "Stop")
	if i := slices.Index(methods, "Stop"); i >= 0 {
		methods = methods[:i]
	}
	if want := []string{"Login", "PullImage", "PullImage"}; !slices.Equal(methods, want) {
		t.Errorf("calls before the recreate = %v, want %v", methods, want)
	}
	if got := report.Count(reconcile.ActionRecreate); got != 1 {
		t.Errorf("recreates = %d, want 1 for the superseded private image", got)
	}
}

func TestEngine_FreshnessLoginFailureSkipsContainer(t *testing.T) {
	const ref = "registry.example.com/team/app:1"
	s := containerSpec("private", "1", ref)
	s.Credentials = &desired.Credentials{Username: "bot", Registry: "registry.example.com"}

	h := newHarness(s)
	h.engine.Credentials = reconcile.StaticCredentials{"registry.example.com": "hunter2"}
	h.runtime.AddManaged("private", "1", ref, "sha256:one")
	h.runtime.LoginErr = func(context.Context, reconcile.RegistryAuth) error { return errors.New("unauthorized") }

	report := h.run(t)

	if len(report.ProbeFailures) != 1 || report.ProbeFailures[0].ID != "private" {
		t.Fatalf("freshness failures = %+v, want one for private", report.ProbeFailures)
	}
	if n := len(h.runtime.Calls("PullImage")); n != 0 {
		t.Errorf("PullImage called %d times after a failed login", n)
	}
	if got := report.Count(reconcile.ActionRecreate); got != 0 {
		t.Errorf("recreates = %d, want 0", got)
	}
}

func TestEngine_CredentialErrors(t *testing.T) {
	tests := []struct {
		name     string
		creds    desired.Credentials
		resolver reconcile.CredentialResolver
		loginErr error
		wantCfg  bool
	}{
		{name: "missing username", creds: desired.Credentials{Registry: "r.io"}, resolver: reconcile.StaticCredentials{"r.io": "pw"}, wantCfg: true},
		{name: "missing registry", creds: desired.Credentials{Username: "u"}, resolver: reconcile.StaticCredentials{"r.io": "pw"}, wantCfg: true},
		{name: "no resolver", creds: desired.Credentials{Username: "u", Registry: "r.io"}, wantCfg: true},
		{name: "no password", creds: desired.Credentials{Username: "u", Registry: "r.io"}, resolver: reconcile.StaticCredentials{}, wantCfg: true},
		{name: "login rejected", creds: desired.Credentials{Username: "u", Registry: "r.io"}, resolver: reconcile.StaticCredentials{"r.io": "pw"}, loginErr: errors.New("unauthorized")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := containerSpec("private", "1", "r.io/app:1")
			creds := tt.creds
			s.Credentials = &creds
			h := newHarness(s, containerSpec("public", "1", "nginx:1"))
			h.engine.Credentials = tt.resolver
			if tt.loginErr != nil {
				h.runtime.LoginErr = func(context.Context, reconcile.RegistryAuth) error { return tt.loginErr }
			}

			report := h.run(t)

			failed := report.Failed()
			if len(failed) != 1 || failed[0].ID != "private" {
				t.Fatalf("failed = %+v, want only private", failed)
			}
			if got := reconcile.IsConfigError(failed[0].Err); got != tt.wantCfg {
				t.Errorf("IsConfigError(%v) = %v, want %v", failed[0].Err, got, tt.wantCfg)
			}
			if tt.loginErr != nil && !errors.Is(failed[0].Err, tt.loginErr) {
				t.Errorf("err = %v, want it to wrap the login error", failed[0].Err)
			}
			if _, ok := h.managed(t)["public"]; !ok {
				t.Error("public container was not created")
			}
			for _, req := range h.runtime.RunRequests() {
				if req.ID == "private" {
					t.Error("Run called for a spec whose login failed")
				}
			}
		})
	}
}

func TestEngine_InvalidRuntimeConfigIsConfigError(t *testing.T) {
	h := newHarness(desired.ContainerSpec{ID: "noimage", Version: "1", Config: desired.RuntimeConfig{}})

	report := h.run(t)

	failed := report.Failed()
	if len(failed) != 1 || !reconcile.IsConfigError(failed[0].Err) {
		t.Fatalf("failed = %+v, want one ConfigError", failed)
	}
}

func TestEngine_FetchErrorIsFatal(t *testing.T) {
	h := newHarness()
	h.runtime.AddManaged("a", "1", "a:1", "sha256:a")
	h.source.Fail(errors.New("connection refused"))

	report, err := h.engine.RunCycle(t.Context())

	var ferr *reconcile.FetchError
	if !errors.As(err, &ferr) {
		t.Fatalf("RunCycle() error = %v, want FetchError", err)
	}
	if !errors.Is(report.Fatal, err) {
		t.Errorf("report.Fatal = %v", report.Fatal)
	}
	if methods := h.runtime.Methods(); len(methods) != 0 {
		t.Errorf("runtime touched after fetch failure: %v", methods)
	}
	if len(h.reporter.Snapshots()) != 0 || len(h.reporter.Events()) != 0 {
		t.Error("reporter called after fetch failure")
	}
}

func TestEngine_ObserveErrorIsFatal(t *testing.T) {
	h := newHarness(containerSpec("a", "1", "a:1"))
	h.runtime.ListErr = func(context.Context) error { return errors.New("socket gone") }

	_, err := h.engine.RunCycle(t.Context())

	var oerr *reconcile.ObserveError
	if !errors.As(err, &oerr) {
		t.Fatalf("RunCycle() error = %v, want ObserveError", err)
	}
	if n := len(h.runtime.Calls("Run")); n != 0 {
		t.Errorf("Run called %d times after observe failure", n)
	}
	if n := len(h.runtime.Calls("PruneContainers")); n != 0 {
		t.Errorf("prune ran after observe failure")
	}
}

func TestEngine_SnapshotReport(t *testing.T) {
	h := newHarness(containerSpec("a", "1", "a:1"), containerSpec("b", "1", "b:1"))
	h.runtime.AddContainer(fake.Container{Image: "a:1", ImageID: "sha256:a:1", State: "restarting", Labels: reconcile.DefaultOwnership().Labels("a", "1")})

	report := h.run(t)

	snaps := h.reporter.Snapshots()
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}
	want := []reconcile.ContainerReport{{ID: "a", Status: "restarting"}, {ID: "b", Status: "running"}}
	got := slices.Clone(snaps[0])
	slices.SortFunc(got, func(x, y reconcile.ContainerReport) int {
		if x.ID < y.ID {
			return -1
		}
		if x.ID > y.ID {
			return 1
		}
		return 0
	})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(snaps[0], report.Snapshot); diff != "" {
		t.Errorf("report.Snapshot differs from what was sent (-sent +report):\n%s", diff)
	}
}

func TestEngine_SnapshotErrorIsNotFatal(t *testing.T) {
	h := newHarness(containerSpec("a", "1", "a:1"))
	h.reporter.SnapshotErr = errors.New("503")

	report := h.run(t)

	if report.ReportErr == nil {
		t.Error("expected ReportErr")
	}
	if err := report.Err(); err != nil {
		t.Errorf("report.Err() = %v, want nil", err)
	}
}

func TestEngine_NilReporterSkipsReporting(t *testing.T) {
	h := newHarness(containerSpec("a", "1", "a:1"))
	h.engine.Reporter = nil

	report := h.run(t)

	if report.Snapshot != nil {
		t.Errorf("snapshot = %+v, want nil", report.Snapshot)
	}
	// Observe is the only listing; no second list for a snapshot.
	if n := len(h.runtime.Calls("ListControlled")); n != 1 {
		t.Errorf("ListControlled called %d times, want 1", n)
	}
}

func TestEngine_CustomOwnership(t *testing.T) {
	owner := reconcile.Ownership{IDLabel: "acme.id", VersionLabel: "acme.version"}
	h := newHarness(containerSpec("a", "1", "a:1"))
	h.engine.Ownership = owner
	h.runtime.AddManaged("stray", "1", "s:1", "sha256:s") // default labels, not ours

	report := h.run(t)

	if got := report.Count(reconcile.ActionDelete); got != 0 {
		t.Errorf("deleted %d containers outside the ownership scope", got)
	}
	reqs := h.runtime.RunRequests()
	if len(reqs) != 1 || reqs[0].Labels["acme.id"] != "a" || reqs[0].Labels["acme.version"] != "1" {
		t.Errorf("run requests = %+v", reqs)
	}
}

func TestEngine_ParallelCreates(t *testing.T) {
	h := newHarness(containerSpec("a", "1", "a:1"), containerSpec("b", "1", "b:1"), containerSpec("c", "1", "c:1"))
	h.engine.Parallelism = 3

	var inflight, peak atomic.Int32
	var arrived sync.WaitGroup
	arrived.Add(3)
	h.runtime.RunErr = func(context.Context, reconcile.RunRequest) error {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		arrived.Done()
		done := make(chan struct{})
		go func() { arrived.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		inflight.Add(-1)
		return nil
	}

	report := h.run(t)

	if err := report.Err(); err != nil {
		t.Fatal(err)
	}
	if p := peak.Load(); p != 3 {
		t.Errorf("peak concurrency = %d, want 3", p)
	}
}

func TestEngine_BatchesAreOrdered(t *testing.T) {
	h := newHarness(containerSpec("new", "1", "n:1"), containerSpec("bump", "2", "b:2"))
	h.engine.Parallelism = 4
	h.runtime.AddManaged("old", "1", "o:1", "sha256:o")
	h.runtime.AddManaged("bump", "1", "b:1", "sha256:b")

	report := h.run(t)

	var kinds []reconcile.ActionKind
	for _, o := range report.Outcomes {
		kinds = append(kinds, o.Kind)
	}
	want := []reconcile.ActionKind{reconcile.ActionDelete, reconcile.ActionCreate, reconcile.ActionRecreate}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("outcome order (-want +got):\n%s", diff)
	}
}

func TestEngine_Preview(t *testing.T) {
	h := newHarness(containerSpec("new", "1", "n:1"))
	h.runtime.AddManaged("old", "1", "o:1", "sha256:o")

	preview, err := h.engine.Preview(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	want := reconcile.Classification{ToDelete: []string{"old"}, ToCreate: []string{"new"}}
	if diff := cmp.Diff(want, preview.Classification); diff != "" {
		t.Errorf("classification (-want +got):\n%s", diff)
	}
	for _, m := range []string{"Stop", "Remove", "Run", "PruneContainers"} {
		if n := len(h.runtime.Calls(m)); n != 0 {
			t.Errorf("Preview called %s %d times", m, n)
		}
	}
}

func TestEngine_CycleSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	h := newHarness(containerSpec("a", "1", "a:1"))
	h.engine.Tracer = provider.Tracer("engine-test")

	h.run(t)

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	for _, want := range []string{"reconcile.cycle", "fetch", "observe", "classify", "apply", "prune", "report", "reconcile.create"} {
		if !slices.Contains(names, want) {
			t.Errorf("missing span %q in %v", want, names)
		}
	}
}

func methodsFor(r *fake.Runtime, keep ...string) []string {
	var out []string
	for _, m := range r.Methods() {
		if slices.Contains(keep, m) {
			out = append(out, m)
		}
	}
	return out
}
