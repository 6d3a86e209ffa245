package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hostsync/internal/reconcile"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder_ObserveCycle(t *testing.T) {
	r := NewRecorder()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	r.ObserveCycle(t.Context(), reconcile.CycleReport{
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
		Observed:   1,
		Outcomes: []reconcile.ActionOutcome{
			{Kind: reconcile.ActionCreate, ID: "a"},
			{Kind: reconcile.ActionCreate, ID: "b", Err: errors.New("boom")},
			{Kind: reconcile.ActionDelete, ID: "c"},
		},
		ProbeFailures: []reconcile.ProbeFailure{{ID: "d"}},
		Snapshot:      []reconcile.ContainerReport{{ID: "a"}, {ID: "x"}},
	})
	r.ObserveCycle(t.Context(), reconcile.CycleReport{Fatal: errors.New("fetch failed")})
	r.ObserveCycle(t.Context(), reconcile.CycleReport{StartedAt: start, FinishedAt: start.Add(time.Second)})

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"partial cycles", testutil.ToFloat64(r.cycles.WithLabelValues("partial")), 1},
		{"fatal cycles", testutil.ToFloat64(r.cycles.WithLabelValues("fatal")), 1},
		{"ok cycles", testutil.ToFloat64(r.cycles.WithLabelValues("ok")), 1},
		{"create ok", testutil.ToFloat64(r.actions.WithLabelValues("create", "ok")), 1},
		{"create error", testutil.ToFloat64(r.actions.WithLabelValues("create", "error")), 1},
		{"delete ok", testutil.ToFloat64(r.actions.WithLabelValues("delete", "ok")), 1},
		{"probe failures", testutil.ToFloat64(r.probeErrors), 1},
		// Last non-fatal cycle had no snapshot and observed nothing.
		{"controlled", testutil.ToFloat64(r.controlled), 0},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if n := testutil.CollectAndCount(r.duration); n != 1 {
		t.Errorf("duration histogram series = %d, want 1", n)
	}
}

func TestRecorder_ControlledPrefersSnapshot(t *testing.T) {
	r := NewRecorder()
	r.ObserveCycle(t.Context(), reconcile.CycleReport{Observed: 5, Snapshot: []reconcile.ContainerReport{{ID: "a"}, {ID: "b"}}})
	if got := testutil.ToFloat64(r.controlled); got != 2 {
		t.Errorf("controlled = %v, want 2", got)
	}
	r.ObserveCycle(t.Context(), reconcile.CycleReport{Observed: 9, Fatal: errors.New("x")})
	if got := testutil.ToFloat64(r.controlled); got != 2 {
		t.Errorf("controlled after fatal = %v, want unchanged 2", got)
	}
}

func TestRecorder_Handler(t *testing.T) {
	r := NewRecorder()
	r.ObserveCycle(t.Context(), reconcile.CycleReport{})

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"hostsync_cycles_total", "hostsync_controlled_containers", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
