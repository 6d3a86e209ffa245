package fake

import (
	"context"
	"slices"
	"sync"

	"hostsync/internal/desired"
	"hostsync/internal/reconcile"
)

var (
	_ reconcile.Source   = (*Source)(nil)
	_ reconcile.Reporter = (*Reporter)(nil)
)

// Source returns a settable desired state.
type Source struct {
	CallRecorder
	mu    sync.Mutex
	specs []desired.ContainerSpec
	err   error
}

func NewSource(specs ...desired.ContainerSpec) *Source {
	return &Source{specs: specs}
}

// Set replaces the desired state returned by the next fetch.
func (s *Source) Set(specs ...desired.ContainerSpec) {
	s.mu.Lock()
	s.specs = specs
	s.err = nil
	s.mu.Unlock()
}

// Fail makes every fetch return err until Set is called.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Source) Fetch(context.Context) ([]desired.ContainerSpec, error) {
	s.record("Fetch")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return slices.Clone(s.specs), nil
}

// Reporter records status events and snapshots.
type Reporter struct {
	mu          sync.Mutex
	events      []reconcile.StatusEvent
	snapshots   [][]reconcile.ContainerReport
	SnapshotErr error
}

func (r *Reporter) ContainerEvent(_ context.Context, ev reconcile.StatusEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Reporter) ReportSnapshot(_ context.Context, containers []reconcile.ContainerReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, slices.Clone(containers))
	return r.SnapshotErr
}

// Events returns the recorded events.
func (r *Reporter) Events() []reconcile.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// PhasesFor returns the phases reported for id, in order.
func (r *Reporter) PhasesFor(id string) []reconcile.StatusPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []reconcile.StatusPhase
	for _, ev := range r.events {
		if ev.ID == id {
			out = append(out, ev.Phase)
		}
	}
	return out
}

// Snapshots returns every snapshot received.
func (r *Reporter) Snapshots() [][]reconcile.ContainerReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.snapshots)
}
