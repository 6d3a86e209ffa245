package reconcile

import (
	"encoding/json"
	"errors"
	"time"
)

// ActionOutcome is the result of applying one action.
type ActionOutcome struct {
	Kind        ActionKind
	ID          string
	ContainerID string
	Duration    time.Duration
	Err         error
}

func (o ActionOutcome) Failed() bool { return o.Err != nil }

func (o ActionOutcome) MarshalJSON() ([]byte, error) {
	out := struct {
		Kind        ActionKind `json:"kind"`
		ID          string     `json:"id"`
		ContainerID string     `json:"container_id,omitempty"`
		DurationMS  int64      `json:"duration_ms"`
		Error       string     `json:"error,omitempty"`
	}{
		Kind:        o.Kind,
		ID:          o.ID,
		ContainerID: o.ContainerID,
		DurationMS:  o.Duration.Milliseconds(),
	}
	if o.Err != nil {
		out.Error = o.Err.Error()
	}
	return json.Marshal(out)
}

// CycleReport describes one reconciliation pass. Fatal is set when the cycle
// stopped before applying anything.
type CycleReport struct {
	ID             string
	StartedAt      time.Time
	FinishedAt     time.Time
	Desired        int
	Observed       int
	Classification Classification
	Outcomes       []ActionOutcome
	ProbeFailures  []ProbeFailure
	Prune          PruneResult
	Snapshot       []ContainerReport
	ReportErr      error
	Fatal          error
}

// PruneResult collects what the end-of-cycle prune removed.
type PruneResult struct {
	Ran            bool
	Containers     int
	Images         int
	SpaceReclaimed uint64
	Err            error
}

func (r CycleReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Failed returns the outcomes that carry an error.
func (r CycleReport) Failed() []ActionOutcome {
	var out []ActionOutcome
	for _, o := range r.Outcomes {
		if o.Failed() {
			out = append(out, o)
		}
	}
	return out
}

// Count returns the number of successful outcomes of kind.
func (r CycleReport) Count(kind ActionKind) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == kind && !o.Failed() {
			n++
		}
	}
	return n
}

// Err joins the fatal error and every per-container failure. Probe, prune and
// report errors are informational and not included.
func (r CycleReport) Err() error {
	errs := make([]error, 0, len(r.Outcomes)+1)
	if r.Fatal != nil {
		errs = append(errs, r.Fatal)
	}
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

func (r CycleReport) MarshalJSON() ([]byte, error) {
	type probe struct {
		ID    string `json:"id"`
		Ref   string `json:"ref"`
		Error string `json:"error"`
	}
	out := struct {
		ID             string            `json:"id"`
		StartedAt      time.Time         `json:"started_at"`
		FinishedAt     time.Time         `json:"finished_at"`
		Desired        int               `json:"desired"`
		Observed       int               `json:"observed"`
		Classification Classification    `json:"classification"`
		Outcomes       []ActionOutcome   `json:"outcomes,omitempty"`
		ProbeFailures  []probe           `json:"probe_failures,omitempty"`
		PrunedCont     int               `json:"pruned_containers"`
		PrunedImages   int               `json:"pruned_images"`
		Reclaimed      uint64            `json:"space_reclaimed"`
		PruneError     string            `json:"prune_error,omitempty"`
		Snapshot       []ContainerReport `json:"snapshot,omitempty"`
		ReportError    string            `json:"report_error,omitempty"`
		Fatal          string            `json:"fatal,omitempty"`
	}{
		ID:             r.ID,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		Desired:        r.Desired,
		Observed:       r.Observed,
		Classification: r.Classification,
		Outcomes:       r.Outcomes,
		PrunedCont:     r.Prune.Containers,
		PrunedImages:   r.Prune.Images,
		Reclaimed:      r.Prune.SpaceReclaimed,
		Snapshot:       r.Snapshot,
		PruneError:     errString(r.Prune.Err),
		ReportError:    errString(r.ReportErr),
		Fatal:          errString(r.Fatal),
	}
	for _, f := range r.ProbeFailures {
		out.ProbeFailures = append(out.ProbeFailures, probe{ID: f.ID, Ref: f.Ref, Error: errString(f.Err)})
	}
	return json.Marshal(out)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
