package reconcile

import (
	"slices"

	"hostsync/internal/desired"
)

// StaleSet holds the ids whose running image was superseded locally.
type StaleSet map[string]bool

// Classification is the delta between desired and running state. The three
// id lists are sorted and pairwise disjoint.
type Classification struct {
	ToDelete []string `json:"to_delete"`
	ToCreate []string `json:"to_create"`
	ToUpdate []string `json:"to_update"`
}

// Empty reports whether there is nothing to do.
func (c Classification) Empty() bool {
	return len(c.ToDelete) == 0 && len(c.ToCreate) == 0 && len(c.ToUpdate) == 0
}

// Classify compares the desired specs with the managed containers.
//
//   - ToDelete: running ids absent from desired.
//   - ToCreate: desired ids absent from running.
//   - ToUpdate: ids in both whose version differs, or whose image is stale.
//
// A nil stale set means no image is stale. Classify has no side effects.
func Classify(specs []desired.ContainerSpec, running []ObservedContainer, stale StaleSet) Classification {
	want := desired.Index(specs)
	have := runningVersions(running)

	var out Classification
	for id := range have {
		if _, ok := want[id]; !ok {
			out.ToDelete = append(out.ToDelete, id)
		}
	}
	for id, spec := range want {
		version, ok := have[id]
		switch {
		case !ok:
			out.ToCreate = append(out.ToCreate, id)
		case version != spec.Version || stale[id]:
			out.ToUpdate = append(out.ToUpdate, id)
		}
	}

	slices.Sort(out.ToDelete)
	slices.Sort(out.ToCreate)
	slices.Sort(out.ToUpdate)
	return out
}

// FreshnessCandidates returns the ids present on both sides with matching
// versions: the only ones whose image staleness can change the outcome.
func FreshnessCandidates(specs []desired.ContainerSpec, running []ObservedContainer) []string {
	want := desired.Index(specs)
	have := runningVersions(running)

	var out []string
	for id, version := range have {
		if spec, ok := want[id]; ok && spec.Version == version {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// runningVersions maps each managed id to its observed version. When several
// containers carry the same id the first one listed is used.
func runningVersions(running []ObservedContainer) map[string]string {
	out := make(map[string]string, len(running))
	for _, c := range running {
		if _, seen := out[c.ID]; seen {
			continue
		}
		out[c.ID] = c.Version
	}
	return out
}
