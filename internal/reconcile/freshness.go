package reconcile

import (
	"context"
	"log/slog"
	"strings"
)

// ProbeFailure records an id whose image could not be refreshed this cycle.
type ProbeFailure struct {
	ID  string
	Ref string
	Err error
}

// ImageProbe pulls the image reference of running containers so the
// classifier can tell whether a newer image landed locally. Pulling is the
// only side effect; the staleness decision itself is ImageStale.
type ImageProbe struct {
	Runtime Runtime
}

// Probe returns the stale ids among candidates. A container without an image
// reference is stale, and so is one whose reference is only an image id: the
// runtime reports the id once the tag it was created from has moved on. A
// failed pull or inspect is reported and the container is left alone until
// the next cycle.
func (p ImageProbe) Probe(ctx context.Context, running []ObservedContainer, candidates []string) (StaleSet, []ProbeFailure) {
	byID := make(map[string]ObservedContainer, len(running))
	for _, c := range running {
		if _, seen := byID[c.ID]; !seen {
			byID[c.ID] = c
		}
	}

	stale := make(StaleSet)
	var failures []ProbeFailure
	for _, id := range candidates {
		c, ok := byID[id]
		if !ok {
			continue
		}
		before := ImageSnapshot{Ref: c.Image, ID: c.ImageID}
		if IsImageID(before.Ref) {
			before.Ref = ""
		}
		if before.Ref == "" {
			slog.Debug("container has no image reference, forcing recreate", "id", id)
			stale[id] = true
			continue
		}

		if err := p.Runtime.PullImage(ctx, before.Ref); err != nil {
			failures = append(failures, ProbeFailure{ID: id, Ref: before.Ref, Err: err})
			continue
		}
		after, err := p.Runtime.InspectImage(ctx, before.Ref)
		if err != nil {
			failures = append(failures, ProbeFailure{ID: id, Ref: before.Ref, Err: err})
			continue
		}
		if ImageStale(before, after) {
			slog.Debug("image superseded", "id", id, "image", before.Ref, "running", before.ID, "latest", after.ID)
			stale[id] = true
		}
	}
	return stale, failures
}

// ImageStale reports whether the image a container runs differs from the
// image now stored locally under the same reference.
func ImageStale(before, after ImageSnapshot) bool {
	if before.Ref == "" || before.ID == "" {
		return true
	}
	return before.ID != after.ID
}

// IsImageID reports whether ref names an image by content id rather than by
// repository, e.g. "sha256:<hex>" or a bare 64 character hex id.
func IsImageID(ref string) bool {
	hex, ok := strings.CutPrefix(ref, "sha256:")
	if !ok && len(ref) != 64 {
		return false
	}
	if hex == "" {
		return false
	}
	for _, r := range hex {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
