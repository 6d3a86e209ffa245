package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"

	"hostsync/internal/desired"
)

const (
	DefaultIDLabel      = "controller.id"
	DefaultVersionLabel = "controller.version"
)

// Ownership names the labels that mark a container as managed. Only
// containers carrying both labels are ever listed, stopped or removed.
type Ownership struct {
	IDLabel      string
	VersionLabel string
}

// DefaultOwnership returns the controller.id / controller.version scope.
func DefaultOwnership() Ownership {
	return Ownership{IDLabel: DefaultIDLabel, VersionLabel: DefaultVersionLabel}
}

func (o Ownership) normalized() Ownership {
	if strings.TrimSpace(o.IDLabel) == "" {
		o.IDLabel = DefaultIDLabel
	}
	if strings.TrimSpace(o.VersionLabel) == "" {
		o.VersionLabel = DefaultVersionLabel
	}
	return o
}

// Labels returns the label set attached to a container created for spec.
func (o Ownership) Labels(id, version string) map[string]string {
	o = o.normalized()
	return map[string]string{o.IDLabel: id, o.VersionLabel: version}
}

// ContainerStatus is the coarse runtime state the engine cares about.
type ContainerStatus uint8

const (
	StatusOther ContainerStatus = iota
	StatusRunning
	StatusStopped
)

func (s ContainerStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	default:
		return "other"
	}
}

// ParseContainerStatus maps a Docker state string onto a ContainerStatus.
func ParseContainerStatus(state string) ContainerStatus {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "running":
		return StatusRunning
	case "exited", "created", "dead":
		return StatusStopped
	default:
		return StatusOther
	}
}

// ObservedContainer is a managed container as read back from the runtime.
type ObservedContainer struct {
	ID          string
	Version     string
	Status      ContainerStatus
	ContainerID string
	Name        string
	// Image is the reference the container was created from, e.g. nginx:1.27.
	Image string
	// ImageID is the local image the container currently runs.
	ImageID string
	// State is the raw runtime state (running, exited, restarting, ...).
	State string
}

// StatusPhase is the lifecycle step reported for a single container.
type StatusPhase uint8

const (
	PhaseCreating StatusPhase = iota + 1
	PhaseCreated
	PhaseRemoved
	PhaseError
)

func (p StatusPhase) String() string {
	switch p {
	case PhaseCreating:
		return "creating"
	case PhaseCreated:
		return "created"
	case PhaseRemoved:
		return "removed"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

func (p StatusPhase) IsValid() bool {
	switch p {
	case PhaseCreating, PhaseCreated, PhaseRemoved, PhaseError:
		return true
	default:
		return false
	}
}

func (p StatusPhase) MarshalJSON() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("invalid status phase: %d", p)
	}
	return json.Marshal(p.String())
}

// StatusEvent is a fire-and-forget per-container transition.
type StatusEvent struct {
	ID    string
	Phase StatusPhase
	Err   error
}

// ContainerReport is one entry of an end-of-cycle status snapshot.
type ContainerReport struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// LogPolicy bounds the disk usage of a container's logs.
type LogPolicy struct {
	Driver  string
	MaxSize string
	MaxFile string
}

// DefaultLogPolicy keeps at most three 10 MiB json-file logs per container.
func DefaultLogPolicy() LogPolicy {
	return LogPolicy{Driver: "json-file", MaxSize: "10m", MaxFile: "3"}
}

// Options renders the driver options.
func (p LogPolicy) Options() map[string]string {
	opts := make(map[string]string, 2)
	if p.MaxSize != "" {
		opts["max-size"] = p.MaxSize
	}
	if p.MaxFile != "" {
		opts["max-file"] = p.MaxFile
	}
	return opts
}

// RunRequest is everything the runtime needs to create and start a container.
// It never carries registry credentials.
type RunRequest struct {
	ID        string
	Config    desired.RuntimeConfig
	Labels    map[string]string
	LogPolicy LogPolicy
}

// RegistryAuth is a resolved registry login.
type RegistryAuth struct {
	Username string
	Password string
	Registry string
}

// ImageSnapshot is the local state of an image reference.
type ImageSnapshot struct {
	Ref string
	ID  string
}

// PruneReport summarizes a prune call.
type PruneReport struct {
	Deleted        []string
	SpaceReclaimed uint64
}
