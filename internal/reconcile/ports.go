package reconcile

import (
	"context"

	"hostsync/internal/desired"
)

// Runtime abstracts the container runtime on the local host. With
// Engine.Parallelism above 1 it is called from several goroutines, never for
// the same id at once.
// Production: *docker.Runtime
// Testing: *fake.Runtime
type Runtime interface {
	ListControlled(ctx context.Context, owner Ownership) ([]ObservedContainer, error)
	FindControlled(ctx context.Context, owner Ownership, id string) ([]ObservedContainer, error)
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Run(ctx context.Context, req RunRequest) (string, error)
	InspectImage(ctx context.Context, ref string) (ImageSnapshot, error)
	PullImage(ctx context.Context, ref string) error
	Login(ctx context.Context, auth RegistryAuth) error
	PruneContainers(ctx context.Context) (PruneReport, error)
	PruneImages(ctx context.Context) (PruneReport, error)
}

// Source produces the desired state for one cycle.
// Production: *desired.FileSource, *desired.RemoteSource
// Testing: fake.Source
type Source interface {
	Fetch(ctx context.Context) ([]desired.ContainerSpec, error)
}

// Reporter receives status transitions and end-of-cycle snapshots.
// ContainerEvent is fire-and-forget and may be called concurrently.
// Production: *status.HTTPReporter, status.LogReporter
// Testing: *fake.Reporter
type Reporter interface {
	ContainerEvent(ctx context.Context, ev StatusEvent)
	ReportSnapshot(ctx context.Context, containers []ContainerReport) error
}

// CredentialResolver finds the password for a registry account.
// Production: *config.Config
// Testing: StaticCredentials
type CredentialResolver interface {
	RegistryPassword(registry, username string) (string, bool)
}

// StaticCredentials resolves passwords from a registry-keyed map.
type StaticCredentials map[string]string

func (s StaticCredentials) RegistryPassword(registry, _ string) (string, bool) {
	pw, ok := s[registry]
	return pw, ok && pw != ""
}
