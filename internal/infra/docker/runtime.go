// Package docker implements reconcile.Runtime on the Docker Engine API.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"hostsync/internal/reconcile"

	"github.com/containerd/errdefs"
	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/container"
	dockerfilters "github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
)

var _ reconcile.Runtime = (*Runtime)(nil)

// DefaultTimeout bounds every daemon call made by the runtime.
const DefaultTimeout = 2 * time.Minute

// Runtime implements reconcile.Runtime using the Docker Engine API.
type Runtime struct {
	cli     *client.Client
	timeout time.Duration

	mu   sync.Mutex
	auth map[string]string // registry domain -> encoded auth header
}

// NewRuntime creates a Runtime with a new Docker client from the environment.
// A zero timeout selects DefaultTimeout.
func NewRuntime(timeout time.Duration) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return NewRuntimeFromClient(cli, timeout), nil
}

// NewRuntimeFromClient wraps an existing Docker client.
func NewRuntimeFromClient(cli *client.Client, timeout time.Duration) *Runtime {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runtime{cli: cli, timeout: timeout, auth: make(map[string]string)}
}

func (r *Runtime) WaitReady(ctx context.Context) error {
	return WaitReady(ctx, r.cli)
}

func (r *Runtime) Close() error {
	return r.cli.Close()
}

func (r *Runtime) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Runtime) ListControlled(ctx context.Context, owner reconcile.Ownership) ([]reconcile.ObservedContainer, error) {
	return r.list(ctx, owner, dockerfilters.NewArgs(
		dockerfilters.Arg("label", owner.IDLabel),
		dockerfilters.Arg("label", owner.VersionLabel),
	))
}

func (r *Runtime) FindControlled(ctx context.Context, owner reconcile.Ownership, id string) ([]reconcile.ObservedContainer, error) {
	return r.list(ctx, owner, dockerfilters.NewArgs(
		dockerfilters.Arg("label", owner.IDLabel+"="+id),
		dockerfilters.Arg("label", owner.VersionLabel),
	))
}

func (r *Runtime) list(ctx context.Context, owner reconcile.Ownership, filters dockerfilters.Args) ([]reconcile.ObservedContainer, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filters})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]reconcile.ObservedContainer, 0, len(containers))
	for _, c := range containers {
		id, hasID := c.Labels[owner.IDLabel]
		version, hasVersion := c.Labels[owner.VersionLabel]
		if !hasID || !hasVersion {
			continue
		}
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		state := string(c.State)
		img := c.Image
		if reconcile.IsImageID(img) {
			img = r.configuredImage(ctx, c.ID)
		}
		out = append(out, reconcile.ObservedContainer{
			ID:          id,
			Version:     version,
			Status:      reconcile.ParseContainerStatus(state),
			ContainerID: c.ID,
			Name:        name,
			Image:       img,
			ImageID:     c.ImageID,
			State:       state,
		})
	}
	return out, nil
}

// configuredImage returns the image reference a container was created from.
// The list endpoint reports the image id instead once that reference points at
// a newer image. An empty result means no reference could be recovered.
func (r *Runtime) configuredImage(ctx context.Context, containerID string) string {
	info, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		slog.Debug("inspect container for image reference failed", "component", "docker", "container", containerID, "err", err)
		return ""
	}
	if info.Config == nil || reconcile.IsImageID(info.Config.Image) {
		return ""
	}
	return info.Config.Image
}

func (r *Runtime) Stop(ctx context.Context, containerID string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

// Remove force-removes a container so restarting or paused containers do not
// block a delete.
func (r *Runtime) Remove(ctx context.Context, containerID string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// Run creates and starts a container. A missing image is pulled and the create
// retried once.
func (r *Runtime) Run(ctx context.Context, req reconcile.RunRequest) (string, error) {
	args, err := translate(req)
	if err != nil {
		return "", err
	}

	ctx, cancel := r.bound(ctx)
	defer cancel()

	resp, err := r.cli.ContainerCreate(ctx, args.Config, args.Host, args.Network, nil, args.Name)
	if err != nil && errdefs.IsNotFound(err) {
		slog.Debug("image not present locally, pulling", "component", "docker", "id", req.ID, "image", args.Config.Image)
		if pullErr := r.pull(ctx, args.Config.Image); pullErr != nil {
			return "", pullErr
		}
		resp, err = r.cli.ContainerCreate(ctx, args.Config, args.Host, args.Network, nil, args.Name)
	}
	if err != nil {
		return "", fmt.Errorf("create container %q: %w", args.Name, err)
	}
	for _, w := range resp.Warnings {
		slog.Warn("docker create warning", "component", "docker", "id", req.ID, "warning", w)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Never leave a created but unstarted container behind.
		if rmErr := r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			slog.Warn("removing unstarted container failed", "component", "docker", "id", req.ID, "container", resp.ID, "err", rmErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}
	return resp.ID, nil
}

func (r *Runtime) InspectImage(ctx context.Context, ref string) (reconcile.ImageSnapshot, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	info, err := r.cli.ImageInspect(ctx, ref)
	if err != nil {
		return reconcile.ImageSnapshot{}, fmt.Errorf("inspect image %q: %w", ref, err)
	}
	return reconcile.ImageSnapshot{Ref: ref, ID: info.ID}, nil
}

func (r *Runtime) PullImage(ctx context.Context, ref string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.pull(ctx, ref)
}

func (r *Runtime) pull(ctx context.Context, ref string) error {
	rc, err := r.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: r.authFor(ref)})
	if err != nil {
		return fmt.Errorf("pull image %q: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %q: %w", ref, err)
	}
	return nil
}

// Login validates the credentials against the registry and keeps the encoded
// auth for later pulls from that registry.
func (r *Runtime) Login(ctx context.Context, auth reconcile.RegistryAuth) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	cfg := registry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		ServerAddress: auth.Registry,
	}
	if _, err := r.cli.RegistryLogin(ctx, cfg); err != nil {
		return fmt.Errorf("login to %s: %w", auth.Registry, err)
	}
	encoded, err := registry.EncodeAuthConfig(cfg)
	if err != nil {
		return fmt.Errorf("encode auth for %s: %w", auth.Registry, err)
	}

	r.mu.Lock()
	r.auth[registryDomain(auth.Registry)] = encoded
	r.mu.Unlock()
	return nil
}

func (r *Runtime) authFor(ref string) string {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.auth[reference.Domain(named)]
}

// PruneContainers removes every stopped container on the host.
func (r *Runtime) PruneContainers(ctx context.Context) (reconcile.PruneReport, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	report, err := r.cli.ContainersPrune(ctx, dockerfilters.NewArgs())
	if err != nil {
		return reconcile.PruneReport{}, fmt.Errorf("prune containers: %w", err)
	}
	return reconcile.PruneReport{Deleted: report.ContainersDeleted, SpaceReclaimed: report.SpaceReclaimed}, nil
}

// PruneImages removes every image no container uses, tagged or not.
func (r *Runtime) PruneImages(ctx context.Context) (reconcile.PruneReport, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	report, err := r.cli.ImagesPrune(ctx, dockerfilters.NewArgs(dockerfilters.Arg("dangling", "false")))
	if err != nil {
		return reconcile.PruneReport{}, fmt.Errorf("prune images: %w", err)
	}
	out := reconcile.PruneReport{SpaceReclaimed: report.SpaceReclaimed}
	for _, d := range report.ImagesDeleted {
		if d.Deleted != "" {
			out.Deleted = append(out.Deleted, d.Deleted)
		}
	}
	return out, nil
}

// registryDomain normalises a registry address as written in credentials to
// the domain distribution/reference derives from an image reference.
func registryDomain(addr string) string {
	addr = strings.TrimSpace(addr)
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+3:]
	}
	addr, _, _ = strings.Cut(addr, "/")
	switch addr {
	case "", "index.docker.io", "registry-1.docker.io":
		return "docker.io"
	}
	return addr
}
