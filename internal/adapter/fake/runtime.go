package fake

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"hostsync/internal/reconcile"
)

var _ reconcile.Runtime = (*Runtime)(nil)

// Container is a container held by the fake runtime.
type Container struct {
	ContainerID string
	Name        string
	Image       string
	ImageID     string
	State       string
	Labels      map[string]string
	Request     reconcile.RunRequest
}

// Runtime is an in-memory implementation of reconcile.Runtime. Pulls resolve
// against a separate "registry" map so tests can publish a newer image.
type Runtime struct {
	CallRecorder
	mu         sync.Mutex
	nextID     int
	containers map[string]*Container
	local      map[string]string // ref -> image id present on the host
	registry   map[string]string // ref -> image id a pull would fetch
	logins     []reconcile.RegistryAuth

	ListErr         func(ctx context.Context) error
	FindErr         func(ctx context.Context, id string) error
	StopErr         func(ctx context.Context, containerID string) error
	RemoveErr       func(ctx context.Context, containerID string) error
	RunErr          func(ctx context.Context, req reconcile.RunRequest) error
	InspectImageErr func(ctx context.Context, ref string) error
	PullErr         func(ctx context.Context, ref string) error
	LoginErr        func(ctx context.Context, auth reconcile.RegistryAuth) error
	PruneErr        func(ctx context.Context) error
	PruneImagesErr  func(ctx context.Context) error
}

func NewRuntime() *Runtime {
	return &Runtime{
		containers: make(map[string]*Container),
		local:      make(map[string]string),
		registry:   make(map[string]string),
	}
}

// AddContainer seeds a container. An empty ContainerID gets a generated one.
func (r *Runtime) AddContainer(c Container) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ContainerID == "" {
		c.ContainerID = r.newIDLocked()
	}
	if c.State == "" {
		c.State = "running"
	}
	c.Labels = maps.Clone(c.Labels)
	r.containers[c.ContainerID] = &c
	return c.ContainerID
}

// AddManaged seeds a running container carrying the default ownership labels.
func (r *Runtime) AddManaged(id, version, image, imageID string) string {
	return r.AddContainer(Container{
		Image:   image,
		ImageID: imageID,
		Labels:  reconcile.DefaultOwnership().Labels(id, version),
	})
}

// SetLocalImage records ref as present locally with the given image id.
func (r *Runtime) SetLocalImage(ref, imageID string) {
	r.mu.Lock()
	r.local[ref] = imageID
	r.mu.Unlock()
}

// PublishImage makes the next pull of ref fetch imageID.
func (r *Runtime) PublishImage(ref, imageID string) {
	r.mu.Lock()
	r.registry[ref] = imageID
	r.mu.Unlock()
}

// Containers returns a copy of every container, sorted by container id.
func (r *Runtime) Containers() []Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Container, 0, len(r.containers))
	for _, key := range slices.Sorted(maps.Keys(r.containers)) {
		out = append(out, *r.containers[key])
	}
	return out
}

// RunRequests returns every request passed to Run, in order.
func (r *Runtime) RunRequests() []reconcile.RunRequest {
	var out []reconcile.RunRequest
	for _, c := range r.Calls("Run") {
		out = append(out, c.Args[0].(reconcile.RunRequest))
	}
	return out
}

// Logins returns the registry logins that succeeded.
func (r *Runtime) Logins() []reconcile.RegistryAuth {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.logins)
}

func (r *Runtime) ListControlled(ctx context.Context, owner reconcile.Ownership) ([]reconcile.ObservedContainer, error) {
	r.record("ListControlled")
	if r.ListErr != nil {
		if err := r.ListErr(ctx); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.matchLocked(owner, func(*Container) bool { return true }), nil
}

func (r *Runtime) FindControlled(ctx context.Context, owner reconcile.Ownership, id string) ([]reconcile.ObservedContainer, error) {
	r.record("FindControlled", id)
	if r.FindErr != nil {
		if err := r.FindErr(ctx, id); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.matchLocked(owner, func(c *Container) bool { return c.Labels[owner.IDLabel] == id }), nil
}

func (r *Runtime) Stop(ctx context.Context, containerID string) error {
	r.record("Stop", containerID)
	if r.StopErr != nil {
		if err := r.StopErr(ctx, containerID); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[containerID]
	if !ok {
		return fmt.Errorf("container %q not found", containerID)
	}
	c.State = "exited"
	return nil
}

func (r *Runtime) Remove(ctx context.Context, containerID string) error {
	r.record("Remove", containerID)
	if r.RemoveErr != nil {
		if err := r.RemoveErr(ctx, containerID); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[containerID]
	if !ok {
		return nil
	}
	if c.State == "running" {
		return fmt.Errorf("container %q is running, stop it first", containerID)
	}
	delete(r.containers, containerID)
	return nil
}

func (r *Runtime) Run(ctx context.Context, req reconcile.RunRequest) (string, error) {
	r.record("Run", req)
	if r.RunErr != nil {
		if err := r.RunErr(ctx, req); err != nil {
			return "", err
		}
	}
	image := req.Config.Image()
	if image == "" {
		return "", fmt.Errorf("%w: image is required", reconcile.ErrInvalidConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := req.Config.Name()
	if name != "" {
		for _, c := range r.containers {
			if c.Name == name {
				return "", fmt.Errorf("container name %q already in use", name)
			}
		}
	}
	imageID, ok := r.local[image]
	if !ok {
		imageID = r.pullLocked(image)
	}

	labels := make(map[string]string, len(req.Labels))
	maps.Copy(labels, req.Labels)
	c := &Container{
		ContainerID: r.newIDLocked(),
		Name:        name,
		Image:       image,
		ImageID:     imageID,
		State:       "running",
		Labels:      labels,
		Request:     req,
	}
	r.containers[c.ContainerID] = c
	return c.ContainerID, nil
}

func (r *Runtime) InspectImage(ctx context.Context, ref string) (reconcile.ImageSnapshot, error) {
	r.record("InspectImage", ref)
	if r.InspectImageErr != nil {
		if err := r.InspectImageErr(ctx, ref); err != nil {
			return reconcile.ImageSnapshot{}, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.local[ref]
	if !ok {
		return reconcile.ImageSnapshot{}, fmt.Errorf("image %q not found", ref)
	}
	return reconcile.ImageSnapshot{Ref: ref, ID: id}, nil
}

func (r *Runtime) PullImage(ctx context.Context, ref string) error {
	r.record("PullImage", ref)
	if r.PullErr != nil {
		if err := r.PullErr(ctx, ref); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pullLocked(ref)
	return nil
}

func (r *Runtime) Login(ctx context.Context, auth reconcile.RegistryAuth) error {
	r.record("Login", auth.Registry, auth.Username)
	if r.LoginErr != nil {
		if err := r.LoginErr(ctx, auth); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.logins = append(r.logins, auth)
	r.mu.Unlock()
	return nil
}

// PruneContainers removes every stopped container, managed or not.
func (r *Runtime) PruneContainers(ctx context.Context) (reconcile.PruneReport, error) {
	r.record("PruneContainers")
	if r.PruneErr != nil {
		if err := r.PruneErr(ctx); err != nil {
			return reconcile.PruneReport{}, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var report reconcile.PruneReport
	for id, c := range r.containers {
		if c.State != "running" {
			delete(r.containers, id)
			report.Deleted = append(report.Deleted, id)
		}
	}
	slices.Sort(report.Deleted)
	return report, nil
}

// PruneImages drops local images no container uses.
func (r *Runtime) PruneImages(ctx context.Context) (reconcile.PruneReport, error) {
	r.record("PruneImages")
	if r.PruneImagesErr != nil {
		if err := r.PruneImagesErr(ctx); err != nil {
			return reconcile.PruneReport{}, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	used := make(map[string]bool, len(r.containers))
	for _, c := range r.containers {
		used[c.ImageID] = true
	}
	var report reconcile.PruneReport
	for ref, id := range r.local {
		if !used[id] {
			delete(r.local, ref)
			report.Deleted = append(report.Deleted, id)
		}
	}
	slices.Sort(report.Deleted)
	return report, nil
}

func (r *Runtime) matchLocked(owner reconcile.Ownership, keep func(*Container) bool) []reconcile.ObservedContainer {
	var out []reconcile.ObservedContainer
	for _, key := range slices.Sorted(maps.Keys(r.containers)) {
		c := r.containers[key]
		id, hasID := c.Labels[owner.IDLabel]
		version, hasVersion := c.Labels[owner.VersionLabel]
		if !hasID || !hasVersion || !keep(c) {
			continue
		}
		out = append(out, reconcile.ObservedContainer{
			ID:          id,
			Version:     version,
			Status:      reconcile.ParseContainerStatus(c.State),
			ContainerID: c.ContainerID,
			Name:        c.Name,
			Image:       c.Image,
			ImageID:     c.ImageID,
			State:       c.State,
		})
	}
	return out
}

func (r *Runtime) pullLocked(ref string) string {
	id, ok := r.registry[ref]
	if !ok {
		id, ok = r.local[ref]
	}
	if !ok {
		id = "sha256:" + ref
	}
	r.local[ref] = id
	return id
}

func (r *Runtime) newIDLocked() string {
	r.nextID++
	return fmt.Sprintf("ctr-%03d", r.nextID)
}
