package fake

import (
	"errors"
	"testing"

	"hostsync/internal/desired"
	"hostsync/internal/reconcile"
)

func TestRuntime_Lifecycle(t *testing.T) {
	ctx := t.Context()
	rt := NewRuntime()
	owner := reconcile.DefaultOwnership()

	id, err := rt.Run(ctx, reconcile.RunRequest{
		ID:     "web",
		Config: desired.RuntimeConfig{"image": "nginx:1.27", "name": "web"},
		Labels: owner.Labels("web", "1"),
	})
	if err != nil {
		t.Fatal(err)
	}

	found, err := rt.FindControlled(ctx, owner, "web")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].ContainerID != id || found[0].Status != reconcile.StatusRunning {
		t.Fatalf("FindControlled() = %+v", found)
	}

	if err := rt.Remove(ctx, id); err == nil {
		t.Error("expected error removing a running container")
	}
	if err := rt.Stop(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := rt.Remove(ctx, id); err != nil {
		t.Fatal(err)
	}
	if got, _ := rt.ListControlled(ctx, owner); len(got) != 0 {
		t.Fatalf("expected no containers after remove, got %+v", got)
	}
}

func TestRuntime_IgnoresUnlabelled(t *testing.T) {
	ctx := t.Context()
	rt := NewRuntime()
	owner := reconcile.DefaultOwnership()

	rt.AddContainer(Container{Image: "postgres"})
	rt.AddContainer(Container{Image: "redis", Labels: map[string]string{owner.IDLabel: "half"}})
	rt.AddManaged("a", "1", "alpine", "sha256:a")

	got, err := rt.ListControlled(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("ListControlled() = %+v, want only a", got)
	}
}

func TestRuntime_PullPicksUpPublishedImage(t *testing.T) {
	ctx := t.Context()
	rt := NewRuntime()
	rt.SetLocalImage("app:latest", "sha256:old")
	rt.PublishImage("app:latest", "sha256:new")

	before, _ := rt.InspectImage(ctx, "app:latest")
	if err := rt.PullImage(ctx, "app:latest"); err != nil {
		t.Fatal(err)
	}
	after, _ := rt.InspectImage(ctx, "app:latest")
	if before.ID != "sha256:old" || after.ID != "sha256:new" {
		t.Fatalf("before=%s after=%s", before.ID, after.ID)
	}
}

func TestRuntime_RunRejectsMissingImage(t *testing.T) {
	_, err := NewRuntime().Run(t.Context(), reconcile.RunRequest{ID: "x", Config: desired.RuntimeConfig{}})
	if !errors.Is(err, reconcile.ErrInvalidConfig) {
		t.Fatalf("Run() error = %v, want ErrInvalidConfig", err)
	}
}

func TestRuntime_Prune(t *testing.T) {
	ctx := t.Context()
	rt := NewRuntime()
	keep := rt.AddManaged("a", "1", "alpine", "sha256:a")
	rt.AddContainer(Container{Image: "old", ImageID: "sha256:old", State: "exited"})
	rt.SetLocalImage("alpine", "sha256:a")
	rt.SetLocalImage("old", "sha256:old")

	report, err := rt.PruneContainers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Deleted) != 1 {
		t.Fatalf("pruned containers = %v, want 1", report.Deleted)
	}
	images, err := rt.PruneImages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(images.Deleted) != 1 || images.Deleted[0] != "sha256:old" {
		t.Fatalf("pruned images = %v, want [sha256:old]", images.Deleted)
	}
	if cs := rt.Containers(); len(cs) != 1 || cs[0].ContainerID != keep {
		t.Fatalf("remaining containers = %+v", cs)
	}
}
