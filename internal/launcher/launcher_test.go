package launcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/narvanalabs/buildstream/internal/podman"
	"github.com/narvanalabs/buildstream/pkg/config"
	"github.com/narvanalabs/buildstream/pkg/logger"
)

func TestValidateSourceRef(t *testing.T) {
	valid := []string{
		"https://github.com/octocat/Hello-World.git",
		"https://github.com/octocat/Hello-World.git#main",
		"git://example.com/repo.git",
		"ssh://git@example.com/repo.git",
		"git@github.com:octocat/Hello-World.git",
		"file:///srv/repos/site",
	}
	for _, ref := range valid {
		if err := ValidateSourceRef(ref); err != nil {
			t.Errorf("ValidateSourceRef(%q) error = %v", ref, err)
		}
	}

	invalid := []string{"", "   ", "not a url", "ftp://example.com/repo", "https://", "/local/path"}
	for _, ref := range invalid {
		if err := ValidateSourceRef(ref); err == nil {
			t.Errorf("ValidateSourceRef(%q) should fail", ref)
		}
	}
}

func TestRequestValidate(t *testing.T) {
	err := Request{SourceRef: "https://e.com/r.git"}.Validate()
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Validate() error = %v, want ErrInvalidRequest", err)
	}
}

type fakeRunner struct {
	got *podman.ContainerConfig
	err error
}

func (r *fakeRunner) RunDetached(ctx context.Context, cfg *podman.ContainerConfig) (string, error) {
	r.got = cfg
	if r.err != nil {
		return "", r.err
	}
	return "c0ffee", nil
}

func newTestLauncher(r ContainerRunner) *PodmanLauncher {
	cfg := config.LauncherConfig{Image: "buildjob:latest", Network: "builds", CPU: "1", Memory: "1Gi"}
	env := map[string]string{"NATS_URL": "nats://nats:4222", "DEPLOYMENT_ID": "overridden"}
	return NewPodmanLauncher(r, cfg, env, logger.NewWithWriter(io.Discard, slog.LevelError, false))
}

func TestPodmanLauncher_Launch(t *testing.T) {
	r := &fakeRunner{}
	acc, err := newTestLauncher(r).Launch(context.Background(), Request{
		DeploymentID: "dep-42",
		SourceRef:    "https://github.com/octocat/Hello-World.git",
		ProjectID:    "blue-fox",
	})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if acc.JobID != "c0ffee" || acc.AcceptedAt.IsZero() {
		t.Errorf("Accepted = %+v", acc)
	}

	env := r.got.Env
	if env["REPO_URL"] != "https://github.com/octocat/Hello-World.git" || env["PROJECT_ID"] != "blue-fox" || env["DEPLOYMENT_ID"] != "dep-42" {
		t.Errorf("job env = %v", env)
	}
	if env["NATS_URL"] != "nats://nats:4222" {
		t.Error("shared env not forwarded")
	}
	if r.got.Image != "buildjob:latest" || r.got.NetworkMode != "builds" || !r.got.Remove {
		t.Errorf("container = %+v", r.got)
	}
	if r.got.Limits.MemoryMB != 1024 {
		t.Errorf("MemoryMB = %d, want 1024", r.got.Limits.MemoryMB)
	}
}

func TestPodmanLauncher_DispatchError(t *testing.T) {
	r := &fakeRunner{err: &podman.RunError{ExitCode: 125, Stderr: "Error: network builds not found"}}
	_, err := newTestLauncher(r).Launch(context.Background(), Request{
		DeploymentID: "dep-1",
		SourceRef:    "https://e.com/r.git",
		ProjectID:    "p",
	})

	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("Launch() error = %v, want DispatchError", err)
	}
	if dispatchErr.Reason != "Error: network builds not found" || dispatchErr.DeploymentID != "dep-1" {
		t.Errorf("DispatchError = %+v", dispatchErr)
	}
}

func TestPodmanLauncher_InvalidRequestNeverDispatches(t *testing.T) {
	r := &fakeRunner{}
	_, err := newTestLauncher(r).Launch(context.Background(), Request{DeploymentID: "d", ProjectID: "p", SourceRef: "nope"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Launch() error = %v, want ErrInvalidRequest", err)
	}
	if r.got != nil {
		t.Error("invalid request reached the fleet manager")
	}
}
