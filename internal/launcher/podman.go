package launcher

import (
	"context"
	"errors"
	"time"

	"github.com/narvanalabs/buildstream/internal/metrics"
	"github.com/narvanalabs/buildstream/internal/models"
	"github.com/narvanalabs/buildstream/internal/podman"
	"github.com/narvanalabs/buildstream/pkg/config"
	"github.com/narvanalabs/buildstream/pkg/logger"
)

// ContainerRunner starts detached containers.
type ContainerRunner interface {
	RunDetached(ctx context.Context, cfg *podman.ContainerConfig) (string, error)
}

// PodmanLauncher launches each build job as a detached, self-removing container.
type PodmanLauncher struct {
	runner ContainerRunner
	cfg    config.LauncherConfig
	env    map[string]string
	limits *podman.ResourceLimits
	logger *logger.Logger
	now    func() time.Time
}

// NewPodmanLauncher creates a launcher. env is added to every job's
// environment, for example the transport and blob storage settings.
func NewPodmanLauncher(runner ContainerRunner, cfg config.LauncherConfig, env map[string]string, log *logger.Logger) *PodmanLauncher {
	return &PodmanLauncher{
		runner: runner,
		cfg:    cfg,
		env:    env,
		limits: podman.ParseResourceLimits(cfg.CPU, cfg.Memory),
		logger: log.WithComponent("launcher"),
		now:    time.Now,
	}
}

// Launch implements Launcher.
func (l *PodmanLauncher) Launch(ctx context.Context, req Request) (*Accepted, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	env := make(map[string]string, len(l.env)+3)
	for k, v := range l.env {
		env[k] = v
	}
	params := models.JobParams{DeploymentID: req.DeploymentID, SourceRef: req.SourceRef, ProjectID: req.ProjectID}
	for k, v := range params.Env() {
		env[k] = v
	}

	container := &podman.ContainerConfig{
		Name:  "buildjob-" + req.DeploymentID,
		Image: l.cfg.Image,
		Env:   env,
		Labels: map[string]string{
			"buildstream.deployment": req.DeploymentID,
			"buildstream.project":    req.ProjectID,
		},
		Limits:      l.limits,
		NetworkMode: l.cfg.Network,
		Remove:      true,
	}

	log := l.logger.WithDeployment(req.DeploymentID)
	id, err := l.runner.RunDetached(ctx, container)
	if err != nil {
		metrics.IncDispatch(false)
		reason := err.Error()
		var runErr *podman.RunError
		if errors.As(err, &runErr) && runErr.Stderr != "" {
			reason = runErr.Stderr
		}
		log.Error("build job rejected", "error", err)
		return nil, &DispatchError{DeploymentID: req.DeploymentID, Reason: reason, Err: err}
	}

	metrics.IncDispatch(true)
	log.Info("build job accepted", "job_id", id, "image", l.cfg.Image)
	return &Accepted{JobID: id, AcceptedAt: l.now().UTC()}, nil
}
