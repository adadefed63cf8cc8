// Package main provides the entry point for one build job. It reads its
// execution context from REPO_URL, PROJECT_ID and DEPLOYMENT_ID, runs the
// build and exits non-zero when the deployment failed.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/narvanalabs/buildstream/internal/blob"
	"github.com/narvanalabs/buildstream/internal/builder"
	"github.com/narvanalabs/buildstream/internal/models"
	"github.com/narvanalabs/buildstream/internal/transport"
	"github.com/narvanalabs/buildstream/internal/transport/natsjs"
	"github.com/narvanalabs/buildstream/internal/transport/redisfeed"
	"github.com/narvanalabs/buildstream/pkg/config"
	"github.com/narvanalabs/buildstream/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	log := logger.Default()

	cfg, err := config.Load(config.RoleBuildJob)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		return 1
	}
	log = logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON).WithDeployment(cfg.Build.DeploymentID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var publishers []transport.NamedPublisher

	nc, err := natsjs.Connect(cfg.NATS, log)
	if err != nil {
		log.Error("failed to connect to nats, logs will not be persisted", "error", err)
	} else {
		defer nc.Close()
		publishers = append(publishers, transport.NamedPublisher{Name: "nats", Publisher: nc.Producer()})
	}

	rdb, err := redisfeed.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.Error("failed to connect to redis, logs will not be streamed", "error", err)
	} else {
		defer rdb.Close()
		publishers = append(publishers, transport.NamedPublisher{
			Name:      "redis",
			Publisher: redisfeed.New(rdb, cfg.Redis.ChannelPrefix, log),
		})
	}

	minioClient, err := blob.NewMinIOClient(cfg.Blob)
	if err != nil {
		log.Error("failed to create blob client", "error", err)
		return 1
	}
	artifacts := blob.New(minioClient, cfg.Blob)
	if err := artifacts.EnsureBucket(ctx); err != nil {
		log.Warn("failed to ensure artifact bucket", "bucket", cfg.Blob.Bucket, "error", err)
	}

	emitter := transport.NewEmitter(cfg.Build.ProjectID, cfg.Build.DeploymentID, cfg.Build.QueueSize, log, publishers...)

	job := builder.NewJob(
		models.JobParams{
			DeploymentID: cfg.Build.DeploymentID,
			SourceRef:    cfg.Build.RepoURL,
			ProjectID:    cfg.Build.ProjectID,
		},
		builder.Config{
			WorkDir:   cfg.Build.WorkDir,
			OutputDir: cfg.Build.OutputDir,
			Command:   cfg.Build.Command,
		},
		emitter,
		builder.NewGitCloner(),
		&builder.ShellRunner{Timeout: cfg.Build.Timeout},
		artifacts,
		log,
	)

	result := job.Run(ctx)

	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := emitter.Close(flushCtx); err != nil {
		log.Warn("log emitter did not drain", "error", err)
	}

	log.Info("build job finished",
		"state", result.State,
		"uploaded", result.Uploaded,
		"upload_failures", result.UploadFailures,
		"publish_failures", emitter.Failures(),
	)
	return result.ExitCode()
}
