// Package main provides the entry point for the control-plane API server.
package main

import (
	"os"

	"github.com/narvanalabs/buildstream/internal/api"
	"github.com/narvanalabs/buildstream/internal/launcher"
	"github.com/narvanalabs/buildstream/internal/podman"
	"github.com/narvanalabs/buildstream/internal/shutdown"
	"github.com/narvanalabs/buildstream/internal/store/backend"
	"github.com/narvanalabs/buildstream/pkg/config"
	"github.com/narvanalabs/buildstream/pkg/logger"
)

func main() {
	log := logger.Default()

	cfg, err := config.Load(config.RoleAPI)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log = logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON)

	coord := shutdown.NewCoordinator(shutdown.WithTimeout(cfg.ShutdownTimeout), shutdown.WithLogger(log))
	ctx := coord.Context()

	st, err := backend.Open(ctx, cfg.Database, log)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	coord.Register(shutdown.NewCloserComponent("store", st))

	podmanClient := podman.NewClient("podman", log)
	if ok, err := podmanClient.ImageExists(ctx, cfg.Launcher.Image); err != nil || !ok {
		log.Warn("build job image not available locally", "image", cfg.Launcher.Image, "error", err)
	}
	l := launcher.NewPodmanLauncher(podmanClient, cfg.Launcher, cfg.JobEnv(), log)

	server := api.NewServer(cfg.API, st, l, log)
	coord.Register(shutdown.NewFuncComponent("http", server.Shutdown))

	go func() {
		if err := server.Start(ctx); err != nil {
			coord.Fail(err)
		}
	}()

	coord.WaitForSignal()
	log.Info("server stopped")
	os.Exit(coord.ExitCode())
}
