// Package main provides the entry point for the artifact reverse proxy.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/narvanalabs/buildstream/internal/proxy"
	"github.com/narvanalabs/buildstream/internal/shutdown"
	"github.com/narvanalabs/buildstream/pkg/config"
	"github.com/narvanalabs/buildstream/pkg/logger"
)

func main() {
	log := logger.Default()

	cfg, err := config.Load(config.RoleProxy)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log = logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON)

	p, err := proxy.New(cfg.Proxy.BasePath, log)
	if err != nil {
		log.Error("invalid base path", "base_path", cfg.Proxy.BasePath, "error", err)
		os.Exit(1)
	}

	coord := shutdown.NewCoordinator(shutdown.WithTimeout(cfg.ShutdownTimeout), shutdown.WithLogger(log))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Proxy.Port),
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}
	coord.Register(shutdown.NewHTTPServerComponent("http", srv))

	go func() {
		log.Info("starting reverse proxy", "addr", srv.Addr, "base_path", cfg.Proxy.BasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			coord.Fail(err)
		}
	}()

	coord.WaitForSignal()
	os.Exit(coord.ExitCode())
}
