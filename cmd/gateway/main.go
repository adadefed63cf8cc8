// Package main provides the entry point for the realtime log gateway.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/narvanalabs/buildstream/internal/api/health"
	"github.com/narvanalabs/buildstream/internal/gateway"
	"github.com/narvanalabs/buildstream/internal/shutdown"
	"github.com/narvanalabs/buildstream/internal/transport/redisfeed"
	"github.com/narvanalabs/buildstream/pkg/config"
	"github.com/narvanalabs/buildstream/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is set at build time using ldflags.
var Version = "dev"

func main() {
	log := logger.Default()

	cfg, err := config.Load(config.RoleGateway)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log = logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON)

	coord := shutdown.NewCoordinator(shutdown.WithTimeout(cfg.ShutdownTimeout), shutdown.WithLogger(log))
	ctx := coord.Context()

	rdb, err := redisfeed.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	coord.Register(shutdown.NewCloserComponent("redis", rdb))
	feed := redisfeed.New(rdb, cfg.Redis.ChannelPrefix, log)

	hub := gateway.NewHub(log)
	go hub.Run(ctx)
	coord.Register(shutdown.NewDoneComponent("hub", hub.Done()))

	sub, err := feed.Subscribe(ctx, cfg.Gateway.FeedPattern)
	if err != nil {
		log.Error("failed to subscribe to broadcast feed", "pattern", cfg.Gateway.FeedPattern, "error", err)
		os.Exit(1)
	}
	coord.Register(shutdown.NewCloserComponent("feed", sub))
	go func() {
		gateway.Relay(ctx, sub, hub)
		if ctx.Err() == nil {
			coord.Fail(errors.New("broadcast feed closed"))
		}
	}()

	checker := health.NewChecker(Version).Add("redis", feed, true)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Handle("/ws", gateway.NewServer(hub, cfg.Redis.ChannelPrefix, cfg.Gateway.SendBuffer, log))
	r.Get("/health", checker.Handler())
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	coord.Register(shutdown.NewHTTPServerComponent("http", srv))

	go func() {
		log.Info("starting gateway", "addr", srv.Addr, "pattern", cfg.Gateway.FeedPattern)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			coord.Fail(err)
		}
	}()

	coord.WaitForSignal()
	os.Exit(coord.ExitCode())
}
