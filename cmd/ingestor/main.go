// Package main provides the entry point for the log ingestor.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/narvanalabs/buildstream/internal/api/health"
	"github.com/narvanalabs/buildstream/internal/ingestor"
	"github.com/narvanalabs/buildstream/internal/shutdown"
	"github.com/narvanalabs/buildstream/internal/store/backend"
	"github.com/narvanalabs/buildstream/internal/transport"
	"github.com/narvanalabs/buildstream/internal/transport/natsjs"
	"github.com/narvanalabs/buildstream/pkg/config"
	"github.com/narvanalabs/buildstream/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is set at build time using ldflags.
var Version = "dev"

func main() {
	log := logger.Default()

	cfg, err := config.Load(config.RoleIngestor)
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

	nc, err := natsjs.Connect(cfg.NATS, log)
	if err != nil {
		log.Error("failed to connect to nats", "error", err)
		os.Exit(1)
	}
	coord.Register(shutdown.NewCloserComponent("nats", nc))

	if err := nc.EnsureStream(ctx); err != nil {
		log.Error("failed to ensure stream", "stream", cfg.NATS.Stream, "error", err)
		os.Exit(1)
	}

	partitions := cfg.OwnedPartitions()
	consumers := make([]transport.Consumer, 0, len(partitions))
	for _, p := range partitions {
		c, err := nc.Consumer(ctx, p, cfg.Ingestor.FetchWait)
		if err != nil {
			log.Error("failed to create consumer", "partition", p, "error", err)
			os.Exit(1)
		}
		consumers = append(consumers, c)
	}

	in := ingestor.New(st, consumers, ingestor.Config{
		Topic:             cfg.NATS.Stream,
		BatchSize:         cfg.Ingestor.BatchSize,
		HeartbeatInterval: cfg.Ingestor.HeartbeatInterval,
		RetryDelay:        cfg.Ingestor.RetryDelay,
		MaxRetryDelay:     cfg.Ingestor.MaxRetryDelay,
	}, log)

	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info("starting ingestor", "partitions", partitions)
		if err := in.Run(ctx); err != nil && ctx.Err() == nil {
			coord.Fail(err)
		}
	}()
	coord.Register(shutdown.NewDoneComponent("ingestor", done))

	checker := health.NewChecker(Version).
		Add("database", st, true).
		Add("nats", nc, true)

	r := chi.NewRouter()
	r.Get("/health", checker.Handler())
	r.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Ingestor.MetricsPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	coord.Register(shutdown.NewHTTPServerComponent("metrics", srv))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()

	coord.WaitForSignal()
	os.Exit(coord.ExitCode())
}
