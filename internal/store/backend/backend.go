// Package backend opens the Store selected by configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/narvanalabs/buildstream/internal/store"
	"github.com/narvanalabs/buildstream/internal/store/memory"
	"github.com/narvanalabs/buildstream/internal/store/postgres"
	"github.com/narvanalabs/buildstream/pkg/config"
	"github.com/narvanalabs/buildstream/pkg/logger"
)

// Open returns a PostgreSQL store or, for local development, an in-memory one.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		st, err := postgres.NewPostgresStore(ctx, postgres.DefaultConfig(cfg.DSN), log.WithComponent("store").Logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		log.Warn("using in-memory store, data is lost on exit")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
