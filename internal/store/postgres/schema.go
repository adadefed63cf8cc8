package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied on startup. Every statement is idempotent.
//
// log_events.seq breaks ties between events ingested within the same
// timestamp so that ListByDeployment returns insertion order.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS deployments (
		id         TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		source_ref TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS log_events (
		seq           BIGSERIAL PRIMARY KEY,
		event_id      TEXT NOT NULL UNIQUE,
		deployment_id TEXT NOT NULL CHECK (deployment_id <> ''),
		log           TEXT NOT NULL,
		ingested_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS log_events_deployment_idx
		ON log_events (deployment_id, ingested_at, seq)`,
}

// Migrate applies the schema to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}
