package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/buildstream/internal/models"
	"github.com/narvanalabs/buildstream/internal/store"
)

// LogStore implements store.LogStore using PostgreSQL.
type LogStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Insert stores a log event. A conflicting event_id is not an error: the
// existing row is kept and inserted is false.
func (s *LogStore) Insert(ctx context.Context, event *models.LogEvent) (bool, error) {
	if event.EventID == "" {
		return false, fmt.Errorf("inserting log event: event id is required: %w", store.ErrInvalidEvent)
	}
	if event.DeploymentID == "" {
		return false, fmt.Errorf("inserting log event: deployment id is required: %w", store.ErrInvalidEvent)
	}

	query := `
		INSERT INTO log_events (event_id, deployment_id, log, ingested_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`

	if event.IngestedAt.IsZero() {
		event.IngestedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.DeploymentID,
		event.Log,
		event.IngestedAt,
	)
	if err != nil {
		if isDataException(err) {
			return false, fmt.Errorf("inserting log event: %w: %w", store.ErrInvalidEvent, err)
		}
		return false, fmt.Errorf("inserting log event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if rows == 0 {
		s.logger.Debug("duplicate log event ignored",
			"event_id", event.EventID,
			"deployment_id", event.DeploymentID,
		)
	}

	return rows > 0, nil
}

// ListByDeployment retrieves the log events of a deployment in ingestion order.
func (s *LogStore) ListByDeployment(ctx context.Context, deploymentID string) ([]*models.LogEvent, error) {
	query := `
		SELECT event_id, deployment_id, log, ingested_at
		FROM log_events
		WHERE deployment_id = $1
		ORDER BY ingested_at ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("querying log events: %w", err)
	}
	defer rows.Close()

	return s.scanEvents(rows)
}

// scanEvents scans multiple log event rows.
func (s *LogStore) scanEvents(rows *sql.Rows) ([]*models.LogEvent, error) {
	events := make([]*models.LogEvent, 0)

	for rows.Next() {
		event := &models.LogEvent{}

		err := rows.Scan(
			&event.EventID,
			&event.DeploymentID,
			&event.Log,
			&event.IngestedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning log event row: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating log event rows: %w", err)
	}

	return events, nil
}
