package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/buildstream/internal/models"
	"github.com/narvanalabs/buildstream/internal/store"
)

// DeploymentStore implements store.DeploymentStore using PostgreSQL.
type DeploymentStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Create creates a new deployment.
func (s *DeploymentStore) Create(ctx context.Context, d *models.Deployment) error {
	query := `
		INSERT INTO deployments (id, project_id, source_ref, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = models.DeploymentStatusQueued
	}

	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.ProjectID, d.SourceRef, string(d.Status), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("inserting deployment: %w", err)
	}

	return nil
}

// Get retrieves a deployment by ID.
func (s *DeploymentStore) Get(ctx context.Context, id string) (*models.Deployment, error) {
	query := `
		SELECT id, project_id, source_ref, status, created_at, updated_at
		FROM deployments
		WHERE id = $1`

	return s.scan(s.db.QueryRowContext(ctx, query, id))
}

// UpdateStatus moves a deployment forward in its lifecycle.
func (s *DeploymentStore) UpdateStatus(ctx context.Context, id string, status models.DeploymentStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM deployments WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("selecting deployment status: %w", err)
	}

	if !models.DeploymentStatus(current).CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, current, status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE deployments SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("updating deployment status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("deployment status updated", "deployment_id", id, "from", current, "to", status)
	return nil
}

func (s *DeploymentStore) scan(row *sql.Row) (*models.Deployment, error) {
	d := &models.Deployment{}
	var status string
	err := row.Scan(&d.ID, &d.ProjectID, &d.SourceRef, &status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scanning deployment: %w", err)
	}
	d.Status = models.DeploymentStatus(status)
	return d, nil
}
