// Package store provides log and deployment persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/narvanalabs/buildstream/internal/models"
)

// Common store errors.
var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicateKey is returned when creating a resource whose key already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidTransition is returned when a status update would move a
	// deployment backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidEvent is returned when a log event can never be stored as
	// given. Retrying the same event fails the same way.
	ErrInvalidEvent = errors.New("invalid log event")
)

// LogStore is an append-only store of log events keyed by deployment.
type LogStore interface {
	// Insert stores an event. It is idempotent on EventID: inserting an event
	// whose EventID already exists succeeds with inserted == false and leaves
	// the stored record unchanged.
	Insert(ctx context.Context, event *models.LogEvent) (inserted bool, err error)
	// ListByDeployment returns all events of a deployment in ingestion order.
	ListByDeployment(ctx context.Context, deploymentID string) ([]*models.LogEvent, error)
}

// DeploymentStore defines the deployment operations the pipeline needs.
type DeploymentStore interface {
	// Create stores a new deployment.
	Create(ctx context.Context, deployment *models.Deployment) error
	// Get retrieves a deployment by ID.
	Get(ctx context.Context, id string) (*models.Deployment, error)
	// UpdateStatus moves a deployment to status. Returns ErrInvalidTransition
	// when the move is not allowed and ErrNotFound for unknown deployments.
	UpdateStatus(ctx context.Context, id string, status models.DeploymentStatus) error
}

// Store is the main interface for persistence.
type Store interface {
	// Logs returns the LogStore.
	Logs() LogStore
	// Deployments returns the DeploymentStore.
	Deployments() DeploymentStore
	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error
	// Close releases the backing store.
	Close() error
}
