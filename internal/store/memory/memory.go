// Package memory provides an in-process implementation of the store interfaces.
// It backs tests and single-process development setups; state is lost on exit.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/narvanalabs/buildstream/internal/models"
	"github.com/narvanalabs/buildstream/internal/store"
)

// Store implements store.Store in memory.
type Store struct {
	logs        *LogStore
	deployments *DeploymentStore
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		logs: &LogStore{
			byID:         make(map[string]struct{}),
			byDeployment: make(map[string][]models.LogEvent),
			now:          time.Now,
		},
		deployments: &DeploymentStore{
			byID: make(map[string]models.Deployment),
		},
	}
}

func (s *Store) Logs() store.LogStore               { return s.logs }
func (s *Store) Deployments() store.DeploymentStore { return s.deployments }
func (s *Store) Ping(ctx context.Context) error     { return ctx.Err() }
func (s *Store) Close() error                       { return nil }

// LogStore implements store.LogStore in memory.
type LogStore struct {
	mu           sync.RWMutex
	byID         map[string]struct{}
	byDeployment map[string][]models.LogEvent
	now          func() time.Time
}

// Insert appends the event unless its EventID has been seen before.
func (s *LogStore) Insert(ctx context.Context, event *models.LogEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if event.EventID == "" {
		return false, fmt.Errorf("inserting log event: event id is required: %w", store.ErrInvalidEvent)
	}
	if event.DeploymentID == "" {
		return false, fmt.Errorf("inserting log event: deployment id is required: %w", store.ErrInvalidEvent)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[event.EventID]; exists {
		return false, nil
	}

	if event.IngestedAt.IsZero() {
		event.IngestedAt = s.now().UTC()
	}
	s.byID[event.EventID] = struct{}{}
	s.byDeployment[event.DeploymentID] = append(s.byDeployment[event.DeploymentID], *event)
	return true, nil
}

// ListByDeployment returns copies of the deployment's events in insertion order.
func (s *LogStore) ListByDeployment(ctx context.Context, deploymentID string) ([]*models.LogEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.byDeployment[deploymentID]
	events := make([]*models.LogEvent, len(stored))
	for i := range stored {
		e := stored[i]
		events[i] = &e
	}
	return events, nil
}

// DeploymentStore implements store.DeploymentStore in memory.
type DeploymentStore struct {
	mu   sync.RWMutex
	byID map[string]models.Deployment
}

func (s *DeploymentStore) Create(ctx context.Context, d *models.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[d.ID]; exists {
		return store.ErrDuplicateKey
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = models.DeploymentStatusQueued
	}
	s.byID[d.ID] = *d
	return nil
}

func (s *DeploymentStore) Get(ctx context.Context, id string) (*models.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (s *DeploymentStore) UpdateStatus(ctx context.Context, id string, status models.DeploymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if !d.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, d.Status, status)
	}
	d.Status = status
	d.UpdatedAt = time.Now().UTC()
	s.byID[id] = d
	return nil
}
