package models

import "time"

// DeploymentStatus represents the lifecycle state of a deployment.
type DeploymentStatus string

const (
	DeploymentStatusQueued     DeploymentStatus = "QUEUED"
	DeploymentStatusInProgress DeploymentStatus = "IN_PROGRESS"
	DeploymentStatusSucceeded  DeploymentStatus = "SUCCEEDED"
	DeploymentStatusFailed     DeploymentStatus = "FAILED"
)

// Valid reports whether s is a known status.
func (s DeploymentStatus) Valid() bool {
	switch s {
	case DeploymentStatusQueued, DeploymentStatusInProgress, DeploymentStatusSucceeded, DeploymentStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are possible from s.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentStatusSucceeded || s == DeploymentStatusFailed
}

// CanTransition reports whether a deployment may move from s to next.
// Transitions only move forward; terminal states are final.
func (s DeploymentStatus) CanTransition(next DeploymentStatus) bool {
	if !next.Valid() || s == next || s.IsTerminal() {
		return false
	}
	switch s {
	case DeploymentStatusQueued:
		return true
	case DeploymentStatusInProgress:
		return next.IsTerminal()
	default:
		return false
	}
}

// Deployment is one build-and-publish attempt for a project's source reference.
type Deployment struct {
	ID        string           `json:"id"`
	ProjectID string           `json:"project_id"`
	SourceRef string           `json:"source_ref"`
	Status    DeploymentStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}
