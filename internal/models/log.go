package models

import "time"

// LogEvent is a single persisted build log line.
type LogEvent struct {
	EventID      string    `json:"event_id"`
	DeploymentID string    `json:"deployment_id"`
	Log          string    `json:"log"`
	IngestedAt   time.Time `json:"-"`
}

// MessageKind distinguishes plain log lines from status updates on the transport.
type MessageKind string

const (
	MessageKindLog    MessageKind = "log"
	MessageKindStatus MessageKind = "status"
)

// LogMessage is the transport wire format, one per log line.
type LogMessage struct {
	ProjectID    string           `json:"PROJECT_ID"`
	DeploymentID string           `json:"DEPLOYMENT_ID"`
	Log          string           `json:"log"`
	EventID      string           `json:"event_id,omitempty"`
	Kind         MessageKind      `json:"kind,omitempty"`
	Status       DeploymentStatus `json:"status,omitempty"`
}

// IsStatus reports whether the message carries a deployment status update.
func (m *LogMessage) IsStatus() bool {
	return m.Kind == MessageKindStatus && m.Status != ""
}
