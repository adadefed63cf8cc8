package models

// BuildState is a state of the build job state machine.
type BuildState string

const (
	BuildStateClone        BuildState = "CLONE"
	BuildStateInstallBuild BuildState = "INSTALL_BUILD"
	BuildStateUpload       BuildState = "UPLOAD"
	BuildStateSucceeded    BuildState = "SUCCEEDED"
	BuildStateFailed       BuildState = "FAILED"
)

// IsTerminal reports whether the job has finished.
func (s BuildState) IsTerminal() bool {
	return s == BuildStateSucceeded || s == BuildStateFailed
}

// DeploymentStatus maps a build state onto the deployment lifecycle.
func (s BuildState) DeploymentStatus() DeploymentStatus {
	switch s {
	case BuildStateSucceeded:
		return DeploymentStatusSucceeded
	case BuildStateFailed:
		return DeploymentStatusFailed
	default:
		return DeploymentStatusInProgress
	}
}

// JobParams is the execution context injected into a build job.
type JobParams struct {
	DeploymentID string `json:"deployment_id"`
	SourceRef    string `json:"source_ref"`
	ProjectID    string `json:"project_id"`
}

// Env returns the job parameters as the environment the build job reads.
func (p JobParams) Env() map[string]string {
	return map[string]string{
		"REPO_URL":      p.SourceRef,
		"PROJECT_ID":    p.ProjectID,
		"DEPLOYMENT_ID": p.DeploymentID,
	}
}
