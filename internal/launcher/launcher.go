// Package launcher dispatches isolated build jobs to the fleet manager.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidRequest is returned for requests that are rejected before dispatch.
var ErrInvalidRequest = errors.New("invalid launch request")

// Request identifies the build to launch.
type Request struct {
	DeploymentID string
	SourceRef    string
	ProjectID    string
}

// Accepted is returned once the fleet manager has accepted a launch.
type Accepted struct {
	JobID      string
	AcceptedAt time.Time
}

// DispatchError reports that the fleet manager rejected a launch.
type DispatchError struct {
	DeploymentID string
	Reason       string
	Err          error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatching build for deployment %s: %s", e.DeploymentID, e.Reason)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Launcher starts one build job per call. Launch returns as soon as the job
// is accepted; it never waits for the job to run. Rejections are returned as
// *DispatchError and are not retried.
type Launcher interface {
	Launch(ctx context.Context, req Request) (*Accepted, error)
}

var scpLike = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[^/].*$`)

// Validate checks that the request names a deployment, a project and a
// resolvable source reference.
func (r Request) Validate() error {
	var problems []string
	if strings.TrimSpace(r.DeploymentID) == "" {
		problems = append(problems, "deployment id is required")
	}
	if strings.TrimSpace(r.ProjectID) == "" {
		problems = append(problems, "project id is required")
	}
	if err := ValidateSourceRef(r.SourceRef); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateSourceRef accepts http(s), git, ssh and file URLs and scp-like
// "user@host:path" references.
func ValidateSourceRef(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return errors.New("source reference is required")
	}
	if scpLike.MatchString(ref) {
		return nil
	}

	u, err := url.Parse(ref)
	if err != nil {
		return fmt.Errorf("source reference %q is not a valid URL", ref)
	}
	switch u.Scheme {
	case "http", "https", "git", "ssh":
		if u.Host == "" {
			return fmt.Errorf("source reference %q has no host", ref)
		}
	case "file":
		if u.Path == "" {
			return fmt.Errorf("source reference %q has no path", ref)
		}
	default:
		return fmt.Errorf("source reference %q has unsupported scheme %q", ref, u.Scheme)
	}
	return nil
}
