package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// CloneError represents a detailed error from a clone operation.
type CloneError struct {
	// GitURL is the URL that was being cloned
	GitURL string

	// GitRef is the ref that was being checked out
	GitRef string

	// Err is the underlying error
	Err error
}

// Error implements the error interface.
func (e *CloneError) Error() string {
	if e.GitRef != "" {
		return fmt.Sprintf("git clone of %s at %s failed: %v", e.GitURL, e.GitRef, e.Err)
	}
	return fmt.Sprintf("git clone of %s failed: %v", e.GitURL, e.Err)
}

// Unwrap returns the underlying error.
func (e *CloneError) Unwrap() error {
	return e.Err
}

// AsCloneError attempts to convert an error to a CloneError.
func AsCloneError(err error) (*CloneError, bool) {
	var cloneErr *CloneError
	ok := errors.As(err, &cloneErr)
	return cloneErr, ok
}

// CloneResult contains the result of a successful clone operation.
type CloneResult struct {
	// RepoPath is the path to the cloned repository
	RepoPath string

	// CommitSHA is the resolved HEAD commit
	CommitSHA string
}

// GitCloner clones repositories with go-git.
type GitCloner struct {
	// Depth limits history; zero clones everything.
	Depth int
}

// NewGitCloner returns a cloner doing shallow clones.
func NewGitCloner() *GitCloner {
	return &GitCloner{Depth: 1}
}

// Clone clones gitURL into destPath. A "#ref" suffix on the URL selects a
// branch to check out instead of the default branch.
func (c *GitCloner) Clone(ctx context.Context, gitURL, destPath string) (*CloneResult, error) {
	url, ref := splitRef(gitURL)

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, &CloneError{
			GitURL: url,
			GitRef: ref,
			Err:    fmt.Errorf("failed to create destination directory: %w", err),
		}
	}

	opts := &git.CloneOptions{URL: url, Depth: c.Depth}
	if ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
		opts.SingleBranch = true
	}

	repo, err := git.PlainCloneContext(ctx, destPath, false, opts)
	if err != nil {
		return nil, &CloneError{GitURL: url, GitRef: ref, Err: err}
	}

	head, err := repo.Head()
	if err != nil {
		return nil, &CloneError{
			GitURL: url,
			GitRef: ref,
			Err:    fmt.Errorf("failed to resolve HEAD: %w", err),
		}
	}

	return &CloneResult{
		RepoPath:  destPath,
		CommitSHA: head.Hash().String(),
	}, nil
}

func splitRef(gitURL string) (url, ref string) {
	if i := strings.LastIndex(gitURL, "#"); i > 0 {
		return gitURL[:i], gitURL[i+1:]
	}
	return gitURL, ""
}
