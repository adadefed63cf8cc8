// Package builder runs one deployment's build: it clones the source, runs
// the install and build command, and uploads the output, narrating every
// step as log lines on the transport.
package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/narvanalabs/buildstream/internal/metrics"
	"github.com/narvanalabs/buildstream/internal/models"
	"github.com/narvanalabs/buildstream/pkg/logger"
)

// ErrorPrefix marks lines read from the build command's standard error.
const ErrorPrefix = "ERROR: "

// Emitter receives the job's narrative and status updates.
type Emitter interface {
	Emit(ctx context.Context, line string) error
	EmitStatus(ctx context.Context, status models.DeploymentStatus) error
}

// Cloner fetches source into a workspace directory.
type Cloner interface {
	Clone(ctx context.Context, gitURL, destPath string) (*CloneResult, error)
}

// Runner runs the build command, sending output lines to lines.
type Runner interface {
	Run(ctx context.Context, dir, command string, lines chan<- Line) error
}

// Config configures a Job.
type Config struct {
	// WorkDir is the workspace the source is cloned into.
	WorkDir string
	// OutputDir is the build output directory, relative to WorkDir.
	OutputDir string
	// Command is the install and build command run in WorkDir.
	Command string
	// LineBuffer bounds the queue between the command's output readers and
	// the emitter.
	LineBuffer int
}

// DefaultConfig returns the default job configuration.
func DefaultConfig() Config {
	return Config{
		WorkDir:    "/home/app/output",
		OutputDir:  "dist",
		Command:    "npm install && npm run build",
		LineBuffer: 256,
	}
}

// Outcome is the result of one state: either continue to the next state or
// abort the job.
type Outcome struct {
	abort bool
	err   error
}

// Continue lets the job proceed.
func Continue() Outcome { return Outcome{} }

// Abort fails the job with err.
func Abort(err error) Outcome { return Outcome{abort: true, err: err} }

// Aborted reports whether the job must stop.
func (o Outcome) Aborted() bool { return o.abort }

// Err returns the error that aborted the job.
func (o Outcome) Err() error { return o.err }

// Result summarizes a finished job.
type Result struct {
	// State is SUCCEEDED or FAILED.
	State models.BuildState
	// Visited lists the states entered, in order.
	Visited []models.BuildState
	// CommandExitCode is the build command's exit code, or -1 when it did
	// not run to completion.
	CommandExitCode int
	Uploaded        int
	UploadFailures  int
	Err             error
}

// ExitCode is the process exit code for the job.
func (r Result) ExitCode() int {
	if r.State == models.BuildStateSucceeded {
		return 0
	}
	return 1
}

// Job is the build state machine of one deployment.
type Job struct {
	params   models.JobParams
	cfg      Config
	emitter  Emitter
	cloner   Cloner
	runner   Runner
	uploader Uploader
	logger   *logger.Logger
}

// NewJob creates a job. A nil cloner skips fetching and only checks that the
// workspace exists, for workers whose entrypoint clones the source.
func NewJob(params models.JobParams, cfg Config, emitter Emitter, cloner Cloner, runner Runner, uploader Uploader, log *logger.Logger) *Job {
	if cfg.LineBuffer <= 0 {
		cfg.LineBuffer = DefaultConfig().LineBuffer
	}
	return &Job{
		params:   params,
		cfg:      cfg,
		emitter:  emitter,
		cloner:   cloner,
		runner:   runner,
		uploader: uploader,
		logger:   log.WithComponent("buildjob").WithDeployment(params.DeploymentID),
	}
}

// Run drives the job from CLONE to a terminal state.
func (j *Job) Run(ctx context.Context) Result {
	result := Result{CommandExitCode: -1}
	j.status(ctx, models.DeploymentStatusInProgress)
	j.say(ctx, "Build Started...")

	state := models.BuildStateClone
	for !state.IsTerminal() {
		result.Visited = append(result.Visited, state)
		j.logger.Info("entering state", "state", state)

		var out Outcome
		var next models.BuildState
		switch state {
		case models.BuildStateClone:
			out, next = j.clone(ctx), models.BuildStateInstallBuild
		case models.BuildStateInstallBuild:
			out, next = j.build(ctx, &result), models.BuildStateUpload
		case models.BuildStateUpload:
			out, next = j.upload(ctx, &result), models.BuildStateSucceeded
		default:
			out = Abort(fmt.Errorf("unknown state %s", state))
		}

		if out.Aborted() {
			result.Err = out.Err()
			j.logger.Error("build job failed", "state", state, "error", out.Err())
			state = models.BuildStateFailed
			break
		}
		state = next
	}

	result.State = state
	result.Visited = append(result.Visited, state)
	if state == models.BuildStateSucceeded {
		j.say(ctx, "All upload and logging operations completed. Deployment ready.")
	} else {
		j.say(ctx, "Deployment failed.")
	}
	j.status(ctx, state.DeploymentStatus())
	return result
}

func (j *Job) clone(ctx context.Context) Outcome {
	if j.cloner != nil {
		j.say(ctx, "Cloning repository "+j.params.SourceRef)
		res, err := j.cloner.Clone(ctx, j.params.SourceRef, j.cfg.WorkDir)
		if err != nil {
			j.say(ctx, "Error: "+err.Error())
			return Abort(err)
		}
		j.say(ctx, fmt.Sprintf("Cloned repository at commit %s", shortSHA(res.CommitSHA)))
	} else {
		j.say(ctx, "Using workspace "+j.cfg.WorkDir)
	}

	if info, err := os.Stat(j.cfg.WorkDir); err != nil || !info.IsDir() {
		j.say(ctx, fmt.Sprintf("Error: Output directory not found: %s. Git clone might have failed.", j.cfg.WorkDir))
		return Abort(fmt.Errorf("workspace %s missing after clone", j.cfg.WorkDir))
	}
	return Continue()
}

func (j *Job) build(ctx context.Context, result *Result) Outcome {
	j.say(ctx, "Build process started...")
	j.say(ctx, "Running build command: "+j.cfg.Command)

	lines := make(chan Line, j.cfg.LineBuffer)
	done := make(chan error, 1)
	start := time.Now()
	go func() {
		done <- j.runner.Run(ctx, j.cfg.WorkDir, j.cfg.Command, lines)
		close(lines)
	}()

	for line := range lines {
		if line.Stream == Stderr {
			j.say(ctx, ErrorPrefix+line.Text)
		} else {
			j.say(ctx, line.Text)
		}
	}

	err := <-done
	if err == nil {
		result.CommandExitCode = 0
		j.say(ctx, "Child process exited with code 0")
		j.say(ctx, "Build process completed successfully.")
		j.logger.Info("build command succeeded", "duration", time.Since(start))
		return Continue()
	}

	var cmdErr *CommandError
	switch {
	case errors.As(err, &cmdErr) && cmdErr.TimedOut:
		j.say(ctx, fmt.Sprintf("Build process timed out after %s.", time.Since(start).Round(time.Second)))
	case errors.As(err, &cmdErr) && cmdErr.ExitCode >= 0:
		result.CommandExitCode = cmdErr.ExitCode
		j.say(ctx, fmt.Sprintf("Child process exited with code %d", cmdErr.ExitCode))
		j.say(ctx, fmt.Sprintf("Build process failed with exit code %d.", cmdErr.ExitCode))
	default:
		j.say(ctx, "Failed to start child process: "+err.Error())
	}
	return Abort(err)
}

func (j *Job) upload(ctx context.Context, result *Result) Outcome {
	j.say(ctx, "Upload process started...")

	root := filepath.Join(j.cfg.WorkDir, j.cfg.OutputDir)
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		j.say(ctx, fmt.Sprintf("Error: '%s' directory not found at %s. Build might have failed or created files elsewhere.", j.cfg.OutputDir, root))
		return Abort(fmt.Errorf("output directory %s missing", root))
	}

	files, err := collectArtifacts(root)
	if err != nil {
		j.say(ctx, "Error: failed to read output directory: "+err.Error())
		return Abort(err)
	}

	j.say(ctx, fmt.Sprintf("Found %d items in %s folder.", len(files), j.cfg.OutputDir))
	if len(files) == 0 {
		j.say(ctx, fmt.Sprintf("No files found in '%s' folder to upload.", j.cfg.OutputDir))
	}

	for _, f := range files {
		j.say(ctx, "Uploading file: "+f.rel)
		key := ArtifactKey(j.params.ProjectID, f.rel)
		if err := j.uploader.Upload(ctx, key, f.path, ContentType(f.path)); err != nil {
			result.UploadFailures++
			metrics.IncUpload(false)
			j.logger.Warn("upload failed", "key", key, "error", err)
			j.say(ctx, fmt.Sprintf("Error uploading %s: %v", f.rel, err))
			continue
		}
		result.Uploaded++
		metrics.IncUpload(true)
		j.say(ctx, "Successfully uploaded: "+f.rel)
	}

	if result.UploadFailures > 0 {
		j.say(ctx, fmt.Sprintf("%d of %d files failed to upload.", result.UploadFailures, len(files)))
	}
	return Continue()
}

func (j *Job) say(ctx context.Context, line string) {
	j.logger.Debug(line)
	if err := j.emitter.Emit(ctx, line); err != nil {
		j.logger.Warn("failed to emit log line", "error", err)
	}
}

func (j *Job) status(ctx context.Context, status models.DeploymentStatus) {
	if err := j.emitter.EmitStatus(ctx, status); err != nil {
		j.logger.Warn("failed to emit status", "status", status, "error", err)
	}
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
