package builder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Stream identifies which output stream a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// Line is one line of process output.
type Line struct {
	Stream Stream
	Text   string
}

// CommandError is returned when the build command fails or times out.
type CommandError struct {
	Command  string
	ExitCode int
	TimedOut bool
	Err      error
}

func (e *CommandError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("command %q timed out", e.Command)
	}
	if e.ExitCode > 0 {
		return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ShellRunner runs commands through sh -c.
type ShellRunner struct {
	// Shell is the interpreter; defaults to /bin/sh.
	Shell string
	// Timeout bounds each run; zero means no limit.
	Timeout time.Duration
}

// Run executes command in dir and sends every output line to lines in the
// order it was read from its stream. It returns after the process has exited
// and both streams are drained. lines is not closed.
func (r *ShellRunner) Run(ctx context.Context, dir, command string, lines chan<- Line) error {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = dir
	// The whole process group is killed so that children like npm do not
	// outlive the timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &CommandError{Command: command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &CommandError{Command: command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &CommandError{Command: command, Err: fmt.Errorf("failed to start: %w", err)}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go scanLines(&wg, stdout, Stdout, lines)
	go scanLines(&wg, stderr, Stderr, lines)
	wg.Wait()

	err = cmd.Wait()
	if err == nil {
		return nil
	}

	cmdErr := &CommandError{Command: command, ExitCode: -1, Err: err}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cmdErr.TimedOut = true
		return cmdErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cmdErr.ExitCode = exitErr.ExitCode()
	}
	return cmdErr
}

func scanLines(wg *sync.WaitGroup, r io.Reader, stream Stream, lines chan<- Line) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines <- Line{Stream: stream, Text: scanner.Text()}
	}
	// Keep draining after an oversized line so the process never blocks on a full pipe.
	io.Copy(io.Discard, r)
}
