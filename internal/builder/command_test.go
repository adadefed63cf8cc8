package builder

import (
	"context"
	"errors"
	"testing"
	"time"
)

func runCollect(t *testing.T, r *ShellRunner, command string) ([]Line, error) {
	t.Helper()
	lines := make(chan Line, 64)
	err := r.Run(context.Background(), t.TempDir(), command, lines)
	close(lines)

	var got []Line
	for l := range lines {
		got = append(got, l)
	}
	return got, err
}

func TestShellRunner_CapturesBothStreams(t *testing.T) {
	got, err := runCollect(t, &ShellRunner{}, "echo one; echo two; echo oops >&2")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var stdout, stderr []string
	for _, l := range got {
		if l.Stream == Stderr {
			stderr = append(stderr, l.Text)
		} else {
			stdout = append(stdout, l.Text)
		}
	}
	if len(stdout) != 2 || stdout[0] != "one" || stdout[1] != "two" {
		t.Errorf("stdout = %v, want [one two]", stdout)
	}
	if len(stderr) != 1 || stderr[0] != "oops" {
		t.Errorf("stderr = %v, want [oops]", stderr)
	}
}

func TestShellRunner_ExitCode(t *testing.T) {
	_, err := runCollect(t, &ShellRunner{}, "echo failing; exit 3")

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Run() error = %v, want CommandError", err)
	}
	if cmdErr.ExitCode != 3 || cmdErr.TimedOut {
		t.Errorf("CommandError = %+v, want exit code 3", cmdErr)
	}
}

func TestShellRunner_Timeout(t *testing.T) {
	start := time.Now()
	_, err := runCollect(t, &ShellRunner{Timeout: 200 * time.Millisecond}, "sleep 30")

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || !cmdErr.TimedOut {
		t.Fatalf("Run() error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("timed out command took %v to stop", elapsed)
	}
}
