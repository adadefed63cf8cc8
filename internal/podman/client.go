// Package podman provides a client wrapper for launching containers with Podman.
package podman

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/narvanalabs/buildstream/pkg/logger"
)

// ResourceLimits defines resource constraints for a container.
type ResourceLimits struct {
	CPUQuota  float64 // CPU quota in cores (e.g., 0.5 = half a core)
	MemoryMB  int64   // Memory limit in megabytes
	PidsLimit int64   // Maximum number of PIDs
}

// ContainerConfig holds configuration for creating a container.
type ContainerConfig struct {
	Name        string
	Image       string
	Command     []string
	Env         map[string]string
	Labels      map[string]string
	Limits      *ResourceLimits
	NetworkMode string
	Remove      bool // Remove container after exit
}

// RunError is returned when podman rejects a run request.
type RunError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *RunError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("podman run failed (exit %d): %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("podman run failed: %v", e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Client provides methods for interacting with Podman.
type Client struct {
	binary string
	logger *logger.Logger
}

// NewClient creates a new Podman client. An empty binary means "podman" on PATH.
func NewClient(binary string, log *logger.Logger) *Client {
	if binary == "" {
		binary = "podman"
	}
	return &Client{
		binary: binary,
		logger: log.WithComponent("podman"),
	}
}

// ParseResourceLimits converts CPU and memory strings ("0.5", "512Mi", "1Gi")
// into limits. Empty values fall back to 0.5 CPU and 512MB.
func ParseResourceLimits(cpu, memory string) *ResourceLimits {
	limits := &ResourceLimits{CPUQuota: 0.5, MemoryMB: 512, PidsLimit: 200}

	if cpu != "" {
		var v float64
		fmt.Sscanf(cpu, "%f", &v)
		if v > 0 {
			limits.CPUQuota = v
		}
	}
	if memory != "" {
		limits.MemoryMB = parseMemoryToMB(memory)
	}

	// npm spawns many processes; scale with CPU.
	if limits.CPUQuota >= 2 {
		limits.PidsLimit = 1000
	} else if limits.CPUQuota >= 1 {
		limits.PidsLimit = 500
	}
	return limits
}

func parseMemoryToMB(mem string) int64 {
	mem = strings.TrimSpace(mem)

	var val float64
	switch {
	case strings.HasSuffix(mem, "Gi"):
		fmt.Sscanf(mem, "%fGi", &val)
		return int64(val * 1024)
	case strings.HasSuffix(mem, "G"):
		fmt.Sscanf(mem, "%fG", &val)
		return int64(val * 1024)
	case strings.HasSuffix(mem, "Mi"):
		fmt.Sscanf(mem, "%fMi", &val)
	case strings.HasSuffix(mem, "M"):
		fmt.Sscanf(mem, "%fM", &val)
	default:
		fmt.Sscanf(mem, "%f", &val)
	}
	if val > 0 {
		return int64(val)
	}
	return 512
}

// RunDetached starts a container in the background and returns its ID once
// podman has accepted it. It does not wait for the container to exit.
func (c *Client) RunDetached(ctx context.Context, cfg *ContainerConfig) (string, error) {
	args := buildRunArgs(cfg, true)
	c.logger.Debug("starting podman container",
		"name", cfg.Name,
		"image", cfg.Image,
	)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		runErr := &RunError{ExitCode: -1, Stderr: strings.TrimSpace(stderr.String()), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			runErr.ExitCode = exitErr.ExitCode()
		}
		return "", runErr
	}

	id := strings.TrimSpace(stdout.String())
	if i := strings.LastIndexByte(id, '\n'); i >= 0 {
		id = id[i+1:]
	}
	c.logger.Info("container started", "name", cfg.Name, "container_id", id)
	return id, nil
}

// ImageExists checks if an image exists locally.
func (c *Client) ImageExists(ctx context.Context, image string) (bool, error) {
	cmd := exec.CommandContext(ctx, c.binary, "image", "exists", image)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("checking image %s: %w", image, err)
	}
	return true, nil
}

// buildRunArgs constructs the podman run command arguments.
func buildRunArgs(cfg *ContainerConfig, detach bool) []string {
	args := []string{"run"}

	if detach {
		args = append(args, "--detach")
	}

	if cfg.Name != "" {
		args = append(args, "--name", cfg.Name)
	}

	if cfg.Remove {
		args = append(args, "--rm")
	}

	if cfg.NetworkMode != "" {
		args = append(args, "--network", cfg.NetworkMode)
	}

	// Sorted for a stable command line.
	for _, k := range sortedKeys(cfg.Labels) {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, cfg.Labels[k]))
	}
	for _, k := range sortedKeys(cfg.Env) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, cfg.Env[k]))
	}

	if cfg.Limits != nil {
		if cfg.Limits.CPUQuota > 0 {
			// Period is 100000 microseconds (100ms), quota is proportional
			period := 100000
			quota := int(cfg.Limits.CPUQuota * float64(period))
			args = append(args, "--cpu-period", fmt.Sprintf("%d", period))
			args = append(args, "--cpu-quota", fmt.Sprintf("%d", quota))
		}
		if cfg.Limits.MemoryMB > 0 {
			args = append(args, "--memory", fmt.Sprintf("%dm", cfg.Limits.MemoryMB))
		}
		if cfg.Limits.PidsLimit > 0 {
			args = append(args, "--pids-limit", fmt.Sprintf("%d", cfg.Limits.PidsLimit))
		}
	}

	args = append(args, cfg.Image)
	args = append(args, cfg.Command...)
	return args
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
