package container

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"capman/pkg/logging"
)

const dockerSubsystem = "Docker"

// DockerRuntime implements ContainerRuntime using the docker CLI.
type DockerRuntime struct{}

// execCommandContext is a variable to allow mocking in tests.
var execCommandContext = exec.CommandContext

// NewDockerRuntime creates a new Docker runtime instance. It verifies that
// the docker binary exists and the daemon answers.
func NewDockerRuntime() (*DockerRuntime, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker command not found in PATH: %w", err)
	}

	cmd := execCommandContext(context.Background(), "docker", "info")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("docker daemon not accessible: %w", err)
	}

	return &DockerRuntime{}, nil
}

// BuildImage builds an image from the dockerfile inside contextDir and tags
// it. The build output is collected and surfaced on failure.
func (d *DockerRuntime) BuildImage(ctx context.Context, contextDir, dockerfile, tag string) error {
	logging.Info(dockerSubsystem, "Building image %s from %s", tag, contextDir)

	args := []string{"build", "-t", tag}
	if dockerfile != "" {
		args = append(args, "-f", filepath.Join(contextDir, dockerfile))
	}
	args = append(args, contextDir)

	cmd := execCommandContext(ctx, "docker", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to build image %s: %w\nOutput: %s", tag, err, strings.TrimSpace(string(output)))
	}

	logging.Debug(dockerSubsystem, "Built image %s", tag)
	return nil
}

// StartContainer creates and starts a container, returning the engine
// container id.
func (d *DockerRuntime) StartContainer(ctx context.Context, spec RunSpec) (string, error) {
	args := []string{"run", "-d", "--name", spec.Name}

	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	for _, port := range spec.Ports {
		args = append(args, "-p", port)
	}
	if spec.Memory != "" {
		args = append(args, "--memory", spec.Memory)
	}
	if spec.CPUShares > 0 {
		args = append(args, "--cpu-shares", strconv.Itoa(spec.CPUShares))
	}
	args = append(args, spec.Image)

	logging.Debug(dockerSubsystem, "Starting container with command: docker %s", strings.Join(args, " "))

	cmd := execCommandContext(ctx, "docker", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to start container: %w\nOutput: %s", err, strings.TrimSpace(string(output)))
	}

	containerID := strings.TrimSpace(string(output))
	logging.Info(dockerSubsystem, "Started container %s with ID %s", spec.Name, shortID(containerID))
	return containerID, nil
}

// StopContainer stops a running container with a grace period in seconds.
func (d *DockerRuntime) StopContainer(ctx context.Context, containerID string, graceSeconds int) error {
	logging.Info(dockerSubsystem, "Stopping container %s", shortID(containerID))

	cmd := execCommandContext(ctx, "docker", "stop", "-t", strconv.Itoa(graceSeconds), containerID)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", shortID(containerID), err)
	}
	return nil
}

// RemoveContainer force-removes a container.
func (d *DockerRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	logging.Debug(dockerSubsystem, "Removing container %s", shortID(containerID))

	cmd := execCommandContext(ctx, "docker", "rm", "-f", containerID)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", shortID(containerID), err)
	}
	return nil
}

// IsContainerRunning checks if a container is running.
func (d *DockerRuntime) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	cmd := execCommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", containerID)
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("failed to inspect container %s: %w", shortID(containerID), err)
	}
	return strings.TrimSpace(string(output)) == "true", nil
}

func shortID(containerID string) string {
	if len(containerID) > 12 {
		return containerID[:12]
	}
	return containerID
}
