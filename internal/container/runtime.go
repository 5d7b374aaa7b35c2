package container

import "context"

// RunSpec holds the engine-level configuration for starting a container.
type RunSpec struct {
	Name  string
	Image string
	Env   map[string]string
	// Ports are engine-style mappings, "hostPort:containerPort".
	Ports []string
	// Memory is a docker-style size string such as "100m" or "1g".
	Memory string
	// CPUShares is the relative weight passed to the engine; the manager
	// derives it from the manifest CPU factor (factor x 1024).
	CPUShares int
}

// ContainerRuntime defines the engine operations the manager needs.
type ContainerRuntime interface {
	// BuildImage builds an image from a dockerfile inside the build context
	// and tags it.
	BuildImage(ctx context.Context, contextDir, dockerfile, tag string) error

	// StartContainer creates and starts a container, returning the engine
	// container id.
	StartContainer(ctx context.Context, spec RunSpec) (string, error)

	// StopContainer stops a running container with the given grace period in
	// seconds.
	StopContainer(ctx context.Context, containerID string, graceSeconds int) error

	// RemoveContainer force-removes a container.
	RemoveContainer(ctx context.Context, containerID string) error

	// IsContainerRunning checks if a container is running.
	IsContainerRunning(ctx context.Context, containerID string) (bool, error)
}
