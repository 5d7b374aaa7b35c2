// Package container manages the lifecycle of container-language plugins:
// image builds, host port allocation, startup with readiness probing,
// HTTP execution against the running container, and teardown.
//
// The engine is reached through the ContainerRuntime interface; the default
// implementation shells out to the docker CLI. A background monitor probes
// active instances and records their health.
package container
