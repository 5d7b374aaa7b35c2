// Package app wires the service together: configuration, clients, registry,
// container manager, executor, unknown-verb workflow, orchestrator and HTTP
// server, with a Run loop that owns startup and graceful shutdown.
package app
