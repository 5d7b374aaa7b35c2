// Package server is the HTTP adapter over the orchestrator, registry and
// context manager. Handlers translate between JSON bodies and the internal
// types and map structured errors to status codes.
package server
