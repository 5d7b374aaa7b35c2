// Package executor runs a resolved plugin against a set of validated inputs
// and returns the uniform output list.
//
// The pipeline validates inputs and declared permissions, loads per-plugin
// credentials, mints service tokens and injects the service environment, then
// dispatches on the manifest language: in-process policy sandbox, venv
// subprocess, managed container, OpenAPI remote, MCP remote, or the internal
// sentinel. Every failure surfaces as a single error-shaped output element.
package executor
