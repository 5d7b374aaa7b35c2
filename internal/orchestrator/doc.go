// Package orchestrator drives one action invocation end to end: resolve a
// handler for the verb, validate the inputs, prepare the bundle, execute,
// and record usage, all inside a transaction that releases its resources on
// both success and failure.
package orchestrator
