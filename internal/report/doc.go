// Package report constructs the structured errors used throughout the
// capabilities manager. The reporter is purely constructive: it neither logs
// nor panics. Callers decide whether a structured error is fatal for the
// invocation or handled locally.
package report
