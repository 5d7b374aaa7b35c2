// Package logging provides the shared logging facility for the capabilities
// manager. All components log through the subsystem-tagged helpers in this
// package rather than using the standard library logger directly, which keeps
// output uniform and lets one request's log lines be correlated by trace ID.
package logging
