// Package config holds the process configuration of the capabilities
// manager and the storage for per-plugin configuration records.
//
// Config is built once at startup from the environment and passed explicitly
// to every component; there is no ambient global. Per-plugin configuration
// (credential references, tunables) lives in a Manager seeded from the
// librarian service when available and falling back to local YAML storage.
package config
