// Package registry resolves action verbs to plugin manifests and prepares
// plugin bundles for execution.
//
// The registry owns two in-memory indices, id -> version -> manifest and
// verb -> plugin ids, populated from one or more Repository backends at
// startup and kept current on store/delete. Version resolution follows
// semver: the highest version wins, ties broken by newest insertion.
//
// Bundle preparation materializes git-sourced plugins into a
// content-addressed cache directory keyed by plugin id and commit (or
// sanitized branch). Concurrent preparations of the same key are coalesced
// through a singleflight group, and subprocess plugins additionally get a
// Python virtual environment with an md5-stamped dependency marker.
package registry
