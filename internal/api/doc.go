// Package api defines the shared domain types of the capabilities manager:
// plugin manifests, input/output definitions, steps, and plugin outputs.
//
// Components exchange these types only; they never reach into each other's
// internals. Cross-component collaboration happens through narrow interfaces
// declared by the consumer (see the executor's TokenMinter or the accomplish
// workflow's EngineerRequester), so the ownership graph stays a DAG.
//
// The package also provides the standardized typed errors (NotFoundError)
// used by all resolution paths.
package api
