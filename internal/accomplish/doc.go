// Package accomplish resolves verbs that have no registered handler.
//
// The workflow consults a plan cache, then invokes the ACCOMPLISH
// meta-handler with a rendered goal prompt. The meta-handler answers with a
// plan, a direct answer, or a request to synthesize a new plugin through the
// engineer service. Resolution is serialized per verb so concurrent callers
// trigger at most one meta-handler invocation.
package accomplish
