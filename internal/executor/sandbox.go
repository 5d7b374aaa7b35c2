package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"capman/internal/api"
	"capman/internal/report"
	"capman/pkg/logging"
	pkgstrings "capman/pkg/strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

// sandboxQuery is the document a sandbox script must define: a policy module
// in package plugin whose outputs rule yields the output list.
const sandboxQuery = "data.plugin.outputs"

// gatedBuiltins are denied unless the manifest sandbox options grant the
// corresponding API.
var gatedBuiltins = map[string]string{
	"http.send":          "net.fetch",
	"net.lookup_ip_addr": "net.fetch",
	"opa.runtime":        "env.read",
}

// runSandbox evaluates the plugin's policy module in-process under a
// capabilities allow-list derived from the manifest sandbox options.
func (e *Executor) runSandbox(ctx context.Context, m *api.PluginManifest, inputs map[string]api.InputValue, bundleRoot, traceID string) ([]api.PluginOutput, error) {
	source, err := os.ReadFile(filepath.Join(bundleRoot, m.EntryPoint.Main))
	if err != nil {
		return nil, report.New(report.CodeExecutionFailed,
			fmt.Sprintf("failed to read sandbox script for plugin %s", m.ID),
			report.Opts{Source: subsystem, TraceID: traceID, Cause: err})
	}

	timeout := defaultScriptTimeout
	opts := m.Security.Sandbox
	if opts != nil && opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pq, err := rego.New(
		rego.Query(sandboxQuery),
		rego.Module(m.EntryPoint.Main, string(source)),
		rego.Capabilities(sandboxCapabilities(opts)),
		rego.StrictBuiltinErrors(true),
	).PrepareForEval(evalCtx)
	if err != nil {
		return nil, report.New(report.CodeExecutionFailed,
			fmt.Sprintf("sandbox script for plugin %s failed to compile", m.ID),
			report.Opts{Source: subsystem, TraceID: traceID, Cause: err})
	}

	input := map[string]interface{}{
		"inputs": flattenInputs(inputs),
		"context": map[string]interface{}{
			"traceId":  traceID,
			"pluginId": m.ID,
			"version":  m.Version,
		},
	}

	start := time.Now()
	rs, err := pq.Eval(evalCtx, rego.EvalInput(input))
	if err != nil {
		code := report.CodeExecutionFailed
		if evalCtx.Err() == context.DeadlineExceeded {
			code = report.CodeExecutionTimeout
		}
		return nil, report.New(code,
			fmt.Sprintf("sandbox evaluation failed for plugin %s", m.ID),
			report.Opts{Source: subsystem, TraceID: traceID, Cause: err})
	}
	logging.DebugT(subsystem, traceID, "Sandbox evaluation of %s took %s", m.ID, time.Since(start))

	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, report.New(report.CodeMalformedOutput,
			fmt.Sprintf("sandbox script for plugin %s defined no %s document", m.ID, sandboxQuery),
			report.Opts{Source: subsystem, TraceID: traceID})
	}

	return decodeOutputs(rs[0].Expressions[0].Value, m.ID, traceID)
}

// sandboxCapabilities narrows the full builtin set: gated builtins survive
// only when the manifest grants their API.
func sandboxCapabilities(opts *api.SandboxOptions) *ast.Capabilities {
	allowed := map[string]bool{}
	if opts != nil {
		for _, a := range opts.AllowedAPIs {
			allowed[a] = true
		}
	}

	caps := ast.CapabilitiesForThisVersion()
	kept := make([]*ast.Builtin, 0, len(caps.Builtins))
	for _, b := range caps.Builtins {
		if gate, gated := gatedBuiltins[b.Name]; gated && !allowed[gate] {
			continue
		}
		kept = append(kept, b)
	}
	caps.Builtins = kept

	// Network egress stays shut unless fetching was granted.
	if !allowed["net.fetch"] {
		caps.AllowNet = []string{}
	}
	return caps
}

// flattenInputs projects the typed input map to plain name -> value.
func flattenInputs(inputs map[string]api.InputValue) map[string]interface{} {
	out := make(map[string]interface{}, len(inputs))
	for name, iv := range inputs {
		out[name] = iv.Value
	}
	return out
}

// decodeOutputs converts an evaluated document into the typed output list,
// enforcing the output shape contract.
func decodeOutputs(value interface{}, pluginID, traceID string) ([]api.PluginOutput, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, report.New(report.CodeMalformedOutput,
			fmt.Sprintf("outputs of plugin %s are not serializable", pluginID),
			report.Opts{Source: subsystem, TraceID: traceID, Cause: err})
	}

	var outputs []api.PluginOutput
	if err := json.Unmarshal(raw, &outputs); err != nil {
		return nil, report.New(report.CodeMalformedOutput,
			fmt.Sprintf("plugin %s did not produce a list of outputs: %s", pluginID, pkgstrings.Truncate(string(raw), 256)),
			report.Opts{Source: subsystem, TraceID: traceID, Cause: err})
	}
	if err := validateOutputShape(outputs); err != nil {
		return nil, report.New(report.CodeMalformedOutput,
			fmt.Sprintf("plugin %s output shape invalid: %v", pluginID, err),
			report.Opts{Source: subsystem, TraceID: traceID})
	}
	return outputs, nil
}

