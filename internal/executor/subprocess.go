package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"capman/internal/api"
	"capman/internal/registry"
	"capman/internal/report"
	"capman/pkg/logging"
	pkgstrings "capman/pkg/strings"
)

// execCommandContext is a variable to allow mocking in tests.
var execCommandContext = exec.CommandContext

// killGrace is how long a timed-out subprocess gets between cancellation and
// a hard kill.
const killGrace = 5 * time.Second

// maxScriptOutput bounds what a subprocess may write on each stream.
const maxScriptOutput = 10 << 20

// runSubprocess spawns the bundle's venv runtime with the entry point and the
// bundle root as arguments, feeds the inputs on stdin and decodes the output
// list from stdout.
func (e *Executor) runSubprocess(ctx context.Context, m *api.PluginManifest, inputs map[string]api.InputValue, env map[string]string, bundleRoot, traceID string) ([]api.PluginOutput, error) {
	python := registry.VenvBinary(bundleRoot, "python")
	if _, err := os.Stat(python); err != nil {
		// No venv means the bundle declared no dependencies.
		python = "python3"
	}

	stdin, err := encodeInputPairs(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode inputs for plugin %s: %w", m.ID, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, defaultScriptTimeout)
	defer cancel()

	entry := filepath.Join(bundleRoot, m.EntryPoint.Main)
	cmd := execCommandContext(runCtx, python, entry, bundleRoot)
	cmd.Dir = bundleRoot
	cmd.Env = append(os.Environ(), flattenEnv(env)...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.WaitDelay = killGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, n: maxScriptOutput}
	cmd.Stderr = &limitedWriter{w: &stderr, n: maxScriptOutput}

	start := time.Now()
	err = cmd.Run()
	logging.DebugT(subsystem, traceID, "Subprocess %s finished in %s", m.ID, time.Since(start))

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, report.New(report.CodeExecutionTimeout,
			fmt.Sprintf("plugin %s exceeded its %s deadline", m.ID, defaultScriptTimeout),
			report.Opts{Source: subsystem, TraceID: traceID,
				Context: map[string]interface{}{"stderr": pkgstrings.Truncate(stderr.String(), 2048)}})
	}
	if err != nil {
		return nil, report.New(report.CodeExecutionFailed,
			fmt.Sprintf("plugin %s exited with an error", m.ID),
			report.Opts{Source: subsystem, TraceID: traceID, Cause: err,
				Context: map[string]interface{}{"stderr": pkgstrings.Truncate(stderr.String(), 2048)}})
	}

	var outputs []api.PluginOutput
	if err := json.Unmarshal(stdout.Bytes(), &outputs); err != nil {
		return nil, report.New(report.CodeMalformedOutput,
			fmt.Sprintf("plugin %s wrote malformed output: %s", m.ID, pkgstrings.Truncate(stdout.String(), 256)),
			report.Opts{Source: subsystem, TraceID: traceID, Cause: err,
				Context: map[string]interface{}{"stderr": pkgstrings.Truncate(stderr.String(), 2048)}})
	}
	if err := validateOutputShape(outputs); err != nil {
		return nil, report.New(report.CodeMalformedOutput,
			fmt.Sprintf("plugin %s output shape invalid: %v", m.ID, err),
			report.Opts{Source: subsystem, TraceID: traceID})
	}
	return outputs, nil
}

// encodeInputPairs renders the stdin wire format, a JSON list of
// [name, inputValue] pairs in stable name order.
func encodeInputPairs(inputs map[string]api.InputValue) ([]byte, error) {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([][2]interface{}, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, [2]interface{}{name, inputs[name]})
	}
	return json.Marshal(pairs)
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// limitedWriter keeps the first n bytes and silently drops the rest, so a
// runaway plugin cannot exhaust memory.
type limitedWriter struct {
	w *bytes.Buffer
	n int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if remaining := lw.n - lw.w.Len(); remaining > 0 {
		if len(p) > remaining {
			lw.w.Write(p[:remaining])
		} else {
			lw.w.Write(p)
		}
	}
	return len(p), nil
}
