package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"capman/internal/accomplish"
	"capman/internal/api"
	"capman/internal/registry"
	"capman/internal/report"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu          sync.Mutex
	manifests   []*api.PluginManifest
	hostVersion string
	prepared    []string
}

func (r *fakeRegistry) put(m *api.PluginManifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests = append(r.manifests, m)
}

func (r *fakeRegistry) FetchOne(id, version string) *api.PluginManifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *api.PluginManifest
	for _, m := range r.manifests {
		if m.ID != id {
			continue
		}
		if version != "" {
			if m.Version == version {
				return m
			}
			continue
		}
		if best == nil || registry.CompareVersions(m.Version, best.Version) > 0 {
			best = m
		}
	}
	return best
}

func (r *fakeRegistry) FetchAllVersionsByVerb(verb string) []*api.PluginManifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*api.PluginManifest
	for _, m := range r.manifests {
		if m.Verb == verb {
			all = append(all, m)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return registry.CompareVersions(all[i].Version, all[j].Version) > 0
	})
	return all
}

func (r *fakeRegistry) FetchOneByVerb(verb, version string) *api.PluginManifest {
	all := r.FetchAllVersionsByVerb(verb)
	for _, m := range all {
		if version == "" || m.Version == version {
			return m
		}
	}
	return nil
}

func (r *fakeRegistry) CheckPluginCompatibility(m *api.PluginManifest) error {
	if m.Compatibility == nil || m.Compatibility.MinHostVersion == "" {
		return nil
	}
	if registry.CompareVersions(r.hostVersion, m.Compatibility.MinHostVersion) < 0 {
		return report.New(report.CodeHostIncompatible,
			fmt.Sprintf("plugin %s requires host >= %s", m.ID, m.Compatibility.MinHostVersion),
			report.Opts{HTTPStatus: 404})
	}
	return nil
}

func (r *fakeRegistry) PreparePluginForExecution(ctx context.Context, m *api.PluginManifest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepared = append(r.prepared, m.ID)
	return "/bundles/" + m.ID, nil
}

type fakeRunner struct {
	mu           sync.Mutex
	calls        int
	lastManifest *api.PluginManifest
	lastInputs   map[string]api.InputValue
	respond      func(m *api.PluginManifest) []api.PluginOutput
}

func (r *fakeRunner) Execute(ctx context.Context, m *api.PluginManifest, inputs map[string]api.InputValue, bundleRoot, traceID string) []api.PluginOutput {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.lastManifest = m
	r.lastInputs = inputs
	if r.respond != nil {
		return r.respond(m)
	}
	return []api.PluginOutput{{
		Success: true, Name: "result", ResultType: api.TypeString, Result: "ok",
	}}
}

type fakeUsage struct {
	mu      sync.Mutex
	samples []api.UsageSample
}

func (u *fakeUsage) RecordUsage(sample api.UsageSample) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.samples = append(u.samples, sample)
}

type stubUnknown struct{}

func (stubUnknown) HandleUnknownVerb(ctx context.Context, verb, callerContext, traceID string) (*accomplish.Outcome, error) {
	return nil, report.Newf(report.CodeInternalError, "test", "unexpected unknown-verb call for %s", verb)
}

func manifest(id, verb, version string) *api.PluginManifest {
	return &api.PluginManifest{
		ID: id, Verb: verb, Version: version,
		Language:   api.LanguageSubprocess,
		EntryPoint: &api.EntryPoint{Main: "main.py"},
	}
}

func newTestOrchestrator() (*Orchestrator, *fakeRegistry, *fakeRunner, *fakeUsage) {
	reg := &fakeRegistry{hostVersion: "1.5.0"}
	runner := &fakeRunner{}
	usage := &fakeUsage{}
	o := New(Options{Registry: reg, Runner: runner, Unknown: stubUnknown{}, Usage: usage})
	return o, reg, runner, usage
}

func TestExecuteActionHappyPath(t *testing.T) {
	o, reg, runner, usage := newTestOrchestrator()
	reg.put(manifest("plugin-GREET", "GREET", "1.0.0"))

	outputs, se := o.ExecuteAction(context.Background(), api.Step{ActionVerb: "GREET"})

	require.Nil(t, se)
	require.Len(t, outputs, 1)
	assert.True(t, outputs[0].Success)
	assert.Equal(t, 1, runner.calls)
	assert.Equal(t, []string{"plugin-GREET"}, reg.prepared)

	require.Len(t, usage.samples, 1)
	assert.Equal(t, "plugin-GREET", usage.samples[0].PluginID)
	assert.True(t, usage.samples[0].Success)

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Empty(t, o.operations, "operation row deleted on commit")
	for rid, rec := range o.resources {
		assert.False(t, rec.InUse, "resource %s released", rid)
	}
}

func TestExecuteActionInternalVerb(t *testing.T) {
	// Seed scenario: an internal-language manifest short-circuits with the
	// sentinel output.
	o, reg, runner, _ := newTestOrchestrator()
	reg.put(&api.PluginManifest{ID: "plugin-CHAT", Verb: "CHAT", Version: "1.0.0", Language: api.LanguageInternal})
	runner.respond = func(m *api.PluginManifest) []api.PluginOutput {
		if m.Language == api.LanguageInternal {
			return []api.PluginOutput{{
				Success: true, Name: "internal_verb_detected",
				ResultType: api.TypeString, Result: "INTERNAL_VERB",
			}}
		}
		t.Fatalf("unexpected manifest %s", m.ID)
		return nil
	}

	outputs, se := o.ExecuteAction(context.Background(), api.Step{ActionVerb: "CHAT"})

	require.Nil(t, se)
	require.Len(t, outputs, 1)
	assert.Equal(t, "internal_verb_detected", outputs[0].Name)
	assert.Equal(t, "INTERNAL_VERB", outputs[0].Result)
}

func TestExecuteActionAliasMapping(t *testing.T) {
	o, reg, runner, _ := newTestOrchestrator()
	m := manifest("plugin-TRANSFORM", "TRANSFORM", "1.0.0")
	m.InputDefinitions = []api.InputDefinition{
		{Name: "script", Type: api.TypeString, Required: true, Aliases: []string{"code"}},
		{Name: "script_parameters", Type: api.TypeObject, Aliases: []string{"params"}},
	}
	reg.put(m)

	_, se := o.ExecuteAction(context.Background(), api.Step{
		ActionVerb: "TRANSFORM",
		InputValues: map[string]api.InputValue{
			"code":   {InputName: "code", Value: "print('hello')", ValueType: api.TypeString},
			"params": {InputName: "params", Value: map[string]interface{}{"k": "v"}, ValueType: api.TypeObject},
		},
	})

	require.Nil(t, se)
	assert.Contains(t, runner.lastInputs, "script")
	assert.Contains(t, runner.lastInputs, "script_parameters")
	assert.NotContains(t, runner.lastInputs, "code")
	assert.Equal(t, "print('hello')", runner.lastInputs["script"].Value)
}

func TestExecuteActionVersionSelection(t *testing.T) {
	// Host 1.5.0: v1.0.0 needs 2.0.0 and is skipped, v0.9.0 needs 1.0.0 and
	// wins.
	o, reg, runner, _ := newTestOrchestrator()
	incompatible := manifest("plugin-X", "X", "1.0.0")
	incompatible.Compatibility = &api.HostCompatibility{MinHostVersion: "2.0.0"}
	compatible := manifest("plugin-X", "X", "0.9.0")
	compatible.Compatibility = &api.HostCompatibility{MinHostVersion: "1.0.0"}
	reg.put(incompatible)
	reg.put(compatible)

	_, se := o.ExecuteAction(context.Background(), api.Step{ActionVerb: "X"})

	require.Nil(t, se)
	require.NotNil(t, runner.lastManifest)
	assert.Equal(t, "0.9.0", runner.lastManifest.Version)
}

func TestExecuteActionNoCompatibleVersion(t *testing.T) {
	o, reg, _, _ := newTestOrchestrator()
	m := manifest("plugin-X", "X", "1.0.0")
	m.Compatibility = &api.HostCompatibility{MinHostVersion: "9.0.0"}
	reg.put(m)

	outputs, se := o.ExecuteAction(context.Background(), api.Step{ActionVerb: "X"})

	require.NotNil(t, se)
	assert.Equal(t, report.CodePluginNotFound, se.Code)
	assert.Equal(t, 404, se.HTTPStatus)
	require.Len(t, outputs, 1)
	assert.False(t, outputs[0].Success)
	assert.Equal(t, api.TypeError, outputs[0].ResultType)
}

func TestExecuteActionExactPinMiss(t *testing.T) {
	o, reg, _, _ := newTestOrchestrator()
	reg.put(manifest("plugin-X", "X", "1.0.0"))

	_, se := o.ExecuteAction(context.Background(), api.Step{
		ActionVerb: "X", PluginID: "plugin-X", PluginVersion: "3.0.0",
	})

	require.NotNil(t, se)
	assert.Equal(t, report.CodePluginVersionNotFound, se.Code)
	assert.Equal(t, 404, se.HTTPStatus)

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Empty(t, o.operations, "operation released on rollback")
}

func TestExecuteActionValidationFailure(t *testing.T) {
	o, reg, runner, _ := newTestOrchestrator()
	m := manifest("plugin-X", "X", "1.0.0")
	m.InputDefinitions = []api.InputDefinition{{Name: "query", Type: api.TypeString, Required: true}}
	reg.put(m)

	outputs, se := o.ExecuteAction(context.Background(), api.Step{ActionVerb: "X", TraceID: "trace-9"})

	require.NotNil(t, se)
	assert.Equal(t, report.CodeInputValidationFailed, se.Code)
	assert.Equal(t, 400, se.HTTPStatus)
	assert.Equal(t, "trace-9", se.TraceID)
	assert.Equal(t, 0, runner.calls, "no execution after validation failure")
	require.Len(t, outputs, 1)
	assert.Equal(t, string(report.CodeInputValidationFailed), outputs[0].Name)
	assert.Equal(t, se.Message, outputs[0].ResultDescription)
}

func TestFailureOutputShape(t *testing.T) {
	se := report.New(report.CodeExecutionFailed, "boom", report.Opts{Source: "test"})

	outputs := failureOutputs(se)

	require.Len(t, outputs, 1)
	assert.False(t, outputs[0].Success)
	assert.Equal(t, api.TypeError, outputs[0].ResultType)
	assert.Equal(t, "PLUGIN_EXECUTION_FAILED", outputs[0].Name)
	assert.Equal(t, "boom", outputs[0].ResultDescription)
	assert.Equal(t, se, outputs[0].Result)
}

func TestExecuteActionRunnerFailurePropagates(t *testing.T) {
	o, reg, runner, usage := newTestOrchestrator()
	reg.put(manifest("plugin-X", "X", "1.0.0"))
	failed := report.New(report.CodeExecutionTimeout, "deadline exceeded",
		report.Opts{HTTPStatus: 500})
	runner.respond = func(*api.PluginManifest) []api.PluginOutput {
		return failureOutputs(failed)
	}

	outputs, se := o.ExecuteAction(context.Background(), api.Step{ActionVerb: "X"})

	require.NotNil(t, se)
	assert.Equal(t, report.CodeExecutionTimeout, se.Code)
	require.Len(t, outputs, 1)
	assert.False(t, outputs[0].Success)

	require.Len(t, usage.samples, 1)
	assert.False(t, usage.samples[0].Success, "failed runs count against the success rate")
}

func TestTransactionIdempotence(t *testing.T) {
	o, _, _, _ := newTestOrchestrator()

	opID := o.beginTransaction("trace-1", api.Step{ActionVerb: "X"})
	o.touchResource(opID, "plugin:p")

	o.commitTransaction(opID)
	o.commitTransaction(opID)
	o.rollbackTransaction(opID)

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Empty(t, o.operations)
	require.Contains(t, o.resources, "plugin:p")
	assert.False(t, o.resources["plugin:p"].InUse)
}

func TestTouchAfterReleaseIsIgnored(t *testing.T) {
	o, _, _, _ := newTestOrchestrator()

	opID := o.beginTransaction("trace-1", api.Step{ActionVerb: "X"})
	o.commitTransaction(opID)
	o.touchResource(opID, "plugin:late")

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.NotContains(t, o.resources, "plugin:late")
}

func TestStaleSweep(t *testing.T) {
	o, _, _, _ := newTestOrchestrator()

	opID := o.beginTransaction("trace-1", api.Step{ActionVerb: "X"})
	o.touchResource(opID, "plugin:p")

	// Young operations survive a sweep.
	o.sweepOnce(time.Now())
	o.mu.Lock()
	assert.Contains(t, o.operations, opID)
	o.mu.Unlock()

	// Past the threshold the operation is dropped and its resource freed.
	o.sweepOnce(time.Now().Add(31 * time.Minute))
	o.mu.Lock()
	assert.NotContains(t, o.operations, opID)
	require.Contains(t, o.resources, "plugin:p")
	assert.False(t, o.resources["plugin:p"].InUse)
	o.mu.Unlock()

	// A later sweep drops the idle resource record entirely.
	o.sweepOnce(time.Now().Add(62 * time.Minute))
	o.mu.Lock()
	defer o.mu.Unlock()
	assert.NotContains(t, o.resources, "plugin:p")
}

func TestUnknownVerbPlanIsCachedAcrossActions(t *testing.T) {
	// Seed scenario: the first NOVEL_VERB action invokes the meta-handler,
	// the second observes the cached plan.
	reg := &fakeRegistry{hostVersion: "1.5.0"}
	reg.put(manifest("plugin-ACCOMPLISH", accomplish.AccomplishVerb, "1.0.0"))

	plan := []interface{}{map[string]interface{}{"step": 1, "verb": "SEARCH"}}
	meta := &fakeRunner{respond: func(*api.PluginManifest) []api.PluginOutput {
		return []api.PluginOutput{{
			Success: true, Name: "plan", ResultType: api.TypePlan, Result: plan,
		}}
	}}
	workflow := accomplish.New(reg, reg, meta, nil)
	usage := &fakeUsage{}
	o := New(Options{Registry: reg, Runner: meta, Unknown: workflow, Usage: usage})

	step := api.Step{ActionVerb: "NOVEL_VERB"}
	first, se := o.ExecuteAction(context.Background(), step)
	require.Nil(t, se)
	second, se := o.ExecuteAction(context.Background(), step)
	require.Nil(t, se)

	assert.Equal(t, 1, meta.calls, "meta-handler invoked once")
	require.Len(t, first, 1)
	assert.Equal(t, api.TypePlan, first[0].ResultType)
	assert.Equal(t, first[0].Result, second[0].Result)
}

type synthesizingUnknown struct {
	manifest *api.PluginManifest
}

func (s *synthesizingUnknown) HandleUnknownVerb(ctx context.Context, verb, callerContext, traceID string) (*accomplish.Outcome, error) {
	return &accomplish.Outcome{Manifest: s.manifest}, nil
}

func TestSynthesizedHandlerRunsOriginalStep(t *testing.T) {
	reg := &fakeRegistry{hostVersion: "1.5.0"}
	runner := &fakeRunner{}
	usage := &fakeUsage{}
	synthesized := manifest("plugin-NOVEL", "NOVEL_VERB", "1.0.0")
	o := New(Options{
		Registry: reg,
		Runner:   runner,
		Unknown:  &synthesizingUnknown{manifest: synthesized},
		Usage:    usage,
	})

	outputs, se := o.ExecuteAction(context.Background(), api.Step{
		ActionVerb: "NOVEL_VERB",
		InputValues: map[string]api.InputValue{
			"q": {InputName: "q", Value: "hello", ValueType: api.TypeString},
		},
	})

	require.Nil(t, se)
	require.Len(t, outputs, 1)
	assert.True(t, outputs[0].Success)
	require.NotNil(t, runner.lastManifest)
	assert.Equal(t, "plugin-NOVEL", runner.lastManifest.ID)
	assert.Contains(t, runner.lastInputs, "q")
	require.Len(t, usage.samples, 1)
	assert.Equal(t, "plugin-NOVEL", usage.samples[0].PluginID)
}

func TestCallerContextPrefersContextInput(t *testing.T) {
	step := api.Step{InputValues: map[string]api.InputValue{
		"context": {InputName: "context", Value: "find recent papers", ValueType: api.TypeString},
		"limit":   {InputName: "limit", Value: 5, ValueType: api.TypeNumber},
	}}
	assert.Equal(t, "find recent papers", callerContext(step))

	delete(step.InputValues, "context")
	assert.Contains(t, callerContext(step), `"limit"`)

	assert.Equal(t, "", callerContext(api.Step{}))
}

func TestStepMissionIdentityReachesRunner(t *testing.T) {
	o, reg, runner, _ := newTestOrchestrator()
	reg.put(manifest("plugin-X", "X", "1.0.0"))

	_, se := o.ExecuteAction(context.Background(), api.Step{ActionVerb: "X", MissionID: "mission-42"})

	require.Nil(t, se)
	require.Contains(t, runner.lastInputs, "mission_id")
	assert.Equal(t, "mission-42", runner.lastInputs["mission_id"].Value)
}
