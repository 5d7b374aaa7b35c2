package accomplish

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"capman/internal/api"
	"capman/internal/report"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu        sync.Mutex
	manifests map[string]*api.PluginManifest
}

func (f *fakeRegistry) FetchOneByVerb(verb, version string) *api.PluginManifest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.manifests[verb]
}

func (f *fakeRegistry) put(m *api.PluginManifest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.manifests == nil {
		f.manifests = map[string]*api.PluginManifest{}
	}
	f.manifests[m.Verb] = m
}

type fakePreparer struct{}

func (fakePreparer) PreparePluginForExecution(ctx context.Context, m *api.PluginManifest) (string, error) {
	return "/bundles/" + m.ID, nil
}

type fakeRunner struct {
	calls   atomic.Int64
	delay   time.Duration
	outputs []api.PluginOutput
	lastIn  map[string]api.InputValue
}

func (f *fakeRunner) Execute(ctx context.Context, m *api.PluginManifest, inputs map[string]api.InputValue, bundleRoot, traceID string) []api.PluginOutput {
	f.calls.Add(1)
	f.lastIn = inputs
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.outputs
}

type fakeEngineer struct {
	registry *fakeRegistry
	manifest *api.PluginManifest
	calls    atomic.Int64
}

func (f *fakeEngineer) RequestPlugin(ctx context.Context, verb string, context map[string]interface{}, guidance string) (string, error) {
	f.calls.Add(1)
	// The engineer persists the manifest into the shared repository.
	f.registry.put(f.manifest)
	return f.manifest.ID, nil
}

func accomplishManifest() *api.PluginManifest {
	return &api.PluginManifest{
		ID: "plugin-ACCOMPLISH", Verb: AccomplishVerb, Version: "1.0.0",
		Language: api.LanguageSandbox, EntryPoint: &api.EntryPoint{Main: "main.rego"},
	}
}

func planOutput() api.PluginOutput {
	return api.PluginOutput{
		Success:    true,
		Name:       "plan",
		ResultType: api.TypePlan,
		Result:     []interface{}{map[string]interface{}{"actionVerb": "SEARCH"}},
	}
}

func TestPlanIsCached(t *testing.T) {
	reg := &fakeRegistry{}
	reg.put(accomplishManifest())
	runner := &fakeRunner{outputs: []api.PluginOutput{planOutput()}}
	w := New(reg, fakePreparer{}, runner, nil)

	first, err := w.HandleUnknownVerb(context.Background(), "ORGANIZE", "sort my files", "t-1")
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	require.Len(t, first.Outputs, 1)
	assert.Equal(t, api.TypePlan, first.Outputs[0].ResultType)

	second, err := w.HandleUnknownVerb(context.Background(), "ORGANIZE", "sort my files", "t-2")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, int64(1), runner.calls.Load(), "meta-handler invoked once")

	assert.Equal(t, StatePlanned, w.StateOf("ORGANIZE"))
}

func TestGoalPromptAvoidsVerbReuse(t *testing.T) {
	reg := &fakeRegistry{}
	reg.put(accomplishManifest())
	runner := &fakeRunner{outputs: []api.PluginOutput{planOutput()}}
	w := New(reg, fakePreparer{}, runner, nil)

	_, err := w.HandleUnknownVerb(context.Background(), "TRANSMOGRIFY", "turn it into a tiger", "t-1")
	require.NoError(t, err)

	goal, ok := runner.lastIn["goal"]
	require.True(t, ok)
	text := goal.Value.(string)
	assert.Contains(t, text, "TRANSMOGRIFY")
	assert.Contains(t, text, "turn it into a tiger")
	assert.True(t, strings.Contains(text, `Do not use the verb "TRANSMOGRIFY"`))

	avoid, ok := runner.lastIn["verbToAvoid"]
	require.True(t, ok)
	assert.Equal(t, "TRANSMOGRIFY", avoid.Value)
}

func TestConcurrentCallersShareOneInvocation(t *testing.T) {
	reg := &fakeRegistry{}
	reg.put(accomplishManifest())
	runner := &fakeRunner{outputs: []api.PluginOutput{planOutput()}, delay: 50 * time.Millisecond}
	w := New(reg, fakePreparer{}, runner, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.HandleUnknownVerb(context.Background(), "ANALYZE", "", "t-n")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), runner.calls.Load(), "one meta-handler invocation for concurrent callers")
}

type cancelAwareRunner struct {
	mu          sync.Mutex
	ctxErr      error
	hadDeadline bool
	outputs     []api.PluginOutput
}

func (f *cancelAwareRunner) Execute(ctx context.Context, m *api.PluginManifest, inputs map[string]api.InputValue, bundleRoot, traceID string) []api.PluginOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxErr = ctx.Err()
	_, f.hadDeadline = ctx.Deadline()
	return f.outputs
}

func TestFlightSurvivesCallerCancellation(t *testing.T) {
	reg := &fakeRegistry{}
	reg.put(accomplishManifest())
	runner := &cancelAwareRunner{outputs: []api.PluginOutput{planOutput()}}
	w := New(reg, fakePreparer{}, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := w.HandleUnknownVerb(ctx, "SEARCH_WEB", "", "t-1")
	require.NoError(t, err)
	require.Len(t, outcome.Outputs, 1)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.NoError(t, runner.ctxErr, "meta-handler context detached from the caller's cancellation")
	assert.True(t, runner.hadDeadline, "detached flight still carries its own deadline")
}

func TestMissingMetaHandlerIsCritical(t *testing.T) {
	w := New(&fakeRegistry{}, fakePreparer{}, &fakeRunner{}, nil)

	_, err := w.HandleUnknownVerb(context.Background(), "ANYTHING", "", "t-1")
	require.Error(t, err)
	se, ok := report.AsStructured(err)
	require.True(t, ok)
	assert.Equal(t, report.CodeAccomplishManifestGone, se.Code)
	assert.Equal(t, report.SeverityCritical, se.Severity)
}

func TestPluginSynthesis(t *testing.T) {
	reg := &fakeRegistry{}
	reg.put(accomplishManifest())
	synthesized := &api.PluginManifest{
		ID: "plugin-TRANSLATE", Verb: "TRANSLATE", Version: "1.0.0",
		Language: api.LanguageSubprocess, EntryPoint: &api.EntryPoint{Main: "main.py"},
	}
	engineer := &fakeEngineer{registry: reg, manifest: synthesized}
	runner := &fakeRunner{outputs: []api.PluginOutput{{
		Success:    true,
		Name:       "pluginRequest",
		ResultType: api.TypePlugin,
		Result:     "a plugin that translates text between languages",
	}}}
	w := New(reg, fakePreparer{}, runner, engineer)

	outcome, err := w.HandleUnknownVerb(context.Background(), "TRANSLATE", "english to dutch", "t-1")
	require.NoError(t, err)
	require.NotNil(t, outcome.Manifest)
	assert.Equal(t, "plugin-TRANSLATE", outcome.Manifest.ID)
	require.Len(t, outcome.Outputs, 1)
	assert.Equal(t, api.TypePlugin, outcome.Outputs[0].ResultType)
	assert.Equal(t, int64(1), engineer.calls.Load())

	assert.Equal(t, StateSynthesized, w.StateOf("TRANSLATE"))
}

func TestUnexpectedResultType(t *testing.T) {
	reg := &fakeRegistry{}
	reg.put(accomplishManifest())
	runner := &fakeRunner{outputs: []api.PluginOutput{{
		Success: true, Name: "odd", ResultType: api.TypeArray, Result: []int{1, 2},
	}}}
	w := New(reg, fakePreparer{}, runner, nil)

	_, err := w.HandleUnknownVerb(context.Background(), "WEIRD", "", "t-1")
	require.Error(t, err)
	se, ok := report.AsStructured(err)
	require.True(t, ok)
	assert.Equal(t, report.CodeInternalError, se.Code)
}

func TestMetaHandlerFailurePropagates(t *testing.T) {
	reg := &fakeRegistry{}
	reg.put(accomplishManifest())
	failed := report.New(report.CodeExecutionTimeout, "meta-handler timed out", report.Opts{Source: "test"})
	runner := &fakeRunner{outputs: []api.PluginOutput{{
		Success: false, Name: string(failed.Code), ResultType: api.TypeError,
		Result: failed, ResultDescription: failed.Message, Error: failed.Message,
	}}}
	w := New(reg, fakePreparer{}, runner, nil)

	_, err := w.HandleUnknownVerb(context.Background(), "SLOW", "", "t-1")
	require.Error(t, err)
	se, ok := report.AsStructured(err)
	require.True(t, ok)
	assert.Equal(t, report.CodeExecutionTimeout, se.Code)
}
