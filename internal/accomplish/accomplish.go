package accomplish

import (
	"context"
	"fmt"
	"time"

	"capman/internal/api"
	"capman/internal/report"
	"capman/internal/template"
	"capman/pkg/logging"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const subsystem = "Accomplish"

// AccomplishVerb names the meta-handler every deployment must register.
const AccomplishVerb = "ACCOMPLISH"

const (
	planCacheSize = 256
	planCacheTTL  = time.Hour
	// resolveTimeout bounds one meta-handler flight; the flight is detached
	// from the first caller's context so waiters survive its cancellation.
	resolveTimeout = 5 * time.Minute
)

// goalTemplate renders the prompt handed to the meta-handler.
const goalTemplate = `Handle the verb "{{ .Verb }}" with the following context:

{{ .Context | default "(no context provided)" | trunc 2000 }}

Return one of: a plan that accomplishes the goal, a direct answer, or a
request to create a new plugin. Do not use the verb "{{ .Verb }}" itself in
any plan step.`

// VerbState tracks where a verb is in its resolution lifecycle.
type VerbState string

const (
	StateUnresolved   VerbState = "unresolved"
	StatePlanned      VerbState = "planned"
	StateSynthesized  VerbState = "synthesized"
	StateUnresolvable VerbState = "unresolvable"
)

// Registry is the manifest lookup surface the workflow needs.
type Registry interface {
	FetchOneByVerb(verb, version string) *api.PluginManifest
}

// Preparer materializes a plugin bundle before execution.
type Preparer interface {
	PreparePluginForExecution(ctx context.Context, m *api.PluginManifest) (string, error)
}

// Runner executes a resolved plugin. Implemented by the executor.
type Runner interface {
	Execute(ctx context.Context, m *api.PluginManifest, inputs map[string]api.InputValue, bundleRoot, traceID string) []api.PluginOutput
}

// EngineerRequester asks the engineer service to synthesize a handler.
type EngineerRequester interface {
	RequestPlugin(ctx context.Context, verb string, context map[string]interface{}, guidance string) (string, error)
}

// Outcome is the resolution of an unknown verb: the outputs to hand back to
// the caller, and the synthesized manifest when a new handler was created.
type Outcome struct {
	Outputs  []api.PluginOutput
	Manifest *api.PluginManifest
	// FromCache marks plan-cache hits.
	FromCache bool
}

// Workflow owns the plan cache and the per-verb resolution locks.
type Workflow struct {
	registry Registry
	preparer Preparer
	runner   Runner
	engineer EngineerRequester

	planCache *expirable.LRU[string, api.PluginOutput]
	group     singleflight.Group
}

// New creates an unknown-verb workflow.
func New(registry Registry, preparer Preparer, runner Runner, engineer EngineerRequester) *Workflow {
	return &Workflow{
		registry:  registry,
		preparer:  preparer,
		runner:    runner,
		engineer:  engineer,
		planCache: expirable.NewLRU[string, api.PluginOutput](planCacheSize, nil, planCacheTTL),
	}
}

// HandleUnknownVerb resolves a verb that has no registered handler.
// Concurrent calls for the same verb coalesce into one meta-handler
// invocation.
func (w *Workflow) HandleUnknownVerb(ctx context.Context, verb, callerContext, traceID string) (*Outcome, error) {
	if cached, ok := w.planCache.Get(verb); ok {
		logging.DebugT(subsystem, traceID, "Plan cache hit for verb %s", verb)
		return &Outcome{Outputs: []api.PluginOutput{cached}, FromCache: true}, nil
	}

	// The flight outlives the first caller: a waiting caller must not be
	// failed by the originator's cancellation, so the resolution runs on a
	// detached context with its own deadline.
	flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
	defer cancel()
	v, err, shared := w.group.Do(verb, func() (interface{}, error) {
		// A concurrent caller may have filled the cache while this call
		// waited on the lock.
		if cached, ok := w.planCache.Get(verb); ok {
			return &Outcome{Outputs: []api.PluginOutput{cached}, FromCache: true}, nil
		}
		return w.resolve(flightCtx, verb, callerContext, traceID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logging.DebugT(subsystem, traceID, "Resolution of verb %s was shared with a concurrent caller", verb)
	}
	return v.(*Outcome), nil
}

func (w *Workflow) resolve(ctx context.Context, verb, callerContext, traceID string) (*Outcome, error) {
	manifest := w.registry.FetchOneByVerb(AccomplishVerb, "")
	if manifest == nil {
		return nil, report.New(report.CodeAccomplishManifestGone,
			"the ACCOMPLISH meta-handler manifest is not registered",
			report.Opts{Source: subsystem, TraceID: traceID, Severity: report.SeverityCritical, HTTPStatus: 500})
	}

	bundleRoot, err := w.preparer.PreparePluginForExecution(ctx, manifest)
	if err != nil {
		return nil, err
	}

	goal, err := template.RenderPrompt("goal", goalTemplate, map[string]string{
		"Verb":    verb,
		"Context": callerContext,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render goal prompt for %s: %w", verb, err)
	}

	inputs := map[string]api.InputValue{
		"goal":        {InputName: "goal", Value: goal, ValueType: api.TypeString},
		"verbToAvoid": {InputName: "verbToAvoid", Value: verb, ValueType: api.TypeString},
	}

	logging.InfoT(subsystem, traceID, "Invoking meta-handler for unknown verb %s", verb)
	outputs := w.runner.Execute(ctx, manifest, inputs, bundleRoot, traceID)
	if len(outputs) == 0 {
		return nil, report.Newf(report.CodeInternalError, subsystem,
			"meta-handler produced no outputs for verb %s", verb)
	}

	out := outputs[0]
	if !out.Success {
		if se, ok := out.Result.(*report.StructuredError); ok {
			return nil, se
		}
		return nil, report.New(report.CodeExecutionFailed,
			fmt.Sprintf("meta-handler failed for verb %s: %s", verb, out.Error),
			report.Opts{Source: subsystem, TraceID: traceID})
	}

	switch out.ResultType {
	case api.TypePlan, api.TypeString, api.TypeNumber, api.TypeBoolean:
		w.planCache.Add(verb, out)
		logging.InfoT(subsystem, traceID, "Cached %s resolution for verb %s", out.ResultType, verb)
		return &Outcome{Outputs: []api.PluginOutput{out}}, nil

	case api.TypePlugin:
		return w.synthesize(ctx, verb, callerContext, out, traceID)

	default:
		return nil, report.New(report.CodeInternalError,
			fmt.Sprintf("meta-handler answered verb %s with unexpected result type %q", verb, out.ResultType),
			report.Opts{Source: subsystem, TraceID: traceID, HTTPStatus: 500})
	}
}

// synthesize forwards a plugin request to the engineer and fetches the
// manifest it persisted.
func (w *Workflow) synthesize(ctx context.Context, verb, callerContext string, out api.PluginOutput, traceID string) (*Outcome, error) {
	if w.engineer == nil {
		return nil, report.Newf(report.CodeInternalError, subsystem,
			"no engineer service configured, cannot synthesize a handler for %s", verb)
	}

	guidance := fmt.Sprintf("%v", out.Result)
	pluginID, err := w.engineer.RequestPlugin(ctx, verb, map[string]interface{}{
		"context": callerContext,
		"traceId": traceID,
	}, guidance)
	if err != nil {
		return nil, report.New(report.CodeInternalError,
			fmt.Sprintf("engineer could not synthesize a handler for verb %s", verb),
			report.Opts{Source: subsystem, TraceID: traceID, Cause: err, HTTPStatus: 502})
	}

	manifest := w.registry.FetchOneByVerb(verb, "")
	if manifest == nil {
		return nil, report.New(report.CodePluginNotFound,
			fmt.Sprintf("engineer reported plugin %s for verb %s but no manifest is registered", pluginID, verb),
			report.Opts{Source: subsystem, TraceID: traceID, HTTPStatus: 500})
	}

	logging.InfoT(subsystem, traceID, "Verb %s resolved by synthesized plugin %s", verb, manifest.ID)
	return &Outcome{
		Manifest: manifest,
		Outputs: []api.PluginOutput{{
			Success:           true,
			Name:              "plugin",
			ResultType:        api.TypePlugin,
			Result:            manifest,
			ResultDescription: fmt.Sprintf("synthesized handler for %s", verb),
		}},
	}, nil
}

// StateOf reports the resolution state a verb would be in, derived from the
// cache and registry rather than tracked separately.
func (w *Workflow) StateOf(verb string) VerbState {
	if _, ok := w.planCache.Get(verb); ok {
		return StatePlanned
	}
	if w.registry.FetchOneByVerb(verb, "") != nil {
		return StateSynthesized
	}
	return StateUnresolved
}
