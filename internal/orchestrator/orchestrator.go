package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"capman/internal/accomplish"
	"capman/internal/api"
	"capman/internal/report"
	"capman/internal/validation"
	"capman/pkg/logging"

	"github.com/google/uuid"
)

const subsystem = "Orchestrator"

const (
	sweepInterval = time.Minute
	// staleAfter is the age past which an active operation or an idle
	// resource record is presumed leaked and swept.
	staleAfter = 30 * time.Minute
)

// Registry is the resolution and preparation surface the orchestrator needs.
type Registry interface {
	FetchOne(id, version string) *api.PluginManifest
	FetchAllVersionsByVerb(verb string) []*api.PluginManifest
	CheckPluginCompatibility(m *api.PluginManifest) error
	PreparePluginForExecution(ctx context.Context, m *api.PluginManifest) (string, error)
}

// Runner executes a resolved plugin. Implemented by the executor.
type Runner interface {
	Execute(ctx context.Context, m *api.PluginManifest, inputs map[string]api.InputValue, bundleRoot, traceID string) []api.PluginOutput
}

// UnknownVerbHandler resolves verbs with no registered manifest. Implemented
// by the accomplish workflow.
type UnknownVerbHandler interface {
	HandleUnknownVerb(ctx context.Context, verb, callerContext, traceID string) (*accomplish.Outcome, error)
}

// UsageRecorder receives one sample per completed invocation.
type UsageRecorder interface {
	RecordUsage(sample api.UsageSample)
}

// operation is one row of the active-operation table.
type operation struct {
	ID        string
	TraceID   string
	Verb      string
	StartedAt time.Time
	resources map[string]bool
}

// resourceRecord tracks whether a shared resource is held by a live
// operation.
type resourceRecord struct {
	InUse        bool
	LastAccessed time.Time
}

// Orchestrator owns the active-operation table and the resource records.
type Orchestrator struct {
	registry Registry
	runner   Runner
	unknown  UnknownVerbHandler
	usage    UsageRecorder

	mu         sync.Mutex
	operations map[string]*operation
	resources  map[string]*resourceRecord

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// Options wires an orchestrator.
type Options struct {
	Registry Registry
	Runner   Runner
	Unknown  UnknownVerbHandler
	Usage    UsageRecorder
}

// New creates an orchestrator. The stale sweeper is not started; call
// StartSweeper once the service is up.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		registry:   opts.Registry,
		runner:     opts.Runner,
		unknown:    opts.Unknown,
		usage:      opts.Usage,
		operations: map[string]*operation{},
		resources:  map[string]*resourceRecord{},
	}
}

// ExecuteAction runs one step through the full pipeline. It always returns
// at least one output; on failure the list holds the single error output and
// the structured error is returned alongside it for status mapping.
func (o *Orchestrator) ExecuteAction(ctx context.Context, step api.Step) ([]api.PluginOutput, *report.StructuredError) {
	traceID := step.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	opID := o.beginTransaction(traceID, step)
	logging.DebugT(subsystem, traceID, "Operation %s started for verb %s", opID, step.ActionVerb)

	outputs, err := o.run(ctx, opID, step, traceID)
	if err != nil {
		se := report.Ensure(err, report.CodeInternalError, subsystem, traceID)
		if se.TraceID == "" {
			se.TraceID = traceID
		}
		o.rollbackTransaction(opID)
		logging.ErrorT(subsystem, traceID, se, "Verb %s failed as %s", step.ActionVerb, Classify(se))
		return failureOutputs(se), se
	}

	o.commitTransaction(opID)

	// Executor failures arrive as error outputs, not Go errors. Surface the
	// embedded structured error so the caller boundary can map a status.
	if se := errorFromOutputs(outputs); se != nil {
		logging.WarnT(subsystem, traceID, "Verb %s returned a failure output: %s", step.ActionVerb, se.Code)
		return outputs, se
	}
	return outputs, nil
}

// run is the pipeline body; every error path rolls back in ExecuteAction.
func (o *Orchestrator) run(ctx context.Context, opID string, step api.Step, traceID string) ([]api.PluginOutput, error) {
	m, err := o.resolve(step, traceID)
	if err != nil {
		return nil, err
	}

	if m == nil {
		outcome, err := o.unknown.HandleUnknownVerb(ctx, step.ActionVerb, callerContext(step), traceID)
		if err != nil {
			return nil, err
		}
		if outcome.Manifest == nil {
			return outcome.Outputs, nil
		}
		// A handler was synthesized for the verb; run the original step
		// against it.
		m = outcome.Manifest
		logging.InfoT(subsystem, traceID, "Executing synthesized handler %s for verb %s", m.ID, step.ActionVerb)
	}

	res := validation.ValidateAndStandardizeInputs(m.InputDefinitions, step.InputValues)
	if !res.Success {
		res.Error.TraceID = traceID
		return nil, res.Error
	}

	// The step's mission identity wins over the host default; the executor
	// reads it back from the inputs during environment injection.
	if step.MissionID != "" {
		if _, present := res.Inputs["mission_id"]; !present {
			res.Inputs["mission_id"] = api.InputValue{
				InputName: "mission_id", Value: step.MissionID, ValueType: api.TypeString,
			}
		}
	}

	o.touchResource(opID, "plugin:"+m.ID)

	bundleRoot, err := o.registry.PreparePluginForExecution(ctx, m)
	if err != nil {
		return nil, err
	}
	if bundleRoot != "" {
		o.touchResource(opID, "bundle:"+bundleRoot)
	}

	start := time.Now()
	outputs := o.runner.Execute(ctx, m, res.Inputs, bundleRoot, traceID)
	o.usage.RecordUsage(api.UsageSample{
		PluginID:      m.ID,
		Verb:          m.Verb,
		Success:       errorFromOutputs(outputs) == nil,
		ExecutionTime: time.Since(start),
	})
	return outputs, nil
}

// resolve picks the manifest for a step. A nil manifest with a nil error
// means the verb is unknown and the accomplish path applies.
func (o *Orchestrator) resolve(step api.Step, traceID string) (*api.PluginManifest, error) {
	if step.PluginID != "" {
		m := o.registry.FetchOne(step.PluginID, step.PluginVersion)
		if m == nil {
			return nil, report.New(report.CodePluginVersionNotFound,
				fmt.Sprintf("plugin %s version %q is not registered", step.PluginID, step.PluginVersion),
				report.Opts{Source: subsystem, TraceID: traceID, HTTPStatus: 404})
		}
		if err := o.registry.CheckPluginCompatibility(m); err != nil {
			return nil, err
		}
		return m, nil
	}

	candidates := o.registry.FetchAllVersionsByVerb(step.ActionVerb)
	for _, m := range candidates {
		if o.registry.CheckPluginCompatibility(m) == nil {
			return m, nil
		}
	}
	if len(candidates) > 0 {
		return nil, report.New(report.CodePluginNotFound,
			fmt.Sprintf("no version of verb %s is compatible with this host", step.ActionVerb),
			report.Opts{Source: subsystem, TraceID: traceID, HTTPStatus: 404})
	}
	return nil, nil
}

// beginTransaction inserts an active-operation row and returns its id.
func (o *Orchestrator) beginTransaction(traceID string, step api.Step) string {
	opID := uuid.NewString()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.operations[opID] = &operation{
		ID:        opID,
		TraceID:   traceID,
		Verb:      step.ActionVerb,
		StartedAt: time.Now(),
		resources: map[string]bool{},
	}
	return opID
}

// touchResource attaches a resource to an operation and marks it in use.
func (o *Orchestrator) touchResource(opID, resourceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.operations[opID]
	if !ok {
		return
	}
	op.resources[resourceID] = true
	o.resources[resourceID] = &resourceRecord{InUse: true, LastAccessed: time.Now()}
}

// commitTransaction releases the operation's resources and drops its row.
// Idempotent: a second call is a no-op.
func (o *Orchestrator) commitTransaction(opID string) {
	o.release(opID)
}

// rollbackTransaction has the same release semantics as commit; it exists so
// call sites state their intent.
func (o *Orchestrator) rollbackTransaction(opID string) {
	o.release(opID)
}

func (o *Orchestrator) release(opID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.operations[opID]
	if !ok {
		return
	}
	now := time.Now()
	for rid := range op.resources {
		if rec, ok := o.resources[rid]; ok {
			rec.InUse = false
			rec.LastAccessed = now
		}
	}
	delete(o.operations, opID)
}

// StartSweeper runs the periodic stale scan until Close is called.
func (o *Orchestrator) StartSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	o.sweepCancel = cancel
	o.sweepDone = make(chan struct{})

	go func() {
		defer close(o.sweepDone)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.sweepOnce(time.Now())
			}
		}
	}()
}

// Close stops the sweeper.
func (o *Orchestrator) Close() {
	if o.sweepCancel == nil {
		return
	}
	o.sweepCancel()
	<-o.sweepDone
	o.sweepCancel = nil
}

// sweepOnce drops operations older than the stale threshold, releasing their
// resources, then drops resource records idle past the same threshold.
func (o *Orchestrator) sweepOnce(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for opID, op := range o.operations {
		if now.Sub(op.StartedAt) <= staleAfter {
			continue
		}
		logging.Warn(subsystem, "Sweeping stale operation %s (verb %s, started %s)",
			opID, op.Verb, op.StartedAt.Format(time.RFC3339))
		for rid := range op.resources {
			if rec, ok := o.resources[rid]; ok {
				rec.InUse = false
				rec.LastAccessed = now
			}
		}
		delete(o.operations, opID)
	}

	for rid, rec := range o.resources {
		if !rec.InUse && now.Sub(rec.LastAccessed) > staleAfter {
			delete(o.resources, rid)
		}
	}
}

// callerContext renders the step inputs into the free-form context handed to
// the unknown-verb workflow. An explicit "context" input wins.
func callerContext(step api.Step) string {
	if in, ok := step.InputValues["context"]; ok {
		if s, ok := in.Value.(string); ok {
			return s
		}
	}
	if len(step.InputValues) == 0 {
		return ""
	}
	raw, err := json.Marshal(step.InputValues)
	if err != nil {
		return ""
	}
	return string(raw)
}

// errorFromOutputs extracts the structured error from a failure output list.
// Returns nil when the outputs represent success.
func errorFromOutputs(outputs []api.PluginOutput) *report.StructuredError {
	if len(outputs) != 1 || outputs[0].Success {
		return nil
	}
	out := outputs[0]
	if out.ResultType != api.TypeError {
		return nil
	}
	if se, ok := out.Result.(*report.StructuredError); ok {
		return se
	}
	return report.Newf(report.CodeExecutionFailed, subsystem, "%s", out.Error)
}

// failureOutputs folds an error into the uniform single-element output list.
// The output name is the error code and the description is the message.
func failureOutputs(se *report.StructuredError) []api.PluginOutput {
	return []api.PluginOutput{{
		Success:           false,
		Name:              string(se.Code),
		ResultType:        api.TypeError,
		Result:            se,
		ResultDescription: se.Message,
		Error:             se.Message,
	}}
}
