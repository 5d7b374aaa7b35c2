package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"capman/internal/api"
	"capman/internal/config"
	"capman/internal/container"
	"capman/internal/report"
	"capman/internal/template"
	"capman/internal/validation"
	"capman/pkg/logging"
)

const subsystem = "PluginExecutor"

// defaultScriptTimeout bounds sandbox and subprocess runs that declare no
// timeout of their own.
const defaultScriptTimeout = 60 * time.Second

// Reserved input keys carrying the minted tokens into the handler.
const (
	inputAuthToken      = "__auth_token"
	inputBrainAuthToken = "__brain_auth_token"
)

// Environment variable names for the minted tokens.
const (
	envCMToken    = "S7_CM_TOKEN"
	envBrainToken = "S7_BRAIN_TOKEN"
)

// TokenMinter mints service tokens for handler invocations. Implemented by
// the security manager client.
type TokenMinter interface {
	MintServiceToken(ctx context.Context, audience string) (string, error)
}

// ContainerManager is the container lifecycle surface the executor drives.
type ContainerManager interface {
	BuildImage(ctx context.Context, manifest *api.PluginManifest, bundleRoot string) error
	Start(ctx context.Context, manifest *api.PluginManifest, env map[string]string) (*container.Instance, error)
	Execute(ctx context.Context, instanceID, endpoint string, req container.ExecutionRequest) (*container.ExecutionResult, error)
	Stop(ctx context.Context, instanceID string) error
}

// Executor dispatches plugin invocations by language.
type Executor struct {
	cfg        config.Config
	configs    *config.Manager
	minter     TokenMinter
	containers ContainerManager
	templates  *template.Engine
}

// Options wires an Executor.
type Options struct {
	Config     config.Config
	Configs    *config.Manager
	Minter     TokenMinter
	Containers ContainerManager
}

// New creates an Executor.
func New(opts Options) *Executor {
	return &Executor{
		cfg:        opts.Config,
		configs:    opts.Configs,
		minter:     opts.Minter,
		containers: opts.Containers,
		templates:  template.New(),
	}
}

// Execute runs a plugin invocation end to end and always returns a non-empty
// output list; failures come back as a single error output.
func (e *Executor) Execute(ctx context.Context, m *api.PluginManifest, inputs map[string]api.InputValue, bundleRoot, traceID string) []api.PluginOutput {
	res := validation.ValidateAndStandardizeInputs(m.InputDefinitions, inputs)
	if !res.Success {
		res.Error.TraceID = traceID
		return failureOutputs(res.Error)
	}
	inputs = res.Inputs

	if m.Language == api.LanguageInternal {
		return []api.PluginOutput{{
			Success:    true,
			Name:       "internal_verb_detected",
			ResultType: api.TypeString,
			Result:     "INTERNAL_VERB",
		}}
	}

	env := map[string]string{}
	if !m.Language.IsRemote() {
		dangerous, err := api.ValidatePermissions(m.Security.Permissions)
		if err != nil {
			return failureOutputs(report.New(report.CodePermissionValidationFailed,
				err.Error(), report.Opts{Source: subsystem, TraceID: traceID, HTTPStatus: 403}))
		}
		for _, perm := range dangerous {
			logging.WarnT(subsystem, traceID, "Plugin %s uses dangerous permission %s", m.ID, perm)
		}

		if err := e.injectCredentials(ctx, m, env); err != nil {
			return failureOutputs(report.Ensure(err, report.CodeExecutionFailed, subsystem, traceID))
		}
		if err := e.injectTokens(ctx, inputs, env, traceID); err != nil {
			return failureOutputs(report.Ensure(err, report.CodeTokenMintFailed, subsystem, traceID))
		}
		e.injectServiceEnvironment(inputs, env)
	}

	outputs, err := e.dispatch(ctx, m, inputs, env, bundleRoot, traceID)
	if err != nil {
		return failureOutputs(report.Ensure(err, report.CodeExecutionFailed, subsystem, traceID))
	}
	if len(outputs) == 0 {
		return failureOutputs(report.New(report.CodeMalformedOutput,
			fmt.Sprintf("plugin %s produced no outputs", m.ID),
			report.Opts{Source: subsystem, TraceID: traceID}))
	}
	return outputs
}

func (e *Executor) dispatch(ctx context.Context, m *api.PluginManifest, inputs map[string]api.InputValue, env map[string]string, bundleRoot, traceID string) ([]api.PluginOutput, error) {
	logging.DebugT(subsystem, traceID, "Dispatching %s (%s) for verb %s", m.ID, m.Language, m.Verb)

	switch m.Language {
	case api.LanguageSandbox:
		return e.runSandbox(ctx, m, inputs, bundleRoot, traceID)
	case api.LanguageSubprocess:
		return e.runSubprocess(ctx, m, inputs, env, bundleRoot, traceID)
	case api.LanguageContainer:
		return e.runContainer(ctx, m, inputs, env, bundleRoot, traceID)
	case api.LanguageOpenAPI:
		return e.runOpenAPI(ctx, m, inputs, traceID)
	case api.LanguageMCP:
		return e.runMCP(ctx, m, inputs, traceID)
	default:
		return nil, report.New(report.CodeUnsupportedLanguage,
			fmt.Sprintf("no execution strategy for language %q", m.Language),
			report.Opts{Source: subsystem, TraceID: traceID, HTTPStatus: 400})
	}
}

// injectCredentials loads the plugin's stored configuration and resolves each
// item into the handler environment.
func (e *Executor) injectCredentials(ctx context.Context, m *api.PluginManifest, env map[string]string) error {
	if e.configs == nil {
		return nil
	}
	items, err := e.configs.GetPluginConfig(ctx, m.ID)
	if err != nil {
		return err
	}
	for _, item := range items {
		value, err := config.ResolveValue(item.Value)
		if err != nil {
			if item.Required {
				return fmt.Errorf("required configuration %s for plugin %s: %w", item.Key, m.ID, err)
			}
			logging.Warn(subsystem, "Skipping optional configuration %s for plugin %s: %v", item.Key, m.ID, err)
			continue
		}
		env[item.Key] = value
	}
	return nil
}

// injectTokens mints the caller and Brain tokens and places them both in the
// environment and under the reserved input keys.
func (e *Executor) injectTokens(ctx context.Context, inputs map[string]api.InputValue, env map[string]string, traceID string) error {
	if e.minter == nil {
		return nil
	}
	cmToken, err := e.minter.MintServiceToken(ctx, "")
	if err != nil {
		return err
	}
	brainToken, err := e.minter.MintServiceToken(ctx, "brain")
	if err != nil {
		return err
	}

	env[envCMToken] = cmToken
	env[envBrainToken] = brainToken
	inputs[inputAuthToken] = api.InputValue{InputName: inputAuthToken, Value: cmToken, ValueType: api.TypeString}
	inputs[inputBrainAuthToken] = api.InputValue{InputName: inputBrainAuthToken, Value: brainToken, ValueType: api.TypeString}
	logging.DebugT(subsystem, traceID, "Injected service tokens")
	return nil
}

// injectServiceEnvironment adds the collaborating service URLs and the
// mission identity to both the environment and any absent input keys.
func (e *Executor) injectServiceEnvironment(inputs map[string]api.InputValue, env map[string]string) {
	urls := map[string]string{
		"postoffice_url":     e.cfg.PostOfficeURL,
		"brain_url":          e.cfg.BrainURL,
		"librarian_url":      e.cfg.LibrarianURL,
		"missioncontrol_url": e.cfg.MissionControlURL,
	}
	for key, value := range urls {
		if value == "" {
			continue
		}
		env[strings.ToUpper(key)] = value
		if _, present := inputs[key]; !present {
			inputs[key] = api.InputValue{InputName: key, Value: value, ValueType: api.TypeString}
		}
	}
	// A mission_id input set by the caller wins over the host default.
	missionID := e.cfg.MissionID
	if iv, present := inputs["mission_id"]; present {
		if s, ok := iv.Value.(string); ok && s != "" {
			missionID = s
		}
	}
	if missionID != "" {
		env["MISSION_ID"] = missionID
		if _, present := inputs["mission_id"]; !present {
			inputs["mission_id"] = api.InputValue{InputName: "mission_id", Value: missionID, ValueType: api.TypeString}
		}
	}
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

// validateOutputShape checks that decoded plugin outputs satisfy the minimum
// contract: every element is named.
func validateOutputShape(outputs []api.PluginOutput) error {
	if len(outputs) == 0 {
		return fmt.Errorf("output list is empty")
	}
	for i, out := range outputs {
		if out.Name == "" {
			return fmt.Errorf("output %d has no name", i)
		}
	}
	return nil
}
