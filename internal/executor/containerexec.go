package executor

import (
	"context"
	"fmt"

	"capman/internal/api"
	"capman/internal/container"
	"capman/internal/report"
	"capman/pkg/logging"
)

// runContainer executes a container plugin: build the image, start an
// instance, POST the invocation, and stop the instance on every exit path.
func (e *Executor) runContainer(ctx context.Context, m *api.PluginManifest, inputs map[string]api.InputValue, env map[string]string, bundleRoot, traceID string) ([]api.PluginOutput, error) {
	if e.containers == nil {
		return nil, report.Newf(report.CodeContainerStartFailed, subsystem,
			"no container manager configured, cannot run plugin %s", m.ID)
	}

	if err := e.containers.BuildImage(ctx, m, bundleRoot); err != nil {
		return nil, err
	}

	if m.Container != nil {
		for k, v := range m.Container.Environment {
			if _, set := env[k]; !set {
				env[k] = v
			}
		}
	}

	inst, err := e.containers.Start(ctx, m, env)
	if err != nil {
		return nil, err
	}
	defer func() {
		if stopErr := e.containers.Stop(context.WithoutCancel(ctx), inst.ID); stopErr != nil {
			logging.WarnT(subsystem, traceID, "Failed to stop instance %s: %v", inst.ID, stopErr)
		}
	}()

	endpoint := ""
	if m.API != nil {
		endpoint = m.API.Endpoint
	}
	endpoint, err = e.templates.ReplaceString(endpoint, flattenInputs(inputs))
	if err != nil {
		return nil, report.New(report.CodeContainerExecutionFailed,
			fmt.Sprintf("failed to render endpoint for plugin %s: %v", m.ID, err),
			report.Opts{Source: subsystem, TraceID: traceID})
	}
	result, err := e.containers.Execute(ctx, inst.ID, endpoint, container.ExecutionRequest{
		Inputs: inputs,
		Context: container.ExecutionContext{
			TraceID:  traceID,
			PluginID: m.ID,
			Version:  m.Version,
		},
	})
	if err != nil {
		return nil, err
	}

	if !result.Success {
		return nil, report.New(report.CodeContainerExecutionFailed,
			fmt.Sprintf("plugin %s container reported failure: %s", m.ID, result.Error),
			report.Opts{Source: subsystem, TraceID: traceID,
				Context: map[string]interface{}{"executionTime": result.ExecutionTime.String()}})
	}
	if err := validateOutputShape(result.Outputs); err != nil {
		return nil, report.New(report.CodeMalformedOutput,
			fmt.Sprintf("plugin %s container output shape invalid: %v", m.ID, err),
			report.Opts{Source: subsystem, TraceID: traceID})
	}

	logging.InfoT(subsystem, traceID, "Container plugin %s completed in %s", m.ID, result.ExecutionTime)
	return result.Outputs, nil
}
