package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"capman/internal/api"
	"capman/internal/report"
	"capman/pkg/logging"
	pkgstrings "capman/pkg/strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// mcpCaller is the slice of an MCP client session the executor needs.
type mcpCaller interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	Close() error
}

// newMCPCaller is a variable to allow stubbing the transport in tests.
var newMCPCaller = connectMCP

// runMCP forwards the invocation to the remote MCP service named by the
// manifest. The service URL comes from MCP_SERVICE_<NAME>_URL.
func (e *Executor) runMCP(ctx context.Context, m *api.PluginManifest, inputs map[string]api.InputValue, traceID string) ([]api.PluginOutput, error) {
	if m.MCP == nil || m.MCP.ServiceName == "" {
		return nil, report.Newf(report.CodeMCPServiceNotConfigured, subsystem,
			"plugin %s has no MCP configuration", m.ID)
	}

	envKey := mcpServiceEnvKey(m.MCP.ServiceName)
	serviceURL := os.Getenv(envKey)
	if serviceURL == "" {
		return nil, report.New(report.CodeMCPServiceNotConfigured,
			fmt.Sprintf("MCP service %q is not configured, set %s", m.MCP.ServiceName, envKey),
			report.Opts{Source: subsystem, TraceID: traceID, HTTPStatus: 502})
	}

	session, err := newMCPCaller(ctx, serviceURL)
	if err != nil {
		return nil, report.New(report.CodeExecutionFailed,
			fmt.Sprintf("failed to connect to MCP service %s", m.MCP.ServiceName),
			report.Opts{Source: subsystem, TraceID: traceID, Cause: err})
	}
	defer session.Close()

	tool := m.MCP.Tool
	if tool == "" {
		tool = strings.ToLower(m.Verb)
	}
	// Tool name and arguments may reference other inputs as {{ name }}.
	args := flattenInputs(inputs)
	tool, err = e.templates.ReplaceString(tool, args)
	if err == nil {
		var rendered interface{}
		rendered, err = e.templates.Replace(args, args)
		if err == nil {
			args = rendered.(map[string]interface{})
		}
	}
	if err != nil {
		return nil, report.New(report.CodeExecutionFailed,
			fmt.Sprintf("failed to render MCP arguments for plugin %s: %v", m.ID, err),
			report.Opts{Source: subsystem, TraceID: traceID})
	}
	result, err := session.CallTool(ctx, tool, args)
	if err != nil {
		return nil, report.New(report.CodeExecutionFailed,
			fmt.Sprintf("MCP tool %s failed on service %s", tool, m.MCP.ServiceName),
			report.Opts{Source: subsystem, TraceID: traceID, Cause: err})
	}

	text := textFromResult(result)
	if result.IsError {
		return nil, report.New(report.CodeExecutionFailed,
			fmt.Sprintf("MCP tool %s reported an error: %s", tool, pkgstrings.Truncate(text, 512)),
			report.Opts{Source: subsystem, TraceID: traceID})
	}

	logging.DebugT(subsystem, traceID, "MCP tool %s on %s answered", tool, m.MCP.ServiceName)
	return mapMCPResponse(m, text), nil
}

// mcpServiceEnvKey normalizes a service name into its URL variable,
// e.g. "search-service" -> MCP_SERVICE_SEARCH_SERVICE_URL.
func mcpServiceEnvKey(name string) string {
	normalized := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
	return "MCP_SERVICE_" + normalized + "_URL"
}

// connectMCP opens a streamable HTTP session and performs the protocol
// handshake.
func connectMCP(ctx context.Context, serviceURL string) (mcpCaller, error) {
	mcpClient, err := client.NewStreamableHttpClient(serviceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamable-http client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP transport: %w", err)
	}

	_, err = mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo: mcp.Implementation{
				Name:    "capman",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("MCP initialization failed: %w", err)
	}

	return &mcpSession{client: mcpClient}, nil
}

type mcpSession struct {
	client *client.Client
}

func (s *mcpSession) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return s.client.CallTool(ctx, mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      name,
			Arguments: args,
		},
	})
}

func (s *mcpSession) Close() error {
	return s.client.Close()
}

func textFromResult(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if textContent, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, textContent.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// mapMCPResponse projects the tool's text response onto the action's output
// definitions: a JSON object response feeds named outputs, anything else
// becomes a single string output.
func mapMCPResponse(m *api.PluginManifest, text string) []api.PluginOutput {
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(text), &decoded); err == nil && len(m.OutputDefinitions) > 0 {
		outputs := make([]api.PluginOutput, 0, len(m.OutputDefinitions))
		for _, def := range m.OutputDefinitions {
			value, present := decoded[def.Name]
			if !present {
				continue
			}
			outputs = append(outputs, api.PluginOutput{
				Success:           true,
				Name:              def.Name,
				ResultType:        def.Type,
				Result:            value,
				ResultDescription: def.Description,
			})
		}
		if len(outputs) > 0 {
			return outputs
		}
	}

	name := "result"
	if len(m.OutputDefinitions) > 0 {
		name = m.OutputDefinitions[0].Name
	}
	return []api.PluginOutput{{
		Success:           true,
		Name:              name,
		ResultType:        api.TypeString,
		Result:            text,
		ResultDescription: fmt.Sprintf("response of %s", m.Verb),
	}}
}
