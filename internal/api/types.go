package api

import "time"

// PluginLanguage identifies the execution strategy for a plugin. The set is
// closed: dispatch in the executor is a switch over these tags.
type PluginLanguage string

const (
	// LanguageSandbox runs the entry point in-process inside a restricted
	// policy evaluator.
	LanguageSandbox PluginLanguage = "sandbox-script"
	// LanguageSubprocess spawns a language runtime from the bundle's virtual
	// environment as a child process.
	LanguageSubprocess PluginLanguage = "subprocess-script"
	// LanguageContainer runs the plugin as a long-lived container reached
	// over HTTP.
	LanguageContainer PluginLanguage = "container"
	// LanguageOpenAPI forwards the invocation to a remote HTTP endpoint
	// described by an OpenAPI document.
	LanguageOpenAPI PluginLanguage = "openapi"
	// LanguageMCP forwards the invocation to a remote MCP server.
	LanguageMCP PluginLanguage = "mcp"
	// LanguageInternal marks verbs the caller handles itself; execution
	// returns a sentinel output.
	LanguageInternal PluginLanguage = "internal"
)

// IsRemote reports whether the language executes outside this host entirely,
// meaning no bundle materialization or entry point is required.
func (l PluginLanguage) IsRemote() bool {
	return l == LanguageOpenAPI || l == LanguageMCP
}

// ValueType is the closed set of types an input or output value may carry.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeBoolean ValueType = "boolean"
	TypeObject  ValueType = "object"
	TypeArray   ValueType = "array"
	TypePlan    ValueType = "plan"
	TypePlugin  ValueType = "plugin"
	TypeError   ValueType = "error"
	TypeAny     ValueType = "any"
)

// InputValue is a single typed input as submitted by a caller or produced by
// the validator. Args carries auxiliary per-input settings verbatim.
type InputValue struct {
	InputName string                 `json:"inputName"`
	Value     interface{}            `json:"value"`
	ValueType ValueType              `json:"valueType"`
	Args      map[string]interface{} `json:"args,omitempty"`
}

// InputDefinition describes one input a plugin accepts.
type InputDefinition struct {
	Name        string   `json:"name"`
	Type        ValueType `json:"type"`
	Required    bool     `json:"required"`
	Aliases     []string `json:"aliases,omitempty"`
	Description string   `json:"description,omitempty"`
}

// OutputDefinition describes one output a plugin produces.
type OutputDefinition struct {
	Name        string    `json:"name"`
	Type        ValueType `json:"type"`
	Description string    `json:"description,omitempty"`
}

// PluginOutput is the uniform result element returned by every execution
// path. Failures are expressed as a single output with Success=false and
// ResultType=error.
type PluginOutput struct {
	Success           bool        `json:"success"`
	Name              string      `json:"name"`
	ResultType        ValueType   `json:"resultType"`
	Result            interface{} `json:"result"`
	ResultDescription string      `json:"resultDescription"`
	Error             string      `json:"error,omitempty"`
	MimeType          string      `json:"mimeType,omitempty"`
	FileName          string      `json:"fileName,omitempty"`
}

// Step is one caller-submitted action: a verb plus its typed inputs, with an
// optional pin to an exact plugin version.
type Step struct {
	ActionVerb  string                `json:"actionVerb"`
	InputValues map[string]InputValue `json:"inputValues"`
	// Optional exact plugin selection. When set, version resolution is
	// bypassed and the named version must exist.
	PluginID      string `json:"pluginId,omitempty"`
	PluginVersion string `json:"pluginVersion,omitempty"`
	TraceID       string `json:"traceId,omitempty"`
	MissionID     string `json:"missionId,omitempty"`
}

// HostCapabilities describes the host the registry matches manifests against.
type HostCapabilities struct {
	HostVersion string `json:"hostVersion"`
	HostAppName string `json:"hostAppName"`
}

// PluginLocator is the lightweight index entry kept per manifest.
type PluginLocator struct {
	ID             string `json:"id"`
	Verb           string `json:"verb"`
	RepositoryType string `json:"repositoryType"`
}

// UsageSample is one observation pushed to the context manager after an
// invocation completes.
type UsageSample struct {
	PluginID      string        `json:"pluginId"`
	Verb          string        `json:"verb"`
	Success       bool          `json:"success"`
	ExecutionTime time.Duration `json:"executionTime"`
}
