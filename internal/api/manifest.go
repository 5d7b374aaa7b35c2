package api

import "time"

// PackageSourceType identifies how a plugin bundle is obtained.
type PackageSourceType string

const (
	// PackageSourceInline means the bundle already exists under the service's
	// local plugin directory.
	PackageSourceInline PackageSourceType = "inline"
	// PackageSourceGit means the bundle is cloned from a git repository into
	// the content-addressed cache.
	PackageSourceGit PackageSourceType = "git"
)

// PackageSource describes where a plugin's files come from.
type PackageSource struct {
	Type PackageSourceType `json:"type"`
	// Path is the bundle directory for inline sources, relative to the
	// service plugin root.
	Path string `json:"path,omitempty"`
	// Git source fields.
	URL        string `json:"url,omitempty"`
	Branch     string `json:"branch,omitempty"`
	CommitHash string `json:"commitHash,omitempty"`
	SubPath    string `json:"subPath,omitempty"`
}

// EntryPoint names the main file of a plugin bundle.
type EntryPoint struct {
	Main string `json:"main"`
	// Optional additional files the plugin declares, name -> relative path.
	Files map[string]string `json:"files,omitempty"`
}

// PortMapping maps a container port to an optional fixed host port. When
// HostPort is zero the container manager allocates one from its pool.
type PortMapping struct {
	ContainerPort int `json:"containerPort"`
	HostPort      int `json:"hostPort,omitempty"`
}

// HealthCheck configures the readiness probe for a container plugin.
type HealthCheck struct {
	Path           string `json:"path"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// ContainerConfig carries the container-language configuration of a manifest.
type ContainerConfig struct {
	Image        string            `json:"image"`
	Dockerfile   string            `json:"dockerfile"`
	BuildContext string            `json:"buildContext,omitempty"`
	Ports        []PortMapping     `json:"ports,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	// Memory is a docker-style size string such as "100m" or "1g".
	Memory string `json:"memory,omitempty"`
	// CPU is a share factor; 1.0 maps to 1024 engine CPU shares.
	CPU         float64      `json:"cpu,omitempty"`
	HealthCheck *HealthCheck `json:"healthCheck,omitempty"`
}

// AuthConfigType enumerates the authentication schemes remote plugins use.
type AuthConfigType string

const (
	AuthNone   AuthConfigType = "none"
	AuthAPIKey AuthConfigType = "apiKey"
	AuthBearer AuthConfigType = "bearer"
	AuthBasic  AuthConfigType = "basic"
)

// AuthConfig describes how requests to a remote plugin are authenticated.
// Credential values are indirect: they name an environment variable or a
// credential from the plugin's stored configuration, never a literal secret.
type AuthConfig struct {
	Type AuthConfigType `json:"type"`
	// In is "header" or "query" for apiKey auth.
	In string `json:"in,omitempty"`
	// Name is the header or query parameter name for apiKey auth.
	Name string `json:"name,omitempty"`
	// CredentialRef resolves via the config store, e.g. "env:MY_API_KEY".
	CredentialRef string `json:"credentialRef,omitempty"`
}

// APIConfig carries the HTTP configuration for container and openapi
// plugins: the endpoint a container serves, or the remote OpenAPI target.
type APIConfig struct {
	// Endpoint is the request path (container plugins default to /execute).
	Endpoint string `json:"endpoint,omitempty"`
	Method   string `json:"method,omitempty"`
	// BaseURL and SpecPath locate an OpenAPI remote.
	BaseURL  string `json:"baseUrl,omitempty"`
	SpecPath string `json:"specPath,omitempty"`
	// OperationID selects the OpenAPI operation; falls back to the verb.
	OperationID    string      `json:"operationId,omitempty"`
	TimeoutSeconds int         `json:"timeoutSeconds,omitempty"`
	Authentication *AuthConfig `json:"authentication,omitempty"`
}

// MCPConfig carries the remote MCP configuration of a manifest. The service
// URL is resolved from the MCP_SERVICE_<NAME>_URL environment variable.
type MCPConfig struct {
	ServiceName    string      `json:"serviceName"`
	Tool           string      `json:"tool,omitempty"`
	Authentication *AuthConfig `json:"authentication,omitempty"`
}

// SandboxOptions constrains in-process sandbox-script execution.
type SandboxOptions struct {
	TimeoutMs      int      `json:"timeoutMs,omitempty"`
	MemoryLimitMB  int      `json:"memoryLimitMb,omitempty"`
	AllowedModules []string `json:"allowedModules,omitempty"`
	AllowedAPIs    []string `json:"allowedApis,omitempty"`
}

// SecurityConfig declares what a plugin is allowed to do and how its bundle
// is trusted.
type SecurityConfig struct {
	Permissions    []string        `json:"permissions,omitempty"`
	Sandbox        *SandboxOptions `json:"sandbox,omitempty"`
	TrustSignature string          `json:"trustSignature,omitempty"`
}

// HostCompatibility states the minimum host a manifest supports.
type HostCompatibility struct {
	MinHostVersion string `json:"minHostVersion,omitempty"`
	HostAppName    string `json:"hostAppName,omitempty"`
}

// PluginManifest is the immutable description of one handler version.
// (ID, Version) is unique; a verb may map to many (ID, Version) pairs.
type PluginManifest struct {
	ID          string         `json:"id"`
	Verb        string         `json:"verb"`
	Version     string         `json:"version"`
	Description string         `json:"description,omitempty"`
	// Category loosely groups plugins for context ranking ("search",
	// "files", ...). Free-form, optional.
	Category string         `json:"category,omitempty"`
	Language PluginLanguage `json:"language"`

	EntryPoint        *EntryPoint        `json:"entryPoint,omitempty"`
	InputDefinitions  []InputDefinition  `json:"inputDefinitions,omitempty"`
	OutputDefinitions []OutputDefinition `json:"outputDefinitions,omitempty"`

	PackageSource *PackageSource `json:"packageSource,omitempty"`
	Container     *ContainerConfig `json:"container,omitempty"`
	API           *APIConfig       `json:"api,omitempty"`
	MCP           *MCPConfig       `json:"mcp,omitempty"`

	Security      SecurityConfig     `json:"security,omitempty"`
	Compatibility *HostCompatibility `json:"compatibility,omitempty"`

	// Repository is the backend type the manifest was loaded from; set by
	// the registry, not by manifest authors.
	Repository string `json:"repository,omitempty"`
	// InsertedAt orders manifests with equal semver across plugin IDs.
	InsertedAt time.Time `json:"insertedAt,omitempty"`
}

// Locator returns the lightweight index entry for this manifest.
func (m *PluginManifest) Locator() PluginLocator {
	return PluginLocator{ID: m.ID, Verb: m.Verb, RepositoryType: m.Repository}
}
