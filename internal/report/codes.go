package report

// ErrorCode is the stable flat namespace of failure codes. Clients match on
// these strings, so existing values never change meaning.
type ErrorCode string

const (
	// Validation family.
	CodeInputValidationFailed ErrorCode = "INPUT_VALIDATION_FAILED"
	CodeInvalidInput          ErrorCode = "INVALID_INPUT"
	CodeInvalidManifest       ErrorCode = "INVALID_MANIFEST"

	// Authentication family.
	CodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	CodeTokenMintFailed      ErrorCode = "TOKEN_MINT_FAILED"

	// Resolution family.
	CodePluginNotFound         ErrorCode = "PLUGIN_NOT_FOUND"
	CodePluginVersionNotFound  ErrorCode = "PLUGIN_VERSION_NOT_FOUND"
	CodeHostIncompatible       ErrorCode = "PLUGIN_HOST_INCOMPATIBLE"
	CodeAccomplishManifestGone ErrorCode = "ACCOMPLISH_PLUGIN_MANIFEST_NOT_FOUND"

	// Preparation family.
	CodePreparationFailed       ErrorCode = "PLUGIN_PREPARATION_FAILED"
	CodeGitCloneFailed          ErrorCode = "PLUGIN_GIT_CLONE_FAILED"
	CodeDependencyInstallFailed ErrorCode = "PLUGIN_DEPENDENCY_INSTALL_FAILED"

	// Execution family.
	CodeExecutionFailed            ErrorCode = "PLUGIN_EXECUTION_FAILED"
	CodeExecutionTimeout           ErrorCode = "PLUGIN_EXECUTION_TIMEOUT"
	CodePermissionValidationFailed ErrorCode = "PLUGIN_PERMISSION_VALIDATION_FAILED"
	CodeUnsupportedLanguage        ErrorCode = "UNSUPPORTED_LANGUAGE"
	CodeMalformedOutput            ErrorCode = "PLUGIN_OUTPUT_MALFORMED"
	CodeSignatureInvalid           ErrorCode = "PLUGIN_SIGNATURE_INVALID"
	CodeMCPServiceNotConfigured    ErrorCode = "MCP_SERVICE_NOT_CONFIGURED"
	CodeOpenAPIOperationNotFound   ErrorCode = "OPENAPI_OPERATION_NOT_FOUND"

	// Container family.
	CodeContainerBuildFailed     ErrorCode = "CONTAINER_BUILD_FAILED"
	CodeContainerStartFailed     ErrorCode = "CONTAINER_START_FAILED"
	CodeContainerExecutionFailed ErrorCode = "CONTAINER_EXECUTION_FAILED"
	CodeContainerStopFailed      ErrorCode = "CONTAINER_STOP_FAILED"
	CodeContainerNotFound        ErrorCode = "CONTAINER_NOT_FOUND"
	CodeContainerHealthFailed    ErrorCode = "CONTAINER_HEALTH_CHECK_FAILED"
	CodeNoAvailablePorts         ErrorCode = "NO_AVAILABLE_PORTS"

	// Artifact family.
	CodeArtifactNotFound     ErrorCode = "ARTIFACT_NOT_FOUND"
	CodeArtifactUploadFailed ErrorCode = "ARTIFACT_UPLOAD_FAILED"
	// CodeArtifactFileMissing is raised when artifact metadata exists but
	// the payload file is gone; this is an invariant violation.
	CodeArtifactFileMissing ErrorCode = "ARTIFACT_FILE_NOT_FOUND_DESPITE_METADATA"

	// Internal family.
	CodeInternalError ErrorCode = "INTERNAL_ERROR"
)
