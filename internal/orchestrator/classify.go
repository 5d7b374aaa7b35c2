package orchestrator

import (
	"strings"

	"capman/internal/report"
)

// Error categories reported to callers and logs. Clients group failures by
// these, so the set is closed.
const (
	CategoryValidation      = "validation_error"
	CategoryAuthentication  = "authentication_error"
	CategoryPluginExecution = "plugin_execution_error"
	CategoryUnknownVerb     = "unknown_verb"
	CategoryBrainService    = "brain_service_error"
	CategoryJSONParse       = "json_parse_error"
	CategoryGeneric         = "generic_error"
)

// codeCategories is the fixed error-code mapping. It always takes precedence
// over message matching.
var codeCategories = map[report.ErrorCode]string{
	report.CodeInputValidationFailed:      CategoryValidation,
	report.CodeInvalidInput:               CategoryValidation,
	report.CodeInvalidManifest:            CategoryValidation,
	report.CodePermissionValidationFailed: CategoryValidation,

	report.CodeAuthenticationFailed: CategoryAuthentication,
	report.CodeTokenMintFailed:      CategoryAuthentication,

	report.CodePluginNotFound:         CategoryUnknownVerb,
	report.CodePluginVersionNotFound:  CategoryUnknownVerb,
	report.CodeHostIncompatible:       CategoryUnknownVerb,
	report.CodeAccomplishManifestGone: CategoryUnknownVerb,

	report.CodeMalformedOutput: CategoryJSONParse,

	report.CodePreparationFailed:        CategoryPluginExecution,
	report.CodeGitCloneFailed:           CategoryPluginExecution,
	report.CodeDependencyInstallFailed:  CategoryPluginExecution,
	report.CodeExecutionFailed:          CategoryPluginExecution,
	report.CodeExecutionTimeout:         CategoryPluginExecution,
	report.CodeUnsupportedLanguage:      CategoryPluginExecution,
	report.CodeSignatureInvalid:         CategoryPluginExecution,
	report.CodeMCPServiceNotConfigured:  CategoryPluginExecution,
	report.CodeOpenAPIOperationNotFound: CategoryPluginExecution,

	report.CodeContainerBuildFailed:     CategoryPluginExecution,
	report.CodeContainerStartFailed:     CategoryPluginExecution,
	report.CodeContainerExecutionFailed: CategoryPluginExecution,
	report.CodeContainerStopFailed:      CategoryPluginExecution,
	report.CodeContainerNotFound:        CategoryPluginExecution,
	report.CodeContainerHealthFailed:    CategoryPluginExecution,
	report.CodeNoAvailablePorts:         CategoryPluginExecution,
}

// messagePatterns is the fallback vocabulary matched against lowercased
// error messages when no code mapping applies. Order matters: first hit
// wins.
var messagePatterns = []struct {
	substring string
	category  string
}{
	{"validation", CategoryValidation},
	{"invalid input", CategoryValidation},
	{"required input", CategoryValidation},
	{"unauthorized", CategoryAuthentication},
	{"authentication", CategoryAuthentication},
	{"token", CategoryAuthentication},
	{"unknown verb", CategoryUnknownVerb},
	{"no handler", CategoryUnknownVerb},
	{"not found", CategoryUnknownVerb},
	{"brain", CategoryBrainService},
	{"json", CategoryJSONParse},
	{"unmarshal", CategoryJSONParse},
	{"parse", CategoryJSONParse},
	{"execution", CategoryPluginExecution},
	{"plugin", CategoryPluginExecution},
}

// Classify maps an error to its category. Structured error codes take
// precedence; otherwise the message is matched against the pattern
// vocabulary.
func Classify(err error) string {
	if err == nil {
		return CategoryGeneric
	}
	msg := err.Error()
	if se, ok := report.AsStructured(err); ok {
		if category, ok := codeCategories[se.Code]; ok {
			return category
		}
		msg = se.Message
	}
	lower := strings.ToLower(msg)
	for _, p := range messagePatterns {
		if strings.Contains(lower, p.substring) {
			return p.category
		}
	}
	return CategoryGeneric
}
