package orchestrator

import (
	"errors"
	"testing"

	"capman/internal/report"

	"github.com/stretchr/testify/assert"
)

func TestClassifyByCode(t *testing.T) {
	cases := []struct {
		code report.ErrorCode
		want string
	}{
		{report.CodeInputValidationFailed, CategoryValidation},
		{report.CodeTokenMintFailed, CategoryAuthentication},
		{report.CodePluginNotFound, CategoryUnknownVerb},
		{report.CodeHostIncompatible, CategoryUnknownVerb},
		{report.CodeMalformedOutput, CategoryJSONParse},
		{report.CodeExecutionTimeout, CategoryPluginExecution},
		{report.CodeContainerBuildFailed, CategoryPluginExecution},
	}
	for _, tc := range cases {
		se := report.Newf(tc.code, "test", "boom")
		assert.Equal(t, tc.want, Classify(se), "code %s", tc.code)
	}
}

func TestClassifyCodeBeatsMessage(t *testing.T) {
	// The message mentions json but the code mapping wins.
	se := report.Newf(report.CodeTokenMintFailed, "test", "json response missing token")
	assert.Equal(t, CategoryAuthentication, Classify(se))
}

func TestClassifyByMessage(t *testing.T) {
	cases := []struct {
		message string
		want    string
	}{
		{"input validation failed on field x", CategoryValidation},
		{"request was unauthorized", CategoryAuthentication},
		{"brain service returned 502", CategoryBrainService},
		{"cannot unmarshal number into string", CategoryJSONParse},
		{"plugin crashed", CategoryPluginExecution},
		{"disk quota exceeded", CategoryGeneric},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(errors.New(tc.message)), "message %q", tc.message)
	}
}

func TestClassifyNil(t *testing.T) {
	assert.Equal(t, CategoryGeneric, Classify(nil))
}
