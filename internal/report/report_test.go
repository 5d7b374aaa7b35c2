package report

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	se := New(CodeExecutionFailed, "plugin crashed", Opts{Source: "Executor"})

	assert.NotEmpty(t, se.ID)
	assert.False(t, se.Timestamp.IsZero())
	assert.Equal(t, CodeExecutionFailed, se.Code)
	assert.Equal(t, SeverityError, se.Severity)
	assert.Equal(t, "Executor", se.Source)
}

func TestErrorStringIncludesCodeAndCause(t *testing.T) {
	cause := errors.New("exit status 1")
	se := New(CodeExecutionFailed, "plugin crashed", Opts{Cause: cause})

	assert.Contains(t, se.Error(), "PLUGIN_EXECUTION_FAILED")
	assert.Contains(t, se.Error(), "exit status 1")
}

func TestUnwrapChainsCause(t *testing.T) {
	cause := errors.New("connection refused")
	se := New(CodeContainerStartFailed, "start failed", Opts{Cause: cause})
	wrapped := fmt.Errorf("executing container plugin: %w", se)

	assert.True(t, errors.Is(wrapped, cause))

	got, ok := AsStructured(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeContainerStartFailed, got.Code)
}

func TestAsStructuredMiss(t *testing.T) {
	_, ok := AsStructured(errors.New("plain"))
	assert.False(t, ok)
}

func TestEnsure(t *testing.T) {
	se := New(CodeNoAvailablePorts, "pool exhausted", Opts{})
	got := Ensure(fmt.Errorf("wrap: %w", se), CodeInternalError, "Orchestrator", "t-1")
	assert.Equal(t, CodeNoAvailablePorts, got.Code)

	plain := Ensure(errors.New("boom"), CodeInternalError, "Orchestrator", "t-1")
	assert.Equal(t, CodeInternalError, plain.Code)
	assert.Equal(t, "t-1", plain.TraceID)
	assert.Equal(t, "Orchestrator", plain.Source)
}
