// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	stderrors "errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapErrorPassesThroughEngineError(t *testing.T) {
	original := NewEngineError(ErrorCodeConfigError, "bad config")
	wrapped := WrapError(original)
	assert.Same(t, original, wrapped)
}

func TestWrapErrorExecExitError(t *testing.T) {
	_, err := exec.Command("false").Output()
	wrapped := WrapError(err)
	assert.Equal(t, ErrorCodeRuntimeError, wrapped.Code)
}

func TestWrapErrorExecNotFound(t *testing.T) {
	_, err := exec.LookPath("definitely-not-a-real-scheduler-binary")
	wrapped := WrapError(err)
	assert.Equal(t, ErrorCodeUnknown, wrapped.Code)
}

func TestIsRetryableError(t *testing.T) {
	submitErr := NewJobscriptSubmissionFailure(0, "js_0.sh", "sbatch js_0.sh", "", "", nil, nil)
	assert.True(t, IsRetryableError(submitErr))

	assert.False(t, IsRetryableError(stderrors.New("plain")))
}

func TestIsValidationError(t *testing.T) {
	assert.True(t, IsValidationError(NewMissingInputsError([]string{"inputs.p1"})))
	assert.False(t, IsValidationError(stderrors.New("plain")))
}

func TestGetErrorCodeAndCategory(t *testing.T) {
	err := NewUnsupportedShellError("powershell", "linux")
	assert.Equal(t, ErrorCodeUnsupportedShell, GetErrorCode(err))
	assert.Equal(t, CategoryValidation, GetErrorCategory(err))
	assert.Equal(t, ErrorCodeUnknown, GetErrorCode(stderrors.New("plain")))
}
