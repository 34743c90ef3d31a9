// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
)

// WrapError converts a generic error into a structured EngineError.
func WrapError(err error) *EngineError {
	if err == nil {
		return nil
	}

	var engineErr *EngineError
	if stderrors.As(err, &engineErr) {
		return engineErr
	}

	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		return NewEngineErrorWithCause(ErrorCodeRuntimeError,
			fmt.Sprintf("subprocess exited with code %d", exitErr.ExitCode()), err)
	}

	var pathErr *fs.PathError
	if stderrors.As(err, &pathErr) {
		return NewEngineErrorWithCause(ErrorCodeRuntimeError,
			fmt.Sprintf("filesystem operation %q failed on %q", pathErr.Op, pathErr.Path), err)
	}

	return NewEngineErrorWithCause(ErrorCodeUnknown, err.Error(), err)
}

// NewNotFoundError creates a not-found error for a missing workflow store.
func NewNotFoundError(path string) *EngineError {
	return NewEngineError(ErrorCodeWorkflowNotFound, fmt.Sprintf("no workflow store at %q", path))
}

// NewDuplicateExecutableError creates a validation error for a task schema
// that declares the same executable label more than once.
func NewDuplicateExecutableError(label string) *ValidationError {
	return NewValidationError(ErrorCodeDuplicateExecutable,
		fmt.Sprintf("executable label %q is duplicated", label), "executable", nil, nil)
}

// NewInvalidInputSourceTaskRefError creates a validation error for an input
// source that references a task index outside the workflow.
func NewInvalidInputSourceTaskRefError(taskIdx int) *ValidationError {
	return NewValidationError(ErrorCodeInvalidInputSourceTaskRef,
		fmt.Sprintf("input source references task index %d, which does not exist", taskIdx),
		"task_idx", nil, nil)
}

// NewMissingInputsError creates a validation error listing the parameters a
// task requires but has no source for.
func NewMissingInputsError(missing []string) *ValidationError {
	return NewValidationError(ErrorCodeMissingInputs,
		fmt.Sprintf("missing required inputs: %s", strings.Join(missing, ", ")),
		"inputs", missing, nil)
}

// NewNotSubmitMachineError creates an error for a query attempted on a
// machine other than the one that submitted the jobscript.
func NewNotSubmitMachineError(jsIdx int) *EngineError {
	return NewEngineError(ErrorCodeNotSubmitMachine,
		fmt.Sprintf("jobscript %d was not submitted from this machine", jsIdx))
}

// NewUnsupportedShellError creates an error for a (shell, OS) pair with no
// registered adapter.
func NewUnsupportedShellError(shell, os string) *EngineError {
	return NewEngineError(ErrorCodeUnsupportedShell,
		fmt.Sprintf("no adapter for shell %q on %q", shell, os))
}

// NewConfigError creates a configuration load failure. This surfaces only
// at the CLI boundary.
func NewConfigError(cause error) *EngineError {
	return NewEngineErrorWithCause(ErrorCodeConfigError, "configuration load failed", cause)
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	var engineErr *EngineError
	if stderrors.As(err, &engineErr) {
		return engineErr.IsRetryable()
	}
	return false
}

// GetErrorCode extracts the error code from any error.
func GetErrorCode(err error) ErrorCode {
	var engineErr *EngineError
	if stderrors.As(err, &engineErr) {
		return engineErr.Code
	}
	return ErrorCodeUnknown
}

// GetErrorCategory extracts the error category from any error.
func GetErrorCategory(err error) ErrorCategory {
	var engineErr *EngineError
	if stderrors.As(err, &engineErr) {
		return engineErr.Category
	}
	return CategoryUnknown
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var valErr *ValidationError
	if stderrors.As(err, &valErr) {
		return true
	}
	var engineErr *EngineError
	if stderrors.As(err, &engineErr) {
		return engineErr.Category == CategoryValidation
	}
	return false
}
