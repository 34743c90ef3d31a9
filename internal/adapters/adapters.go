// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package adapters provides per-(shell, OS, scheduler) formatters for
// jobscript text, submit commands, submission-output parsing and job
// state queries.
package adapters

import (
	"context"
	"strconv"

	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/pkg/watch"
)

// AppName is the application alias jobscripts call back into.
const AppName = "flowengine"

// AppCaps prefixes the environment variables injected into runs.
const AppCaps = "FLOWENGINE"

// EARFilesDelimiter separates per-action EAR ids within one line of the
// EAR-ID file.
const EARFilesDelimiter = ":"

// Dep is one upstream jobscript reference a submit command must wait
// on.
type Dep struct {
	// Ref is the scheduler job id (or process id for direct runs).
	Ref string
	// IsArray selects the scheduler's one-to-one array dependency form.
	IsArray bool
}

// ComposeContext carries the submission-level values jobscript
// composition needs.
type ComposeContext struct {
	// AppInvocation launches the engine binary (argv prefix).
	AppInvocation []string

	// EnvironmentSetup is shell text sourced before the app alias runs.
	EnvironmentSetup string

	SubIdx int
	JSIdx  int

	// WorkflowPath is the workflow directory the script runs from.
	WorkflowPath string
}

// Adapter formats and drives jobscripts for one (shell, OS, scheduler)
// combination.
type Adapter interface {
	// ComposeJobscript produces the full jobscript text: shebang,
	// scheduler directives, block/element/action loops and the app
	// callback invocations around each command file.
	ComposeJobscript(js *model.Jobscript, ctx ComposeContext, deps []Dep) (string, error)

	// ComposeFunctionsFile produces the shell-function definitions
	// file sourced by every jobscript.
	ComposeFunctionsFile(ctx ComposeContext) (string, error)

	// GetSubmitCommand returns the argv that submits a written
	// jobscript, including dependency flags.
	GetSubmitCommand(jsPath string, deps []Dep) []string

	// ParseSubmissionOutput extracts the scheduler job reference from
	// a submit command's captured output.
	ParseSubmissionOutput(stdout, stderr string) (string, error)

	// GetJobStateInfo queries the current state of submitted refs.
	GetJobStateInfo(ctx context.Context, refs []string) (map[string]watch.State, error)

	// GetVersionInfo probes scheduler and shell versions.
	GetVersionInfo(ctx context.Context, excludeOS bool) (map[string]string, error)

	// JSExt is the jobscript file extension, including the dot.
	JSExt() string
}

// JobscriptFileName returns the composed script's file name within the
// submission directory.
func JobscriptFileName(jsIdx int, ext string) string {
	return jsFileName("js_", jsIdx, ext)
}

// FunctionsFileName returns the shell-functions file name.
func FunctionsFileName(jsIdx int, ext string) string {
	return jsFileName("js_funcs_", jsIdx, ext)
}

// EARIDFileName returns the per-jobscript EAR-id file name.
func EARIDFileName(jsIdx int) string {
	return jsFileName("js_", jsIdx, "_EAR_IDs.txt")
}

func jsFileName(prefix string, jsIdx int, suffix string) string {
	return prefix + strconv.Itoa(jsIdx) + suffix
}
