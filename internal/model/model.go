// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package model defines the entities persisted by the workflow store:
// parameters, task templates, elements, element-action-runs (EARs),
// jobscripts and submissions. Cross-references between entities are
// integer ids; entity lifetimes coincide with the owning workflow.
package model

import (
	"time"
)

// Well-known exit codes recorded for EARs that never ran their commands.
const (
	// SkippedExitCode is recorded for an EAR whose action was skipped
	// because an upstream command in the same element failed.
	SkippedExitCode = 65

	// AbortExitCode is recorded for an EAR terminated via the control
	// channel.
	AbortExitCode = 64
)

// SourceKind discriminates where a parameter value came from.
type SourceKind string

const (
	// SourceLocal is a literal value supplied with the task.
	SourceLocal SourceKind = "local"
	// SourceDefault is a value taken from the task schema default.
	SourceDefault SourceKind = "default"
	// SourceTask is a value produced or consumed by another task.
	SourceTask SourceKind = "task"
	// SourceFile is a value imported from a file.
	SourceFile SourceKind = "file"
)

// TaskSourceType says which side of a task a SourceTask reference names.
type TaskSourceType string

const (
	// TaskSourceInput references a task's input parameter.
	TaskSourceInput TaskSourceType = "input"
	// TaskSourceOutput references a task's output parameter.
	TaskSourceOutput TaskSourceType = "output"
)

// ParameterSource records the provenance of one parameter data index.
// Once set it is never rewritten.
type ParameterSource struct {
	Kind SourceKind `json:"type"`

	// TaskInsertID and TaskSourceType are set when Kind is SourceTask.
	TaskInsertID   int            `json:"task_insert_ID,omitempty"`
	TaskSourceType TaskSourceType `json:"task_source_type,omitempty"`

	// Path is the imported file path when Kind is SourceFile.
	Path string `json:"path,omitempty"`

	// EARID is the run that produced the value, for output parameters.
	EARID int `json:"EAR_ID,omitempty"`
}

// InputSourceSpec is a user-requested source for one task input, used
// when adding a task to resolve where each input's value comes from.
type InputSourceSpec struct {
	Kind           SourceKind     `json:"type"`
	TaskRef        int            `json:"task_ref,omitempty"`
	TaskSourceType TaskSourceType `json:"task_source_type,omitempty"`
	Path           string         `json:"path,omitempty"`
}

// Command is a single shell command within an action. Stdout/stderr may
// be bound to output parameters.
type Command struct {
	Command     string `json:"command"`
	StdoutParam string `json:"stdout_param,omitempty"`
	StderrParam string `json:"stderr_param,omitempty"`
}

// ActionRule makes an action conditional on a resource attribute, e.g.
// only run when os_name is posix.
type ActionRule struct {
	// Attribute is the resources field the rule inspects ("os_name",
	// "scheduler", "shell").
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
}

// Action is an ordered list of commands plus optional environment
// references and rules.
type Action struct {
	Commands        []Command    `json:"commands"`
	EnvironmentRefs []string     `json:"environments,omitempty"`
	Rules           []ActionRule `json:"rules,omitempty"`
}

// Satisfied reports whether all of the action's rules hold for res.
func (a *Action) Satisfied(res *Resources) bool {
	for _, rule := range a.Rules {
		var got string
		switch rule.Attribute {
		case "os_name":
			got = res.OSName
		case "scheduler":
			got = res.Scheduler
		case "shell":
			got = res.Shell
		default:
			return false
		}
		if got != rule.Value {
			return false
		}
	}
	return true
}

// SchemaInput is one named input slot of a task template.
type SchemaInput struct {
	Path       string `json:"path"`
	Default    any    `json:"default,omitempty"`
	HasDefault bool   `json:"has_default,omitempty"`
}

// Sequence is a parameter sequence definition: the values to iterate
// over one input path, and the nesting order controlling how sequences
// compose into elements. Lower nesting orders vary faster; equal orders
// co-vary in lock-step.
type Sequence struct {
	Path         string `json:"path"`
	Values       []any  `json:"values"`
	NestingOrder int    `json:"nesting_order"`
}

// TaskTemplate is a named, immutable description of a task: its inputs,
// outputs and actions. InsertID is assigned monotonically when the task
// is added to a workflow and is stable across reorderings and renames.
type TaskTemplate struct {
	Name     string        `json:"name"`
	InsertID int           `json:"insert_ID"`
	Inputs   []SchemaInput `json:"inputs"`
	Outputs  []string      `json:"outputs"`
	Actions  []Action      `json:"actions"`

	// InputValues are literal values keyed by input path.
	InputValues map[string]any `json:"input_values,omitempty"`

	// Sequences expand this task into multiple elements.
	Sequences []Sequence `json:"sequences,omitempty"`

	// Repeats replicates the element set this many times (minimum 1).
	Repeats int `json:"repeats,omitempty"`

	// InputSources are user-requested sources, keyed by input path.
	InputSources map[string][]InputSourceSpec `json:"input_sources,omitempty"`

	// Resources are scope-tagged resource requests ("any", "main", ...).
	Resources map[string]*Resources `json:"resources,omitempty"`
}

// Element is a single parametrisation of a task: a mapping from input
// path to parameter data index. Elements in a task are numbered 0..N-1
// and individual rows are immutable once added.
type Element struct {
	Index         int            `json:"index"`
	DataIdx       map[string]int `json:"data_idx"`
	IterationsIdx []int          `json:"iterations_idx"`
}

// ElementIteration is one loop iteration of an element. Iteration 0
// always exists; higher iterations are initialised lazily.
type ElementIteration struct {
	ElementIdx      int            `json:"element_idx"`
	Index           int            `json:"index"`
	LoopIdx         map[string]int `json:"loop_idx"`
	EARsInitialised bool           `json:"EARs_initialised"`

	// Actions maps action index to the EAR ids of its runs.
	Actions map[int][]int `json:"actions"`

	DataIdx map[string]int `json:"data_idx"`
}

// EARStatus is the lifecycle state of an element-action-run.
type EARStatus string

const (
	// StatusPending means the EAR exists but has not been prepared.
	StatusPending EARStatus = "pending"
	// StatusPrepared means the EAR's commands file has been written.
	StatusPrepared EARStatus = "prepared"
	// StatusSubmitted means the owning jobscript has been submitted.
	StatusSubmitted EARStatus = "submitted"
	// StatusRunning means the EAR's commands are executing.
	StatusRunning EARStatus = "running"
	// StatusSuccess means the EAR finished with a zero exit code.
	StatusSuccess EARStatus = "success"
	// StatusError means the EAR finished with a non-zero exit code.
	StatusError EARStatus = "error"
	// StatusSkipped means the EAR was not run because an upstream
	// command in the same element failed.
	StatusSkipped EARStatus = "skipped"
	// StatusAborted means the EAR was terminated via the control
	// channel.
	StatusAborted EARStatus = "aborted"
)

// CanTransitionTo reports whether next is a legal successor state.
func (s EARStatus) CanTransitionTo(next EARStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusPrepared || next == StatusSubmitted ||
			next == StatusSkipped || next == StatusAborted
	case StatusPrepared:
		return next == StatusSubmitted || next == StatusSkipped || next == StatusAborted
	case StatusSubmitted:
		return next == StatusRunning || next == StatusSkipped || next == StatusAborted
	case StatusRunning:
		return next == StatusSuccess || next == StatusError || next == StatusAborted
	default:
		// success, error, skipped and aborted are terminal
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s EARStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusSkipped, StatusAborted:
		return true
	}
	return false
}

// EAR is an element-action-run: the atomic execution unit. ID is
// globally unique, monotonically increasing, and never reused.
type EAR struct {
	ID           int       `json:"id"`
	TaskInsertID int       `json:"task_insert_ID"`
	ElementIdx   int       `json:"element_idx"`
	IterationIdx int       `json:"iteration_idx"`
	ActionIdx    int       `json:"action_idx"`
	RunIdx       int       `json:"run_idx"`
	Status       EARStatus `json:"status"`

	Resources *Resources `json:"resources,omitempty"`

	ExitCode  *int       `json:"exit_code,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// DataIdx binds input/output paths to parameter data indices for
	// this run's commands.
	DataIdx map[string]int `json:"data_idx,omitempty"`

	// SubmissionIdx and JobscriptIdx are set when the EAR is assigned
	// to a submitted jobscript.
	SubmissionIdx *int `json:"submission_idx,omitempty"`
	JobscriptIdx  *int `json:"jobscript_idx,omitempty"`
}

// NormaliseExitCode converts a raw process exit status to the stored
// form. Windows reports unsigned 32-bit statuses; negative statuses
// (e.g. 0xFFFFFFFF) are recovered by reinterpreting as signed 32-bit.
func NormaliseExitCode(raw int64) int {
	if raw > 0x7FFFFFFF && raw <= 0xFFFFFFFF {
		return int(int32(uint32(raw)))
	}
	return int(raw)
}
