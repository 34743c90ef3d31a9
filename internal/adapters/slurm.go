// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package adapters

import (
	"context"
	"fmt"
	"strings"

	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/pkg/errors"
	"github.com/ezrah/flowengine/pkg/watch"
)

// slurmBash submits bash jobscripts through Slurm.
type slurmBash struct {
	bashShell
	submitCmd string
	statusCmd string
}

func newSlurmBash(shell bashShell) *slurmBash {
	return &slurmBash{
		bashShell: shell,
		submitCmd: "sbatch",
		statusCmd: "squeue",
	}
}

const slurmDirectivePrefix = "#SBATCH"

func (s *slurmBash) ComposeJobscript(js *model.Jobscript, ctx ComposeContext, deps []Dep) (string, error) {
	var sb strings.Builder
	sb.WriteString("#!" + s.executable + "\n\n")
	sb.WriteString(s.formatOptions(js))
	sb.WriteString("\n")
	sb.WriteString(s.composeHeader(ctx, js.Index))
	sb.WriteString("\n")
	sb.WriteString(s.composeBody(js, "SLURM_ARRAY_TASK_ID"))
	return sb.String(), nil
}

func (s *slurmBash) ComposeFunctionsFile(ctx ComposeContext) (string, error) {
	return s.composeFunctionsFile(ctx)
}

// formatOptions emits the scheduler directive header from the resource
// record: partition from the core/node shape, core and node counts,
// memory, and the array range for array jobscripts.
func (s *slurmBash) formatOptions(js *model.Jobscript) string {
	res := js.Resources
	var lines []string

	switch {
	case res.NumCores == 1:
		lines = append(lines, slurmDirectivePrefix+" --partition serial")
	case res.NumNodes == 1:
		lines = append(lines, slurmDirectivePrefix+" --partition multicore")
	default:
		lines = append(lines, slurmDirectivePrefix+" --partition multinode")
		lines = append(lines, fmt.Sprintf("%s --nodes %d", slurmDirectivePrefix, res.NumNodes))
	}
	lines = append(lines, fmt.Sprintf("%s --ntasks %d", slurmDirectivePrefix, res.NumCores))

	if res.MemoryGB != "" {
		lines = append(lines, fmt.Sprintf("%s --mem %sG", slurmDirectivePrefix, res.MemoryGB))
	}
	if js.IsArray {
		lines = append(lines, fmt.Sprintf("%s --array 1-%d", slurmDirectivePrefix, js.Blocks[0].NumElements()))
	}
	return strings.Join(lines, "\n") + "\n"
}

func (s *slurmBash) GetSubmitCommand(jsPath string, deps []Dep) []string {
	cmd := []string{s.submitCmd, "--parsable"}

	var depSpecs []string
	for _, dep := range deps {
		if dep.IsArray {
			depSpecs = append(depSpecs, "aftercorr:"+dep.Ref)
		} else {
			depSpecs = append(depSpecs, "afterany:"+dep.Ref)
		}
	}
	if len(depSpecs) > 0 {
		cmd = append(cmd, "--dependency", strings.Join(depSpecs, ","))
	}

	return append(cmd, jsPath)
}

// ParseSubmissionOutput extracts the job id: with --parsable, stdout is
// "<job id>[;<cluster>]".
func (s *slurmBash) ParseSubmissionOutput(stdout, stderr string) (string, error) {
	jobID := strings.TrimSpace(strings.Split(stdout, ";")[0])
	if jobID == "" {
		return "", errors.NewEngineError(errors.ErrorCodeRuntimeError,
			fmt.Sprintf("could not parse job ID from sbatch output %q", stdout))
	}
	return jobID, nil
}

// slurmStates maps squeue state names to jobscript states.
var slurmStates = map[string]watch.State{
	"PENDING":       watch.StateWaiting,
	"CONFIGURING":   watch.StateWaiting,
	"RUNNING":       watch.StateRunning,
	"COMPLETING":    watch.StateRunning,
	"COMPLETED":     watch.StateFinished,
	"CANCELLED":     watch.StateCancelled,
	"FAILED":        watch.StateErrored,
	"TIMEOUT":       watch.StateErrored,
	"NODE_FAIL":     watch.StateErrored,
	"OUT_OF_MEMORY": watch.StateErrored,
}

func (s *slurmBash) GetJobStateInfo(ctx context.Context, refs []string) (map[string]watch.State, error) {
	argv := []string{s.statusCmd, "--noheader", "-o", "%i %T", "--jobs", strings.Join(refs, ",")}
	stdout, _, err := s.invoker(ctx, argv, "")
	if err != nil {
		// squeue errors when every queried job has left the queue;
		// report nothing known rather than failing the poll.
		return map[string]watch.State{}, nil
	}

	out := map[string]watch.State{}
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		// array tasks report as "<job>_<idx>"; fold onto the job id:
		jobID := strings.Split(fields[0], "_")[0]
		if state, ok := slurmStates[fields[1]]; ok {
			out[jobID] = mergeStates(out[jobID], state)
		}
	}
	return out, nil
}

// mergeStates folds array-task states onto one job, keeping the highest
// ranked: errored, then cancelled, running, waiting, finished.
func mergeStates(existing, next watch.State) watch.State {
	if existing == "" {
		return next
	}
	order := map[watch.State]int{
		watch.StateErrored:   5,
		watch.StateCancelled: 4,
		watch.StateRunning:   3,
		watch.StateWaiting:   2,
		watch.StateFinished:  1,
	}
	if order[next] > order[existing] {
		return next
	}
	return existing
}

func (s *slurmBash) GetVersionInfo(ctx context.Context, excludeOS bool) (map[string]string, error) {
	stdout, _, err := s.invoker(ctx, []string{s.submitCmd, "--version"}, "")
	if err != nil {
		return nil, errors.NewEngineErrorWithCause(errors.ErrorCodeRuntimeError,
			"failed to probe slurm version", err)
	}
	fields := strings.Fields(strings.TrimSpace(stdout))
	if len(fields) < 2 {
		return nil, errors.NewEngineError(errors.ErrorCodeRuntimeError,
			fmt.Sprintf("could not parse slurm version from %q", stdout))
	}
	info := map[string]string{
		"scheduler_name":    fields[0],
		"scheduler_version": fields[1],
	}
	shellInfo, err := s.getVersionInfo(ctx)
	if err != nil {
		return nil, err
	}
	for k, v := range shellInfo {
		info[k] = v
	}
	return info, nil
}
