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

// sgeBash submits bash jobscripts through SGE.
type sgeBash struct {
	bashShell
	submitCmd string
	statusCmd string
}

func newSGEBash(shell bashShell) *sgeBash {
	return &sgeBash{
		bashShell: shell,
		submitCmd: "qsub",
		statusCmd: "qstat",
	}
}

const sgeDirectivePrefix = "#$"

func (s *sgeBash) ComposeJobscript(js *model.Jobscript, ctx ComposeContext, deps []Dep) (string, error) {
	var sb strings.Builder
	sb.WriteString("#!" + s.executable + "\n\n")
	sb.WriteString(s.formatOptions(js))
	sb.WriteString("\n")
	sb.WriteString(s.composeHeader(ctx, js.Index))
	sb.WriteString("\n")
	sb.WriteString(s.composeBody(js, "SGE_TASK_ID"))
	return sb.String(), nil
}

func (s *sgeBash) ComposeFunctionsFile(ctx ComposeContext) (string, error) {
	return s.composeFunctionsFile(ctx)
}

func (s *sgeBash) formatOptions(js *model.Jobscript) string {
	res := js.Resources
	lines := []string{
		sgeDirectivePrefix + " -cwd",
		sgeDirectivePrefix + " -V",
	}
	if res.NumCores > 1 {
		parallelEnv := "smp.pe"
		if env, ok := res.SchedulerArgs["parallel_env"].(string); ok {
			parallelEnv = env
		}
		lines = append(lines, fmt.Sprintf("%s -pe %s %d", sgeDirectivePrefix, parallelEnv, res.NumCores))
	}
	if res.MemoryGB != "" {
		lines = append(lines, fmt.Sprintf("%s -l mem=%sG", sgeDirectivePrefix, res.MemoryGB))
	}
	if js.IsArray {
		lines = append(lines, fmt.Sprintf("%s -t 1-%d", sgeDirectivePrefix, js.Blocks[0].NumElements()))
	}
	return strings.Join(lines, "\n") + "\n"
}

func (s *sgeBash) GetSubmitCommand(jsPath string, deps []Dep) []string {
	cmd := []string{s.submitCmd, "-terse"}

	var holdJID, holdJIDAd []string
	for _, dep := range deps {
		if dep.IsArray {
			holdJIDAd = append(holdJIDAd, dep.Ref)
		} else {
			holdJID = append(holdJID, dep.Ref)
		}
	}
	if len(holdJID) > 0 {
		cmd = append(cmd, "-hold_jid", strings.Join(holdJID, ","))
	}
	if len(holdJIDAd) > 0 {
		cmd = append(cmd, "-hold_jid_ad", strings.Join(holdJIDAd, ","))
	}

	return append(cmd, jsPath)
}

// ParseSubmissionOutput extracts the job id: with -terse, the whole
// stdout is the job reference (array submissions include the task
// range, e.g. "4243.1-3:1", and keep it).
func (s *sgeBash) ParseSubmissionOutput(stdout, stderr string) (string, error) {
	jobID := strings.TrimSpace(stdout)
	if jobID == "" {
		return "", errors.NewEngineError(errors.ErrorCodeRuntimeError,
			fmt.Sprintf("could not parse job ID from qsub output %q", stdout))
	}
	return jobID, nil
}

// sgeStates maps qstat state codes to jobscript states.
var sgeStates = map[string]watch.State{
	"qw":  watch.StateWaiting,
	"hqw": watch.StateWaiting,
	"t":   watch.StateWaiting,
	"r":   watch.StateRunning,
	"Rr":  watch.StateRunning,
	"dr":  watch.StateCancelled,
	"dt":  watch.StateCancelled,
	"Eqw": watch.StateErrored,
}

func (s *sgeBash) GetJobStateInfo(ctx context.Context, refs []string) (map[string]watch.State, error) {
	stdout, _, err := s.invoker(ctx, []string{s.statusCmd}, "")
	if err != nil {
		return map[string]watch.State{}, nil
	}

	wanted := map[string]bool{}
	for _, ref := range refs {
		wanted[ref] = true
	}

	out := map[string]watch.State{}
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || !wanted[fields[0]] {
			continue
		}
		if state, ok := sgeStates[fields[4]]; ok {
			out[fields[0]] = mergeStates(out[fields[0]], state)
		}
	}
	return out, nil
}

func (s *sgeBash) GetVersionInfo(ctx context.Context, excludeOS bool) (map[string]string, error) {
	stdout, stderr, err := s.invoker(ctx, []string{s.statusCmd, "-help"}, "")
	if err != nil && stdout == "" && stderr == "" {
		return nil, errors.NewEngineErrorWithCause(errors.ErrorCodeRuntimeError,
			"failed to probe SGE version", err)
	}
	// qstat -help prints the version on its first line:
	probe := stdout
	if probe == "" {
		probe = stderr
	}
	lines := strings.SplitN(strings.TrimSpace(probe), "\n", 2)
	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		return nil, errors.NewEngineError(errors.ErrorCodeRuntimeError,
			fmt.Sprintf("could not parse SGE version from %q", lines[0]))
	}
	info := map[string]string{
		"scheduler_name":    fields[0],
		"scheduler_version": fields[len(fields)-1],
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
