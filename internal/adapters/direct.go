// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package adapters

import (
	"context"
	"fmt"
	"strconv"
	"syscall"

	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/pkg/watch"
)

// directBash executes jobscripts as local child processes, no
// scheduler involved.
type directBash struct {
	bashShell
}

func newDirectBash(shell bashShell) *directBash {
	return &directBash{bashShell: shell}
}

func (d *directBash) ComposeJobscript(js *model.Jobscript, ctx ComposeContext, deps []Dep) (string, error) {
	var out string
	out = "#!" + d.executable + "\n\n"
	out += d.composeHeader(ctx, js.Index)
	out += "\n"
	out += d.composeBody(js, "")
	return out, nil
}

func (d *directBash) ComposeFunctionsFile(ctx ComposeContext) (string, error) {
	return d.composeFunctionsFile(ctx)
}

// GetSubmitCommand returns the argv the executor spawns directly; the
// executor owns redirection of stdout/stderr into the submission
// directory.
func (d *directBash) GetSubmitCommand(jsPath string, deps []Dep) []string {
	return []string{d.executable, jsPath}
}

// ParseSubmissionOutput is a no-op for direct execution: the reference
// is the child process id, assigned by the executor.
func (d *directBash) ParseSubmissionOutput(stdout, stderr string) (string, error) {
	return "", nil
}

// GetJobStateInfo treats refs as process ids and probes liveness.
func (d *directBash) GetJobStateInfo(ctx context.Context, refs []string) (map[string]watch.State, error) {
	out := make(map[string]watch.State, len(refs))
	for _, ref := range refs {
		pid, err := strconv.Atoi(ref)
		if err != nil {
			return nil, fmt.Errorf("adapters: direct ref %q is not a pid", ref)
		}
		if processAlive(pid) {
			out[ref] = watch.StateRunning
		}
	}
	return out, nil
}

func (d *directBash) GetVersionInfo(ctx context.Context, excludeOS bool) (map[string]string, error) {
	info, err := d.getVersionInfo(ctx)
	if err != nil {
		return nil, err
	}
	info["scheduler_name"] = "direct"
	return info, nil
}

// processAlive sends the null signal to test for process existence.
func processAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}
