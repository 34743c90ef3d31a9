// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package flowengine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ezrah/flowengine/internal/adapters"
	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/pkg/errors"
)

// This file is the bridge between running jobscripts and the store: the
// `internal workflow ...` CLI callbacks land here. Each callback loads
// what it needs, applies one buffered mutation, and commits, so a
// concurrently polling reader only ever sees committed images.

// WriteCommands renders the per-run commands file for one block action
// of one jobscript element, into the submission's scripts directory.
// Command placeholders of the form <<parameter:NAME>> are substituted
// with the run's input values; a command's stdout binding becomes a
// shell capture plus a save-parameter callback.
func (w *Workflow) WriteCommands(subIdx, jsIdx, blockIdx, elemIdx, actIdx int) error {
	js, err := w.jobscript(subIdx, jsIdx)
	if err != nil {
		return err
	}
	if blockIdx >= len(js.Blocks) {
		return errors.NewEngineError(errors.ErrorCodeResourceNotFound,
			fmt.Sprintf("no block %d in jobscript %d", blockIdx, jsIdx))
	}
	block := js.Blocks[blockIdx]
	if actIdx >= block.NumActions() || elemIdx >= block.NumElements() {
		return errors.NewEngineError(errors.ErrorCodeResourceNotFound,
			fmt.Sprintf("no cell (%d, %d) in block %d", actIdx, elemIdx, blockIdx))
	}

	earID := block.EARID[actIdx][elemIdx]
	if earID == -1 {
		return nil
	}

	ears, err := w.store.GetEARs([]int{earID})
	if err != nil {
		return err
	}
	ear := ears[0]

	action, err := w.actionFor(block, actIdx)
	if err != nil {
		return err
	}

	var sb strings.Builder
	for _, cmd := range action.Commands {
		line, err := w.substituteParameters(cmd.Command, ear)
		if err != nil {
			return err
		}
		if cmd.StdoutParam != "" {
			varName := strings.ReplaceAll(cmd.StdoutParam, ".", "_")
			sb.WriteString(fmt.Sprintf("%s=`%s`\n", varName, line))
			sb.WriteString(fmt.Sprintf("%s internal workflow save-parameter %s \"$%s\" %d\n",
				adapters.AppName, cmd.StdoutParam, varName, earID))
		} else {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}

	scriptsDir := filepath.Join(w.submissionDir(subIdx), "scripts")
	path := filepath.Join(scriptsDir, fmt.Sprintf("cmd_%d.sh", earID))
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

// SetEARStart records a run's start; invoked from inside the jobscript
// immediately before the commands file is sourced.
func (w *Workflow) SetEARStart(earID int) error {
	if err := w.store.SetEARStart(earID, time.Now()); err != nil {
		return err
	}
	return w.store.CommitPending()
}

// SetEAREnd finalises a run with its exit code. A non-zero exit skips
// every downstream action of the same element within its jobscript block:
// those EARs are recorded skipped (exit code 65) and their commands
// never run.
func (w *Workflow) SetEAREnd(earID, exitCode int) error {
	now := time.Now()
	exitCode = model.NormaliseExitCode(int64(uint32(exitCode)))

	if err := w.store.SetEAREnd(earID, now, exitCode); err != nil {
		return err
	}

	if exitCode != 0 {
		if err := w.skipDownstream(earID, now); err != nil {
			return err
		}
	}
	return w.store.CommitPending()
}

// skipDownstream marks the same-element EARs in later action rows of
// the owning block as skipped.
func (w *Workflow) skipDownstream(earID int, at time.Time) error {
	ears, err := w.store.GetEARs([]int{earID})
	if err != nil {
		return err
	}
	ear := ears[0]
	if ear.SubmissionIdx == nil || ear.JobscriptIdx == nil {
		return nil
	}

	js, err := w.jobscript(*ear.SubmissionIdx, *ear.JobscriptIdx)
	if err != nil {
		return err
	}

	for _, block := range js.Blocks {
		col, ok := block.ContainsEAR(earID)
		if !ok {
			continue
		}
		row := -1
		for r, ids := range block.EARID {
			if ids[col] == earID {
				row = r
				break
			}
		}
		for r := row + 1; r < block.NumActions(); r++ {
			downstream := block.EARID[r][col]
			if downstream == -1 {
				continue
			}
			dsEARs, err := w.store.GetEARs([]int{downstream})
			if err != nil {
				return err
			}
			if dsEARs[0].Status.IsTerminal() || dsEARs[0].Status == model.StatusRunning {
				continue
			}
			if err := w.store.SetEARSkipped(downstream, at); err != nil {
				return err
			}
		}
	}
	return nil
}

// SaveParameter assigns a produced value to the run's bound output
// parameter.
func (w *Workflow) SaveParameter(name string, value any, earID int) error {
	ears, err := w.store.GetEARs([]int{earID})
	if err != nil {
		return err
	}
	ear := ears[0]

	path := name
	if !strings.HasPrefix(path, "outputs.") {
		path = "outputs." + name
	}
	idx, ok := ear.DataIdx[path]
	if !ok {
		return errors.NewEngineError(errors.ErrorCodeResourceNotFound,
			fmt.Sprintf("run %d has no output binding for %q", earID, name))
	}

	if err := w.store.SetParameter(idx, value); err != nil {
		return err
	}
	return w.store.CommitPending()
}

// jobscript resolves one jobscript of one submission.
func (w *Workflow) jobscript(subIdx, jsIdx int) (*model.Jobscript, error) {
	subs, err := w.store.GetSubmissions()
	if err != nil {
		return nil, err
	}
	if subIdx >= len(subs) {
		return nil, errors.NewEngineError(errors.ErrorCodeResourceNotFound,
			fmt.Sprintf("no submission %d", subIdx))
	}
	if jsIdx >= len(subs[subIdx].Jobscripts) {
		return nil, errors.NewEngineError(errors.ErrorCodeResourceNotFound,
			fmt.Sprintf("no jobscript %d in submission %d", jsIdx, subIdx))
	}
	return subs[subIdx].Jobscripts[jsIdx], nil
}

// actionFor maps a block action row to the owning task's action.
func (w *Workflow) actionFor(block *model.JobscriptBlock, actIdx int) (*model.Action, error) {
	insertID := block.TaskActions[actIdx][0]
	taskActIdx := block.TaskActions[actIdx][1]

	tmpl, err := w.store.GetTemplate()
	if err != nil {
		return nil, err
	}
	for _, task := range tmpl.Tasks {
		if task.InsertID == insertID {
			if taskActIdx >= len(task.Actions) {
				break
			}
			return &task.Actions[taskActIdx], nil
		}
	}
	return nil, errors.NewEngineError(errors.ErrorCodeResourceNotFound,
		fmt.Sprintf("no action %d on task %d", taskActIdx, insertID))
}

// substituteParameters replaces <<parameter:NAME>> placeholders with
// the run's input values.
func (w *Workflow) substituteParameters(command string, ear *model.EAR) (string, error) {
	out := command
	for {
		start := strings.Index(out, "<<parameter:")
		if start < 0 {
			return out, nil
		}
		end := strings.Index(out[start:], ">>")
		if end < 0 {
			return out, nil
		}
		end += start

		name := out[start+len("<<parameter:") : end]
		idx, ok := ear.DataIdx["inputs."+name]
		if !ok {
			return "", errors.NewEngineError(errors.ErrorCodeResourceNotFound,
				fmt.Sprintf("run %d has no input binding for %q", ear.ID, name))
		}
		value, err := w.store.GetParameterData(idx)
		if err != nil {
			return "", err
		}
		out = out[:start] + fmt.Sprint(value) + out[end+2:]
	}
}
