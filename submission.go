// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package flowengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ezrah/flowengine/internal/adapters"
	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/internal/planner"
	flowctx "github.com/ezrah/flowengine/pkg/context"
	"github.com/ezrah/flowengine/pkg/errors"
	"github.com/ezrah/flowengine/pkg/logging"
	"github.com/ezrah/flowengine/pkg/pool"
	"github.com/ezrah/flowengine/pkg/watch"
)

// submission directory structure, per workflow:
//
//	submissions/<sub_idx>/
//	  js_<i>.<ext>            composed jobscript
//	  js_funcs_<i>.<ext>      shell functions file
//	  js_<i>_EAR_IDs.txt      one line per element, ':'-delimited EAR ids
//	  tmp/ log/ std/ scripts/
const (
	submissionsDirName = "submissions"
	artifactsDirName   = "artifacts"
)

var submissionSubdirs = []string{"tmp", "log", "std", "scripts"}

// schedulerRef tracks one submitted jobscript's reference for
// dependency flags on downstream submits.
type schedulerRef struct {
	ref     string
	isArray bool
}

// Submit materialises jobscripts from pending EARs, writes the
// submission directory, submits each jobscript in topological order,
// and returns the persisted submission index. jsParallelism is "",
// "direct" or "scheduled".
func (w *Workflow) Submit(ctx context.Context, jsParallelism string) (int, error) {
	start := time.Now()
	defer logging.LogDuration(w.engine.logger, start, "submit")

	input, err := w.collectPlanInput()
	if err != nil {
		return 0, err
	}

	jobscripts, err := planner.Plan(input)
	if err != nil {
		return 0, err
	}
	if len(jobscripts) == 0 {
		return 0, errors.NewEngineError(errors.ErrorCodeValidationFailed,
			"no pending element-action-runs to submit")
	}

	sub := &model.Submission{Jobscripts: jobscripts, JSParallelism: jsParallelism}
	subIdx, err := w.store.AddSubmission(sub)
	if err != nil {
		return 0, err
	}

	for _, js := range jobscripts {
		if err := w.store.SetEARSubmission(js.AllEARIDs(), subIdx, js.Index); err != nil {
			return 0, err
		}
	}

	subDir := w.submissionDir(subIdx)
	if err := w.writeSubmissionDir(subDir, subIdx, jobscripts); err != nil {
		return 0, err
	}
	if err := w.makeArtifactDirs(jobscripts); err != nil {
		return 0, err
	}

	// the submission record and EAR states must be committed before the
	// first jobscript runs, so callbacks from inside jobscripts observe
	// them:
	if err := w.store.CommitPending(); err != nil {
		return 0, err
	}

	if err := w.submitJobscripts(ctx, subIdx, subDir, jobscripts, jsParallelism); err != nil {
		return subIdx, err
	}
	return subIdx, nil
}

// WaitSubmission blocks until every direct jobscript of a submission
// has finished. Scheduler-submitted jobscripts are not waited on.
func (w *Workflow) WaitSubmission(subIdx int) {
	w.engine.runsMu.Lock()
	wg := w.engine.runs[runKey{w.path, subIdx}]
	w.engine.runsMu.Unlock()
	if wg != nil {
		wg.Wait()
	}
}

func (w *Workflow) submissionDir(subIdx int) string {
	return filepath.Join(w.path, submissionsDirName, strconv.Itoa(subIdx))
}

// collectPlanInput assembles the per-task EAR universe and EAR-level
// dependency edges for the planner.
func (w *Workflow) collectPlanInput() (planner.Input, error) {
	var input planner.Input

	err := w.store.CachedLoad(func() error {
		tmpl, err := w.store.GetTemplate()
		if err != nil {
			return err
		}

		var allEARs []*model.EAR
		for taskIdx, task := range tmpl.Tasks {
			elems, iters, err := w.store.GetTaskElements(taskIdx, 0, -1, true)
			if err != nil {
				return err
			}

			var earIDs []int
			for _, elemIters := range iters {
				for _, iter := range elemIters {
					if iter.Index != 0 {
						continue
					}
					for _, runs := range iter.Actions {
						earIDs = append(earIDs, runs...)
					}
				}
			}

			ears, err := w.store.GetEARs(earIDs)
			if err != nil {
				return err
			}
			allEARs = append(allEARs, ears...)

			input.Tasks = append(input.Tasks, planner.TaskEARs{
				TaskInsertID: task.InsertID,
				NumActions:   len(task.Actions),
				NumElements:  len(elems),
				EARs:         ears,
			})
		}

		input.EARDeps = buildEARDeps(allEARs)
		return nil
	})
	return input, err
}

// buildEARDeps derives run-level dependency edges: a run depends on the
// run that produces any of its input parameters.
func buildEARDeps(ears []*model.EAR) map[int][]int {
	producer := map[int]int{}
	for _, ear := range ears {
		for path, idx := range ear.DataIdx {
			if strings.HasPrefix(path, "outputs.") {
				producer[idx] = ear.ID
			}
		}
	}

	deps := map[int][]int{}
	for _, ear := range ears {
		for path, idx := range ear.DataIdx {
			if !strings.HasPrefix(path, "inputs.") {
				continue
			}
			if producerID, ok := producer[idx]; ok && producerID != ear.ID {
				deps[ear.ID] = append(deps[ear.ID], producerID)
			}
		}
	}
	return deps
}

// writeSubmissionDir materialises the jobscript, functions and EAR-id
// files plus the standard subdirectories.
func (w *Workflow) writeSubmissionDir(subDir string, subIdx int, jobscripts []*model.Jobscript) error {
	for _, sub := range submissionSubdirs {
		if err := os.MkdirAll(filepath.Join(subDir, sub), 0o755); err != nil {
			return err
		}
	}

	for _, js := range jobscripts {
		adapter, err := w.adapterFor(js)
		if err != nil {
			return err
		}

		composeCtx := adapters.ComposeContext{
			AppInvocation:    w.engine.appInvocation,
			EnvironmentSetup: js.Resources.EnvironmentSetup,
			SubIdx:           subIdx,
			JSIdx:            js.Index,
			WorkflowPath:     w.path,
		}

		script, err := adapter.ComposeJobscript(js, composeCtx, nil)
		if err != nil {
			return err
		}
		jsPath := filepath.Join(subDir, adapters.JobscriptFileName(js.Index, adapter.JSExt()))
		if err := os.WriteFile(jsPath, []byte(script), 0o755); err != nil {
			return err
		}

		funcs, err := adapter.ComposeFunctionsFile(composeCtx)
		if err != nil {
			return err
		}
		funcsPath := filepath.Join(subDir, adapters.FunctionsFileName(js.Index, adapter.JSExt()))
		if err := os.WriteFile(funcsPath, []byte(funcs), 0o644); err != nil {
			return err
		}

		if err := writeEARIDFile(filepath.Join(subDir, adapters.EARIDFileName(js.Index)), js); err != nil {
			return err
		}
	}
	return nil
}

// writeEARIDFile writes one line per jobscript element: the EAR ids per
// action, ':'-delimited, -1 marking an action the element skips. Blocks
// contribute their element lines in block order. LF line endings.
func writeEARIDFile(path string, js *model.Jobscript) error {
	var sb strings.Builder
	for _, block := range js.Blocks {
		for elem := 0; elem < block.NumElements(); elem++ {
			tokens := make([]string, block.NumActions())
			for act := 0; act < block.NumActions(); act++ {
				tokens[act] = strconv.Itoa(block.EARID[act][elem])
			}
			sb.WriteString(strings.Join(tokens, adapters.EARFilesDelimiter))
			sb.WriteString("\n")
		}
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

// makeArtifactDirs creates the per-run working directories:
// artifacts/task_<iID>_<name>/e_<k>/r_<r>/.
func (w *Workflow) makeArtifactDirs(jobscripts []*model.Jobscript) error {
	tmpl, err := w.store.GetTemplate()
	if err != nil {
		return err
	}
	nameByInsertID := map[int]string{}
	for _, task := range tmpl.Tasks {
		nameByInsertID[task.InsertID] = task.Name
	}

	for _, js := range jobscripts {
		ears, err := w.store.GetEARs(js.AllEARIDs())
		if err != nil {
			return err
		}
		for _, ear := range ears {
			dir := filepath.Join(w.path, artifactsDirName,
				fmt.Sprintf("task_%d_%s", ear.TaskInsertID, nameByInsertID[ear.TaskInsertID]),
				fmt.Sprintf("e_%d", ear.ElementIdx),
				fmt.Sprintf("r_%d", ear.RunIdx))
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Workflow) adapterFor(js *model.Jobscript) (adapters.Adapter, error) {
	res := js.Resources
	return w.engine.factory.Get(res.Shell, res.OSName, res.Scheduler)
}

// submitJobscripts submits in index order; a downstream submit never
// begins until the upstream's reference is committed. Failures are
// recorded and stop the remaining submits.
func (w *Workflow) submitJobscripts(ctx context.Context, subIdx int, subDir string, jobscripts []*model.Jobscript, jsParallelism string) error {
	hostname, _ := os.Hostname()
	refs := map[int]schedulerRef{}

	wg := &sync.WaitGroup{}
	w.engine.runsMu.Lock()
	w.engine.runs[runKey{w.path, subIdx}] = wg
	w.engine.runsMu.Unlock()

	var prevDirect chan struct{}

	for _, js := range jobscripts {
		adapter, err := w.adapterFor(js)
		if err != nil {
			return err
		}

		jsPath := filepath.Join(subDir, adapters.JobscriptFileName(js.Index, adapter.JSExt()))

		var deps []adapters.Dep
		for upIdx, dep := range js.Dependencies() {
			upRef, ok := refs[upIdx]
			if !ok {
				continue
			}
			deps = append(deps, adapters.Dep{
				Ref:     upRef.ref,
				IsArray: dep.IsArray && js.IsArray && upRef.isArray,
			})
		}

		submitCmd := adapter.GetSubmitCommand(jsPath, deps)

		meta := map[string]any{
			"submit_cmdline":  submitCmd,
			"submit_hostname": hostname,
			"submit_machine":  hostname,
			"os_name":         js.Resources.OSName,
			"shell_name":      js.Resources.Shell,
			"scheduler_name":  js.Resources.Scheduler,
		}

		if js.IsScheduled() {
			ref, err := w.submitScheduled(ctx, js, jsPath, submitCmd)
			if err != nil {
				w.engine.logger.Error("jobscript submission failed",
					"sub_idx", subIdx, "js_idx", js.Index, "error", err)
				return err
			}
			meta["scheduler_job_ID"] = ref
			refs[js.Index] = schedulerRef{ref: ref, isArray: js.IsArray}
		} else {
			// direct jobscripts run sequentially unless direct
			// parallelism was requested at submit time:
			if prevDirect != nil && jsParallelism != "direct" {
				<-prevDirect
			}

			pid, done, err := w.launchDirect(ctx, subIdx, subDir, js, submitCmd, wg)
			if err != nil {
				return err
			}
			meta["process_ID"] = pid
			refs[js.Index] = schedulerRef{ref: strconv.Itoa(pid)}
			prevDirect = done
		}

		now := time.Now()
		meta["submit_time"] = &now
		if err := w.store.SetJobscriptMetadata(subIdx, js.Index, meta); err != nil {
			return err
		}
		// commit so the downstream jobscript (and any peer reader)
		// observes this reference:
		if err := w.store.CommitPending(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workflow) submitScheduled(ctx context.Context, js *model.Jobscript, jsPath string, submitCmd []string) (string, error) {
	logging.LogSubmit(w.engine.logger, js.Resources.Scheduler, js.Index,
		"is_array", js.IsArray).Info("submitting jobscript", "cmd", submitCmd)

	invoke := w.engine.submitInvoker()
	stdout, stderr, err := invoke(ctx, submitCmd, w.path)
	if err != nil {
		return "", errors.NewJobscriptSubmissionFailure(js.Index, jsPath,
			strings.Join(submitCmd, " "), stdout, stderr, err, nil)
	}
	if strings.TrimSpace(stderr) != "" {
		return "", errors.NewJobscriptSubmissionFailure(js.Index, jsPath,
			strings.Join(submitCmd, " "), stdout, stderr, nil, nil)
	}

	adapter, err := w.adapterFor(js)
	if err != nil {
		return "", err
	}
	ref, parseErr := adapter.ParseSubmissionOutput(stdout, stderr)
	if parseErr != nil {
		return "", errors.NewJobscriptSubmissionFailure(js.Index, jsPath,
			strings.Join(submitCmd, " "), stdout, stderr, nil, parseErr)
	}
	return ref, nil
}

// launchDirect starts a supervised direct run in the background and
// returns once the child pid is known.
func (w *Workflow) launchDirect(ctx context.Context, subIdx int, subDir string, js *model.Jobscript, submitCmd []string, wg *sync.WaitGroup) (int, chan struct{}, error) {
	key := pool.Key{SubIdx: subIdx, JSIdx: js.Index}

	pidCh := make(chan int, 1)
	errCh := make(chan error, 1)
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)

		res, err := w.engine.exec.RunDirect(context.WithoutCancel(ctx), submitCmd, w.path, subDir, key,
			func(pid int) { pidCh <- pid })
		if err != nil {
			errCh <- err
			return
		}
		w.finaliseDirectRun(js, res.Aborted)
	}()

	select {
	case pid := <-pidCh:
		return pid, done, nil
	case err := <-errCh:
		return 0, nil, errors.NewJobscriptSubmissionFailure(js.Index,
			filepath.Join(subDir, adapters.JobscriptFileName(js.Index, ".sh")),
			strings.Join(submitCmd, " "), "", "", err, nil)
	}
}

// finaliseDirectRun converges EAR state after a direct run ends: on
// abort, every non-terminal EAR of the jobscript is recorded aborted.
func (w *Workflow) finaliseDirectRun(js *model.Jobscript, aborted bool) {
	if !aborted {
		return
	}
	now := time.Now()
	ears, err := w.store.GetEARs(js.AllEARIDs())
	if err != nil {
		w.engine.logger.Error("failed to load EARs after abort", "error", err)
		return
	}
	for _, ear := range ears {
		if ear.Status.IsTerminal() {
			continue
		}
		if err := w.store.SetEARAborted(ear.ID, now); err != nil {
			w.engine.logger.Warn("failed to record aborted EAR", "ear_id", ear.ID, "error", err)
		}
	}
	if err := w.store.CommitPending(); err != nil {
		w.engine.logger.Error("failed to commit aborted EAR states", "error", err)
	}
}

// AbortJobscript delivers an abort to a running direct jobscript.
func (w *Workflow) AbortJobscript(ctx context.Context, subIdx, jsIdx int) error {
	return w.engine.exec.Abort(ctx, pool.Key{SubIdx: subIdx, JSIdx: jsIdx})
}

// GetJobscriptStates queries the live per-jobscript state of a
// submission. Querying from a machine other than the submit machine
// fails with NotSubmitMachine.
func (w *Workflow) GetJobscriptStates(ctx context.Context, subIdx int) (map[int]watch.State, error) {
	subs, err := w.store.GetSubmissions()
	if err != nil {
		return nil, err
	}
	if subIdx >= len(subs) {
		return nil, errors.NewEngineError(errors.ErrorCodeResourceNotFound,
			fmt.Sprintf("no submission %d", subIdx))
	}

	hostname, _ := os.Hostname()
	out := map[int]watch.State{}

	for _, js := range subs[subIdx].Jobscripts {
		if js.SubmitTime == nil {
			out[js.Index] = watch.StatePending
			continue
		}
		if js.SubmitMachine != "" && js.SubmitMachine != hostname {
			return nil, errors.NewNotSubmitMachineError(js.Index)
		}

		adapter, err := w.adapterFor(js)
		if err != nil {
			return nil, err
		}

		ref := js.SchedulerJobID
		if !js.IsScheduled() {
			ref = strconv.Itoa(js.ProcessID)
		}
		queryCtx, cancel := flowctx.WithTimeout(ctx, flowctx.OpQuery, w.engine.timeouts)
		states, err := adapter.GetJobStateInfo(queryCtx, []string{ref})
		cancel()
		if err != nil {
			return nil, err
		}
		if state, ok := states[ref]; ok {
			out[js.Index] = state
		} else {
			out[js.Index] = watch.StateFinished
		}
	}
	return out, nil
}

// WatchSubmission polls the scheduler for a submission's
// scheduler-submitted jobscripts and emits an event per state change;
// the channel closes when every watched jobscript reaches a terminal
// state. Direct jobscripts are supervised by the executor instead and
// are not watched.
func (w *Workflow) WatchSubmission(ctx context.Context, subIdx int) (<-chan watch.JobscriptEvent, error) {
	subs, err := w.store.GetSubmissions()
	if err != nil {
		return nil, err
	}
	if subIdx >= len(subs) {
		return nil, errors.NewEngineError(errors.ErrorCodeResourceNotFound,
			fmt.Sprintf("no submission %d", subIdx))
	}

	adapterByRef := map[string]adapters.Adapter{}
	var refs []string
	for _, js := range subs[subIdx].Jobscripts {
		if !js.IsScheduled() || js.SchedulerJobID == "" {
			continue
		}
		adapter, err := w.adapterFor(js)
		if err != nil {
			return nil, err
		}
		adapterByRef[js.SchedulerJobID] = adapter
		refs = append(refs, js.SchedulerJobID)
	}
	if len(refs) == 0 {
		return nil, errors.NewEngineError(errors.ErrorCodeValidationFailed,
			fmt.Sprintf("submission %d has no scheduler-submitted jobscripts", subIdx))
	}

	query := func(ctx context.Context, queryRefs []string) (map[string]watch.State, error) {
		queryCtx, cancel := flowctx.WithTimeout(ctx, flowctx.OpQuery, w.engine.timeouts)
		defer cancel()

		out := map[string]watch.State{}
		for _, ref := range queryRefs {
			states, err := adapterByRef[ref].GetJobStateInfo(queryCtx, []string{ref})
			if err != nil {
				return nil, err
			}
			for k, v := range states {
				out[k] = v
			}
		}
		return out, nil
	}

	return watch.NewJobscriptPoller(query).Watch(ctx, refs)
}

// SubmittedJobscripts returns the indices of a submission's jobscripts
// that have been handed to the scheduler (or launched directly).
func (w *Workflow) SubmittedJobscripts(subIdx int) ([]int, error) {
	subs, err := w.store.GetSubmissions()
	if err != nil {
		return nil, err
	}
	if subIdx >= len(subs) {
		return nil, errors.NewEngineError(errors.ErrorCodeResourceNotFound,
			fmt.Sprintf("no submission %d", subIdx))
	}
	var out []int
	for _, js := range subs[subIdx].Jobscripts {
		if js.SubmitTime != nil {
			out = append(out, js.Index)
		}
	}
	return out, nil
}

// OutstandingJobscripts returns the indices not yet submitted.
func (w *Workflow) OutstandingJobscripts(subIdx int) ([]int, error) {
	subs, err := w.store.GetSubmissions()
	if err != nil {
		return nil, err
	}
	if subIdx >= len(subs) {
		return nil, errors.NewEngineError(errors.ErrorCodeResourceNotFound,
			fmt.Sprintf("no submission %d", subIdx))
	}
	var out []int
	for _, js := range subs[subIdx].Jobscripts {
		if js.SubmitTime == nil {
			out = append(out, js.Index)
		}
	}
	return out, nil
}

// GetSubmissions returns all submissions recorded on the workflow.
func (w *Workflow) GetSubmissions() ([]*model.Submission, error) {
	return w.store.GetSubmissions()
}
