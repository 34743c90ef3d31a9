// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/pkg/errors"
	"github.com/ezrah/flowengine/pkg/logging"
)

// AddParameterData allocates the next free data index for a value and
// its source. A nil value pre-allocates an unset (output) slot.
func (s *Store) AddParameterData(data any, isSet bool, source model.ParameterSource) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireWritable(); err != nil {
		return 0, err
	}
	doc, err := s.load()
	if err != nil {
		return 0, err
	}

	idx := doc.nextParameterIndex(s.pending)
	s.pending.parameterData[idx] = &ParamValue{Data: data, Set: isSet}
	s.pending.parameterSources[idx] = source
	return idx, nil
}

// SetParameter assigns a value to a pre-allocated parameter slot. It
// fails if the parameter is already set: a source, once set, is never
// rewritten.
func (s *Store) SetParameter(index int, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireWritable(); err != nil {
		return err
	}

	val, err := s.lookupParameter(index)
	if err != nil {
		return err
	}
	if val != nil && val.Set {
		return errors.NewEngineError(errors.ErrorCodeConflict,
			fmt.Sprintf("parameter at index %d is already set", index))
	}
	s.pending.parameterData[index] = &ParamValue{Data: data, Set: true}
	return nil
}

// AddTemplateTask buffers a new template task at the given workflow
// index.
func (s *Store) AddTemplateTask(newIndex int, task *model.TaskTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireWritable(); err != nil {
		return err
	}
	s.pending.templateTasks[newIndex] = task
	return nil
}

// AddWorkflowTask buffers the workflow-side record for a new task.
func (s *Store) AddWorkflowTask(newIndex int, insertID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireWritable(); err != nil {
		return err
	}
	s.pending.tasks[newIndex] = &TaskData{
		InsertID:          insertID,
		Elements:          []*model.Element{},
		ElementIterations: []*model.ElementIteration{},
	}
	return nil
}

// AddElements appends new elements to a task; their iteration records
// are buffered separately via AppendElementIterations. Element rows are
// immutable once added; sets may only be extended.
func (s *Store) AddElements(taskIdx int, elements []*model.Element) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireWritable(); err != nil {
		return err
	}
	s.pending.elements[taskIdx] = append(s.pending.elements[taskIdx], elements...)
	return nil
}

// AppendElementIterations buffers new element iterations for a task.
func (s *Store) AppendElementIterations(taskIdx int, iterations []*model.ElementIteration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireWritable(); err != nil {
		return err
	}
	s.pending.elementIterations[taskIdx] = append(s.pending.elementIterations[taskIdx], iterations...)
	return nil
}

// AddLoopIdx records a loop-index entry on an element iteration. A loop
// name already initialised on that iteration is refused.
func (s *Store) AddLoopIdx(taskIdx, iterIdx int, loops map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireWritable(); err != nil {
		return err
	}

	doc, err := s.load()
	if err != nil {
		return err
	}
	if taskIdx < len(doc.Tasks) && iterIdx < len(doc.Tasks[taskIdx].ElementIterations) {
		existing := doc.Tasks[taskIdx].ElementIterations[iterIdx].LoopIdx
		for name := range loops {
			if _, ok := existing[name]; ok {
				return errors.NewEngineError(errors.ErrorCodeConflict,
					fmt.Sprintf("loop %q is already initialised on iteration %d of task %d",
						name, iterIdx, taskIdx))
			}
		}
	}

	s.pending.loopIdx = append(s.pending.loopIdx, loopIdxUpdate{
		taskIdx: taskIdx,
		iterIdx: iterIdx,
		loops:   loops,
	})
	return nil
}

// GetTemplateComponent returns one template-component category (e.g.
// "executables") as a label-to-value map, pending entries included.
func (s *Store) GetTemplateComponent(category string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	out := map[string]string{}
	if raw, ok := doc.TemplateComponents[category]; ok {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, errors.NewEngineErrorWithCause(errors.ErrorCodeRuntimeError,
				fmt.Sprintf("template component %q is corrupt", category), err)
		}
	}
	for label, value := range s.pending.templateComponents[category] {
		out[label] = value
	}
	return out, nil
}

// AddTemplateComponent buffers one labelled entry in a component
// category; a label already present is a conflict.
func (s *Store) AddTemplateComponent(category, label, value string) error {
	existing, err := s.GetTemplateComponent(category)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireWritable(); err != nil {
		return err
	}
	if _, ok := existing[label]; ok {
		return errors.NewEngineError(errors.ErrorCodeConflict,
			fmt.Sprintf("%s %q already registered", strings.TrimSuffix(category, "s"), label))
	}
	if s.pending.templateComponents[category] == nil {
		s.pending.templateComponents[category] = map[string]string{}
	}
	s.pending.templateComponents[category][label] = value
	return nil
}

// AddLoop buffers a new loop definition, on the template and the
// workflow.
func (s *Store) AddLoop(loop LoopDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireWritable(); err != nil {
		return err
	}
	s.pending.templateLoops = append(s.pending.templateLoops, loop)
	s.pending.loops = append(s.pending.loops, loop)
	return nil
}

// AddEARs creates new EARs in pending state, assigning fresh ids. Ids
// are monotonic and never reused.
func (s *Store) AddEARs(ears []*model.EAR) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireWritable(); err != nil {
		return nil, err
	}
	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	next := doc.NextEARID
	for id := range s.pending.runs {
		if id >= next {
			next = id + 1
		}
	}

	ids := make([]int, len(ears))
	for i, ear := range ears {
		ear.ID = next
		ear.Status = model.StatusPending
		s.pending.runs[next] = ear
		ids[i] = next
		next++
	}
	return ids, nil
}

// UpdateEARStatus transitions an EAR to a new status, applying the
// optional mutation fn to the buffered copy. Illegal transitions are
// rejected.
func (s *Store) UpdateEARStatus(id int, next model.EARStatus, fn func(*model.EAR)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireWritable(); err != nil {
		return err
	}

	ear, err := s.earForUpdate(id)
	if err != nil {
		return err
	}
	if !ear.Status.CanTransitionTo(next) {
		return errors.NewEngineError(errors.ErrorCodeConflict,
			fmt.Sprintf("EAR %d: illegal transition %s -> %s", id, ear.Status, next))
	}
	ear.Status = next
	if fn != nil {
		fn(ear)
	}
	s.pending.runs[id] = ear
	return nil
}

// SetEARSubmission marks EARs as submitted under one jobscript.
func (s *Store) SetEARSubmission(ids []int, subIdx, jsIdx int) error {
	for _, id := range ids {
		err := s.UpdateEARStatus(id, model.StatusSubmitted, func(ear *model.EAR) {
			si, ji := subIdx, jsIdx
			ear.SubmissionIdx = &si
			ear.JobscriptIdx = &ji
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SetEARStart records the start of a run.
func (s *Store) SetEARStart(id int, at time.Time) error {
	return s.UpdateEARStatus(id, model.StatusRunning, func(ear *model.EAR) {
		ear.StartTime = &at
	})
}

// SetEAREnd finalises a run with its exit code; the status is success
// for exit code zero, error otherwise.
func (s *Store) SetEAREnd(id int, at time.Time, exitCode int) error {
	next := model.StatusSuccess
	if exitCode != 0 {
		next = model.StatusError
	}
	return s.UpdateEARStatus(id, next, func(ear *model.EAR) {
		ear.EndTime = &at
		ear.ExitCode = &exitCode
	})
}

// SetEARSkipped records that an EAR was skipped following an upstream
// failure in the same element.
func (s *Store) SetEARSkipped(id int, at time.Time) error {
	code := model.SkippedExitCode
	return s.UpdateEARStatus(id, model.StatusSkipped, func(ear *model.EAR) {
		ear.EndTime = &at
		ear.ExitCode = &code
	})
}

// SetEARAborted records that an EAR was terminated via the control
// channel.
func (s *Store) SetEARAborted(id int, at time.Time) error {
	code := model.AbortExitCode
	return s.UpdateEARStatus(id, model.StatusAborted, func(ear *model.EAR) {
		ear.EndTime = &at
		ear.ExitCode = &code
	})
}

// AddSubmission buffers a new submission record, assigning its index
// and id.
func (s *Store) AddSubmission(sub *model.Submission) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireWritable(); err != nil {
		return 0, err
	}
	doc, err := s.load()
	if err != nil {
		return 0, err
	}

	sub.Index = len(doc.Submissions) + len(s.pending.submissions)
	sub.ID = uuid.NewString()
	s.pending.submissions = append(s.pending.submissions, sub)
	return sub.Index, nil
}

// SetJobscriptMetadata buffers submit-time metadata fields for one
// jobscript.
func (s *Store) SetJobscriptMetadata(subIdx, jsIdx int, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireWritable(); err != nil {
		return err
	}

	key := jsMetadataKey{subIdx: subIdx, jsIdx: jsIdx}

	// apply directly when the jobscript is itself still pending:
	for _, sub := range s.pending.submissions {
		if sub.Index == subIdx {
			if jsIdx < len(sub.Jobscripts) {
				applyJobscriptMetadata(sub.Jobscripts[jsIdx], fields)
				return nil
			}
		}
	}

	existing := s.pending.jsMetadata[key]
	if existing == nil {
		existing = map[string]any{}
		s.pending.jsMetadata[key] = existing
	}
	for name, value := range fields {
		existing[name] = value
	}
	return nil
}

// CommitPending folds all buffered changes into a new image and
// atomically replaces the on-disk file. Partial states are never
// observable: the image is written to a temp file and renamed into
// place under the store lock.
func (s *Store) CommitPending() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireWritable(); err != nil {
		return err
	}
	if s.pending.isEmpty() {
		return nil
	}

	logging.LogStoreOp(s.logger, "commit_pending").Debug("committing pending changes")

	unlock, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.loadFromDisk()
	if err != nil {
		return err
	}
	s.pending.applyTo(doc)

	if err := dumpToPath(s.metadataPath(), doc); err != nil {
		return err
	}

	s.pending = newPending()
	if s.cacheDepth > 0 {
		// a pinned snapshot observes its own commit
		s.cached = doc
	} else {
		s.cached = nil
	}
	return nil
}

// HasPending reports whether uncommitted changes exist.
func (s *Store) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.pending.isEmpty()
}

// ClearPending discards all uncommitted changes.
func (s *Store) ClearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = newPending()
}

// earForUpdate returns a copy of the EAR ready for buffered mutation.
// Callers hold s.mu.
func (s *Store) earForUpdate(id int) (*model.EAR, error) {
	if ear, ok := s.pending.runs[id]; ok {
		return ear, nil
	}
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	ear, ok := doc.Runs[id]
	if !ok {
		return nil, errors.NewEngineError(errors.ErrorCodeResourceNotFound,
			fmt.Sprintf("no EAR with id %d", id))
	}
	copied := *ear
	return &copied, nil
}

// nextParameterIndex computes the next free data index given committed
// and pending allocations.
func (d *document) nextParameterIndex(p *pending) int {
	// committed indices are dense; pending may also hold updates of
	// existing slots, so take the max rather than summing counts.
	next := len(d.ParameterData)
	for idx := range p.parameterData {
		if idx >= next {
			next = idx + 1
		}
	}
	return next
}
