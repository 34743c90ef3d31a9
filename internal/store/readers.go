// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"

	"github.com/mohae/deepcopy"

	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/pkg/errors"
)

// GetTemplate returns the persisted workflow template, including
// pending (uncommitted) tasks.
func (s *Store) GetTemplate() (*TemplateDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	tmpl := deepcopy.Copy(doc.Template).(*TemplateDoc)
	for _, idx := range sortedKeys(s.pending.templateTasks) {
		task := deepcopy.Copy(s.pending.templateTasks[idx]).(*model.TaskTemplate)
		tmpl.Tasks = insertAt(tmpl.Tasks, idx, task)
	}
	return tmpl, nil
}

// GetLoops returns the workflow's loops, committed and pending.
func (s *Store) GetLoops() ([]LoopDef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]LoopDef, 0, len(doc.Loops)+len(s.pending.loops))
	out = append(out, doc.Loops...)
	out = append(out, s.pending.loops...)
	return out, nil
}

// GetNumAddedTasks returns the count of tasks ever added, including
// pending ones. This is the source of new insert IDs.
func (s *Store) GetNumAddedTasks() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return 0, err
	}
	return doc.NumAddedTasks + len(s.pending.tasks), nil
}

// TaskMetadata summarises one workflow task.
type TaskMetadata struct {
	InsertID    int
	Name        string
	NumElements int
}

// GetAllTasksMetadata returns summary metadata for every task in
// workflow order.
func (s *Store) GetAllTasksMetadata() ([]TaskMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	tasks := s.overlayTasks(doc)
	templates := s.overlayTemplateTasks(doc)

	out := make([]TaskMetadata, len(tasks))
	for i, task := range tasks {
		md := TaskMetadata{
			InsertID:    task.InsertID,
			NumElements: len(task.Elements) + len(s.pending.elements[i]),
		}
		for _, tmpl := range templates {
			if tmpl.InsertID == task.InsertID {
				md.Name = tmpl.Name
				break
			}
		}
		out[i] = md
	}
	return out, nil
}

// GetTaskElements returns copies of a task's elements in [start, end)
// (end < 0 means all), optionally resolving each element's iterations.
func (s *Store) GetTaskElements(taskIdx, start, end int, keepIterations bool) ([]*model.Element, [][]*model.ElementIteration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, nil, err
	}

	tasks := s.overlayTasks(doc)
	if taskIdx < 0 || taskIdx >= len(tasks) {
		return nil, nil, errors.NewEngineError(errors.ErrorCodeResourceNotFound,
			fmt.Sprintf("no task at index %d", taskIdx))
	}
	task := tasks[taskIdx]

	elems := make([]*model.Element, 0, len(task.Elements)+len(s.pending.elements[taskIdx]))
	elems = append(elems, task.Elements...)
	elems = append(elems, s.pending.elements[taskIdx]...)

	if end < 0 || end > len(elems) {
		end = len(elems)
	}
	if start < 0 {
		start = 0
	}
	if start > end {
		start = end
	}

	iters := append(append([]*model.ElementIteration{}, task.ElementIterations...),
		s.pending.elementIterations[taskIdx]...)

	outElems := make([]*model.Element, 0, end-start)
	var outIters [][]*model.ElementIteration
	for _, elem := range elems[start:end] {
		outElems = append(outElems, deepcopy.Copy(elem).(*model.Element))
		if keepIterations {
			var ei []*model.ElementIteration
			for _, it := range iters {
				if it.ElementIdx == elem.Index {
					ei = append(ei, deepcopy.Copy(it).(*model.ElementIteration))
				}
			}
			outIters = append(outIters, ei)
		}
	}
	return outElems, outIters, nil
}

// GetParameterData returns the value at a parameter index; the error
// distinguishes unknown indices from unset parameters (nil, no error).
func (s *Store) GetParameterData(index int) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, err := s.lookupParameter(index)
	if err != nil {
		return nil, err
	}
	if val == nil || !val.Set {
		return nil, nil
	}
	return deepcopy.Copy(val.Data), nil
}

// GetParameterSource returns the provenance record for a parameter.
func (s *Store) GetParameterSource(index int) (model.ParameterSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if src, ok := s.pending.parameterSources[index]; ok {
		return src, nil
	}
	doc, err := s.load()
	if err != nil {
		return model.ParameterSource{}, err
	}
	src, ok := doc.ParameterSources[index]
	if !ok {
		return model.ParameterSource{}, errors.NewEngineError(errors.ErrorCodeResourceNotFound,
			fmt.Sprintf("no parameter at index %d", index))
	}
	return src, nil
}

// IsParameterSet reports whether a parameter has a value.
func (s *Store) IsParameterSet(index int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, err := s.lookupParameter(index)
	if err != nil {
		return false, err
	}
	return val != nil && val.Set, nil
}

// CheckParametersExist reports, per index, whether the parameter is
// known (set or not).
func (s *Store) CheckParametersExist(indices []int) ([]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(indices))
	for i, idx := range indices {
		if _, ok := s.pending.parameterData[idx]; ok {
			out[i] = true
			continue
		}
		_, out[i] = doc.ParameterData[idx]
	}
	return out, nil
}

// GetAllParameters returns every known parameter index with its value
// (nil for unset slots), pending overlay included.
func (s *Store) GetAllParameters() (map[int]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	out := map[int]any{}
	for idx, val := range doc.ParameterData {
		if val != nil && val.Set {
			out[idx] = deepcopy.Copy(val.Data)
		} else {
			out[idx] = nil
		}
	}
	for idx, val := range s.pending.parameterData {
		if val != nil && val.Set {
			out[idx] = deepcopy.Copy(val.Data)
		} else {
			out[idx] = nil
		}
	}
	return out, nil
}

// GetEARs returns copies of the EARs with the given ids, via the run
// index (constant-time per id).
func (s *Store) GetEARs(ids []int) ([]*model.EAR, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	out := make([]*model.EAR, len(ids))
	for i, id := range ids {
		ear, ok := s.pending.runs[id]
		if !ok {
			ear, ok = doc.Runs[id]
		}
		if !ok {
			return nil, errors.NewEngineError(errors.ErrorCodeResourceNotFound,
				fmt.Sprintf("no EAR with id %d", id))
		}
		out[i] = deepcopy.Copy(ear).(*model.EAR)
	}
	return out, nil
}

// GetSubmissions returns copies of all submissions, committed and
// pending.
func (s *Store) GetSubmissions() ([]*model.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	var out []*model.Submission
	for _, sub := range doc.Submissions {
		copied := deepcopy.Copy(sub).(*model.Submission)
		if fieldsByJS := s.pendingMetadataFor(sub.Index); fieldsByJS != nil {
			for jsIdx, fields := range fieldsByJS {
				if jsIdx < len(copied.Jobscripts) {
					applyJobscriptMetadata(copied.Jobscripts[jsIdx], fields)
				}
			}
		}
		out = append(out, copied)
	}
	for _, sub := range s.pending.submissions {
		out = append(out, deepcopy.Copy(sub).(*model.Submission))
	}
	return out, nil
}

func (s *Store) pendingMetadataFor(subIdx int) map[int]map[string]any {
	var out map[int]map[string]any
	for key, fields := range s.pending.jsMetadata {
		if key.subIdx != subIdx {
			continue
		}
		if out == nil {
			out = map[int]map[string]any{}
		}
		out[key.jsIdx] = fields
	}
	return out
}

// lookupParameter resolves an index through the pending overlay then
// the committed image. Callers hold s.mu.
func (s *Store) lookupParameter(index int) (*ParamValue, error) {
	if val, ok := s.pending.parameterData[index]; ok {
		return val, nil
	}
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	val, ok := doc.ParameterData[index]
	if !ok {
		return nil, errors.NewEngineError(errors.ErrorCodeResourceNotFound,
			fmt.Sprintf("no parameter at index %d", index))
	}
	return val, nil
}

// overlayTasks returns the committed tasks plus pending new tasks, in
// index order. Callers hold s.mu; the result shares memory with doc.
func (s *Store) overlayTasks(doc *document) []*TaskData {
	tasks := append([]*TaskData{}, doc.Tasks...)
	for _, idx := range sortedKeys(s.pending.tasks) {
		tasks = insertAt(tasks, idx, s.pending.tasks[idx])
	}
	return tasks
}

func (s *Store) overlayTemplateTasks(doc *document) []*model.TaskTemplate {
	tasks := append([]*model.TaskTemplate{}, doc.Template.Tasks...)
	for _, idx := range sortedKeys(s.pending.templateTasks) {
		tasks = insertAt(tasks, idx, s.pending.templateTasks[idx])
	}
	return tasks
}
