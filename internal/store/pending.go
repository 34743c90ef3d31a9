// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/ezrah/flowengine/internal/model"
)

// loopIdxUpdate records a loop-index addition for one element iteration.
type loopIdxUpdate struct {
	taskIdx int
	iterIdx int
	loops   map[string]int
}

// jsMetadataKey addresses one jobscript within one submission.
type jsMetadataKey struct {
	subIdx int
	jsIdx  int
}

// pending buffers every uncommitted mutation, keyed by category. It is
// the only way the on-disk image changes: CommitPending folds the
// buffer into a fresh image and atomically replaces the file.
type pending struct {
	templateTasks map[int]*model.TaskTemplate
	tasks         map[int]*TaskData

	elements          map[int][]*model.Element
	elementIterations map[int][]*model.ElementIteration
	loopIdx           []loopIdxUpdate

	templateLoops []LoopDef
	loops         []LoopDef

	templateComponents map[string]map[string]string

	parameterData    map[int]*ParamValue
	parameterSources map[int]model.ParameterSource

	// runs overlays both newly created and updated EARs by id.
	runs map[int]*model.EAR

	submissions []*model.Submission
	jsMetadata  map[jsMetadataKey]map[string]any

	removeReplacedFileRecord bool
}

func newPending() *pending {
	return &pending{
		templateTasks:      map[int]*model.TaskTemplate{},
		tasks:              map[int]*TaskData{},
		elements:           map[int][]*model.Element{},
		elementIterations:  map[int][]*model.ElementIteration{},
		templateComponents: map[string]map[string]string{},
		parameterData:      map[int]*ParamValue{},
		parameterSources:   map[int]model.ParameterSource{},
		runs:               map[int]*model.EAR{},
		jsMetadata:         map[jsMetadataKey]map[string]any{},
	}
}

func (p *pending) isEmpty() bool {
	return len(p.templateTasks) == 0 &&
		len(p.tasks) == 0 &&
		len(p.elements) == 0 &&
		len(p.elementIterations) == 0 &&
		len(p.loopIdx) == 0 &&
		len(p.templateLoops) == 0 &&
		len(p.loops) == 0 &&
		len(p.templateComponents) == 0 &&
		len(p.parameterData) == 0 &&
		len(p.parameterSources) == 0 &&
		len(p.runs) == 0 &&
		len(p.submissions) == 0 &&
		len(p.jsMetadata) == 0 &&
		!p.removeReplacedFileRecord
}

// applyTo folds the buffer into doc, in dependency order: tasks before
// elements before iterations before runs.
func (p *pending) applyTo(doc *document) {
	// new template tasks, in ascending insertion index:
	for _, idx := range sortedKeys(p.templateTasks) {
		doc.Template.Tasks = insertAt(doc.Template.Tasks, idx, p.templateTasks[idx])
	}

	// new workflow tasks:
	for _, idx := range sortedKeys(p.tasks) {
		doc.Tasks = insertAt(doc.Tasks, idx, p.tasks[idx])
		doc.NumAddedTasks++
	}

	// new elements:
	for taskIdx, elems := range p.elements {
		doc.Tasks[taskIdx].Elements = append(doc.Tasks[taskIdx].Elements, elems...)
	}

	// new element iterations:
	for taskIdx, iters := range p.elementIterations {
		task := doc.Tasks[taskIdx]
		for _, iter := range iters {
			task.ElementIterations = append(task.ElementIterations, iter)
			iterIdx := len(task.ElementIterations) - 1
			elem := task.Elements[iter.ElementIdx]
			elem.IterationsIdx = append(elem.IterationsIdx, iterIdx)
		}
	}

	// new loop indices on existing iterations:
	for _, upd := range p.loopIdx {
		iter := doc.Tasks[upd.taskIdx].ElementIterations[upd.iterIdx]
		if iter.LoopIdx == nil {
			iter.LoopIdx = map[string]int{}
		}
		for name, v := range upd.loops {
			iter.LoopIdx[name] = v
		}
	}

	// new loops:
	doc.Template.Loops = append(doc.Template.Loops, p.templateLoops...)
	doc.Loops = append(doc.Loops, p.loops...)

	// new template components, merged per category:
	for category, entries := range p.templateComponents {
		existing := map[string]string{}
		if raw, ok := doc.TemplateComponents[category]; ok {
			_ = json.Unmarshal(raw, &existing)
		}
		for label, value := range entries {
			existing[label] = value
		}
		data, err := json.Marshal(existing)
		if err == nil {
			doc.TemplateComponents[category] = data
		}
	}

	// new and updated parameters:
	for idx, val := range p.parameterData {
		doc.ParameterData[idx] = val
	}
	for idx, src := range p.parameterSources {
		doc.ParameterSources[idx] = src
	}

	// new and updated runs:
	for id, ear := range p.runs {
		doc.Runs[id] = ear
		if id >= doc.NextEARID {
			doc.NextEARID = id + 1
		}
	}

	// new submissions:
	doc.Submissions = append(doc.Submissions, p.submissions...)

	// jobscript metadata:
	for key, fields := range p.jsMetadata {
		if key.subIdx >= len(doc.Submissions) {
			continue
		}
		sub := doc.Submissions[key.subIdx]
		if key.jsIdx >= len(sub.Jobscripts) {
			continue
		}
		applyJobscriptMetadata(sub.Jobscripts[key.jsIdx], fields)
	}

	if p.removeReplacedFileRecord {
		doc.ReplacedFile = ""
	}
}

func applyJobscriptMetadata(js *model.Jobscript, fields map[string]any) {
	for name, value := range fields {
		switch name {
		case "submit_time":
			if t, ok := value.(*time.Time); ok {
				js.SubmitTime = t
			}
		case "submit_hostname":
			js.SubmitHostname, _ = value.(string)
		case "submit_machine":
			js.SubmitMachine, _ = value.(string)
		case "submit_cmdline":
			js.SubmitCmdline, _ = value.([]string)
		case "scheduler_job_ID":
			js.SchedulerJobID, _ = value.(string)
		case "process_ID":
			js.ProcessID, _ = value.(int)
		case "version_info":
			js.VersionInfo, _ = value.(map[string]string)
		case "os_name":
			js.OSName, _ = value.(string)
		case "shell_name":
			js.ShellName, _ = value.(string)
		case "scheduler_name":
			js.SchedulerName, _ = value.(string)
		}
	}
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func insertAt[T any](s []T, idx int, v T) []T {
	if idx >= len(s) {
		return append(s, v)
	}
	s = append(s, v) // grow
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}
