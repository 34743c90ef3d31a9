// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package flowengine

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/ezrah/flowengine/internal/expander"
	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/internal/paramgraph"
	"github.com/ezrah/flowengine/internal/resources"
	"github.com/ezrah/flowengine/internal/store"
	"github.com/ezrah/flowengine/pkg/errors"
)

// Workflow is one open workflow: a store handle plus the engine context
// operations run under.
type Workflow struct {
	engine *Engine
	store  *store.Store
	graph  *paramgraph.Graph
	path   string
}

// Path returns the workflow directory.
func (w *Workflow) Path() string {
	return w.path
}

// Store exposes the underlying store to the CLI's internal callbacks.
func (w *Workflow) Store() *store.Store {
	return w.store
}

// AddTask appends a task to the workflow. All referenced input sources
// must be local values, schema defaults, imported files, or outputs of
// tasks already added; unsourced inputs fail with MissingInputs before
// any mutation.
func (w *Workflow) AddTask(ctx context.Context, task *model.TaskTemplate) error {
	numAdded, err := w.store.GetNumAddedTasks()
	if err != nil {
		return err
	}
	return w.addTaskAt(ctx, task, numAdded)
}

func (w *Workflow) addTaskAt(ctx context.Context, task *model.TaskTemplate, newIndex int) error {
	task.InsertID = newIndex

	tmpl, err := w.store.GetTemplate()
	if err != nil {
		return err
	}

	sources, err := w.resolveInputSources(task, tmpl.Tasks)
	if err != nil {
		return err
	}

	rows, err := expander.Expand(task.Sequences, task.Repeats)
	if err != nil {
		return err
	}
	numElements := len(rows)

	res, err := w.normaliseTaskResources(task)
	if err != nil {
		return err
	}

	dataIdx, err := w.buildInputDataIndices(task, sources, rows, numElements, tmpl.Tasks)
	if err != nil {
		return err
	}

	outputPaths := make([]string, len(task.Outputs))
	for i, name := range task.Outputs {
		outputPaths[i] = "outputs." + name
	}
	outputIdx, err := w.graph.AllocateOutputs(task.InsertID, outputPaths, numElements)
	if err != nil {
		return err
	}

	if err := w.store.AddTemplateTask(newIndex, task); err != nil {
		return err
	}
	if err := w.store.AddWorkflowTask(newIndex, task.InsertID); err != nil {
		return err
	}

	elements := make([]*model.Element, numElements)
	for i := 0; i < numElements; i++ {
		elemData := map[string]int{}
		for path, indices := range dataIdx {
			elemData[path] = indices[i]
		}
		for path, indices := range outputIdx {
			elemData[path] = indices[i]
		}
		elements[i] = &model.Element{Index: i, DataIdx: elemData}
	}
	if err := w.store.AddElements(newIndex, elements); err != nil {
		return err
	}

	// one EAR per applicable action per element (iteration 0, run 0):
	var ears []*model.EAR
	earSlots := make([]map[int]int, numElements) // element -> action -> position
	for i := range earSlots {
		earSlots[i] = map[int]int{}
	}
	for actIdx := range task.Actions {
		if !task.Actions[actIdx].Satisfied(res) {
			continue
		}
		for elemIdx := 0; elemIdx < numElements; elemIdx++ {
			earSlots[elemIdx][actIdx] = len(ears)
			ears = append(ears, &model.EAR{
				TaskInsertID: task.InsertID,
				ElementIdx:   elemIdx,
				IterationIdx: 0,
				ActionIdx:    actIdx,
				RunIdx:       0,
				Resources:    res,
				DataIdx:      elements[elemIdx].DataIdx,
			})
		}
	}
	ids, err := w.store.AddEARs(ears)
	if err != nil {
		return err
	}

	iterations := make([]*model.ElementIteration, numElements)
	for elemIdx := 0; elemIdx < numElements; elemIdx++ {
		actions := map[int][]int{}
		for actIdx, pos := range earSlots[elemIdx] {
			actions[actIdx] = []int{ids[pos]}
		}
		iterations[elemIdx] = &model.ElementIteration{
			ElementIdx:      elemIdx,
			Index:           0,
			LoopIdx:         map[string]int{},
			EARsInitialised: true,
			Actions:         actions,
			DataIdx:         elements[elemIdx].DataIdx,
		}
	}
	if err := w.store.AppendElementIterations(newIndex, iterations); err != nil {
		return err
	}

	return w.store.CommitPending()
}

// resolvedSource says where one input path's values come from.
type resolvedSource struct {
	kind       model.SourceKind
	taskRef    int // upstream insert ID for task sources
	sourceType model.TaskSourceType
	filePath   string
}

// resolveInputSources assigns a source to every input, preferring the
// user's explicit request, then: OUTPUT of the most recent upstream
// task producing the parameter, an earlier OUTPUT, a LOCAL value, a
// schema DEFAULT.
func (w *Workflow) resolveInputSources(task *model.TaskTemplate, upstream []*model.TaskTemplate) (map[string]resolvedSource, error) {
	sources := map[string]resolvedSource{}
	var missing []string

	seqPaths := map[string]bool{}
	for _, seq := range task.Sequences {
		seqPaths[seq.Path] = true
	}

	for _, input := range task.Inputs {
		path := input.Path
		name := strings.TrimPrefix(path, "inputs.")

		if specs, ok := task.InputSources[path]; ok && len(specs) > 0 {
			src, err := w.validateSourceSpec(task, specs[0], name, upstream)
			if err != nil {
				return nil, err
			}
			sources[path] = src
			continue
		}

		// outputs of upstream tasks, most recent first:
		found := false
		for i := len(upstream) - 1; i >= 0; i-- {
			if containsString(upstream[i].Outputs, name) {
				sources[path] = resolvedSource{
					kind:       model.SourceTask,
					taskRef:    upstream[i].InsertID,
					sourceType: model.TaskSourceOutput,
				}
				found = true
				break
			}
		}
		if found {
			continue
		}

		if _, ok := task.InputValues[path]; ok || seqPaths[path] {
			sources[path] = resolvedSource{kind: model.SourceLocal}
			continue
		}

		if input.HasDefault {
			sources[path] = resolvedSource{kind: model.SourceDefault}
			continue
		}

		missing = append(missing, path)
	}

	if len(missing) > 0 {
		return nil, errors.NewMissingInputsError(missing)
	}
	return sources, nil
}

func (w *Workflow) validateSourceSpec(task *model.TaskTemplate, spec model.InputSourceSpec, name string, upstream []*model.TaskTemplate) (resolvedSource, error) {
	switch spec.Kind {
	case model.SourceTask:
		if spec.TaskRef == task.InsertID && spec.TaskSourceType == model.TaskSourceOutput {
			return resolvedSource{}, errors.NewInvalidInputSourceTaskRefError(spec.TaskRef)
		}
		known := false
		for _, up := range upstream {
			if up.InsertID == spec.TaskRef {
				known = true
				break
			}
		}
		if !known {
			return resolvedSource{}, errors.NewInvalidInputSourceTaskRefError(spec.TaskRef)
		}
		return resolvedSource{
			kind:       model.SourceTask,
			taskRef:    spec.TaskRef,
			sourceType: spec.TaskSourceType,
		}, nil

	case model.SourceLocal:
		return resolvedSource{kind: model.SourceLocal}, nil

	case model.SourceDefault:
		return resolvedSource{kind: model.SourceDefault}, nil

	case model.SourceFile:
		return resolvedSource{kind: model.SourceFile, filePath: spec.Path}, nil
	}

	return resolvedSource{}, errors.NewEngineError(errors.ErrorCodeValidationFailed,
		fmt.Sprintf("unknown input source kind %q for %q", spec.Kind, name))
}

// normaliseTaskResources resolves the task's "any"-scope resource
// request against engine defaults and the machine profile.
func (w *Workflow) normaliseTaskResources(task *model.TaskTemplate) (*model.Resources, error) {
	var res *model.Resources
	if r, ok := task.Resources["any"]; ok {
		res = r.Copy()
	} else {
		res = &model.Resources{}
	}
	if err := resources.SetDefaults(res, w.engine.cfg); err != nil {
		return nil, err
	}
	if err := resources.ValidateAgainstMachine(res, w.engine.machineProfile); err != nil {
		return nil, err
	}
	return res, nil
}

// buildInputDataIndices allocates (or locates) a parameter data index
// per input path per element.
func (w *Workflow) buildInputDataIndices(task *model.TaskTemplate, sources map[string]resolvedSource, rows []map[string]int, numElements int, upstream []*model.TaskTemplate) (map[string][]int, error) {
	out := map[string][]int{}

	seqByPath := map[string]model.Sequence{}
	for _, seq := range task.Sequences {
		seqByPath[seq.Path] = seq
	}

	for _, input := range task.Inputs {
		path := input.Path
		src := sources[path]

		switch src.kind {
		case model.SourceLocal, model.SourceDefault, model.SourceFile:
			indices, err := w.localIndices(task, input, src, seqByPath, rows, numElements)
			if err != nil {
				return nil, err
			}
			out[path] = indices

		case model.SourceTask:
			indices, err := w.upstreamIndices(path, src, numElements, upstream)
			if err != nil {
				return nil, err
			}
			out[path] = indices
		}
	}
	return out, nil
}

func (w *Workflow) localIndices(task *model.TaskTemplate, input model.SchemaInput, src resolvedSource, seqByPath map[string]model.Sequence, rows []map[string]int, numElements int) ([]int, error) {
	path := input.Path

	if seq, ok := seqByPath[path]; ok {
		persisted, err := w.graph.MakePersistent(
			map[string][]any{path: seq.Values},
			model.ParameterSource{Kind: src.kind},
		)
		if err != nil {
			return nil, err
		}
		indices := make([]int, numElements)
		for i, row := range rows {
			indices[i] = persisted[path][row[path]]
		}
		return indices, nil
	}

	var value any
	source := model.ParameterSource{Kind: src.kind}
	switch src.kind {
	case model.SourceLocal:
		value = task.InputValues[path]
	case model.SourceDefault:
		value = input.Default
	case model.SourceFile:
		value = src.filePath
		source.Path = src.filePath
	}

	idx, err := w.store.AddParameterData(value, true, source)
	if err != nil {
		return nil, err
	}
	indices := make([]int, numElements)
	for i := range indices {
		indices[i] = idx
	}
	return indices, nil
}

// upstreamIndices maps each new element onto the upstream task's
// parameter indices: one-to-one when counts match, broadcast from a
// single upstream element, cyclic when the new count is a multiple.
func (w *Workflow) upstreamIndices(path string, src resolvedSource, numElements int, upstream []*model.TaskTemplate) ([]int, error) {
	name := strings.TrimPrefix(path, "inputs.")

	upstreamTaskIdx := -1
	for i, up := range upstream {
		if up.InsertID == src.taskRef {
			upstreamTaskIdx = i
			break
		}
	}
	if upstreamTaskIdx < 0 {
		return nil, errors.NewInvalidInputSourceTaskRefError(src.taskRef)
	}

	elems, _, err := w.store.GetTaskElements(upstreamTaskIdx, 0, -1, false)
	if err != nil {
		return nil, err
	}
	if len(elems) == 0 {
		return nil, errors.NewEngineError(errors.ErrorCodeValidationFailed,
			fmt.Sprintf("upstream task %d has no elements", src.taskRef))
	}

	upstreamPath := "outputs." + name
	if src.sourceType == model.TaskSourceInput {
		upstreamPath = "inputs." + name
	}

	indices := make([]int, numElements)
	for i := 0; i < numElements; i++ {
		var upElem *model.Element
		switch {
		case len(elems) == numElements:
			upElem = elems[i]
		case len(elems) == 1:
			upElem = elems[0]
		case numElements%len(elems) == 0:
			upElem = elems[i%len(elems)]
		default:
			return nil, errors.NewEngineError(errors.ErrorCodeValidationFailed,
				fmt.Sprintf("cannot map %d elements onto %d upstream elements for %q",
					numElements, len(elems), path))
		}
		idx, ok := upElem.DataIdx[upstreamPath]
		if !ok {
			return nil, errors.NewEngineError(errors.ErrorCodeValidationFailed,
				fmt.Sprintf("upstream task %d does not provide %q", src.taskRef, upstreamPath))
		}
		indices[i] = idx
	}
	return indices, nil
}

// GetParameterData returns a parameter value by data index.
func (w *Workflow) GetParameterData(index int) (any, error) {
	return w.graph.Get(index)
}

// GetParameterSource returns a parameter's provenance.
func (w *Workflow) GetParameterSource(index int) (model.ParameterSource, error) {
	return w.graph.Source(index)
}

// GetAllParameterData returns every parameter index with its value
// (nil for unset output slots).
func (w *Workflow) GetAllParameterData() (map[int]any, error) {
	return w.store.GetAllParameters()
}

// IsParameterSet reports whether a parameter has a value.
func (w *Workflow) IsParameterSet(index int) (bool, error) {
	return w.graph.IsSet(index)
}

// GetEARsFromIDs returns EARs by id, constant time per id via the
// store's run index.
func (w *Workflow) GetEARsFromIDs(ids []int) ([]*model.EAR, error) {
	return w.store.GetEARs(ids)
}

// GetTaskUniqueNames returns the workflow's task names in insertion
// order, suffixing repeats with _1, _2, ... When mapToInsertID is set,
// the second result maps each unique name to its task's insert ID.
func (w *Workflow) GetTaskUniqueNames(mapToInsertID bool) ([]string, map[string]int, error) {
	tmpl, err := w.store.GetTemplate()
	if err != nil {
		return nil, nil, err
	}

	counts := map[string]int{}
	for _, task := range tmpl.Tasks {
		counts[task.Name]++
	}

	seen := map[string]int{}
	names := make([]string, len(tmpl.Tasks))
	var byName map[string]int
	if mapToInsertID {
		byName = map[string]int{}
	}
	for i, task := range tmpl.Tasks {
		name := task.Name
		if counts[name] > 1 {
			seen[name]++
			name = fmt.Sprintf("%s_%d", name, seen[name])
		}
		names[i] = name
		if mapToInsertID {
			byName[name] = task.InsertID
		}
	}
	return names, byName, nil
}

// SortedTaskNames returns the workflow's unique task names sorted for
// display with locale-aware collation.
func (w *Workflow) SortedTaskNames() ([]string, error) {
	names, _, err := w.GetTaskUniqueNames(false)
	if err != nil {
		return nil, err
	}
	sorted := append([]string{}, names...)
	collate.New(language.English).SortStrings(sorted)
	return sorted, nil
}

// AddExecutable registers an executable label in the workflow's
// template components; a repeated label is refused with
// DuplicateExecutable.
func (w *Workflow) AddExecutable(label, path string) error {
	if err := w.store.AddTemplateComponent("executables", label, path); err != nil {
		if errors.GetErrorCode(err) == errors.ErrorCodeConflict {
			return errors.NewDuplicateExecutableError(label)
		}
		return err
	}
	return nil
}

func containsString(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
