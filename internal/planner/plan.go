// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package planner

import (
	"sort"

	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/internal/resources"
)

// Input is everything Plan needs: the per-task EAR universe in workflow
// order, and the EAR-level dependency edges (run id to upstream run
// ids).
type Input struct {
	Tasks   []TaskEARs
	EARDeps map[int][]int
}

// Plan runs the full planning pipeline: per-task resource mapping and
// grouping, inter-jobscript dependency resolution, cross-task array
// merging, and block packing. Resources must be normalised (defaults
// filled, machine-validated) before planning.
func Plan(in Input) ([]*model.Jobscript, error) {
	working := map[int]*Jobscript{}
	nextIdx := 0

	for _, task := range in.Tasks {
		res, hashes, resourceMap, earIDMap := BuildResourceMap(task)
		descriptors, _ := GroupResourceMapIntoJobscripts(resourceMap)

		for _, desc := range descriptors {
			js, err := buildWorkingJobscript(task, desc, res, hashes, earIDMap)
			if err != nil {
				return nil, err
			}
			working[nextIdx] = js
			nextIdx++
		}
	}

	elementDeps := buildElementDeps(working, in.EARDeps)

	ResolveJobscriptDependencies(working, elementDeps)
	working = MergeJobscriptsAcrossTasks(working)
	return ResolveJobscriptBlocks(working), nil
}

// buildWorkingJobscript turns one grouping descriptor into the
// planner's working jobscript form: a grid over the descriptor's
// element columns and the union of its action rows, -1 marking actions
// an element does not run.
func buildWorkingJobscript(task TaskEARs, desc Descriptor, res []*model.Resources, hashes []string, earIDMap [][]int) (*Jobscript, error) {
	elemIndices := make([]int, 0, len(desc.Elements))
	for elemIdx := range desc.Elements {
		elemIndices = append(elemIndices, elemIdx)
	}
	sort.Ints(elemIndices)

	actionSet := map[int]bool{}
	for _, acts := range desc.Elements {
		for _, a := range acts {
			actionSet[a] = true
		}
	}
	actionRows := make([]int, 0, len(actionSet))
	for a := range actionSet {
		actionRows = append(actionRows, a)
	}
	sort.Ints(actionRows)

	earID := make([][]int, len(actionRows))
	taskActions := make([][3]int, len(actionRows))
	for r, actIdx := range actionRows {
		earID[r] = make([]int, len(elemIndices))
		taskActions[r] = [3]int{task.TaskInsertID, actIdx, 0}
		for c, elemIdx := range elemIndices {
			if containsIntVal(desc.Elements[elemIdx], actIdx) {
				earID[r][c] = earIDMap[actIdx][elemIdx]
			} else {
				earID[r][c] = NoneVal
			}
		}
	}

	elements := make(map[int][]int, len(elemIndices))
	for c, elemIdx := range elemIndices {
		elements[c] = []int{elemIdx}
	}

	loopIdx := task.LoopIdx
	if loopIdx == nil {
		loopIdx = map[string]int{}
	}

	jsResources := res[desc.Resources]
	isArray, err := resources.IsJobscriptArray(jsResources, len(elemIndices))
	if err != nil {
		return nil, err
	}

	return &Jobscript{
		TaskInsertIDs: []int{task.TaskInsertID},
		TaskActions:   taskActions,
		TaskElements:  elements,
		TaskLoopIdx:   []map[string]int{loopIdx},
		EARID:         earID,
		Resources:     jsResources,
		ResourceHash:  hashes[desc.Resources],
		IsArray:       isArray,
	}, nil
}

// buildElementDeps derives the per-jobscript element dependency lists
// from EAR-level edges, keeping only edges that leave the jobscript.
func buildElementDeps(jobscripts map[int]*Jobscript, earDeps map[int][]int) map[int]map[int][]int {
	out := map[int]map[int][]int{}

	for jsIdx, js := range jobscripts {
		for _, row := range js.EARID {
			for col, id := range row {
				if id == NoneVal {
					continue
				}
				for _, depID := range earDeps[id] {
					if _, internal := js.containsEARColumn(depID); internal {
						continue
					}
					if out[jsIdx] == nil {
						out[jsIdx] = map[int][]int{}
					}
					if !containsIntVal(out[jsIdx][col], depID) {
						out[jsIdx][col] = append(out[jsIdx][col], depID)
					}
				}
			}
		}
	}
	return out
}
