// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package planner

import (
	"reflect"
	"sort"

	"github.com/ezrah/flowengine/internal/model"
)

// Jobscript is the planner's working form of one pre-packing jobscript:
// a single-task block plus the metadata merging and packing operate on.
type Jobscript struct {
	TaskInsertIDs []int
	TaskActions   [][3]int
	TaskElements  map[int][]int
	TaskLoopIdx   []map[string]int
	EARID         [][]int

	Resources    *model.Resources
	ResourceHash string
	IsArray      bool

	// Dependencies is keyed by upstream working-jobscript index.
	Dependencies map[int]*DepInfo

	merged bool
}

// DepInfo is one dependency edge's metadata.
type DepInfo struct {
	// JSElementMapping maps this jobscript's element indices to the
	// upstream jobscript's element indices they depend on.
	JSElementMapping map[int][]int
	IsArray          bool
}

// NumElements returns the element count of the working jobscript.
func (js *Jobscript) NumElements() int {
	if len(js.EARID) == 0 {
		return 0
	}
	return len(js.EARID[0])
}

// containsEARColumn returns the element column holding the EAR id.
func (js *Jobscript) containsEARColumn(id int) (int, bool) {
	for _, row := range js.EARID {
		for col, v := range row {
			if v == id {
				return col, true
			}
		}
	}
	return 0, false
}

// ResolveJobscriptDependencies locates, for every jobscript element's
// EAR dependencies, the earlier jobscript elements holding those EARs,
// then classifies each edge: an edge is an array dependency iff every
// source element maps to exactly one target element and the mapping is
// a bijection over the target's full element range.
func ResolveJobscriptDependencies(jobscripts map[int]*Jobscript, elementDeps map[int]map[int][]int) {
	indices := sortedJSKeys(jobscripts)

	for _, jsIdx := range indices {
		js := jobscripts[jsIdx]
		js.Dependencies = map[int]*DepInfo{}

		elemDeps, ok := elementDeps[jsIdx]
		if !ok {
			continue
		}

		for jsElemIdx, earDeps := range elemDeps {
			for _, earDep := range earDeps {
				for _, kIdx := range indices {
					if kIdx == jsIdx {
						break
					}
					jsK := jobscripts[kIdx]
					kElemIdx, found := jsK.containsEARColumn(earDep)
					if !found {
						continue
					}
					dep := js.Dependencies[kIdx]
					if dep == nil {
						dep = &DepInfo{JSElementMapping: map[int][]int{}}
						js.Dependencies[kIdx] = dep
					}
					if !containsIntVal(dep.JSElementMapping[jsElemIdx], kElemIdx) {
						dep.JSElementMapping[jsElemIdx] = append(dep.JSElementMapping[jsElemIdx], kElemIdx)
					}
				}
			}
		}

		for kIdx, dep := range js.Dependencies {
			dep.IsArray = isArrayMapping(dep.JSElementMapping, js.NumElements(), jobscripts[kIdx].NumElements())
		}
	}
}

func isArrayMapping(mapping map[int][]int, numSrcElems, numTgtElems int) bool {
	srcElems := make([]int, 0, len(mapping))
	for src := range mapping {
		srcElems = append(srcElems, src)
	}
	sort.Ints(srcElems)

	allSrc := len(srcElems) == numSrcElems
	for i, src := range srcElems {
		if src != i {
			allSrc = false
		}
	}

	allSingle := true
	targets := make([]int, 0, len(mapping))
	for _, tgts := range mapping {
		if len(tgts) != 1 {
			allSingle = false
			break
		}
		targets = append(targets, tgts[0])
	}
	if !allSingle {
		return false
	}
	sort.Ints(targets)

	allTgt := len(targets) == numTgtElems
	for i, tgt := range targets {
		if tgt != i {
			allTgt = false
		}
	}

	return allSrc && allTgt
}

// MergeJobscriptsAcrossTasks merges a jobscript into its closest
// dependency when they share a resource hash, the edge is an array
// dependency, and all the jobscript's other dependencies are also held
// (with equal edge metadata) by the merge target. Downstream references
// to a merged jobscript are rewritten to the target.
func MergeJobscriptsAcrossTasks(jobscripts map[int]*Jobscript) map[int]*Jobscript {
	indices := sortedJSKeys(jobscripts)

	for _, jsIdx := range indices {
		js := jobscripts[jsIdx]
		if len(js.Dependencies) == 0 {
			continue
		}

		closestIdx := maxKey(js.Dependencies)
		closest := jobscripts[closestIdx]

		merge := true
		for depIdx, dep := range js.Dependencies {
			if depIdx == closestIdx {
				continue
			}
			other, ok := closest.Dependencies[depIdx]
			if !ok || !reflect.DeepEqual(other, dep) {
				merge = false
			}
		}
		if !merge {
			continue
		}

		depInfo := js.Dependencies[closestIdx]
		if js.ResourceHash != closest.ResourceHash || !depInfo.IsArray {
			continue
		}
		// non-array jobscripts are handled by block packing instead;
		// merging is what lets two scheduler arrays share one script.
		if !js.IsArray || !closest.IsArray {
			continue
		}

		numLoopIdx := len(closest.TaskLoopIdx)

		closest.TaskInsertIDs = append(closest.TaskInsertIDs, js.TaskInsertIDs[0])
		closest.TaskLoopIdx = append(closest.TaskLoopIdx, js.TaskLoopIdx[0])

		for _, act := range js.TaskActions {
			act[2] += numLoopIdx
			closest.TaskActions = append(closest.TaskActions, act)
		}
		for elemIdx, taskElems := range js.TaskElements {
			closest.TaskElements[elemIdx] = append(closest.TaskElements[elemIdx], taskElems...)
		}
		closest.EARID = append(closest.EARID, js.EARID...)

		js.merged = true

		for _, dsIdx := range indices {
			if dsIdx <= jsIdx {
				continue
			}
			ds := jobscripts[dsIdx]
			if dep, ok := ds.Dependencies[jsIdx]; ok {
				delete(ds.Dependencies, jsIdx)
				ds.Dependencies[closestIdx] = dep
			}
		}
	}

	out := make(map[int]*Jobscript, len(jobscripts))
	for idx, js := range jobscripts {
		if !js.merged {
			out[idx] = js
		}
	}
	return out
}

// ResolveJobscriptBlocks packs contiguous, same-resource, non-array
// jobscripts whose dependencies all lie within the jobscript being
// assembled into a single multi-block jobscript; a jobscript with no
// dependencies starts a new jobscript instead. Array jobscripts never
// share a script. Dependency keys are rewritten to (new jobscript idx,
// block idx) pairs; edges that became internal remain recorded on the
// block.
func ResolveJobscriptBlocks(jobscripts map[int]*Jobscript) []*model.Jobscript {
	indices := sortedJSKeys(jobscripts)

	// newIdx maps old working index to (new jobscript idx, block idx).
	newIdx := map[int][2]int{}
	var packed [][]*Jobscript
	var blocks []*Jobscript
	havePrevHash := false
	prevHash := ""

	for _, jsIdx := range indices {
		js := jobscripts[jsIdx]

		depTargets := map[int]bool{}
		for depIdx := range js.Dependencies {
			depTargets[newIdx[depIdx][0]] = true
		}

		if js.IsArray {
			if len(blocks) > 0 {
				packed = append(packed, blocks)
				blocks = nil
				havePrevHash = false
			}
			newIdx[jsIdx] = [2]int{len(packed), 0}
			packed = append(packed, []*Jobscript{js})
			continue
		}

		switch {
		case !havePrevHash:
			blocks = append(blocks, js)
			newIdx[jsIdx] = [2]int{len(packed), len(blocks) - 1}
			prevHash = js.ResourceHash
			havePrevHash = true

		case js.ResourceHash == prevHash && len(depTargets) == 1 && depTargets[len(packed)]:
			// all dependencies lie within the jobscript being packed
			blocks = append(blocks, js)
			newIdx[jsIdx] = [2]int{len(packed), len(blocks) - 1}

		default:
			packed = append(packed, blocks)
			blocks = []*Jobscript{js}
			newIdx[jsIdx] = [2]int{len(packed), 0}
			prevHash = js.ResourceHash
		}
	}
	if len(blocks) > 0 {
		packed = append(packed, blocks)
	}

	out := make([]*model.Jobscript, len(packed))
	for newJSIdx, group := range packed {
		js := &model.Jobscript{
			Index:   newJSIdx,
			IsArray: group[0].IsArray,
		}
		for _, working := range group {
			js.Resources = working.Resources

			deps := model.DependencyMap{}
			for depIdx, dep := range working.Dependencies {
				ref := newIdx[depIdx]
				deps[model.BlockRef{JSIdx: ref[0], BlockIdx: ref[1]}] = model.BlockDependency{
					JSElementMapping: dep.JSElementMapping,
					IsArray:          dep.IsArray,
				}
			}

			js.Blocks = append(js.Blocks, &model.JobscriptBlock{
				TaskInsertIDs: working.TaskInsertIDs,
				TaskActions:   working.TaskActions,
				TaskElements:  working.TaskElements,
				TaskLoopIdx:   working.TaskLoopIdx,
				EARID:         working.EARID,
				Dependencies:  deps,
			})
		}
		out[newJSIdx] = js
	}
	return out
}

func sortedJSKeys(m map[int]*Jobscript) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func maxKey(m map[int]*DepInfo) int {
	max := -1
	for k := range m {
		if k > max {
			max = k
		}
	}
	return max
}

func containsIntVal(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
