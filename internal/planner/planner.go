// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package planner packs pending EARs into minimal rectangular blocks of
// (actions x elements) sharing identical resource requirements, and
// composes blocks into jobscripts honouring dependency and
// array-compatibility rules.
package planner

import (
	"sort"

	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/internal/resources"
)

// NoneVal is the sentinel for unpopulated resource-map cells (an action
// an element does not run, due to conditional rules).
const NoneVal = -1

// TaskEARs is the planner's view of one task's EAR universe for a
// single iteration.
type TaskEARs struct {
	TaskInsertID int
	NumActions   int
	NumElements  int
	LoopIdx      map[string]int
	EARs         []*model.EAR
}

// BuildResourceMap builds, for one task, the (actions x elements) grid
// whose cells index into a deduplicated resource list, alongside the
// parallel EAR-id grid. Only EARs in pending state contribute.
func BuildResourceMap(task TaskEARs) ([]*model.Resources, []string, [][]int, [][]int) {
	var res []*model.Resources
	var hashes []string

	resourceMap := makeGrid(task.NumActions, task.NumElements, NoneVal)
	earIDMap := makeGrid(task.NumActions, task.NumElements, NoneVal)

	for _, ear := range task.EARs {
		if ear.Status != model.StatusPending {
			continue
		}
		hash := resources.Hash(ear.Resources)
		idx := indexOf(hashes, hash)
		if idx < 0 {
			idx = len(hashes)
			hashes = append(hashes, hash)
			res = append(res, ear.Resources)
		}
		resourceMap[ear.ActionIdx][ear.ElementIdx] = idx
		earIDMap[ear.ActionIdx][ear.ElementIdx] = ear.ID
	}

	return res, hashes, resourceMap, earIDMap
}

// Descriptor is one grouped jobscript within a task: a resource index
// and, per element, the action indices it runs.
type Descriptor struct {
	Resources int
	Elements  map[int][]int
}

// GroupResourceMapIntoJobscripts greedily sweeps the resource map row
// by row: for each action and resource present there, it collects the
// unallocated row elements with that resource plus all downstream
// cells whose resource requirements do not change (treating sentinel
// cells as absorbable), yielding the minimal set of rectangular groups.
// The second result maps each cell to its group index (NoneVal when
// unallocated).
func GroupResourceMapIntoJobscripts(resourceMap [][]int) ([]Descriptor, [][]int) {
	numActions := len(resourceMap)
	if numActions == 0 {
		return nil, nil
	}
	numElements := len(resourceMap[0])

	allocated := make([][]bool, numActions)
	for a := range allocated {
		allocated[a] = make([]bool, numElements)
	}
	jsMap := makeGrid(numActions, numElements, NoneVal)

	uniq := uniqueValues(resourceMap)

	var jobscripts []Descriptor
	remaining := countNonSentinel(resourceMap)

	for actIdx := 0; actIdx < numActions && remaining > 0; actIdx++ {
		for _, resIdx := range uniq {
			// value treating sentinel cells as resIdx, so equal-valued
			// downstream cells absorb across holes:
			value := func(a, e int) int {
				if resourceMap[a][e] == NoneVal {
					return resIdx
				}
				return resourceMap[a][e]
			}

			present := false
			for e := 0; e < numElements; e++ {
				if resourceMap[actIdx][e] == resIdx {
					present = true
					break
				}
			}
			if !present {
				continue
			}

			// row elements with this resource, not yet allocated:
			var elemIdx []int
			for e := 0; e < numElements; e++ {
				if value(actIdx, e) == resIdx && !allocated[actIdx][e] {
					elemIdx = append(elemIdx, e)
				}
			}

			earsByElem := map[int][]int{}
			var cells [][2]int
			for _, e := range elemIdx {
				if resourceMap[actIdx][e] != NoneVal {
					earsByElem[e] = []int{actIdx}
					cells = append(cells, [2]int{actIdx, e})
				}
			}

			// absorb downstream actions whose cumulative requirement
			// change from this row is zero:
			for _, e := range elemIdx {
				diff := 0
				for a := actIdx + 1; a < numActions; a++ {
					diff += abs(value(a, e) - value(a-1, e))
					if diff != 0 {
						break
					}
					if resourceMap[a][e] != NoneVal {
						earsByElem[e] = append(earsByElem[e], a)
						cells = append(cells, [2]int{a, e})
					}
				}
			}

			if len(cells) == 0 {
				continue
			}

			jobscripts = append(jobscripts, Descriptor{
				Resources: resIdx,
				Elements:  sortElements(earsByElem),
			})
			for _, c := range cells {
				if !allocated[c[0]][c[1]] {
					allocated[c[0]][c[1]] = true
					remaining--
				}
				jsMap[c[0]][c[1]] = len(jobscripts) - 1
			}

			if remaining == 0 {
				break
			}
		}
	}

	return jobscripts, jsMap
}

func sortElements(m map[int][]int) map[int][]int {
	// map iteration order is irrelevant to callers, but keep each
	// element's action list sorted:
	for _, acts := range m {
		sort.Ints(acts)
	}
	return m
}

func makeGrid(rows, cols, fill int) [][]int {
	grid := make([][]int, rows)
	for r := range grid {
		grid[r] = make([]int, cols)
		for c := range grid[r] {
			grid[r][c] = fill
		}
	}
	return grid
}

func uniqueValues(grid [][]int) []int {
	seen := map[int]bool{}
	for _, row := range grid {
		for _, v := range row {
			if v != NoneVal {
				seen[v] = true
			}
		}
	}
	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func countNonSentinel(grid [][]int) int {
	n := 0
	for _, row := range grid {
		for _, v := range row {
			if v != NoneVal {
				n++
			}
		}
	}
	return n
}

func indexOf(values []string, v string) int {
	for i, x := range values {
		if x == v {
			return i
		}
	}
	return -1
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
