// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package paramgraph maintains the content-addressed parameter value
// graph: the append-only mapping from data index to value, with a
// parallel provenance record per index.
package paramgraph

import (
	"sort"

	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/internal/store"
)

// Graph allocates parameter data indices through the store's parameter
// entity set.
type Graph struct {
	store *store.Store
}

// New creates a parameter graph over a store.
func New(s *store.Store) *Graph {
	return &Graph{store: s}
}

// MakePersistent allocates data indices for each raw input value,
// recording the given source per index. The result maps each input path
// to the per-value indices, in value order. Paths are processed in
// sorted order so allocation is deterministic.
func (g *Graph) MakePersistent(values map[string][]any, source model.ParameterSource) (map[string][]int, error) {
	paths := make([]string, 0, len(values))
	for path := range values {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	out := make(map[string][]int, len(values))
	for _, path := range paths {
		indices := make([]int, len(values[path]))
		for i, value := range values[path] {
			idx, err := g.store.AddParameterData(value, true, source)
			if err != nil {
				return nil, err
			}
			indices[i] = idx
		}
		out[path] = indices
	}
	return out, nil
}

// AllocateOutputs pre-allocates unset parameter slots for each output
// path of a task, one per element. The source records the producing
// task.
func (g *Graph) AllocateOutputs(taskInsertID int, outputPaths []string, numElements int) (map[string][]int, error) {
	out := make(map[string][]int, len(outputPaths))
	for _, path := range outputPaths {
		indices := make([]int, numElements)
		for i := 0; i < numElements; i++ {
			idx, err := g.store.AddParameterData(nil, false, model.ParameterSource{
				Kind:           model.SourceTask,
				TaskInsertID:   taskInsertID,
				TaskSourceType: model.TaskSourceOutput,
			})
			if err != nil {
				return nil, err
			}
			indices[i] = idx
		}
		out[path] = indices
	}
	return out, nil
}

// SaveOutput assigns a produced value to a pre-allocated output slot.
// The slot's source record stays as allocated: the producing run is not
// recorded.
func (g *Graph) SaveOutput(index int, value any) error {
	return g.store.SetParameter(index, value)
}

// Get returns a parameter value.
func (g *Graph) Get(index int) (any, error) {
	return g.store.GetParameterData(index)
}

// Source returns a parameter's provenance.
func (g *Graph) Source(index int) (model.ParameterSource, error) {
	return g.store.GetParameterSource(index)
}

// IsSet reports whether a parameter has a value.
func (g *Graph) IsSet(index int) (bool, error) {
	return g.store.IsParameterSet(index)
}
