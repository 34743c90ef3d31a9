// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package paramgraph

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/internal/store"
)

func newGraph(t *testing.T) *Graph {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "wk")
	require.NoError(t, store.WriteEmpty(dir, nil, nil, false))
	s, err := store.Open(dir, store.ModeReadWrite, nil)
	require.NoError(t, err)
	return New(s)
}

func TestMakePersistent_AllocatesSequentialIndices(t *testing.T) {
	g := newGraph(t)

	indices, err := g.MakePersistent(map[string][]any{
		"inputs.p1": {float64(10), float64(20), float64(30)},
	}, model.ParameterSource{Kind: model.SourceLocal})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, indices["inputs.p1"])

	for i, want := range []float64{10, 20, 30} {
		val, err := g.Get(indices["inputs.p1"][i])
		require.NoError(t, err)
		assert.Equal(t, want, val)
	}
}

func TestMakePersistent_DeterministicAcrossPaths(t *testing.T) {
	g := newGraph(t)

	indices, err := g.MakePersistent(map[string][]any{
		"inputs.b": {"x"},
		"inputs.a": {"y"},
	}, model.ParameterSource{Kind: model.SourceLocal})
	require.NoError(t, err)

	// sorted path order: inputs.a first
	assert.Equal(t, []int{0}, indices["inputs.a"])
	assert.Equal(t, []int{1}, indices["inputs.b"])
}

func TestAllocateOutputs_UnsetUntilProduced(t *testing.T) {
	g := newGraph(t)

	out, err := g.AllocateOutputs(3, []string{"outputs.p2"}, 2)
	require.NoError(t, err)
	require.Len(t, out["outputs.p2"], 2)

	for _, idx := range out["outputs.p2"] {
		set, err := g.IsSet(idx)
		require.NoError(t, err)
		assert.False(t, set)

		src, err := g.Source(idx)
		require.NoError(t, err)
		assert.Equal(t, model.SourceTask, src.Kind)
		assert.Equal(t, 3, src.TaskInsertID)
		assert.Equal(t, model.TaskSourceOutput, src.TaskSourceType)
	}

	require.NoError(t, g.SaveOutput(out["outputs.p2"][0], 99))
	set, err := g.IsSet(out["outputs.p2"][0])
	require.NoError(t, err)
	assert.True(t, set)

	// a slot may only be produced once:
	assert.Error(t, g.SaveOutput(out["outputs.p2"][0], 100))
}
