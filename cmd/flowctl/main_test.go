// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTemplate = `
name: damage-tolerance
tasks:
  - name: simulate
    inputs:
      mesh_size: 0.5
    outputs: [stress_field]
    sequences:
      - path: inputs.load_case
        values: [1, 2, 3]
        nesting_order: 0
    actions:
      - commands:
          - run_sim <<parameter:mesh_size>>
    resources:
      any:
        scheduler: slurm
        num_cores: 4
`

func writeTemplate(t *testing.T, content, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadTemplate_YAML(t *testing.T) {
	tmpl, err := loadTemplate(writeTemplate(t, sampleTemplate, "wk.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "damage-tolerance", tmpl.Name)
	require.Len(t, tmpl.Tasks, 1)
	assert.Equal(t, "simulate", tmpl.Tasks[0].Name)
	require.Len(t, tmpl.Tasks[0].Sequences, 1)
	assert.Equal(t, "inputs.load_case", tmpl.Tasks[0].Sequences[0].Path)
}

func TestLoadTemplate_JSON(t *testing.T) {
	content := `{"name": "wk", "tasks": [{"name": "t1", "outputs": ["p1"]}]}`
	tmpl, err := loadTemplate(writeTemplate(t, content, "wk.json"))
	require.NoError(t, err)
	assert.Equal(t, "wk", tmpl.Name)
	assert.Equal(t, []string{"p1"}, tmpl.Tasks[0].Outputs)
}

func TestLoadTemplate_NameDefaultsToFileName(t *testing.T) {
	tmpl, err := loadTemplate(writeTemplate(t, "tasks: []", "my-workflow.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "my-workflow", tmpl.Name)
}

func TestLoadTemplate_Missing(t *testing.T) {
	_, err := loadTemplate(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestTemplateTask_ToModel(t *testing.T) {
	tmpl, err := loadTemplate(writeTemplate(t, sampleTemplate, "wk.yaml"))
	require.NoError(t, err)

	task := tmpl.Tasks[0].toModel()

	assert.Equal(t, "simulate", task.Name)
	assert.Equal(t, []string{"stress_field"}, task.Outputs)

	// both the literal input and the sequence-implied input exist:
	paths := make([]string, len(task.Inputs))
	for i, in := range task.Inputs {
		paths[i] = in.Path
	}
	assert.Contains(t, paths, "inputs.mesh_size")
	assert.Contains(t, paths, "inputs.load_case")

	assert.Equal(t, 0.5, task.InputValues["inputs.mesh_size"])

	require.Len(t, task.Actions, 1)
	assert.Equal(t, "run_sim <<parameter:mesh_size>>", task.Actions[0].Commands[0].Command)

	require.Contains(t, task.Resources, "any")
	assert.Equal(t, "slurm", task.Resources["any"].Scheduler)
	assert.Equal(t, 4, task.Resources["any"].NumCores)
	assert.Equal(t, "any", task.Resources["any"].Scope)
}
