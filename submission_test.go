// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package flowengine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezrah/flowengine/internal/adapters"
	"github.com/ezrah/flowengine/internal/model"
	flowerrors "github.com/ezrah/flowengine/pkg/errors"
)

// slurmTask builds a task requesting slurm resources.
func slurmTask(name string, inputs, outputs []string) *model.TaskTemplate {
	task := echoTask(name, inputs, outputs)
	task.Resources = map[string]*model.Resources{
		"any": {Scheduler: "slurm"},
	}
	return task
}

func TestSubmit_NothingPending(t *testing.T) {
	engine := testEngine(t, "1000;")
	wk := testWorkflow(t, engine)

	_, err := wk.Submit(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, flowerrors.ErrorCodeValidationFailed, flowerrors.GetErrorCode(err))
}

func TestSubmit_SequencedTaskBecomesArrayJobscript(t *testing.T) {
	engine := testEngine(t, "1000;")
	wk := testWorkflow(t, engine)

	task := slurmTask("t1", []string{"p1"}, nil)
	task.Sequences = []model.Sequence{
		{Path: "inputs.p1", Values: []any{10, 20, 30}, NestingOrder: 0},
	}
	require.NoError(t, wk.AddTask(context.Background(), task))

	subIdx, err := wk.Submit(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0, subIdx)

	subs, err := wk.GetSubmissions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Len(t, subs[0].Jobscripts, 1)

	js := subs[0].Jobscripts[0]
	assert.True(t, js.IsArray)
	assert.Equal(t, "1000", js.SchedulerJobID)
	assert.NotNil(t, js.SubmitTime)
	assert.Equal(t, "slurm", js.SchedulerName)
	require.Len(t, js.Blocks, 1)
	assert.Equal(t, 3, js.Blocks[0].NumElements())

	// submission directory materialised:
	subDir := wk.submissionDir(subIdx)
	assert.FileExists(t, filepath.Join(subDir, "js_0.sh"))
	assert.FileExists(t, filepath.Join(subDir, "js_funcs_0.sh"))
	for _, sub := range []string{"tmp", "log", "std", "scripts"} {
		assert.DirExists(t, filepath.Join(subDir, sub))
	}

	// EAR-ID file: one line per element, ':'-delimited per action:
	data, err := os.ReadFile(filepath.Join(subDir, "js_0_EAR_IDs.txt"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	for _, line := range lines {
		assert.NotContains(t, line, " ")
	}

	// EARs advanced to submitted:
	ears, err := wk.GetEARsFromIDs(js.AllEARIDs())
	require.NoError(t, err)
	for _, ear := range ears {
		assert.Equal(t, model.StatusSubmitted, ear.Status)
		require.NotNil(t, ear.SubmissionIdx)
		assert.Equal(t, subIdx, *ear.SubmissionIdx)
	}

	// artifact dirs: artifacts/task_0_t1/e_<k>/r_0
	for k := 0; k < 3; k++ {
		assert.DirExists(t, filepath.Join(wk.Path(), "artifacts", "task_0_t1",
			"e_"+strconv.Itoa(k), "r_0"))
	}
}

func TestSubmit_LinearTwoTaskOneJobscript(t *testing.T) {
	engine := testEngine(t, "1000;")
	wk := testWorkflow(t, engine)

	t1 := slurmTask("t1", nil, []string{"p1"})
	require.NoError(t, wk.AddTask(context.Background(), t1))
	t2 := slurmTask("t2", []string{"p1"}, []string{"p2"})
	require.NoError(t, wk.AddTask(context.Background(), t2))

	subIdx, err := wk.Submit(context.Background(), "")
	require.NoError(t, err)

	subs, err := wk.GetSubmissions()
	require.NoError(t, err)
	require.Len(t, subs[subIdx].Jobscripts, 1)
	js := subs[subIdx].Jobscripts[0]
	require.Len(t, js.Blocks, 2)
	assert.Empty(t, js.Dependencies())
}

func TestSubmit_SchedulerFailureRecorded(t *testing.T) {
	engine := testEngine(t, "")
	engine.factory = adapters.NewFactory(adapters.WithInvoker(
		func(ctx context.Context, argv []string, dir string) (string, string, error) {
			return "", "sbatch: error: invalid partition", errors.New("exit status 1")
		}))
	wk := testWorkflow(t, engine)

	require.NoError(t, wk.AddTask(context.Background(), slurmTask("t1", nil, nil)))

	subIdx, err := wk.Submit(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, flowerrors.ErrorCodeJobscriptSubmissionFailure, flowerrors.GetErrorCode(err))

	var failure *flowerrors.JobscriptSubmissionFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 0, failure.JSIdx)
	assert.Contains(t, failure.Stderr, "invalid partition")

	// the submission record exists; the jobscript was never marked
	// submitted:
	outstanding, err := wk.OutstandingJobscripts(subIdx)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, outstanding)
}

func TestSubmit_DirectRunsToCompletion(t *testing.T) {
	engine := testEngine(t, "")
	wk := testWorkflow(t, engine)

	task := echoTask("t1", nil, nil) // direct resources by default
	require.NoError(t, wk.AddTask(context.Background(), task))

	subIdx, err := wk.Submit(context.Background(), "")
	require.NoError(t, err)
	wk.WaitSubmission(subIdx)

	subs, err := wk.GetSubmissions()
	require.NoError(t, err)
	js := subs[subIdx].Jobscripts[0]
	assert.NotZero(t, js.ProcessID)
	assert.FileExists(t, filepath.Join(wk.submissionDir(subIdx), "js_0_stdout.log"))

	submitted, err := wk.SubmittedJobscripts(subIdx)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, submitted)
}

func TestWriteEARIDFile_SentinelCells(t *testing.T) {
	js := &model.Jobscript{
		Blocks: []*model.JobscriptBlock{{
			EARID: [][]int{
				{0, 1},
				{-1, 2},
			},
		}},
	}

	path := filepath.Join(t.TempDir(), "ids.txt")
	require.NoError(t, writeEARIDFile(path, js))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0:-1\n1:2\n", string(data))
}

func TestBridge_SetEAREndSkipsDownstream(t *testing.T) {
	engine := testEngine(t, "1000;")
	wk := testWorkflow(t, engine)

	task := slurmTask("t1", nil, nil)
	task.Actions = []model.Action{
		{Commands: []model.Command{{Command: "false"}}},
		{Commands: []model.Command{{Command: "echo never"}}},
	}
	require.NoError(t, wk.AddTask(context.Background(), task))

	subIdx, err := wk.Submit(context.Background(), "")
	require.NoError(t, err)

	subs, err := wk.GetSubmissions()
	require.NoError(t, err)
	block := subs[subIdx].Jobscripts[0].Blocks[0]
	first := block.EARID[0][0]
	second := block.EARID[1][0]

	require.NoError(t, wk.SetEARStart(first))
	require.NoError(t, wk.SetEAREnd(first, 1))

	ears, err := wk.GetEARsFromIDs([]int{first, second})
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, ears[0].Status)
	assert.Equal(t, 1, *ears[0].ExitCode)
	assert.Equal(t, model.StatusSkipped, ears[1].Status)
	assert.Equal(t, model.SkippedExitCode, *ears[1].ExitCode)
}

func TestBridge_WindowsExitCodeNormalised(t *testing.T) {
	engine := testEngine(t, "1000;")
	wk := testWorkflow(t, engine)

	require.NoError(t, wk.AddTask(context.Background(), slurmTask("t1", nil, nil)))
	subIdx, err := wk.Submit(context.Background(), "")
	require.NoError(t, err)

	subs, err := wk.GetSubmissions()
	require.NoError(t, err)
	earID := subs[subIdx].Jobscripts[0].Blocks[0].EARID[0][0]

	require.NoError(t, wk.SetEARStart(earID))
	// raw 0xFFFFFFFF from a Windows child:
	require.NoError(t, wk.SetEAREnd(earID, -1))

	ears, err := wk.GetEARsFromIDs([]int{earID})
	require.NoError(t, err)
	assert.Equal(t, -1, *ears[0].ExitCode)
	assert.Equal(t, model.StatusError, ears[0].Status)
}

func TestBridge_WriteCommandsAndSaveParameter(t *testing.T) {
	engine := testEngine(t, "1000;")
	wk := testWorkflow(t, engine)

	task := slurmTask("t1", []string{"p1"}, []string{"p2"})
	task.InputValues = map[string]any{"inputs.p1": 11}
	task.Actions = []model.Action{{
		Commands: []model.Command{{
			Command:     "echo <<parameter:p1>>",
			StdoutParam: "p2",
		}},
	}}
	require.NoError(t, wk.AddTask(context.Background(), task))

	subIdx, err := wk.Submit(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, wk.WriteCommands(subIdx, 0, 0, 0, 0))

	subs, err := wk.GetSubmissions()
	require.NoError(t, err)
	earID := subs[subIdx].Jobscripts[0].Blocks[0].EARID[0][0]

	cmdFile := filepath.Join(wk.submissionDir(subIdx), "scripts",
		"cmd_"+strconv.Itoa(earID)+".sh")
	data, err := os.ReadFile(cmdFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "echo 11")
	assert.Contains(t, string(data), "save-parameter p2")

	// the produced value lands in the pre-allocated output slot:
	require.NoError(t, wk.SaveParameter("p2", "result", earID))

	ears, err := wk.GetEARsFromIDs([]int{earID})
	require.NoError(t, err)
	val, err := wk.GetParameterData(ears[0].DataIdx["outputs.p2"])
	require.NoError(t, err)
	assert.Equal(t, "result", val)
}
