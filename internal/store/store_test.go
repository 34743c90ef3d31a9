// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "wk")
	require.NoError(t, WriteEmpty(dir, &TemplateDoc{Name: "test"}, nil, false))
	s, err := Open(dir, ModeReadWrite, nil)
	require.NoError(t, err)
	return s
}

func TestOpen_MissingStore(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"), ModeRead, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorCodeWorkflowNotFound, errors.GetErrorCode(err))
}

func TestWriteEmpty_RefusesExistingWithoutOverwrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wk")
	require.NoError(t, WriteEmpty(dir, nil, nil, false))
	err := WriteEmpty(dir, nil, nil, false)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorCodeConflict, errors.GetErrorCode(err))
}

func TestWriteEmpty_OverwriteRecordsReplacedDir(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "wk")
	require.NoError(t, WriteEmpty(dir, &TemplateDoc{Name: "one"}, nil, false))
	require.NoError(t, WriteEmpty(dir, &TemplateDoc{Name: "two"}, nil, true))

	s, err := Open(dir, ModeReadWrite, nil)
	require.NoError(t, err)

	doc, err := s.loadFromDisk()
	require.NoError(t, err)
	require.NotEmpty(t, doc.ReplacedFile)
	assert.DirExists(t, filepath.Join(parent, doc.ReplacedFile))

	// the replaced image still holds the old template:
	old, err := Open(filepath.Join(parent, doc.ReplacedFile), ModeRead, nil)
	require.NoError(t, err)
	tmpl, err := old.GetTemplate()
	require.NoError(t, err)
	assert.Equal(t, "one", tmpl.Name)

	// confirm-then-delete:
	require.NoError(t, s.RemoveReplacedFile())
	require.NoError(t, s.CommitPending())
	assert.NoDirExists(t, filepath.Join(parent, doc.ReplacedFile))
}

func TestParameters_AddSetGet(t *testing.T) {
	s := newTestStore(t)

	idx, err := s.AddParameterData(float64(42), true, model.ParameterSource{Kind: model.SourceLocal})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	// pre-allocated output slot:
	outIdx, err := s.AddParameterData(nil, false, model.ParameterSource{
		Kind: model.SourceTask, TaskInsertID: 0, TaskSourceType: model.TaskSourceOutput,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, outIdx)

	// visible through the pending overlay before commit:
	val, err := s.GetParameterData(idx)
	require.NoError(t, err)
	assert.Equal(t, float64(42), val)

	set, err := s.IsParameterSet(outIdx)
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, s.CommitPending())

	// visible after commit:
	val, err = s.GetParameterData(idx)
	require.NoError(t, err)
	assert.Equal(t, float64(42), val)

	require.NoError(t, s.SetParameter(outIdx, "result"))
	require.NoError(t, s.CommitPending())

	set, err = s.IsParameterSet(outIdx)
	require.NoError(t, err)
	assert.True(t, set)

	// a parameter, once set, is never rewritten:
	err = s.SetParameter(outIdx, "other")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorCodeConflict, errors.GetErrorCode(err))

	src, err := s.GetParameterSource(outIdx)
	require.NoError(t, err)
	assert.Equal(t, model.SourceTask, src.Kind)
	assert.Equal(t, model.TaskSourceOutput, src.TaskSourceType)
}

func TestParameters_UnknownIndex(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetParameterData(99)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorCodeResourceNotFound, errors.GetErrorCode(err))
}

func TestCheckParametersExist(t *testing.T) {
	s := newTestStore(t)
	idx, err := s.AddParameterData("x", true, model.ParameterSource{Kind: model.SourceLocal})
	require.NoError(t, err)

	exists, err := s.CheckParametersExist([]int{idx, 57})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, exists)
}

func TestTasksAndElements(t *testing.T) {
	s := newTestStore(t)

	tmpl := &model.TaskTemplate{Name: "proc", InsertID: 0}
	require.NoError(t, s.AddTemplateTask(0, tmpl))
	require.NoError(t, s.AddWorkflowTask(0, 0))
	require.NoError(t, s.AddElements(0, []*model.Element{
		{Index: 0, DataIdx: map[string]int{"inputs.p1": 0}},
		{Index: 1, DataIdx: map[string]int{"inputs.p1": 1}},
	}))
	require.NoError(t, s.AppendElementIterations(0, []*model.ElementIteration{
		{ElementIdx: 0, Index: 0, LoopIdx: map[string]int{}, EARsInitialised: true, Actions: map[int][]int{0: {0}}},
		{ElementIdx: 1, Index: 0, LoopIdx: map[string]int{}, EARsInitialised: true, Actions: map[int][]int{0: {1}}},
	}))
	require.NoError(t, s.CommitPending())

	n, err := s.GetNumAddedTasks()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	md, err := s.GetAllTasksMetadata()
	require.NoError(t, err)
	require.Len(t, md, 1)
	assert.Equal(t, "proc", md[0].Name)
	assert.Equal(t, 2, md[0].NumElements)

	elems, iters, err := s.GetTaskElements(0, 0, -1, true)
	require.NoError(t, err)
	require.Len(t, elems, 2)
	require.Len(t, iters, 2)
	assert.Equal(t, map[string]int{"inputs.p1": 0}, elems[0].DataIdx)
	assert.True(t, iters[0][0].EARsInitialised)

	// range query:
	elems, _, err = s.GetTaskElements(0, 1, 2, false)
	require.NoError(t, err)
	require.Len(t, elems, 1)
	assert.Equal(t, 1, elems[0].Index)
}

func TestEARs_LifecycleEnforced(t *testing.T) {
	s := newTestStore(t)

	ids, err := s.AddEARs([]*model.EAR{
		{TaskInsertID: 0, ElementIdx: 0, ActionIdx: 0},
		{TaskInsertID: 0, ElementIdx: 1, ActionIdx: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, ids)
	require.NoError(t, s.CommitPending())

	// ids are never reused:
	more, err := s.AddEARs([]*model.EAR{{TaskInsertID: 0, ElementIdx: 2}})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, more)

	require.NoError(t, s.SetEARSubmission([]int{0}, 0, 0))
	require.NoError(t, s.SetEARStart(0, time.Now()))
	require.NoError(t, s.SetEAREnd(0, time.Now(), 0))
	require.NoError(t, s.CommitPending())

	ears, err := s.GetEARs([]int{0})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, ears[0].Status)
	require.NotNil(t, ears[0].ExitCode)
	assert.Equal(t, 0, *ears[0].ExitCode)

	// terminal EARs refuse further transitions:
	err = s.SetEARStart(0, time.Now())
	require.Error(t, err)
	assert.Equal(t, errors.ErrorCodeConflict, errors.GetErrorCode(err))

	// running may not be reached from pending:
	err = s.SetEARStart(1, time.Now())
	require.Error(t, err)
}

func TestEARs_SkipAndAbortCodes(t *testing.T) {
	s := newTestStore(t)

	ids, err := s.AddEARs([]*model.EAR{{}, {}})
	require.NoError(t, err)

	require.NoError(t, s.SetEARSkipped(ids[0], time.Now()))
	require.NoError(t, s.SetEARAborted(ids[1], time.Now()))
	require.NoError(t, s.CommitPending())

	ears, err := s.GetEARs(ids)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSkipped, ears[0].Status)
	assert.Equal(t, model.SkippedExitCode, *ears[0].ExitCode)
	assert.Equal(t, model.StatusAborted, ears[1].Status)
	assert.Equal(t, model.AbortExitCode, *ears[1].ExitCode)
}

func TestSubmissions_MetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)

	subIdx, err := s.AddSubmission(&model.Submission{
		Jobscripts: []*model.Jobscript{
			{Index: 0, Resources: &model.Resources{Scheduler: "slurm", NumCores: 2}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, subIdx)

	require.NoError(t, s.SetJobscriptMetadata(subIdx, 0, map[string]any{
		"scheduler_job_ID": "4321",
		"submit_hostname":  "login1",
		"submit_cmdline":   []string{"sbatch", "--parsable", "js_0.sh"},
	}))
	require.NoError(t, s.CommitPending())

	subs, err := s.GetSubmissions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	js := subs[0].Jobscripts[0]
	assert.Equal(t, "4321", js.SchedulerJobID)
	assert.Equal(t, "login1", js.SubmitHostname)
	assert.Equal(t, []string{"sbatch", "--parsable", "js_0.sh"}, js.SubmitCmdline)
	assert.Equal(t, 2, js.Resources.NumCores)
}

func TestSetJobscriptMetadata_AfterCommit(t *testing.T) {
	s := newTestStore(t)

	subIdx, err := s.AddSubmission(&model.Submission{
		Jobscripts: []*model.Jobscript{{Index: 0, Resources: &model.Resources{Scheduler: "direct"}}},
	})
	require.NoError(t, err)
	require.NoError(t, s.CommitPending())

	require.NoError(t, s.SetJobscriptMetadata(subIdx, 0, map[string]any{"process_ID": 999}))
	require.NoError(t, s.CommitPending())

	subs, err := s.GetSubmissions()
	require.NoError(t, err)
	assert.Equal(t, 999, subs[0].Jobscripts[0].ProcessID)
}

func TestCachedLoad_PinsSnapshot(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddParameterData("x", true, model.ParameterSource{Kind: model.SourceLocal})
	require.NoError(t, err)
	require.NoError(t, s.CommitPending())

	err = s.CachedLoad(func() error {
		// nested acquisition shares the snapshot:
		return s.CachedLoad(func() error {
			val, err := s.GetParameterData(0)
			if err != nil {
				return err
			}
			assert.Equal(t, "x", val)
			return nil
		})
	})
	require.NoError(t, err)

	// snapshot released: cacheDepth back to zero
	s.mu.Lock()
	assert.Equal(t, 0, s.cacheDepth)
	assert.Nil(t, s.cached)
	s.mu.Unlock()
}

func TestIsModifiedOnDisk(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetNumAddedTasks() // populate lastHash
	require.NoError(t, err)

	modified, err := s.IsModifiedOnDisk()
	require.NoError(t, err)
	assert.False(t, modified)

	// out-of-band write:
	other, err := Open(s.Path(), ModeReadWrite, nil)
	require.NoError(t, err)
	_, err = other.AddParameterData("y", true, model.ParameterSource{Kind: model.SourceLocal})
	require.NoError(t, err)
	require.NoError(t, other.CommitPending())

	modified, err = s.IsModifiedOnDisk()
	require.NoError(t, err)
	assert.True(t, modified)
}

func TestCommit_CrashLeavesPriorImage(t *testing.T) {
	// a temp segment left behind by a crashed writer must be invisible
	// to readers:
	s := newTestStore(t)
	_, err := s.AddParameterData("committed", true, model.ParameterSource{Kind: model.SourceLocal})
	require.NoError(t, err)
	require.NoError(t, s.CommitPending())

	// simulate a crash between temp-write and rename:
	tmp := s.metadataPath() + ".tmp-deadbeef"
	require.NoError(t, os.WriteFile(tmp, []byte(`{"corrupt": true`), 0o644))

	fresh, err := Open(s.Path(), ModeRead, nil)
	require.NoError(t, err)
	val, err := fresh.GetParameterData(0)
	require.NoError(t, err)
	assert.Equal(t, "committed", val)
}

func TestReadOnlyStore_RejectsWrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wk")
	require.NoError(t, WriteEmpty(dir, nil, nil, false))
	s, err := Open(dir, ModeRead, nil)
	require.NoError(t, err)

	_, err = s.AddParameterData("x", true, model.ParameterSource{Kind: model.SourceLocal})
	assert.Error(t, err)
	assert.Error(t, s.CommitPending())
}

func TestResources_ExtraFieldsSurviveStore(t *testing.T) {
	raw := []byte(`{"scheduler": "slurm", "num_cores": 4, "qos": "burst", "account": "proj-17"}`)

	var res model.Resources
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "slurm", res.Scheduler)
	assert.Equal(t, 4, res.NumCores)
	assert.Equal(t, "burst", res.Extra["qos"])

	out, err := json.Marshal(&res)
	require.NoError(t, err)

	var decoded model.Resources
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "burst", decoded.Extra["qos"])
	assert.Equal(t, "proj-17", decoded.Extra["account"])
}

func TestAddLoopIdx_RefusesReinitialisation(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddTemplateTask(0, &model.TaskTemplate{Name: "t"}))
	require.NoError(t, s.AddWorkflowTask(0, 0))
	require.NoError(t, s.AddElements(0, []*model.Element{{Index: 0}}))
	require.NoError(t, s.AppendElementIterations(0, []*model.ElementIteration{
		{ElementIdx: 0, Index: 0, LoopIdx: map[string]int{"outer": 0}},
	}))
	require.NoError(t, s.CommitPending())

	err := s.AddLoopIdx(0, 0, map[string]int{"outer": 0})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorCodeConflict, errors.GetErrorCode(err))

	require.NoError(t, s.AddLoopIdx(0, 0, map[string]int{"inner": 0}))
}
