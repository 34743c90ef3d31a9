// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// BlockRef addresses a jobscript block within a submission.
type BlockRef struct {
	JSIdx    int
	BlockIdx int
}

// BlockDependency is one inter-block dependency edge. IsArray marks a
// one-to-one element mapping expressible as a scheduler array
// dependency.
type BlockDependency struct {
	JSElementMapping map[int][]int `json:"js_element_mapping,omitempty"`
	IsArray          bool          `json:"is_array"`
}

// DependencyMap maps upstream block references to dependency metadata.
// JSON form is a list of {"key": [js_idx, block_idx], "dep": ...}
// objects, sorted by key, since object keys must be strings.
type DependencyMap map[BlockRef]BlockDependency

// MarshalJSON encodes the map as a sorted list of key/value pairs.
func (m DependencyMap) MarshalJSON() ([]byte, error) {
	type pair struct {
		Key [2]int          `json:"key"`
		Dep BlockDependency `json:"dep"`
	}
	pairs := make([]pair, 0, len(m))
	for ref, dep := range m {
		pairs = append(pairs, pair{Key: [2]int{ref.JSIdx, ref.BlockIdx}, Dep: dep})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Key[0] != pairs[j].Key[0] {
			return pairs[i].Key[0] < pairs[j].Key[0]
		}
		return pairs[i].Key[1] < pairs[j].Key[1]
	})
	return json.Marshal(pairs)
}

// UnmarshalJSON decodes the pair-list form.
func (m *DependencyMap) UnmarshalJSON(data []byte) error {
	type pair struct {
		Key [2]int          `json:"key"`
		Dep BlockDependency `json:"dep"`
	}
	var pairs []pair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return fmt.Errorf("dependency map: %w", err)
	}
	out := make(DependencyMap, len(pairs))
	for _, p := range pairs {
		out[BlockRef{JSIdx: p.Key[0], BlockIdx: p.Key[1]}] = p.Dep
	}
	*m = out
	return nil
}

// JobscriptBlock is a rectangular (actions x elements) grid of EAR ids
// sharing one resource record.
type JobscriptBlock struct {
	// TaskInsertIDs are the tasks contributing actions, in order.
	TaskInsertIDs []int `json:"task_insert_IDs"`

	// TaskActions holds (task insert ID, action idx, index into
	// TaskLoopIdx) per block action row.
	TaskActions [][3]int `json:"task_actions"`

	// TaskElements maps block element index to the per-task element
	// indices, one entry per task in TaskInsertIDs order.
	TaskElements map[int][]int `json:"task_elements"`

	// TaskLoopIdx are the loop-index maps referenced by TaskActions.
	TaskLoopIdx []map[string]int `json:"task_loop_idx"`

	// EARID is the (actions x elements) grid of EAR ids; -1 marks an
	// action an element does not run.
	EARID [][]int `json:"EAR_ID"`

	// Dependencies lists upstream blocks this block needs finished.
	// Referenced blocks always have strictly lower (js_idx, block_idx).
	Dependencies DependencyMap `json:"dependencies"`
}

// NumActions returns the number of action rows.
func (b *JobscriptBlock) NumActions() int {
	return len(b.EARID)
}

// NumElements returns the number of element columns.
func (b *JobscriptBlock) NumElements() int {
	if len(b.EARID) == 0 {
		return 0
	}
	return len(b.EARID[0])
}

// AllEARIDs returns every non-sentinel EAR id in row-major order.
func (b *JobscriptBlock) AllEARIDs() []int {
	var out []int
	for _, row := range b.EARID {
		for _, id := range row {
			if id != -1 {
				out = append(out, id)
			}
		}
	}
	return out
}

// ContainsEAR reports whether id appears in the block's grid, and if so
// in which element column.
func (b *JobscriptBlock) ContainsEAR(id int) (elemIdx int, ok bool) {
	for _, row := range b.EARID {
		for col, v := range row {
			if v == id {
				return col, true
			}
		}
	}
	return 0, false
}

// Jobscript is one submittable unit: a resources record plus one or
// more blocks. Submission metadata is captured at submit time.
type Jobscript struct {
	Index     int               `json:"index"`
	IsArray   bool              `json:"is_array"`
	Resources *Resources        `json:"resources"`
	Blocks    []*JobscriptBlock `json:"blocks"`

	SubmitTime     *time.Time `json:"submit_time,omitempty"`
	SubmitHostname string     `json:"submit_hostname,omitempty"`
	SubmitMachine  string     `json:"submit_machine,omitempty"`
	SubmitCmdline  []string   `json:"submit_cmdline,omitempty"`

	SchedulerJobID string `json:"scheduler_job_ID,omitempty"`
	ProcessID      int    `json:"process_ID,omitempty"`

	VersionInfo map[string]string `json:"version_info,omitempty"`

	OSName        string `json:"os_name,omitempty"`
	ShellName     string `json:"shell_name,omitempty"`
	SchedulerName string `json:"scheduler_name,omitempty"`
}

// Dependencies aggregates the blocks' external dependencies, keyed by
// upstream jobscript index. Edges internal to this jobscript (between
// its own blocks) are omitted.
func (js *Jobscript) Dependencies() map[int]BlockDependency {
	deps := make(map[int]BlockDependency)
	for _, block := range js.Blocks {
		for ref, dep := range block.Dependencies {
			if ref.JSIdx == js.Index {
				continue
			}
			deps[ref.JSIdx] = BlockDependency{IsArray: dep.IsArray}
		}
	}
	return deps
}

// AllEARIDs returns the EAR ids of every block, concatenated.
func (js *Jobscript) AllEARIDs() []int {
	var out []int
	for _, block := range js.Blocks {
		out = append(out, block.AllEARIDs()...)
	}
	return out
}

// IsScheduled reports whether the jobscript targets a real scheduler
// rather than direct execution.
func (js *Jobscript) IsScheduled() bool {
	name := js.SchedulerName
	if name == "" && js.Resources != nil {
		name = js.Resources.Scheduler
	}
	return name != "direct" && name != "direct_posix"
}

// Submission is an ordered list of jobscripts sharing a submission
// directory.
type Submission struct {
	Index int    `json:"index"`
	ID    string `json:"id"`

	Jobscripts []*Jobscript `json:"jobscripts"`

	// SubmittedJobscripts are the indices successfully handed to the
	// scheduler, in submit order.
	SubmittedJobscripts []int `json:"submitted_jobscripts,omitempty"`

	// JSParallelism is "", "direct" or "scheduled": which kinds of
	// jobscript may run concurrently within this submission.
	JSParallelism string `json:"js_parallelism,omitempty"`
}
