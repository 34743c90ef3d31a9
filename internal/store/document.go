// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"

	"github.com/ezrah/flowengine/internal/model"
)

// MetadataFileName is the single JSON document this backend keeps the
// whole workflow image in.
const MetadataFileName = "metadata.json"

// LoopDef describes a loop overlaying one or more tasks.
type LoopDef struct {
	Name          string `json:"name"`
	NumIterations int    `json:"num_iterations"`
	Tasks         []int  `json:"tasks"`
}

// TemplateDoc is the persisted workflow template.
type TemplateDoc struct {
	Name  string                `json:"name"`
	Tasks []*model.TaskTemplate `json:"tasks"`
	Loops []LoopDef             `json:"loops"`
}

// TaskData is one workflow task's mutable element state. The template
// itself lives in TemplateDoc and is immutable once added.
type TaskData struct {
	InsertID          int                       `json:"insert_ID"`
	Elements          []*model.Element          `json:"elements"`
	ElementIterations []*model.ElementIteration `json:"element_iterations"`
}

// ParamValue is one parameter slot. Set distinguishes a parameter whose
// value is the JSON null from one not yet produced.
type ParamValue struct {
	Data any  `json:"data"`
	Set  bool `json:"set"`
}

// document is the full on-disk image. Writers never mutate it in place;
// CommitPending derives the next image and atomically replaces the file.
type document struct {
	Template           *TemplateDoc               `json:"template"`
	TemplateComponents map[string]json.RawMessage `json:"template_components"`

	Tasks         []*TaskData `json:"tasks"`
	NumAddedTasks int         `json:"num_added_tasks"`

	Loops []LoopDef `json:"loops"`

	ParameterData    map[int]*ParamValue           `json:"parameter_data"`
	ParameterSources map[int]model.ParameterSource `json:"parameter_sources"`

	// Runs is the EAR index: constant-time lookup by EAR id.
	Runs      map[int]*model.EAR `json:"runs"`
	NextEARID int                `json:"next_EAR_ID"`

	Submissions []*model.Submission `json:"submissions"`

	// ReplacedFile names the directory the previous image was renamed
	// to on an overwrite, so recovery remains possible.
	ReplacedFile string `json:"replaced_file,omitempty"`
}

func newEmptyDocument(template *TemplateDoc, components map[string]json.RawMessage) *document {
	if template == nil {
		template = &TemplateDoc{}
	}
	if components == nil {
		components = map[string]json.RawMessage{}
	}
	return &document{
		Template:           template,
		TemplateComponents: components,
		Tasks:              []*TaskData{},
		Loops:              []LoopDef{},
		ParameterData:      map[int]*ParamValue{},
		ParameterSources:   map[int]model.ParameterSource{},
		Runs:               map[int]*model.EAR{},
		Submissions:        []*model.Submission{},
	}
}
