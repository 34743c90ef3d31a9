// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"encoding/json"

	"github.com/perimeterx/marshmallow"
)

// Resources is a scope-tagged record of execution requirements for one
// or more actions. Its hash (computed by the resources package after
// default-fill and machine validation) is the key jobscript planning
// groups by.
type Resources struct {
	// Scope tags which actions the record applies to: "any", "main",
	// "input_file_generator[file=...]", etc.
	Scope string `json:"scope,omitempty"`

	NumCores int `json:"num_cores,omitempty"`
	NumNodes int `json:"num_nodes,omitempty"`

	Scheduler string `json:"scheduler,omitempty"`
	Shell     string `json:"shell,omitempty"`
	OSName    string `json:"os_name,omitempty"`

	// MemoryGB is a decimal string ("1.5"); kept textual so exact
	// decimal comparison survives JSON round-trips.
	MemoryGB string `json:"memory_gb,omitempty"`

	// UseJobArray is a three-state request: nil lets the planner
	// decide from scheduler capability and element count.
	UseJobArray *bool `json:"use_job_array,omitempty"`

	CombineJobscriptStd bool `json:"combine_jobscript_std,omitempty"`

	EnvironmentSetup string `json:"environment_setup,omitempty"`

	SchedulerArgs map[string]any `json:"scheduler_args,omitempty"`
	ShellArgs     map[string]any `json:"shell_args,omitempty"`

	// Extra carries scheduler-specific fields we do not model; they
	// round-trip losslessly through the store.
	Extra map[string]any `json:"-"`
}

// resourcesFields are the JSON keys the struct models; anything else in
// a decoded record is preserved in Extra.
var resourcesFields = map[string]bool{
	"scope": true, "num_cores": true, "num_nodes": true,
	"scheduler": true, "shell": true, "os_name": true,
	"memory_gb": true, "use_job_array": true, "combine_jobscript_std": true,
	"environment_setup": true, "scheduler_args": true, "shell_args": true,
}

// UnmarshalJSON decodes leniently: unknown scheduler-specific fields
// are kept in Extra so they survive a store round-trip.
func (r *Resources) UnmarshalJSON(data []byte) error {
	type plain Resources
	var p plain
	all, err := marshmallow.Unmarshal(data, &p)
	if err != nil {
		return err
	}
	*r = Resources(p)
	for key, value := range all {
		if !resourcesFields[key] {
			if r.Extra == nil {
				r.Extra = map[string]any{}
			}
			r.Extra[key] = value
		}
	}
	return nil
}

// MarshalJSON re-emits Extra fields alongside the modelled ones.
func (r Resources) MarshalJSON() ([]byte, error) {
	type plain Resources
	base, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}
	var m map[string]any
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for key, value := range r.Extra {
		if _, ok := m[key]; !ok {
			m[key] = value
		}
	}
	return json.Marshal(m)
}

// Copy returns a deep-enough copy for independent mutation of the maps.
func (r *Resources) Copy() *Resources {
	if r == nil {
		return nil
	}
	out := *r
	if r.UseJobArray != nil {
		v := *r.UseJobArray
		out.UseJobArray = &v
	}
	out.SchedulerArgs = copyAnyMap(r.SchedulerArgs)
	out.ShellArgs = copyAnyMap(r.ShellArgs)
	out.Extra = copyAnyMap(r.Extra)
	return &out
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
