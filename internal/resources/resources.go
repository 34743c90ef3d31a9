// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package resources normalises scheduler/shell/OS requirement records
// against machine defaults and computes the order-invariant resource
// hash jobscript planning groups by.
package resources

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/woodsbury/decimal128"

	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/pkg/config"
	"github.com/ezrah/flowengine/pkg/errors"
)

// Supported OS, shell and scheduler tags.
var (
	SupportedOS         = []string{"posix", "nt"}
	SupportedShells     = []string{"bash", "powershell", "wsl+bash"}
	SupportedSchedulers = []string{"direct", "direct_posix", "sge", "slurm"}
)

// Capability describes what a scheduler supports.
type Capability struct {
	ArrayJobs      bool
	RunParallelism bool
	ArrayDepSyntax string
}

// Capabilities is the scheduler capability table.
var Capabilities = map[string]Capability{
	"direct":       {},
	"direct_posix": {},
	"sge":          {ArrayJobs: true, RunParallelism: true, ArrayDepSyntax: "-hold_jid_ad"},
	"slurm":        {ArrayJobs: true, RunParallelism: true, ArrayDepSyntax: "aftercorr"},
}

// SetDefaults fills unset fields from engine configuration. Memory
// quantities are canonicalised so textually different spellings of the
// same decimal ("1.50" vs "1.5") hash identically.
func SetDefaults(r *model.Resources, cfg *config.Config) error {
	if r.Scope == "" {
		r.Scope = "any"
	}
	if r.NumCores == 0 {
		r.NumCores = 1
	}
	if r.NumNodes == 0 {
		r.NumNodes = 1
	}
	if r.Scheduler == "" {
		r.Scheduler = cfg.DefaultScheduler
	}
	if r.Shell == "" {
		r.Shell = cfg.DefaultShell
	}
	if r.OSName == "" {
		if r.Shell == "powershell" {
			r.OSName = "nt"
		} else {
			r.OSName = "posix"
		}
	}
	if r.MemoryGB != "" {
		d, err := decimal128.Parse(r.MemoryGB)
		if err != nil {
			return errors.NewValidationError(errors.ErrorCodeValidationFailed,
				fmt.Sprintf("invalid memory quantity %q", r.MemoryGB),
				"memory_gb", nil, err)
		}
		r.MemoryGB = d.String()
	}
	return nil
}

// ValidateAgainstMachine checks a normalised record against a machine
// profile (nil means any configuration is acceptable).
func ValidateAgainstMachine(r *model.Resources, profile *config.MachineProfile) error {
	if !contains(SupportedSchedulers, r.Scheduler) {
		return errors.NewValidationError(errors.ErrorCodeValidationFailed,
			fmt.Sprintf("unknown scheduler %q", r.Scheduler), "scheduler", SupportedSchedulers, nil)
	}
	if !contains(SupportedShells, r.Shell) {
		return errors.NewValidationError(errors.ErrorCodeValidationFailed,
			fmt.Sprintf("unknown shell %q", r.Shell), "shell", SupportedShells, nil)
	}
	if !contains(SupportedOS, r.OSName) {
		return errors.NewValidationError(errors.ErrorCodeValidationFailed,
			fmt.Sprintf("unknown OS %q", r.OSName), "os_name", SupportedOS, nil)
	}
	if r.NumCores < 1 || r.NumNodes < 1 {
		return errors.NewValidationError(errors.ErrorCodeValidationFailed,
			"core and node counts must be positive", "num_cores", nil, nil)
	}

	if profile == nil {
		return nil
	}
	if profile.Scheduler != "" && profile.Scheduler != r.Scheduler {
		return errors.NewValidationError(errors.ErrorCodeValidationFailed,
			fmt.Sprintf("machine %q uses scheduler %q, not %q", profile.Name, profile.Scheduler, r.Scheduler),
			"scheduler", nil, nil)
	}
	if profile.NumNodes > 0 && r.NumNodes > profile.NumNodes {
		return errors.NewValidationError(errors.ErrorCodeValidationFailed,
			fmt.Sprintf("machine %q has %d nodes; %d requested", profile.Name, profile.NumNodes, r.NumNodes),
			"num_nodes", nil, nil)
	}
	if len(profile.NumCores) > 0 && !containsInt(profile.NumCores, r.NumCores) {
		return errors.NewValidationError(errors.ErrorCodeValidationFailed,
			fmt.Sprintf("machine %q does not offer %d cores", profile.Name, r.NumCores),
			"num_cores", nil, nil)
	}
	if r.UseJobArray != nil && *r.UseJobArray && !profile.SupportsArrayJobs {
		return errors.NewValidationError(errors.ErrorCodeValidationFailed,
			fmt.Sprintf("machine %q does not support array jobs", profile.Name),
			"use_job_array", nil, nil)
	}
	return nil
}

// Hash computes the order-invariant digest of a resource record over
// the fixed field set, after default-fill. Records hashing equal may
// share a jobscript.
func Hash(r *model.Resources) string {
	h := fnv.New64a()

	write := func(key, value string) {
		fmt.Fprintf(h, "%s=%s;", key, value)
	}

	write("scope", r.Scope)
	write("num_cores", fmt.Sprint(r.NumCores))
	write("num_nodes", fmt.Sprint(r.NumNodes))
	write("scheduler", r.Scheduler)
	write("shell", r.Shell)
	write("os_name", r.OSName)
	write("memory_gb", r.MemoryGB)
	if r.UseJobArray != nil {
		write("use_job_array", fmt.Sprint(*r.UseJobArray))
	}
	write("combine_jobscript_std", fmt.Sprint(r.CombineJobscriptStd))
	write("environment_setup", r.EnvironmentSetup)
	writeSortedMap(write, "scheduler_args", r.SchedulerArgs)
	writeSortedMap(write, "shell_args", r.ShellArgs)

	return fmt.Sprintf("%016x", h.Sum64())
}

func writeSortedMap(write func(key, value string), prefix string, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(prefix+"."+k, fmt.Sprint(m[k]))
	}
}

// IsJobscriptArray decides whether a jobscript should be submitted as a
// scheduler array. Requesting an array against a direct scheduler is a
// configuration error; a single element never becomes an array.
func IsJobscriptArray(r *model.Resources, numElements int) (bool, error) {
	capability, ok := Capabilities[r.Scheduler]
	if !ok {
		return false, errors.NewEngineError(errors.ErrorCodeValidationFailed,
			fmt.Sprintf("unknown scheduler %q", r.Scheduler))
	}

	if r.Scheduler == "direct" || r.Scheduler == "direct_posix" {
		if r.UseJobArray != nil && *r.UseJobArray {
			return false, errors.NewEngineError(errors.ErrorCodeConfigError,
				fmt.Sprintf("use_job_array not supported by scheduler %q", r.Scheduler))
		}
		return false, nil
	}

	if numElements == 1 {
		return false, nil
	}

	if r.UseJobArray == nil {
		return numElements > 1 && capability.RunParallelism, nil
	}
	if *r.UseJobArray && !capability.RunParallelism {
		return false, errors.NewEngineError(errors.ErrorCodeConfigError,
			fmt.Sprintf("scheduler %q does not support run parallelism; jobs cannot be submitted as arrays", r.Scheduler))
	}
	return *r.UseJobArray, nil
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
