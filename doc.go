// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package flowengine is a computational workflow engine core: it
// transforms declarative workflow templates into dependency graphs of
// element-action-runs (EARs), packs those runs into jobscripts for HPC
// batch schedulers or direct execution, supervises their execution, and
// records outcomes in a crash-consistent store with enough fidelity to
// resume or inspect a workflow after failure.
//
// Basic usage:
//
//	engine, err := flowengine.NewEngine(ctx)
//	if err != nil { ... }
//	wk, err := engine.CreateWorkflow(ctx, "/scratch/my-workflow", "my-workflow", false)
//	if err != nil { ... }
//	err = wk.AddTask(ctx, task)
//	subIdx, err := wk.Submit(ctx, "")
//
// The store at the workflow path is a single-writer, multi-reader JSON
// image; all mutations buffer into a pending transaction and become
// visible atomically on commit.
package flowengine
