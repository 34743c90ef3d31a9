// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package adapters

import (
	"context"
	"os/exec"
	"strings"

	"github.com/ezrah/flowengine/pkg/errors"
	"github.com/ezrah/flowengine/pkg/logging"
	"github.com/ezrah/flowengine/pkg/middleware"
)

// Key selects one adapter.
type Key struct {
	Shell     string
	OS        string
	Scheduler string
}

// Factory builds and caches adapters per (shell, OS, scheduler) key.
type Factory struct {
	invoker middleware.Invoker
	logger  logging.Logger
	cache   map[Key]Adapter
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithInvoker replaces the subprocess invoker (tests substitute a
// scripted one).
func WithInvoker(invoker middleware.Invoker) FactoryOption {
	return func(f *Factory) {
		f.invoker = invoker
	}
}

// WithLogger sets the factory's logger; it is also wired into each
// adapter's invocation chain.
func WithLogger(logger logging.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// NewFactory creates an adapter factory. The default invoker runs
// commands through os/exec with logging middleware applied.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		logger: logging.NoOpLogger{},
		cache:  map[Key]Adapter{},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.invoker == nil {
		f.invoker = middleware.Chain(
			middleware.WithLogging(f.logger),
		)(execInvoker)
	}
	return f
}

// Invoker returns the subprocess invoker the factory's adapters use;
// scheduler submit commands run through the same one.
func (f *Factory) Invoker() middleware.Invoker {
	return f.invoker
}

// Get returns the adapter for a (shell, OS, scheduler) combination, or
// an UnsupportedShell error when no adapter exists for the pairing.
func (f *Factory) Get(shell, osName, scheduler string) (Adapter, error) {
	key := Key{Shell: shell, OS: osName, Scheduler: scheduler}
	if adapter, ok := f.cache[key]; ok {
		return adapter, nil
	}

	adapter, err := f.build(key)
	if err != nil {
		return nil, err
	}
	f.cache[key] = adapter
	return adapter, nil
}

func (f *Factory) build(key Key) (Adapter, error) {
	switch {
	case key.Shell == "bash" && key.OS == "posix":
		shell := bashShell{executable: "/bin/bash", invoker: f.invoker}
		switch key.Scheduler {
		case "direct", "direct_posix":
			return newDirectBash(shell), nil
		case "sge":
			return newSGEBash(shell), nil
		case "slurm":
			return newSlurmBash(shell), nil
		}

	case key.Shell == "wsl+bash" && key.OS == "nt":
		// bash inside WSL; only direct execution is supported there.
		if key.Scheduler == "direct" {
			shell := bashShell{executable: "/bin/bash", invoker: f.invoker}
			return newDirectBash(shell), nil
		}

	case key.Shell == "powershell" && key.OS == "nt":
		if key.Scheduler == "direct" {
			return newPowershellDirect(f.invoker), nil
		}
	}

	return nil, errors.NewUnsupportedShellError(key.Shell, key.OS)
}

// execInvoker is the production subprocess invoker.
func execInvoker(ctx context.Context, argv []string, dir string) (string, string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
