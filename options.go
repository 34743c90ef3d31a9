// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package flowengine

import (
	"github.com/ezrah/flowengine/internal/adapters"
	"github.com/ezrah/flowengine/internal/executor"
	"github.com/ezrah/flowengine/pkg/config"
	flowctx "github.com/ezrah/flowengine/pkg/context"
	"github.com/ezrah/flowengine/pkg/logging"
)

// Option configures an Engine.
type Option func(*Engine) error

// WithConfig sets the engine configuration.
func WithConfig(cfg *config.Config) Option {
	return func(e *Engine) error {
		e.cfg = cfg
		return nil
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

// WithTimeouts sets the per-operation timeout configuration.
func WithTimeouts(timeouts *flowctx.TimeoutConfig) Option {
	return func(e *Engine) error {
		e.timeouts = timeouts
		return nil
	}
}

// WithAdapterFactory replaces the adapter factory (tests substitute
// scripted invokers).
func WithAdapterFactory(factory *adapters.Factory) Option {
	return func(e *Engine) error {
		e.factory = factory
		return nil
	}
}

// WithExecutor replaces the jobscript executor.
func WithExecutor(exec *executor.Executor) Option {
	return func(e *Engine) error {
		e.exec = exec
		return nil
	}
}

// WithAppInvocation sets the argv prefix jobscripts use to call back
// into this application.
func WithAppInvocation(argv []string) Option {
	return func(e *Engine) error {
		e.appInvocation = argv
		return nil
	}
}

// WithMachineProfile pins resource validation to a machine profile
// loaded via config.LoadMachineDefaults.
func WithMachineProfile(profile *config.MachineProfile) Option {
	return func(e *Engine) error {
		e.machineProfile = profile
		return nil
	}
}
