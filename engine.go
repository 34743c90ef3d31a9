// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package flowengine

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/ezrah/flowengine/internal/adapters"
	"github.com/ezrah/flowengine/internal/executor"
	"github.com/ezrah/flowengine/internal/paramgraph"
	"github.com/ezrah/flowengine/internal/store"
	"github.com/ezrah/flowengine/pkg/config"
	flowctx "github.com/ezrah/flowengine/pkg/context"
	"github.com/ezrah/flowengine/pkg/logging"
	"github.com/ezrah/flowengine/pkg/middleware"
	"github.com/ezrah/flowengine/pkg/pool"
)

// Engine is the explicit context value carried into every top-level
// operation: configuration, logging, adapter construction and the
// executor. There is no process-wide mutable state.
type Engine struct {
	cfg      *config.Config
	logger   logging.Logger
	timeouts *flowctx.TimeoutConfig
	factory  *adapters.Factory
	exec     *executor.Executor

	// appInvocation launches this binary from inside jobscripts.
	appInvocation []string

	machineProfile *config.MachineProfile

	// runs tracks in-flight direct supervisors per (workflow,
	// submission), so callers can join them.
	runsMu sync.Mutex
	runs   map[runKey]*sync.WaitGroup
}

// runKey identifies one submission's set of direct runs.
type runKey struct {
	workflowPath string
	subIdx       int
}

// NewEngine creates an engine from options; unset options fall back to
// configuration defaults (including FLOWENGINE_* environment
// variables).
func NewEngine(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{
		timeouts: flowctx.DefaultTimeoutConfig(),
		runs:     map[runKey]*sync.WaitGroup{},
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	if e.cfg == nil {
		e.cfg = config.NewDefault()
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if e.logger == nil {
		logCfg := logging.DefaultConfig()
		if e.cfg.Debug {
			logCfg.Level = slog.LevelDebug
		}
		e.logger = logging.NewLogger(logCfg)
	}
	if e.factory == nil {
		e.factory = adapters.NewFactory(adapters.WithLogger(e.logger))
	}
	if e.exec == nil {
		e.exec = executor.New(e.logger, pool.NewSupervisorPool(e.logger), e.cfg.ControlChannelHost)
	}
	if len(e.appInvocation) == 0 {
		exe, err := os.Executable()
		if err != nil {
			exe = adapters.AppName
		}
		e.appInvocation = []string{exe}
	}

	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Logger returns the engine logger.
func (e *Engine) Logger() logging.Logger {
	return e.logger
}

// Executor returns the engine's jobscript executor.
func (e *Engine) Executor() *executor.Executor {
	return e.exec
}

// CreateWorkflow writes an empty workflow store at path and opens it.
func (e *Engine) CreateWorkflow(ctx context.Context, path, name string, overwrite bool) (*Workflow, error) {
	tmpl := &store.TemplateDoc{Name: name}
	if err := store.WriteEmpty(path, tmpl, nil, overwrite); err != nil {
		return nil, err
	}
	return e.OpenWorkflow(ctx, path, store.ModeReadWrite)
}

// OpenWorkflow opens an existing workflow store.
func (e *Engine) OpenWorkflow(ctx context.Context, path string, mode store.Mode) (*Workflow, error) {
	s, err := store.Open(path, mode, e.logger)
	if err != nil {
		return nil, err
	}
	return &Workflow{
		engine: e,
		store:  s,
		graph:  paramgraph.New(s),
		path:   path,
	}, nil
}

// submitInvoker is the middleware chain scheduler submit commands run
// through. It wraps the adapter factory's invoker so submit and query
// commands share one subprocess path.
func (e *Engine) submitInvoker() middleware.Invoker {
	return middleware.Chain(
		middleware.WithLogging(e.logger),
		middleware.WithTimeout(e.cfg.SubmitTimeout),
		middleware.WithRetry(e.cfg.MaxSubmitRetries+1, func(err error, attempt int) bool {
			return err != nil
		}),
	)(e.factory.Invoker())
}
