// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package executor launches directly-submitted jobscripts as detached
// children, supervises them against a loopback control channel, and
// reaps normalised exit codes.
package executor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/ezrah/flowengine/internal/adapters"
	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/pkg/auth"
	"github.com/ezrah/flowengine/pkg/logging"
	"github.com/ezrah/flowengine/pkg/pool"
	"github.com/ezrah/flowengine/pkg/streaming"
)

// killGracePeriod is how long a child gets to react to SIGTERM before
// SIGKILL.
const killGracePeriod = 5 * time.Second

// Result is the outcome of one supervised jobscript run.
type Result struct {
	ExitCode int
	Aborted  bool
	PID      int
}

// Executor supervises direct jobscript children.
type Executor struct {
	logger logging.Logger
	pool   *pool.SupervisorPool
	host   string
}

// New creates an executor. host is the loopback address control
// channels bind to ("127.0.0.1:0").
func New(logger logging.Logger, supervisors *pool.SupervisorPool, host string) *Executor {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if supervisors == nil {
		supervisors = pool.NewSupervisorPool(logger)
	}
	if host == "" {
		host = "127.0.0.1:0"
	}
	return &Executor{logger: logger, pool: supervisors, host: host}
}

// Pool returns the supervisor registry, for the CLI abort path.
func (e *Executor) Pool() *pool.SupervisorPool {
	return e.pool
}

// RunDirect spawns argv as a detached child in workflowDir, with
// stdout/stderr redirected into the submission directory, and
// supervises it: the first of child-exit or a control-channel signal
// wins. On abort the whole process group is terminated and the exit
// code is AbortExitCode. The control endpoint and all handles are
// released on every exit path. onStart, when non-nil, receives the
// child pid as soon as the process exists, so callers can commit the
// reference before downstream submits begin.
func (e *Executor) RunDirect(ctx context.Context, argv []string, workflowDir, submissionDir string, key pool.Key, onStart func(pid int)) (Result, error) {
	authn, err := auth.NewDirTokenAuth()
	if err != nil {
		return Result{}, err
	}
	tokenPath, err := authn.WriteTokenFile(submissionDir)
	if err != nil {
		return Result{}, err
	}

	control := streaming.NewControlChannel(authn, e.logger)
	port, err := control.Start(e.host)
	if err != nil {
		return Result{}, err
	}
	defer control.Close()

	stdoutFile, err := os.Create(filepath.Join(submissionDir, fmt.Sprintf("js_%d_stdout.log", key.JSIdx)))
	if err != nil {
		return Result{}, err
	}
	defer stdoutFile.Close()

	stderrFile, err := os.Create(filepath.Join(submissionDir, fmt.Sprintf("js_%d_stderr.log", key.JSIdx)))
	if err != nil {
		return Result{}, err
	}
	defer stderrFile.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workflowDir
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s_RUN_PORT_NUMBER=%d", adapters.AppCaps, port),
	)
	// new session: the child never receives our interrupt signals, and
	// the whole tree is addressable as one process group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("executor: start jobscript: %w", err)
	}
	pid := cmd.Process.Pid
	e.logger.Info("started direct jobscript", "pid", pid, "key", key.String())
	if onStart != nil {
		onStart(pid)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.pool.Register(key, &pool.Supervisor{
		PID:               pid,
		ControlChannelURL: fmt.Sprintf("127.0.0.1:%d", port),
		TokenPath:         tokenPath,
		Cancel:            cancel,
	})
	defer e.pool.Remove(key)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	aborted := false
	select {
	case waitErr := <-waitCh:
		_ = waitErr // exit code recovered below

	case sig := <-control.Signals():
		if sig == streaming.SignalAbort {
			aborted = true
			e.terminateTree(pid)
			<-waitCh
		}

	case <-runCtx.Done():
		aborted = true
		e.terminateTree(pid)
		<-waitCh
	}

	result := Result{PID: pid, Aborted: aborted}
	if aborted {
		result.ExitCode = model.AbortExitCode
	} else {
		result.ExitCode = model.NormaliseExitCode(int64(uint32(cmd.ProcessState.ExitCode())))
	}

	e.logger.Info("direct jobscript finished",
		"pid", pid, "exit_code", result.ExitCode, "aborted", result.Aborted)
	return result, nil
}

// Abort delivers an abort to a supervised jobscript via its control
// channel, presenting the submission-directory token as peer identity.
func (e *Executor) Abort(ctx context.Context, key pool.Key) error {
	sup, ok := e.pool.Get(key)
	if !ok {
		return fmt.Errorf("executor: no active supervisor for %s", key.String())
	}

	token, err := os.ReadFile(sup.TokenPath)
	if err != nil {
		return fmt.Errorf("executor: read control token: %w", err)
	}

	_, portStr, err := net.SplitHostPort(sup.ControlChannelURL)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("executor: bad control channel port %q", portStr)
	}

	return streaming.SendSignal(ctx, port, string(token), streaming.SignalAbort)
}

// terminateTree terminates the child's process group: SIGTERM, a grace
// period, then SIGKILL.
func (e *Executor) terminateTree(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		e.logger.Warn("SIGTERM failed", "pid", pid, "error", err)
	}

	deadline := time.After(killGracePeriod)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if syscall.Kill(-pid, syscall.Signal(0)) != nil {
				return
			}
		case <-deadline:
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			return
		}
	}
}
