// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package middleware provides a composable wrapper chain around
// subprocess invocations (scheduler submit/query commands).
package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ezrah/flowengine/pkg/logging"
)

// Invoker runs an external command with the given argv in dir and
// returns its captured stdout and stderr.
type Invoker func(ctx context.Context, argv []string, dir string) (stdout, stderr string, err error)

// Middleware is a function that wraps an Invoker.
type Middleware func(Invoker) Invoker

// Chain creates a single middleware from a chain of middlewares
func Chain(middlewares ...Middleware) Middleware {
	return func(next Invoker) Invoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// WithTimeout adds a timeout to command invocations
func WithTimeout(timeout time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, argv []string, dir string) (string, string, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, argv, dir)
		}
	}
}

// WithLogging adds command logging
func WithLogging(logger logging.Logger) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, argv []string, dir string) (string, string, error) {
			start := time.Now()
			logger.Debug("invoking command",
				"argv", argv,
				"dir", dir,
			)

			stdout, stderr, err := next(ctx, argv, dir)
			duration := time.Since(start)

			if err != nil {
				logger.Error("command failed",
					"argv", argv,
					"duration", duration,
					"error", err,
					"stderr", stderr,
				)
			} else {
				logger.Debug("command completed",
					"argv", argv,
					"duration", duration,
				)
			}
			return stdout, stderr, err
		}
	}
}

// ShouldRetryFunc determines if an invocation should be retried
type ShouldRetryFunc func(err error, attempt int) bool

// DefaultShouldRetry retries only on invocation errors, up to 3 attempts
func DefaultShouldRetry(err error, attempt int) bool {
	if attempt >= 3 {
		return false
	}
	return err != nil
}

// WithRetry adds retry logic with quadratic backoff
func WithRetry(maxAttempts int, shouldRetry ShouldRetryFunc) Middleware {
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}
	return func(next Invoker) Invoker {
		return func(ctx context.Context, argv []string, dir string) (string, string, error) {
			var stdout, stderr string
			var err error

			for attempt := 1; attempt <= maxAttempts; attempt++ {
				stdout, stderr, err = next(ctx, argv, dir)
				if err == nil {
					return stdout, stderr, nil
				}
				if !shouldRetry(err, attempt) {
					break
				}
				if attempt < maxAttempts {
					select {
					case <-time.After(calculateBackoff(attempt)):
					case <-ctx.Done():
						return stdout, stderr, ctx.Err()
					}
				}
			}
			return stdout, stderr, err
		}
	}
}

// calculateBackoff calculates the quadratic backoff duration
// (attempt² × 100ms, capped at 5s)
func calculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(attempt*attempt) * 100 * time.Millisecond
	if backoff > 5*time.Second {
		backoff = 5 * time.Second
	}
	return backoff
}

// MetricsCollector collects invocation metrics
type MetricsCollector interface {
	RecordInvocation(argv []string, duration time.Duration, err error)
	RecordRetry(argv []string, attempt int)
}

// WithMetrics adds metrics collection
func WithMetrics(collector MetricsCollector) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, argv []string, dir string) (string, string, error) {
			start := time.Now()
			stdout, stderr, err := next(ctx, argv, dir)
			collector.RecordInvocation(argv, time.Since(start), err)
			return stdout, stderr, err
		}
	}
}

// WithCircuitBreaker adds circuit breaker pattern: after threshold
// consecutive failures, invocations fail fast until timeout elapses.
func WithCircuitBreaker(threshold int, timeout time.Duration) Middleware {
	cb := &circuitBreaker{
		threshold: threshold,
		timeout:   timeout,
	}
	return func(next Invoker) Invoker {
		return func(ctx context.Context, argv []string, dir string) (string, string, error) {
			if !cb.Allow() {
				return "", "", fmt.Errorf("circuit breaker is open")
			}
			stdout, stderr, err := next(ctx, argv, dir)
			if err != nil {
				cb.RecordFailure()
			} else {
				cb.RecordSuccess()
			}
			return stdout, stderr, err
		}
	}
}

// circuitBreaker implements a simple circuit breaker
type circuitBreaker struct {
	mu          sync.Mutex
	threshold   int
	timeout     time.Duration
	failures    int
	lastFailure time.Time
}

func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.failures >= cb.threshold {
		return time.Since(cb.lastFailure) > cb.timeout
	}
	return true
}

func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = time.Now()
}

func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
}
