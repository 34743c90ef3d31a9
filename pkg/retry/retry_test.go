// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdaptiveBackoff_Default(t *testing.T) {
	policy := NewAdaptiveBackoff()

	assert.Equal(t, 3, policy.MaxRetries())
	assert.Equal(t, 1*time.Second, policy.minWaitTime)
	assert.Equal(t, 30*time.Second, policy.maxWaitTime)
	assert.Equal(t, 2.0, policy.backoffFactor)
	assert.True(t, policy.jitter)
}

func TestAdaptiveBackoff_WithMethods(t *testing.T) {
	policy := NewAdaptiveBackoff().
		WithMaxRetries(5).
		WithMinWaitTime(2 * time.Second).
		WithMaxWaitTime(60 * time.Second).
		WithBackoffFactor(1.5).
		WithJitter(false)

	assert.Equal(t, 5, policy.MaxRetries())
	assert.Equal(t, 2*time.Second, policy.minWaitTime)
	assert.Equal(t, 60*time.Second, policy.maxWaitTime)
	assert.Equal(t, 1.5, policy.backoffFactor)
	assert.False(t, policy.jitter)
}

func TestAdaptiveBackoff_ShouldRetry(t *testing.T) {
	policy := NewAdaptiveBackoff().WithMaxRetries(3)
	ctx := context.Background()

	assert.True(t, policy.ShouldRetry(ctx, errors.New("submit failed"), 1))
	assert.False(t, policy.ShouldRetry(ctx, errors.New("submit failed"), 3))
	assert.False(t, policy.ShouldRetry(ctx, nil, 1))
}

func TestAdaptiveBackoff_ShouldRetryWithClassifier(t *testing.T) {
	policy := NewAdaptiveBackoff().WithRetryableFunc(func(err error) bool {
		return errors.Is(err, errTransient)
	})
	ctx := context.Background()

	assert.True(t, policy.ShouldRetry(ctx, errTransient, 0))
	assert.False(t, policy.ShouldRetry(ctx, errors.New("permanent"), 0))
}

var errTransient = errors.New("scheduler daemon unreachable")

func TestAdaptiveBackoff_ShouldRetryWithCancelledContext(t *testing.T) {
	policy := NewAdaptiveBackoff()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, policy.ShouldRetry(ctx, errors.New("error"), 1))
}

func TestAdaptiveBackoff_WaitTime(t *testing.T) {
	policy := NewAdaptiveBackoff().
		WithMinWaitTime(1 * time.Second).
		WithMaxWaitTime(10 * time.Second).
		WithBackoffFactor(2.0).
		WithJitter(false)

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, policy.WaitTime(tt.attempt))
	}

	// attempt 4 is still below the configured 10s max
	assert.Equal(t, 8*time.Second, policy.WaitTime(4))
}

func TestAdaptiveBackoff_WaitTimeWithJitter(t *testing.T) {
	policy := NewAdaptiveBackoff().
		WithMinWaitTime(1 * time.Second).
		WithMaxWaitTime(10 * time.Second).
		WithBackoffFactor(2.0).
		WithJitter(true)

	waitTime := policy.WaitTime(2)
	baseWaitTime := 2 * time.Second
	assert.GreaterOrEqual(t, waitTime, baseWaitTime)
	assert.LessOrEqual(t, waitTime, baseWaitTime+time.Duration(float64(baseWaitTime)*0.1))
}

func TestFixedDelay(t *testing.T) {
	policy := NewFixedDelay(3, 5*time.Second)

	assert.Equal(t, 3, policy.MaxRetries())
	assert.Equal(t, 5*time.Second, policy.WaitTime(1))
	assert.Equal(t, 5*time.Second, policy.WaitTime(5))

	ctx := context.Background()
	assert.True(t, policy.ShouldRetry(ctx, errors.New("error"), 1))
	assert.False(t, policy.ShouldRetry(ctx, errors.New("error"), 3))
	assert.False(t, policy.ShouldRetry(ctx, nil, 1))
}

func TestFixedDelay_ShouldRetryWithCancelledContext(t *testing.T) {
	policy := NewFixedDelay(3, 1*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, policy.ShouldRetry(ctx, errors.New("error"), 1))
}

func TestNoRetry(t *testing.T) {
	policy := NewNoRetry()

	assert.Equal(t, 0, policy.MaxRetries())
	assert.Equal(t, time.Duration(0), policy.WaitTime(1))

	ctx := context.Background()
	assert.False(t, policy.ShouldRetry(ctx, errors.New("error"), 0))
}

func TestPolicyInterface(t *testing.T) {
	var _ Policy = &AdaptiveBackoff{}
	var _ Policy = &FixedDelay{}
	var _ Policy = &NoRetry{}

	policies := []Policy{
		NewAdaptiveBackoff(),
		NewFixedDelay(3, 1*time.Second),
		NewNoRetry(),
	}

	ctx := context.Background()
	for _, policy := range policies {
		assert.GreaterOrEqual(t, policy.MaxRetries(), 0)
		assert.GreaterOrEqual(t, policy.WaitTime(1), time.Duration(0))
		_ = policy.ShouldRetry(ctx, errors.New("error"), 0)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), NewFixedDelay(5, time.Millisecond), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), NewFixedDelay(2, time.Millisecond), func() error {
		attempts++
		return errors.New("always fails")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts) // initial attempt + 2 retries
}

func TestIsTransientRenameError(t *testing.T) {
	assert.False(t, IsTransientRenameError(nil))
	assert.True(t, IsTransientRenameError(errors.New("text file busy: resource busy or locked")))
	assert.False(t, IsTransientRenameError(errors.New("no such file or directory")))
}
