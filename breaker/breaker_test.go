// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New("llm", Config{MaxConsecutiveFailures: 3, Cooldown: time.Minute})

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		assert.False(t, b.IsOpen(), "should stay closed below threshold")
	}

	b.RecordFailure()
	assert.True(t, b.IsOpen(), "should open once threshold reached")
}

func TestBreakerClosesAfterSuccess(t *testing.T) {
	b := New("db", Config{MaxConsecutiveFailures: 2, Cooldown: time.Minute})
	b.RecordFailure()
	b.RecordFailure()
	require.True(t, b.IsOpen())

	b.RecordSuccess()
	assert.False(t, b.IsOpen())
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

func TestBreakerClosesAfterCooldown(t *testing.T) {
	b := New("http", Config{MaxConsecutiveFailures: 1, Cooldown: 10 * time.Millisecond})
	b.RecordFailure()
	require.True(t, b.IsOpen())

	time.Sleep(20 * time.Millisecond)
	assert.False(t, b.IsOpen(), "breaker should close once cooldown elapses")
}

func TestWithBreakerUsesFallbackWhenOpen(t *testing.T) {
	b := New("llm", Config{MaxConsecutiveFailures: 1, Cooldown: time.Minute})
	b.RecordFailure()
	require.True(t, b.IsOpen())

	opCalled := false
	fallbackCalled := false

	res := WithBreaker(context.Background(), b,
		func(ctx context.Context) error { opCalled = true; return nil },
		func(ctx context.Context) error { fallbackCalled = true; return nil },
	)

	assert.False(t, opCalled, "op must not run while breaker is open")
	assert.True(t, fallbackCalled)
	assert.True(t, res.UsedFallback)
}

func TestWithBreakerRecordsFailureAndFallsBack(t *testing.T) {
	b := New("llm", Config{MaxConsecutiveFailures: 5, Cooldown: time.Minute})

	res := WithBreaker(context.Background(), b,
		func(ctx context.Context) error { return errors.New("boom") },
		func(ctx context.Context) error { return nil },
	)

	assert.True(t, res.UsedFallback)
	assert.Equal(t, 1, b.ConsecutiveFailures())
}

func TestWithBreakerClosesOnSuccess(t *testing.T) {
	b := New("llm", Config{MaxConsecutiveFailures: 5, Cooldown: time.Minute})
	b.RecordFailure()

	res := WithBreaker(context.Background(), b,
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
	)

	assert.False(t, res.UsedFallback)
	assert.Equal(t, 0, b.ConsecutiveFailures())
}
