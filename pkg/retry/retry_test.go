// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/driftlake/pkg/errs"
)

func fastConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2,
		Jitter:     false,
	}
}

func TestSucceedsOnAttemptK(t *testing.T) {
	calls := 0
	var successes int
	cfg := fastConfig()
	cfg.OnSuccess = func(m Metrics) { successes++ }

	result, m, err := Do(context.Background(), cfg, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errs.Concurrency("commit", 1, 2)
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, m.Attempts)
	assert.Equal(t, 2, m.Retries)
	assert.True(t, m.Succeeded)
	assert.Equal(t, 1, successes, "onSuccess must run exactly once")
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	boom := errors.New("disk on fire")

	_, m, err := Do(context.Background(), fastConfig(), func(ctx context.Context) (int, error) {
		calls++
		return 0, errs.Storage("storage.write", "p", boom)
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, m.Attempts)
	assert.False(t, m.Succeeded)
}

func TestExhaustsRetries(t *testing.T) {
	calls := 0
	var failures int
	cfg := fastConfig()
	cfg.OnFailure = func(m Metrics, err error) { failures++ }

	_, m, err := Do(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		return 0, errs.Concurrency("commit", 1, 2)
	})

	require.Error(t, err)
	assert.True(t, errs.IsConcurrency(err))
	assert.Equal(t, 4, calls, "first attempt plus MaxRetries")
	assert.Equal(t, 4, m.Attempts)
	assert.Equal(t, 1, failures)
	assert.Greater(t, m.TotalDelay, time.Duration(0))
}

func TestOnRetryCanAbort(t *testing.T) {
	calls := 0
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, err error) bool { return attempt < 2 }

	_, _, err := Do(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		return 0, errs.Concurrency("commit", 1, 2)
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestContextCancelBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig()
	cfg.BaseDelay = 50 * time.Millisecond

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, _, err := Do(ctx, cfg, func(ctx context.Context) (int, error) {
		return 0, errs.Concurrency("commit", 1, 2)
	})

	require.ErrorIs(t, err, context.Canceled)
}

func TestInvalidConfigRejected(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = -1

	_, _, err := Do(context.Background(), cfg, func(ctx context.Context) (int, error) {
		return 0, nil
	})
	assert.True(t, errs.IsValidation(err))
}

func TestCustomClassifier(t *testing.T) {
	transient := errors.New("transient")
	calls := 0
	cfg := fastConfig()
	cfg.IsRetryable = func(err error) bool { return errors.Is(err, transient) }

	_, _, err := Do(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, transient
		}
		return calls, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
