// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retry wraps operations with exponential backoff and retryable
// classification.
//
// The default classifier retries concurrency conflicts only; everything
// else propagates to the caller on the first failure. Delay between
// attempts follows min(MaxDelay, BaseDelay * Multiplier^(attempt-1)) with
// optional uniform jitter of +/- JitterFactor.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config controls the retry loop.
type Config struct {
	// MaxRetries is the number of attempts beyond the first. Default: 3.
	MaxRetries int

	// BaseDelay is the initial backoff delay. Default: 100ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay. Default: 10s.
	MaxDelay time.Duration

	// Multiplier is the backoff growth factor. Default: 2.
	Multiplier float64

	// Jitter randomizes each delay by +/- JitterFactor. Default: true.
	Jitter bool

	// JitterFactor is the uniform perturbation fraction. Default: 0.5.
	JitterFactor float64

	// IsRetryable classifies errors. Default: errs.IsConcurrency.
	IsRetryable func(error) bool

	// OnRetry runs before each re-attempt with the attempt number just
	// failed and its error. Returning false aborts the loop and the last
	// error is returned.
	OnRetry func(attempt int, err error) bool

	// OnSuccess runs once when the operation succeeds, with the final
	// metrics.
	OnSuccess func(m Metrics)

	// OnFailure runs once when the loop gives up, with the final metrics
	// and error.
	OnFailure func(m Metrics, err error)

	// Logger receives per-retry warnings. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the process-wide defaults. Replace at process init
// when different behavior is needed; treat as read-mostly afterwards.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		Jitter:       true,
		JitterFactor: 0.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier == 0 {
		c.Multiplier = d.Multiplier
	}
	if c.JitterFactor == 0 {
		c.JitterFactor = d.JitterFactor
	}
	if c.IsRetryable == nil {
		c.IsRetryable = errs.IsConcurrency
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Validate rejects nonsensical settings.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return errs.Validation("retry.validate", "MaxRetries must be >= 0, got %d", c.MaxRetries)
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return errs.Validation("retry.validate", "delays must be >= 0")
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return errs.Validation("retry.validate", "JitterFactor must be in [0,1], got %v", c.JitterFactor)
	}
	return nil
}

// Metrics reports what a retry loop did.
type Metrics struct {
	// Attempts is the total number of invocations, including the first.
	Attempts int

	// Retries is Attempts - 1 when any retry happened, else 0.
	Retries int

	// Succeeded is true when the operation eventually returned nil.
	Succeeded bool

	// TotalDelay is the sum of all backoff sleeps.
	TotalDelay time.Duration

	// Elapsed is wall-clock time across the whole loop.
	Elapsed time.Duration
}

// -----------------------------------------------------------------------------
// Do
// -----------------------------------------------------------------------------

// Do runs op, retrying per cfg. The context aborts the loop between
// attempts; an in-flight op is never interrupted.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, Metrics, error) {
	var zero T
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return zero, Metrics{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.Multiplier = cfg.Multiplier
	bo.MaxElapsedTime = 0
	if cfg.Jitter {
		bo.RandomizationFactor = cfg.JitterFactor
	} else {
		bo.RandomizationFactor = 0
	}
	bo.Reset()

	var m Metrics
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		m.Attempts = attempt

		result, err := op(ctx)
		if err == nil {
			m.Succeeded = true
			m.Retries = attempt - 1
			m.Elapsed = time.Since(start)
			if cfg.OnSuccess != nil {
				cfg.OnSuccess(m)
			}
			return result, m, nil
		}
		lastErr = err

		if attempt > cfg.MaxRetries || !cfg.IsRetryable(err) {
			break
		}
		if cfg.OnRetry != nil && !cfg.OnRetry(attempt, err) {
			break
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		cfg.Logger.Warn("retrying operation",
			"attempt", attempt,
			"max_attempts", cfg.MaxRetries+1,
			"delay_ms", delay.Milliseconds(),
			"error", err.Error(),
		)

		select {
		case <-ctx.Done():
			m.Retries = attempt - 1
			m.Elapsed = time.Since(start)
			if cfg.OnFailure != nil {
				cfg.OnFailure(m, ctx.Err())
			}
			return zero, m, ctx.Err()
		case <-time.After(delay):
			m.TotalDelay += delay
		}
	}

	m.Retries = m.Attempts - 1
	m.Elapsed = time.Since(start)
	if cfg.OnFailure != nil {
		cfg.OnFailure(m, lastErr)
	}
	return zero, m, lastErr
}
