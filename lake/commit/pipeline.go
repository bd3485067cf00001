// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package commit implements the optimistic commit pipeline: build an
// action set against the current snapshot, claim the next commit path
// with a conditional create, and clean up staged files when the claim is
// lost.
//
// Correctness between writers comes solely from the conditional create
// of _delta_log/{V+1}.json; conflicts surface as concurrency errors and
// are resolved by retrying with a refreshed snapshot.
package commit

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/driftlake/lake/action"
	"github.com/AleutianAI/driftlake/lake/snapshot"
	"github.com/AleutianAI/driftlake/lake/storage"
	"github.com/AleutianAI/driftlake/pkg/errs"
	"github.com/AleutianAI/driftlake/pkg/retry"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	commitAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftlake_commit_attempts_total",
		Help: "Commit attempts by operation and outcome",
	}, []string{"operation", "outcome"})

	commitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "driftlake_commit_duration_seconds",
		Help:    "End-to-end commit latency including retries",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"operation"})

	commitConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftlake_commit_conflicts_total",
		Help: "Commits that lost the race for the next version",
	})
)

var tracer = otel.Tracer("driftlake.commit")

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// BuildResult is what a builder produces for one attempt.
type BuildResult struct {
	// Actions is the ordered action list for the commit file. The
	// pipeline appends commitInfo itself; builders must not.
	Actions []action.Action

	// StagedPaths are physical objects written during the build (data
	// files, change-data files). They are deleted when the commit cannot
	// be created.
	StagedPaths []string

	// Skip aborts the commit without error, for idempotent replays whose
	// Txn anchor shows the work already applied.
	Skip bool
}

// Builder produces the action set for the version about to be claimed.
// readSnapshot is nil for an uninitialized table. Builders run once per
// attempt: on conflict the pipeline refreshes the snapshot and calls the
// builder again.
type Builder func(ctx context.Context, readSnapshot *snapshot.Snapshot, version int64) (*BuildResult, error)

// Result describes a successful commit.
type Result struct {
	// Version is the committed version.
	Version int64

	// Timestamp is the commitInfo timestamp.
	Timestamp time.Time

	// Skipped is true when the builder declined to commit.
	Skipped bool
}

// Pipeline commits action sets for one table.
type Pipeline struct {
	store  storage.ObjectStore
	engine *snapshot.Engine
	logger *slog.Logger

	// Retry is the policy applied by CommitWithRetry. The zero value
	// falls back to retry.DefaultConfig.
	Retry retry.Config
}

// New creates a pipeline bound to a table's store and snapshot engine.
func New(store storage.ObjectStore, engine *snapshot.Engine, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{store: store, engine: engine, logger: logger}
}

// -----------------------------------------------------------------------------
// Commit
// -----------------------------------------------------------------------------

// Commit performs a single attempt: snapshot, build, conditional create.
// Lost races return a concurrency error with the staged files already
// cleaned up; use CommitWithRetry for the standard retry loop.
func (p *Pipeline) Commit(ctx context.Context, operation string, params map[string]any, build Builder) (*Result, error) {
	ctx, span := tracer.Start(ctx, "commit")
	defer span.End()
	span.SetAttributes(attribute.String("operation", operation))

	start := time.Now()
	result, err := p.commitOnce(ctx, operation, params, build)
	commitDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		outcome := "error"
		if errs.IsConcurrency(err) {
			outcome = "conflict"
			commitConflictsTotal.Inc()
		}
		commitAttemptsTotal.WithLabelValues(operation, outcome).Inc()
		return nil, err
	}
	if result.Skipped {
		commitAttemptsTotal.WithLabelValues(operation, "skipped").Inc()
	} else {
		commitAttemptsTotal.WithLabelValues(operation, "ok").Inc()
		span.SetAttributes(attribute.Int64("version", result.Version))
	}
	return result, nil
}

func (p *Pipeline) commitOnce(ctx context.Context, operation string, params map[string]any, build Builder) (*Result, error) {
	current, err := p.engine.LatestVersion(ctx)
	if err != nil {
		return nil, err
	}

	var readSnapshot *snapshot.Snapshot
	if current >= 0 {
		readSnapshot, err = p.engine.LoadVersion(ctx, current)
		if err != nil {
			return nil, err
		}
	}
	next := current + 1

	built, err := build(ctx, readSnapshot, next)
	if err != nil {
		return nil, err
	}
	if built.Skip {
		return &Result{Version: current, Skipped: true}, nil
	}
	if len(built.Actions) == 0 {
		return nil, errs.CDC(errs.CodeEmptyWrite, "commit.build", "empty action set for %s", operation)
	}

	now := time.Now().UTC()
	actions := append(built.Actions, action.Action{CommitInfo: &action.CommitInfo{
		Timestamp:           action.Int64(now.UnixMilli()),
		Operation:           operation,
		OperationParameters: params,
		ReadVersion:         current,
	}})

	body, err := action.EncodeCommit(actions)
	if err != nil {
		p.cleanupStaged(ctx, built.StagedPaths)
		return nil, err
	}

	if _, err := p.store.ConditionalCreate(ctx, action.CommitPath(next), body, ""); err != nil {
		p.cleanupStaged(ctx, built.StagedPaths)
		if errs.IsVersionMismatch(err) {
			actual, verr := p.engine.LatestVersion(ctx)
			if verr != nil {
				actual = next
			}
			return nil, errs.Concurrency("commit.conditionalCreate", next, actual)
		}
		return nil, err
	}

	p.engine.Invalidate()
	p.logger.Info("commit succeeded",
		"operation", operation,
		"version", next,
		"actions", len(actions),
	)
	return &Result{Version: next, Timestamp: now}, nil
}

// CommitWithRetry wraps Commit in the configured retry policy. Each
// attempt rebuilds the action set against a refreshed snapshot.
func (p *Pipeline) CommitWithRetry(ctx context.Context, operation string, params map[string]any, build Builder) (*Result, error) {
	cfg := p.Retry
	if cfg.Logger == nil {
		cfg.Logger = p.logger
	}
	result, _, err := retry.Do(ctx, cfg, func(ctx context.Context) (*Result, error) {
		return p.Commit(ctx, operation, params, build)
	})
	return result, err
}

// cleanupStaged best-effort deletes files written for a failed attempt.
// Failures are logged, never raised.
func (p *Pipeline) cleanupStaged(ctx context.Context, paths []string) {
	for _, path := range paths {
		if err := p.store.Delete(ctx, path); err != nil {
			p.logger.Error("staged file cleanup failed", "path", path, "error", err.Error())
		}
	}
}

// TxnAlreadyApplied reports whether a transaction anchor shows the work
// at or past the given version, signaling an idempotent skip.
func TxnAlreadyApplied(snap *snapshot.Snapshot, appID string, version int64) bool {
	if snap == nil || appID == "" {
		return false
	}
	return snap.TxnVersion(appID) >= version
}
