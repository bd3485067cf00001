// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package maintenance

import (
	"context"
	"log/slog"
	"sort"

	"github.com/AleutianAI/driftlake/lake/action"
	"github.com/AleutianAI/driftlake/lake/snapshot"
	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// Checkpoints
// -----------------------------------------------------------------------------

// DefaultCheckpointInterval is the commit count between checkpoints.
const DefaultCheckpointInterval = 10

// ShouldCheckpoint reports whether a checkpoint is due after committing
// version. Fires every interval commits.
func ShouldCheckpoint(version int64, interval int64) bool {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	return version > 0 && version%interval == 0
}

// Checkpoint materializes the latest snapshot as a checkpoint file and
// updates _last_checkpoint. Returns the checkpointed version.
func Checkpoint(ctx context.Context, engine *snapshot.Engine, logger *slog.Logger) (int64, error) {
	if logger == nil {
		logger = slog.Default()
	}
	snap, err := engine.Refresh(ctx)
	if err != nil {
		return -1, err
	}
	actions, err := snapshot.WriteCheckpoint(ctx, engine.Store(), snap)
	if err != nil {
		return -1, err
	}
	logger.Info("checkpoint written", "version", snap.Version, "actions", actions)
	return snap.Version, nil
}

// listCheckpoints returns the checkpoint versions present, ascending.
func listCheckpoints(ctx context.Context, engine *snapshot.Engine) ([]int64, error) {
	keys, err := engine.Store().List(ctx, action.LogPrefix)
	if err != nil {
		return nil, err
	}
	var versions []int64
	for _, key := range keys {
		if v, ok := action.ParseCheckpointVersion(key); ok {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// CleanupCheckpoints deletes all but the newest keepLast checkpoint
// files. Returns the deleted versions.
func CleanupCheckpoints(ctx context.Context, engine *snapshot.Engine, keepLast int, logger *slog.Logger) ([]int64, error) {
	if keepLast < 1 {
		return nil, errs.Validation("maintenance.cleanupCheckpoints", "keepLast must be >= 1, got %d", keepLast)
	}
	if logger == nil {
		logger = slog.Default()
	}
	versions, err := listCheckpoints(ctx, engine)
	if err != nil {
		return nil, err
	}
	if len(versions) <= keepLast {
		return nil, nil
	}

	store := engine.Store()
	victims := versions[:len(versions)-keepLast]
	var deleted []int64
	for _, v := range victims {
		if err := store.Delete(ctx, action.CheckpointPath(v)); err != nil {
			logger.Error("checkpoint cleanup failed", "version", v, "error", err.Error())
			continue
		}
		deleted = append(deleted, v)
	}
	return deleted, nil
}

// CleanupLogs deletes commit files that precede the oldest retained
// checkpoint, additionally keeping the keepVersions most recent commits.
// Returns the deleted versions.
func CleanupLogs(ctx context.Context, engine *snapshot.Engine, keepVersions int, logger *slog.Logger) ([]int64, error) {
	if keepVersions < 1 {
		return nil, errs.Validation("maintenance.cleanupLogs", "keepVersions must be >= 1, got %d", keepVersions)
	}
	if logger == nil {
		logger = slog.Default()
	}

	checkpoints, err := listCheckpoints(ctx, engine)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return nil, nil // without a checkpoint every commit is load-bearing
	}
	oldestCheckpoint := checkpoints[0]

	store := engine.Store()
	keys, err := store.List(ctx, action.LogPrefix)
	if err != nil {
		return nil, err
	}
	var commits []int64
	for _, key := range keys {
		if v, ok := action.ParseCommitVersion(key); ok {
			commits = append(commits, v)
		}
	}
	sort.Slice(commits, func(i, j int) bool { return commits[i] < commits[j] })
	if len(commits) <= keepVersions {
		return nil, nil
	}

	// Only commits strictly before the oldest checkpoint are eligible;
	// the N most recent survive regardless.
	guard := commits[len(commits)-keepVersions]

	var deleted []int64
	for _, v := range commits {
		if v >= oldestCheckpoint || v >= guard {
			continue
		}
		if err := store.Delete(ctx, action.CommitPath(v)); err != nil {
			logger.Error("log cleanup failed", "version", v, "error", err.Error())
			continue
		}
		deleted = append(deleted, v)
	}
	if len(deleted) > 0 {
		engine.Invalidate()
	}
	return deleted, nil
}
