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
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/driftlake/lake/action"
	"github.com/AleutianAI/driftlake/lake/snapshot"
	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// Vacuum
// -----------------------------------------------------------------------------

// VacuumConfig tunes a vacuum pass.
type VacuumConfig struct {
	// RetentionHours is how long tombstoned files survive. Values below
	// the 1 hour floor are validation errors. Default: 168.
	RetentionHours float64

	// DryRun reports the would-delete set without mutating anything.
	DryRun bool

	// DeletesPerSecond rate-limits physical deletes. 0 means unlimited.
	DeletesPerSecond float64
}

// VacuumReport summarizes a vacuum pass.
type VacuumReport struct {
	FilesScanned  int      `json:"filesScanned"`
	FilesDeleted  int      `json:"filesDeleted"`
	FilesToDelete []string `json:"filesToDelete,omitempty"`
	BytesFreed    int64    `json:"bytesFreed"`
	DryRun        bool     `json:"dryRun"`
}

// vacuumRetentionFloor is the minimum allowed retention.
const vacuumRetentionFloor = time.Hour

// Vacuum deletes data files that are neither live in any snapshot inside
// the retention window nor younger than the window. The log, change
// data, and CDC config are never touched.
func Vacuum(ctx context.Context, engine *snapshot.Engine, cfg VacuumConfig, logger *slog.Logger) (*VacuumReport, error) {
	if cfg.RetentionHours == 0 {
		cfg.RetentionHours = 168
	}
	retention := time.Duration(cfg.RetentionHours * float64(time.Hour))
	if retention < vacuumRetentionFloor {
		return nil, errs.Validation("maintenance.vacuum", "retention %.2fh below the 1h floor", cfg.RetentionHours)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, span := tracer.Start(ctx, "vacuum")
	defer span.End()

	store := engine.Store()
	cutoff := time.Now().Add(-retention)

	// A dry run reports every tombstoned candidate so operators can see
	// what a vacuum will eventually reclaim; the age gate only applies
	// to physical deletion.
	var protected map[string]bool
	if cfg.DryRun {
		snap, err := engine.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		protected = map[string]bool{}
		for _, f := range snap.Files {
			protected[f.Path] = true
		}
	} else {
		var err error
		protected, err = liveUnionSince(ctx, engine, cutoff)
		if err != nil {
			return nil, err
		}
	}

	keys, err := store.List(ctx, "")
	if err != nil {
		return nil, err
	}

	report := &VacuumReport{DryRun: cfg.DryRun}
	var limiter *rate.Limiter
	if cfg.DeletesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DeletesPerSecond), 1)
	}

	for _, key := range keys {
		if strings.HasPrefix(key, action.LogPrefix) ||
			strings.HasPrefix(key, action.ChangeDataPrefix) ||
			key == action.CDCConfigPath {
			continue
		}
		report.FilesScanned++
		if protected[key] {
			continue
		}
		info, err := store.Stat(ctx, key)
		if err != nil {
			return nil, err
		}
		if info == nil {
			continue
		}
		if cfg.DryRun {
			report.FilesToDelete = append(report.FilesToDelete, key)
			continue
		}
		if info.LastModified.After(cutoff) {
			continue // younger than retention
		}
		report.FilesToDelete = append(report.FilesToDelete, key)
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		if err := store.Delete(ctx, key); err != nil {
			logger.Error("vacuum delete failed", "path", key, "error", err.Error())
			continue
		}
		report.FilesDeleted++
		report.BytesFreed += info.Size
	}

	sort.Strings(report.FilesToDelete)
	logger.Info("vacuum finished",
		"scanned", report.FilesScanned,
		"deleted", report.FilesDeleted,
		"dry_run", cfg.DryRun,
	)
	return report, nil
}

// liveUnionSince unions the live file sets of every snapshot whose
// commit is at or after cutoff, plus the newest snapshot before the
// cutoff (the state a reader pinned at the horizon still sees).
func liveUnionSince(ctx context.Context, engine *snapshot.Engine, cutoff time.Time) (map[string]bool, error) {
	store := engine.Store()
	keys, err := store.List(ctx, action.LogPrefix)
	if err != nil {
		return nil, err
	}
	var versions []int64
	for _, key := range keys {
		if v, ok := action.ParseCommitVersion(key); ok {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	if len(versions) == 0 {
		return nil, errs.NotFound("maintenance.vacuum", action.LogPrefix)
	}

	// Pick the versions inside the window plus the boundary snapshot.
	var relevant []int64
	boundary := int64(-1)
	for _, v := range versions {
		info, err := store.Stat(ctx, action.CommitPath(v))
		if err != nil {
			return nil, err
		}
		if info == nil {
			continue
		}
		if info.LastModified.Before(cutoff) {
			boundary = v
			continue
		}
		relevant = append(relevant, v)
	}
	if boundary >= 0 {
		relevant = append([]int64{boundary}, relevant...)
	}

	protected := map[string]bool{}
	for _, v := range relevant {
		snap, err := engine.LoadVersion(ctx, v)
		if err != nil {
			return nil, err
		}
		for _, f := range snap.Files {
			protected[f.Path] = true
		}
	}
	return protected, nil
}
