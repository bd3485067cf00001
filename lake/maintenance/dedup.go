// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/driftlake/lake/action"
	"github.com/AleutianAI/driftlake/lake/commit"
	"github.com/AleutianAI/driftlake/lake/snapshot"
	"github.com/AleutianAI/driftlake/lake/tablefile"
	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// Deduplication
// -----------------------------------------------------------------------------

// KeepStrategy decides which row of a duplicate group survives.
type KeepStrategy string

const (
	// KeepFirst keeps the first row encountered in live-file order.
	KeepFirst KeepStrategy = "first"

	// KeepLast keeps the last row encountered.
	KeepLast KeepStrategy = "last"

	// KeepLatest keeps the row with the per-group maximum of
	// OrderByColumn.
	KeepLatest KeepStrategy = "latest"
)

// DedupConfig tunes a deduplication pass.
type DedupConfig struct {
	// KeyColumns groups rows by this key tuple. Empty means exact mode:
	// rows are duplicates only when their full serialization matches.
	KeyColumns []string

	// Keep selects the survivor per group. Default: first.
	Keep KeepStrategy

	// OrderByColumn is required for KeepLatest.
	OrderByColumn string

	// TargetFileSize bounds the rewritten parts. Default: 128 MiB.
	TargetFileSize int64

	// CollectDistribution adds the duplicate-count histogram to the
	// report.
	CollectDistribution bool
}

// DedupReport summarizes a deduplication pass.
type DedupReport struct {
	RowsBefore         int64          `json:"rowsBefore"`
	RowsAfter          int64          `json:"rowsAfter"`
	DuplicatesRemoved  int64          `json:"duplicatesRemoved"`
	DeduplicationRatio float64        `json:"deduplicationRatio"`
	Distribution       map[string]int `json:"distribution,omitempty"`
	MaxDuplicatesPerKey int           `json:"maxDuplicatesPerKey,omitempty"`
	Version            int64          `json:"version"`
}

// Dedup rewrites the live set with duplicates removed and commits the
// swap as a data change (removed rows are real deletions).
func Dedup(ctx context.Context, engine *snapshot.Engine, pipeline *commit.Pipeline, cfg DedupConfig, logger *slog.Logger) (*DedupReport, error) {
	if cfg.Keep == "" {
		cfg.Keep = KeepFirst
	}
	if cfg.Keep == KeepLatest && cfg.OrderByColumn == "" {
		return nil, errs.Validation("maintenance.dedup", "keep=latest requires an orderBy column")
	}
	if cfg.TargetFileSize <= 0 {
		cfg.TargetFileSize = 128 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, span := tracer.Start(ctx, "dedup")
	defer span.End()

	snap, err := engine.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	schema, err := snap.Schema()
	if err != nil {
		return nil, err
	}

	store := engine.Store()
	report := &DedupReport{}

	result, err := pipeline.CommitWithRetry(ctx, "DEDUP", map[string]any{
		"keyColumns": cfg.KeyColumns,
		"keep":       string(cfg.Keep),
	}, func(ctx context.Context, readSnap *snapshot.Snapshot, version int64) (*commit.BuildResult, error) {
		if readSnap == nil || len(readSnap.Files) == 0 {
			return nil, errs.Validation("maintenance.dedup", "table has no live data")
		}

		rows, err := readBinRows(ctx, store, readSnap.Files, schema, false)
		if err != nil {
			return nil, err
		}
		report.RowsBefore = int64(len(rows))

		kept, groups, maxDupes := deduplicate(rows, cfg)
		report.RowsAfter = int64(len(kept))
		report.DuplicatesRemoved = report.RowsBefore - report.RowsAfter
		if report.RowsBefore > 0 {
			report.DeduplicationRatio = float64(report.DuplicatesRemoved) / float64(report.RowsBefore)
		}
		if cfg.CollectDistribution {
			report.Distribution = groups
			report.MaxDuplicatesPerKey = maxDupes
		}
		if report.DuplicatesRemoved == 0 {
			return &commit.BuildResult{Skip: true}, nil
		}

		var totalBytes int64
		for _, f := range readSnap.Files {
			totalBytes += int64(f.Size)
		}

		build := &commit.BuildResult{}
		seq := 0
		for _, chunk := range splitRows(kept, totalBytes, cfg.TargetFileSize) {
			path := action.DataFilePath(version, seq)
			seq++
			written, err := tablefile.WriteRows(ctx, store, path, chunk, schema, true)
			if err != nil {
				return nil, err
			}
			build.StagedPaths = append(build.StagedPaths, path)
			build.Actions = append(build.Actions, action.Action{Add: &action.Add{
				Path:             path,
				Size:             action.Int64(written.Size),
				ModificationTime: action.Int64(time.Now().UnixMilli()),
				DataChange:       true,
				Stats:            written.Stats,
			}})
		}
		for _, f := range readSnap.Files {
			source := f
			build.Actions = append(build.Actions, action.Action{Remove: &action.Remove{
				Path:              source.Path,
				DeletionTimestamp: action.Int64(time.Now().UnixMilli()),
				DataChange:        true,
				Size:              source.Size,
			}})
		}
		return build, nil
	})
	if err != nil {
		return nil, err
	}
	if !result.Skipped {
		report.Version = result.Version
	}

	logger.Info("dedup finished",
		"rows_before", report.RowsBefore,
		"rows_after", report.RowsAfter,
		"removed", report.DuplicatesRemoved,
	)
	return report, nil
}

// deduplicate applies the configured mode and returns survivors in first
// appearance order, plus the per-key duplicate counts.
func deduplicate(rows []tablefile.Row, cfg DedupConfig) ([]tablefile.Row, map[string]int, int) {
	counts := map[string]int{}
	chosen := map[string]int{} // key -> index into rows of current survivor
	var order []string

	for i, row := range rows {
		key := dedupKey(row, cfg.KeyColumns)
		counts[key]++
		prev, seen := chosen[key]
		if !seen {
			chosen[key] = i
			order = append(order, key)
			continue
		}
		switch cfg.Keep {
		case KeepLast:
			chosen[key] = i
		case KeepLatest:
			if orderAfter(row[cfg.OrderByColumn], rows[prev][cfg.OrderByColumn]) {
				chosen[key] = i
			}
		}
	}

	// Survivors in original order of their chosen row.
	indices := make([]int, 0, len(chosen))
	for _, key := range order {
		indices = append(indices, chosen[key])
	}
	sort.Ints(indices)

	kept := make([]tablefile.Row, 0, len(indices))
	for _, i := range indices {
		kept = append(kept, rows[i])
	}

	maxDupes := 0
	for _, c := range counts {
		if c > maxDupes {
			maxDupes = c
		}
	}
	return kept, counts, maxDupes
}

// dedupKey serializes the key tuple, or the full row in exact mode.
// Serialization is column-name sorted so map iteration order cannot
// split a group.
func dedupKey(row tablefile.Row, keyColumns []string) string {
	if len(keyColumns) == 0 {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			data, _ := json.Marshal(row[k])
			fmt.Fprintf(&b, "%s=%s;", k, data)
		}
		return b.String()
	}
	var b strings.Builder
	for _, k := range keyColumns {
		data, _ := json.Marshal(row[k])
		fmt.Fprintf(&b, "%s;", data)
	}
	return b.String()
}

// orderAfter reports whether a sorts after b for KeepLatest.
func orderAfter(a, b any) bool {
	if af, ok := numericValue(a); ok {
		if bf, ok := numericValue(b); ok {
			return af > bf
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as > bs
	}
	return false
}
