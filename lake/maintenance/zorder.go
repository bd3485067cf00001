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
	"time"

	"github.com/AleutianAI/driftlake/lake/action"
	"github.com/AleutianAI/driftlake/lake/commit"
	"github.com/AleutianAI/driftlake/lake/snapshot"
	"github.com/AleutianAI/driftlake/lake/tablefile"
	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// Z-order clustering
// -----------------------------------------------------------------------------

// zBitsPerDim is the resolution of each normalized dimension.
const zBitsPerDim = 21

// ZOrderConfig tunes a clustering pass.
type ZOrderConfig struct {
	// Columns are the clustering dimensions, in interleave order.
	// Required, at most 6.
	Columns []string

	// TargetFileSize bounds the rewritten parts. Default: 128 MiB.
	TargetFileSize int64
}

// ZOrderReport summarizes a clustering pass.
type ZOrderReport struct {
	RowsClustered int64   `json:"rowsClustered"`
	FilesCreated  int     `json:"filesCreated"`
	AvgZoneWidth  float64 `json:"avgZoneWidth"`
	MinZoneWidth  float64 `json:"minZoneWidth"`
	MaxZoneWidth  float64 `json:"maxZoneWidth"`
	EstSkipRate   float64 `json:"estimatedSkipRate"`
	Version       int64   `json:"version"`
}

// ZOrder rewrites the live data sorted by interleaved-bit Morton codes
// over the clustering columns, so rows correlated across those columns
// land in the same files and zone maps prune harder.
func ZOrder(ctx context.Context, engine *snapshot.Engine, pipeline *commit.Pipeline, cfg ZOrderConfig, logger *slog.Logger) (*ZOrderReport, error) {
	if len(cfg.Columns) == 0 {
		return nil, errs.Validation("maintenance.zorder", "at least one clustering column required")
	}
	if len(cfg.Columns) > 6 {
		return nil, errs.Validation("maintenance.zorder", "at most 6 clustering columns, got %d", len(cfg.Columns))
	}
	if cfg.TargetFileSize <= 0 {
		cfg.TargetFileSize = 128 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, span := tracer.Start(ctx, "zorder")
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
	report := &ZOrderReport{}

	result, err := pipeline.CommitWithRetry(ctx, "ZORDER", map[string]any{
		"columns": cfg.Columns,
	}, func(ctx context.Context, readSnap *snapshot.Snapshot, version int64) (*commit.BuildResult, error) {
		if readSnap == nil || len(readSnap.Files) == 0 {
			return nil, errs.Validation("maintenance.zorder", "table has no live data")
		}

		rows, err := readBinRows(ctx, store, readSnap.Files, schema, false)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, errs.Validation("maintenance.zorder", "table has no rows")
		}

		normalizers := buildNormalizers(rows, cfg.Columns)
		codes := make([]uint64, len(rows))
		for i, row := range rows {
			codes[i] = mortonCode(row, cfg.Columns, normalizers)
		}
		order := make([]int, len(rows))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool { return codes[order[a]] < codes[order[b]] })

		sorted := make([]tablefile.Row, len(rows))
		for i, idx := range order {
			sorted[i] = rows[idx]
		}
		fillZoneStats(sorted, cfg.Columns, normalizers, report)
		report.RowsClustered = int64(len(sorted))

		var totalBytes int64
		for _, f := range readSnap.Files {
			totalBytes += int64(f.Size)
		}

		build := &commit.BuildResult{}
		seq := 0
		report.FilesCreated = 0
		for _, chunk := range splitRows(sorted, totalBytes, cfg.TargetFileSize) {
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
				DataChange:       false,
				Stats:            written.Stats,
			}})
			report.FilesCreated++
		}
		for _, f := range readSnap.Files {
			source := f
			build.Actions = append(build.Actions, action.Action{Remove: &action.Remove{
				Path:              source.Path,
				DeletionTimestamp: action.Int64(time.Now().UnixMilli()),
				DataChange:        false,
				Size:              source.Size,
			}})
		}
		return build, nil
	})
	if err != nil {
		return nil, err
	}
	report.Version = result.Version

	logger.Info("zorder finished",
		"rows", report.RowsClustered,
		"files_created", report.FilesCreated,
		"est_skip_rate", report.EstSkipRate,
	)
	return report, nil
}

// -----------------------------------------------------------------------------
// Normalization
// -----------------------------------------------------------------------------

// normalizer maps a column value into [0, 1].
type normalizer struct {
	numeric  bool
	min, max float64
}

// buildNormalizers observes min/max for numeric and date columns. String
// columns hash instead and need no observation, but get an entry so
// lookup is uniform.
func buildNormalizers(rows []tablefile.Row, columns []string) map[string]*normalizer {
	normalizers := map[string]*normalizer{}
	for _, col := range columns {
		n := &normalizer{min: 0, max: 0}
		first := true
		for _, row := range rows {
			f, ok := numericValue(row[col])
			if !ok {
				continue
			}
			n.numeric = true
			if first || f < n.min {
				n.min = f
			}
			if first || f > n.max {
				n.max = f
			}
			first = false
		}
		normalizers[col] = n
	}
	return normalizers
}

func numericValue(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case time.Time:
		return float64(x.UnixMilli()), true
	default:
		return 0, false
	}
}

// normalizeValue maps one value to [0, 1): observed min/max scaling for
// numbers and dates, DJB2 hashing for strings.
func normalizeValue(v any, n *normalizer) float64 {
	if f, ok := numericValue(v); ok && n.numeric {
		if n.max <= n.min {
			return 0
		}
		return (f - n.min) / (n.max - n.min)
	}
	if s, ok := v.(string); ok {
		return float64(djb2(s)) / float64(1<<32)
	}
	return 0
}

// djb2 is the classic string hash, truncated to 32 bits.
func djb2(s string) uint32 {
	var hash uint32 = 5381
	for i := 0; i < len(s); i++ {
		hash = hash*33 + uint32(s[i])
	}
	return hash
}

// mortonCode scales each normalized dimension to 21 bits and interleaves
// them. Rows with identical clustering values always produce identical
// codes.
func mortonCode(row tablefile.Row, columns []string, normalizers map[string]*normalizer) uint64 {
	dims := make([]uint64, len(columns))
	for i, col := range columns {
		norm := normalizeValue(row[col], normalizers[col])
		scaled := uint64(norm * float64((uint64(1)<<zBitsPerDim)-1))
		if scaled >= uint64(1)<<zBitsPerDim {
			scaled = (uint64(1) << zBitsPerDim) - 1
		}
		dims[i] = scaled
	}

	var code uint64
	d := len(dims)
	for bit := 0; bit < zBitsPerDim; bit++ {
		for i, dim := range dims {
			if dim&(uint64(1)<<bit) != 0 {
				code |= uint64(1) << (bit*d + i)
			}
		}
	}
	return code
}

// fillZoneStats slices the sorted rows into 10 equal zones and measures
// the normalized width of each clustering column per zone. The estimated
// skip rate is bounded in [0.31, 0.9].
func fillZoneStats(rows []tablefile.Row, columns []string, normalizers map[string]*normalizer, report *ZOrderReport) {
	const slices = 10
	if len(rows) == 0 {
		return
	}
	size := len(rows) / slices
	if size == 0 {
		size = 1
	}

	var widths []float64
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		var sliceWidth float64
		for _, col := range columns {
			minN, maxN := 1.0, 0.0
			for _, row := range rows[start:end] {
				norm := normalizeValue(row[col], normalizers[col])
				if norm < minN {
					minN = norm
				}
				if norm > maxN {
					maxN = norm
				}
			}
			if maxN >= minN {
				sliceWidth += maxN - minN
			}
		}
		widths = append(widths, sliceWidth/float64(len(columns)))
	}

	report.MinZoneWidth, report.MaxZoneWidth = widths[0], widths[0]
	var sum float64
	for _, w := range widths {
		sum += w
		if w < report.MinZoneWidth {
			report.MinZoneWidth = w
		}
		if w > report.MaxZoneWidth {
			report.MaxZoneWidth = w
		}
	}
	report.AvgZoneWidth = sum / float64(len(widths))

	skip := 1 - report.AvgZoneWidth
	if skip < 0.31 {
		skip = 0.31
	}
	if skip > 0.9 {
		skip = 0.9
	}
	report.EstSkipRate = skip
}
