// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package maintenance implements the table upkeep passes that operate
// over the commit log: compaction, z-order clustering, deduplication,
// vacuum, checkpointing, and log cleanup.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/driftlake/lake/action"
	"github.com/AleutianAI/driftlake/lake/commit"
	"github.com/AleutianAI/driftlake/lake/snapshot"
	"github.com/AleutianAI/driftlake/lake/storage"
	"github.com/AleutianAI/driftlake/lake/tablefile"
	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	compactionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "driftlake_compaction_duration_seconds",
		Help:    "Wall-clock time of compaction passes",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120},
	}, []string{"strategy"})

	compactionFilesRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftlake_compaction_files_removed_total",
		Help: "Small files folded into larger ones",
	})
)

var tracer = otel.Tracer("driftlake.maintenance")

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Strategy orders candidate files for packing.
type Strategy string

const (
	// StrategyGreedy packs files in natural (path) order.
	StrategyGreedy Strategy = "greedy"

	// StrategyBinPack packs first-fit-decreasing into target-size bins.
	StrategyBinPack Strategy = "bin-pack"

	// StrategySortBySize packs files ascending by size.
	StrategySortBySize Strategy = "sort-by-size"
)

// CompactionConfig tunes one compaction pass.
type CompactionConfig struct {
	// TargetFileSize is the merge target in bytes. Default: 128 MiB.
	TargetFileSize int64

	// MinFiles is the minimum number of small files per partition before
	// the partition is compacted. Default: 2.
	MinFiles int

	// Strategy selects the packing order. Default: greedy.
	Strategy Strategy

	// PartitionColumns group files by their partition values; files in
	// different groups never merge. Empty means one logical partition.
	PartitionColumns []string

	// VerifyIntegrity refuses source files whose magic bytes look
	// corrupt instead of propagating garbage.
	VerifyIntegrity bool

	// DryRun plans the pass and reports without reading or writing data.
	DryRun bool
}

func (c CompactionConfig) withDefaults() CompactionConfig {
	if c.TargetFileSize <= 0 {
		c.TargetFileSize = 128 << 20
	}
	if c.MinFiles <= 0 {
		c.MinFiles = 2
	}
	if c.Strategy == "" {
		c.Strategy = StrategyGreedy
	}
	return c
}

// CompactionReport summarizes what a pass did.
type CompactionReport struct {
	FilesBefore       int     `json:"filesBefore"`
	FilesAfter        int     `json:"filesAfter"`
	FilesCompacted    int     `json:"filesCompacted"`
	FilesCreated      int     `json:"filesCreated"`
	BytesBefore       int64   `json:"bytesBefore"`
	BytesAfter        int64   `json:"bytesAfter"`
	PartitionsTouched int     `json:"partitionsTouched"`
	PackingEfficiency float64 `json:"packingEfficiency"`
	ThroughputBps     float64 `json:"throughputBps"`
	ElapsedMs         int64   `json:"elapsedMs"`
	Conflicted        bool    `json:"conflicted"`
	DryRun            bool    `json:"dryRun"`
	Version           int64   `json:"version,omitempty"`
}

// -----------------------------------------------------------------------------
// Compaction
// -----------------------------------------------------------------------------

// Compact folds small live files into files near the target size and
// commits the swap. Data is preserved exactly; the commit carries
// dataChange=false so CDC consumers ignore it.
func Compact(ctx context.Context, engine *snapshot.Engine, pipeline *commit.Pipeline, cfg CompactionConfig, logger *slog.Logger) (*CompactionReport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, span := tracer.Start(ctx, "compact")
	defer span.End()
	start := time.Now()

	snap, err := engine.Refresh(ctx)
	if err != nil {
		return nil, err
	}

	report := &CompactionReport{
		FilesBefore: len(snap.Files),
		BytesBefore: snap.TotalBytes(),
		DryRun:      cfg.DryRun,
	}

	groups := groupByPartition(snap.Files, cfg.PartitionColumns)
	var bins [][]action.Add
	for _, group := range groups {
		planned := planPartition(group, cfg)
		if planned == nil {
			continue
		}
		report.PartitionsTouched++
		bins = append(bins, planned...)
	}
	if len(bins) == 0 {
		report.FilesAfter = report.FilesBefore
		report.BytesAfter = report.BytesBefore
		report.ElapsedMs = time.Since(start).Milliseconds()
		return report, nil
	}

	for _, bin := range bins {
		report.FilesCompacted += len(bin)
	}
	report.PackingEfficiency = packingEfficiency(bins, cfg.TargetFileSize)

	if cfg.DryRun {
		report.FilesAfter = report.FilesBefore - report.FilesCompacted + len(bins)
		report.BytesAfter = report.BytesBefore
		report.ElapsedMs = time.Since(start).Milliseconds()
		return report, nil
	}

	schema, err := snap.Schema()
	if err != nil {
		return nil, err
	}

	store := engine.Store()
	result, err := pipeline.CommitWithRetry(ctx, "COMPACT", map[string]any{
		"strategy":       string(cfg.Strategy),
		"targetFileSize": cfg.TargetFileSize,
	}, func(ctx context.Context, readSnap *snapshot.Snapshot, version int64) (*commit.BuildResult, error) {
		return buildCompactionCommit(ctx, store, readSnap, schema, bins, cfg, version, report)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		report.Conflicted = errs.IsConcurrency(err)
		return report, err
	}

	final, err := engine.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	report.Version = result.Version
	report.FilesAfter = len(final.Files)
	report.BytesAfter = final.TotalBytes()
	report.ElapsedMs = time.Since(start).Milliseconds()
	if report.ElapsedMs > 0 {
		report.ThroughputBps = float64(report.BytesBefore) / (float64(report.ElapsedMs) / 1000)
	}
	compactionDuration.WithLabelValues(string(cfg.Strategy)).Observe(time.Since(start).Seconds())
	compactionFilesRemoved.Add(float64(report.FilesCompacted))

	logger.Info("compaction finished",
		"files_before", report.FilesBefore,
		"files_after", report.FilesAfter,
		"version", report.Version,
	)
	return report, nil
}

// buildCompactionCommit reads the binned files, rewrites each bin as new
// parts, and produces the Remove+Add action set.
func buildCompactionCommit(
	ctx context.Context,
	store storage.ObjectStore,
	readSnap *snapshot.Snapshot,
	schema *tablefile.Schema,
	bins [][]action.Add,
	cfg CompactionConfig,
	version int64,
	report *CompactionReport,
) (*commit.BuildResult, error) {
	if readSnap == nil {
		return nil, errs.Validation("maintenance.compact", "table is empty")
	}
	// A conflicting writer may have removed a planned file; verify every
	// bin member is still live.
	live := map[string]bool{}
	for _, f := range readSnap.Files {
		live[f.Path] = true
	}
	for _, bin := range bins {
		for _, f := range bin {
			if !live[f.Path] {
				return nil, errs.Validation("maintenance.compact", "planned file %s no longer live", f.Path)
			}
		}
	}

	result := &commit.BuildResult{}
	seq := 0
	report.FilesCreated = 0 // a retried attempt rebuilds from scratch
	for _, bin := range bins {
		rows, err := readBinRows(ctx, store, bin, schema, cfg.VerifyIntegrity)
		if err != nil {
			return nil, err
		}
		var binBytes int64
		for _, f := range bin {
			binBytes += int64(f.Size)
		}

		for _, chunk := range splitRows(rows, binBytes, cfg.TargetFileSize) {
			path := action.DataFilePath(version, seq)
			seq++
			written, err := tablefile.WriteRows(ctx, store, path, chunk, schema, true)
			if err != nil {
				return nil, err
			}
			result.StagedPaths = append(result.StagedPaths, path)
			result.Actions = append(result.Actions, action.Action{Add: &action.Add{
				Path:             path,
				Size:             action.Int64(written.Size),
				ModificationTime: action.Int64(time.Now().UnixMilli()),
				DataChange:       false,
				PartitionValues:  bin[0].PartitionValues,
				Stats:            written.Stats,
			}})
			report.FilesCreated++
		}
		for _, f := range bin {
			source := f
			result.Actions = append(result.Actions, action.Action{Remove: &action.Remove{
				Path:              source.Path,
				DeletionTimestamp: action.Int64(time.Now().UnixMilli()),
				DataChange:        false,
				PartitionValues:   source.PartitionValues,
				Size:              source.Size,
			}})
		}
	}
	return result, nil
}

// readBinRows loads every file of a bin concurrently, preserving file
// order in the result.
func readBinRows(ctx context.Context, store storage.ObjectStore, bin []action.Add, schema *tablefile.Schema, verify bool) ([]tablefile.Row, error) {
	perFile := make([][]tablefile.Row, len(bin))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range bin {
		g.Go(func() error {
			data, err := store.Read(ctx, bin[i].Path)
			if err != nil {
				return err
			}
			if verify && !tablefile.HasParquetMagic(data) {
				return errs.Integrity("maintenance.compact", bin[i].Path, "refusing corrupt source file")
			}
			rows, err := tablefile.DecodeRows(data, bin[i].Path, schema)
			if err != nil {
				return err
			}
			perFile[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var rows []tablefile.Row
	for _, fileRows := range perFile {
		rows = append(rows, fileRows...)
	}
	return rows, nil
}

// splitRows chunks rows so each output file stays near the target size,
// using bytes-per-row estimated from the source bin.
func splitRows(rows []tablefile.Row, sourceBytes, targetSize int64) [][]tablefile.Row {
	if len(rows) == 0 {
		return nil
	}
	bytesPerRow := sourceBytes / int64(len(rows))
	if bytesPerRow <= 0 {
		bytesPerRow = 1
	}
	rowsPerFile := int(targetSize / bytesPerRow)
	if rowsPerFile <= 0 {
		rowsPerFile = 1
	}
	var chunks [][]tablefile.Row
	for start := 0; start < len(rows); start += rowsPerFile {
		end := start + rowsPerFile
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}

// -----------------------------------------------------------------------------
// Planning
// -----------------------------------------------------------------------------

// groupByPartition buckets live files by their values of the partition
// columns. An empty column list yields a single group.
func groupByPartition(files []action.Add, columns []string) map[string][]action.Add {
	groups := map[string][]action.Add{}
	for _, f := range files {
		var key string
		if len(columns) > 0 {
			parts := make([]string, len(columns))
			for i, col := range columns {
				parts[i] = fmt.Sprintf("%s=%s", col, f.PartitionValues[col])
			}
			key = strings.Join(parts, "/")
		}
		groups[key] = append(groups[key], f)
	}
	return groups
}

// planPartition selects and orders the small files of one partition into
// bins, or nil when the partition does not qualify.
func planPartition(files []action.Add, cfg CompactionConfig) [][]action.Add {
	var small []action.Add
	for _, f := range files {
		if int64(f.Size) < cfg.TargetFileSize {
			small = append(small, f)
		}
	}
	if len(small) < cfg.MinFiles {
		return nil
	}

	switch cfg.Strategy {
	case StrategySortBySize:
		sort.Slice(small, func(i, j int) bool { return small[i].Size < small[j].Size })
		return packSequential(small, cfg.TargetFileSize)
	case StrategyBinPack:
		return packFirstFitDecreasing(small, cfg.TargetFileSize)
	default: // greedy: natural path order
		sort.Slice(small, func(i, j int) bool { return small[i].Path < small[j].Path })
		return packSequential(small, cfg.TargetFileSize)
	}
}

// packSequential fills bins in order, starting a new bin when the target
// would overflow.
func packSequential(files []action.Add, target int64) [][]action.Add {
	var bins [][]action.Add
	var current []action.Add
	var currentSize int64
	for _, f := range files {
		if len(current) > 0 && currentSize+int64(f.Size) > target {
			bins = append(bins, current)
			current = nil
			currentSize = 0
		}
		current = append(current, f)
		currentSize += int64(f.Size)
	}
	if len(current) > 0 {
		bins = append(bins, current)
	}
	return bins
}

// packFirstFitDecreasing sorts descending by size and drops each file in
// the first bin with room.
func packFirstFitDecreasing(files []action.Add, target int64) [][]action.Add {
	sorted := append([]action.Add(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Size > sorted[j].Size })

	var bins [][]action.Add
	var binSizes []int64
	for _, f := range sorted {
		placed := false
		for i := range bins {
			if binSizes[i]+int64(f.Size) <= target {
				bins[i] = append(bins[i], f)
				binSizes[i] += int64(f.Size)
				placed = true
				break
			}
		}
		if !placed {
			bins = append(bins, []action.Add{f})
			binSizes = append(binSizes, int64(f.Size))
		}
	}
	return bins
}

// packingEfficiency is mean bin fill relative to the target.
func packingEfficiency(bins [][]action.Add, target int64) float64 {
	if len(bins) == 0 || target <= 0 {
		return 0
	}
	var total float64
	for _, bin := range bins {
		var size int64
		for _, f := range bin {
			size += int64(f.Size)
		}
		fill := float64(size) / float64(target)
		if fill > 1 {
			fill = 1
		}
		total += fill
	}
	return total / float64(len(bins))
}
