// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package maintenance

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/driftlake/lake/action"
	"github.com/AleutianAI/driftlake/lake/commit"
	"github.com/AleutianAI/driftlake/lake/snapshot"
	"github.com/AleutianAI/driftlake/lake/storage"
	"github.com/AleutianAI/driftlake/lake/tablefile"
	"github.com/AleutianAI/driftlake/pkg/errs"
)

// testTable wires a store, snapshot engine, and pipeline over memory.
type testTable struct {
	store    *storage.MemoryStore
	engine   *snapshot.Engine
	pipeline *commit.Pipeline
	schema   *tablefile.Schema
}

func newTestTable(t *testing.T, schemaRows []tablefile.Row) *testTable {
	t.Helper()
	store := storage.NewMemoryStore()
	engine := snapshot.NewEngine(store, nil)
	schema, err := tablefile.Infer(schemaRows)
	require.NoError(t, err)
	return &testTable{
		store:    store,
		engine:   engine,
		pipeline: commit.New(store, engine, nil),
		schema:   schema,
	}
}

// insert commits one batch as a new version with one data file.
func (tt *testTable) insert(t *testing.T, rows []tablefile.Row) int64 {
	t.Helper()
	ctx := context.Background()
	result, err := tt.pipeline.Commit(ctx, "WRITE", nil, func(ctx context.Context, snap *snapshot.Snapshot, version int64) (*commit.BuildResult, error) {
		path := action.DataFilePath(version, 0)
		written, err := tablefile.WriteRows(ctx, tt.store, path, rows, tt.schema, true)
		if err != nil {
			return nil, err
		}
		actions := []action.Action{{Add: &action.Add{
			Path:       path,
			Size:       action.Int64(written.Size),
			DataChange: true,
			Stats:      written.Stats,
		}}}
		if snap == nil {
			actions = append([]action.Action{
				{Protocol: &action.Protocol{MinReaderVersion: 1, MinWriterVersion: 2}},
				{Metadata: &action.Metadata{Schema: tt.schema.JSON()}},
			}, actions...)
		}
		return &commit.BuildResult{Actions: actions, StagedPaths: []string{path}}, nil
	})
	require.NoError(t, err)
	return result.Version
}

// allRows reads every live row.
func (tt *testTable) allRows(t *testing.T) []tablefile.Row {
	t.Helper()
	ctx := context.Background()
	snap, err := tt.engine.Refresh(ctx)
	require.NoError(t, err)
	var rows []tablefile.Row
	for _, f := range snap.Files {
		fileRows, err := tablefile.ReadRows(ctx, tt.store, f.Path, tt.schema)
		require.NoError(t, err)
		rows = append(rows, fileRows...)
	}
	return rows
}

func sampleRow(i int) tablefile.Row {
	return tablefile.Row{"id": fmt.Sprintf("id-%04d", i), "value": int64(i)}
}

func seedManySmallFiles(t *testing.T, tt *testTable, files, rowsPerFile int) {
	t.Helper()
	for f := 0; f < files; f++ {
		var rows []tablefile.Row
		for r := 0; r < rowsPerFile; r++ {
			rows = append(rows, sampleRow(f*rowsPerFile+r))
		}
		tt.insert(t, rows)
	}
}

func TestCompactionMergesSmallFiles(t *testing.T) {
	ctx := context.Background()
	tt := newTestTable(t, []tablefile.Row{sampleRow(0)})
	seedManySmallFiles(t, tt, 8, 16)

	before := tt.allRows(t)
	require.Len(t, before, 128)

	report, err := Compact(ctx, tt.engine, tt.pipeline, CompactionConfig{
		TargetFileSize: 1 << 20,
		Strategy:       StrategyBinPack,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 8, report.FilesBefore)
	assert.Equal(t, 8, report.FilesCompacted)
	assert.LessOrEqual(t, report.FilesCreated, 3)
	assert.Less(t, report.FilesAfter, report.FilesBefore)
	assert.Greater(t, report.PackingEfficiency, 0.0)

	// Data preservation: same row multiset after compaction.
	after := tt.allRows(t)
	require.Len(t, after, 128)
	seen := map[string]int64{}
	for _, r := range after {
		seen[r["id"].(string)] = r["value"].(int64)
	}
	for _, r := range before {
		assert.Equal(t, r["value"].(int64), seen[r["id"].(string)])
	}
}

func TestCompactionStrategies(t *testing.T) {
	for _, strategy := range []Strategy{StrategyGreedy, StrategySortBySize, StrategyBinPack} {
		t.Run(string(strategy), func(t *testing.T) {
			tt := newTestTable(t, []tablefile.Row{sampleRow(0)})
			seedManySmallFiles(t, tt, 4, 8)

			report, err := Compact(context.Background(), tt.engine, tt.pipeline, CompactionConfig{
				TargetFileSize: 1 << 20,
				Strategy:       strategy,
			}, nil)
			require.NoError(t, err)
			assert.Equal(t, 4, report.FilesCompacted)
			assert.Len(t, tt.allRows(t), 32)
		})
	}
}

func TestCompactionDryRunDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	tt := newTestTable(t, []tablefile.Row{sampleRow(0)})
	seedManySmallFiles(t, tt, 4, 8)

	vBefore, err := tt.engine.LatestVersion(ctx)
	require.NoError(t, err)

	report, err := Compact(ctx, tt.engine, tt.pipeline, CompactionConfig{
		TargetFileSize: 1 << 20,
		DryRun:         true,
	}, nil)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 4, report.FilesCompacted)

	vAfter, err := tt.engine.LatestVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, vBefore, vAfter, "dry run must not commit")
}

func TestCompactionSkipsWhenBelowMinFiles(t *testing.T) {
	tt := newTestTable(t, []tablefile.Row{sampleRow(0)})
	seedManySmallFiles(t, tt, 1, 8)

	report, err := Compact(context.Background(), tt.engine, tt.pipeline, CompactionConfig{
		TargetFileSize: 1 << 20,
		MinFiles:       2,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.FilesCompacted)
	assert.Equal(t, report.FilesBefore, report.FilesAfter)
}

func TestCompactionVerifyIntegrityRefusesCorruptSource(t *testing.T) {
	ctx := context.Background()
	tt := newTestTable(t, []tablefile.Row{sampleRow(0)})
	seedManySmallFiles(t, tt, 2, 4)

	// Corrupt one live file in place.
	snap, err := tt.engine.Refresh(ctx)
	require.NoError(t, err)
	require.NoError(t, tt.store.Write(ctx, snap.Files[0].Path, []byte("definitely not parquet")))

	_, err = Compact(ctx, tt.engine, tt.pipeline, CompactionConfig{
		TargetFileSize:  1 << 20,
		VerifyIntegrity: true,
	}, nil)
	require.Error(t, err)
	assert.True(t, errs.IsIntegrity(err))
}

func TestMortonCodeProperties(t *testing.T) {
	normalizers := map[string]*normalizer{
		"x": {numeric: true, min: 0, max: 100},
		"y": {numeric: true, min: 0, max: 100},
	}
	columns := []string{"x", "y"}

	rowA := tablefile.Row{"x": int64(50), "y": int64(50)}
	rowB := tablefile.Row{"x": int64(50), "y": int64(50)}
	assert.Equal(t,
		mortonCode(rowA, columns, normalizers),
		mortonCode(rowB, columns, normalizers),
		"identical clustering values yield identical codes")

	low := tablefile.Row{"x": int64(0), "y": int64(0)}
	high := tablefile.Row{"x": int64(100), "y": int64(100)}
	assert.Less(t,
		mortonCode(low, columns, normalizers),
		mortonCode(high, columns, normalizers))

	// A high-bit difference in one column dominates low bits of another.
	highX := tablefile.Row{"x": int64(100), "y": int64(0)}
	lowX := tablefile.Row{"x": int64(0), "y": int64(3)}
	assert.Greater(t,
		mortonCode(highX, columns, normalizers),
		mortonCode(lowX, columns, normalizers))
}

func TestDJB2Deterministic(t *testing.T) {
	assert.Equal(t, djb2("hello"), djb2("hello"))
	assert.NotEqual(t, djb2("hello"), djb2("world"))
}

func TestZOrderClustersRows(t *testing.T) {
	ctx := context.Background()
	tt := newTestTable(t, []tablefile.Row{{"id": "x", "value": int64(0), "region": "eu"}})

	// Interleave two value ranges across files so clustering must
	// reorder them.
	regions := []string{"eu", "us"}
	for f := 0; f < 4; f++ {
		var rows []tablefile.Row
		for r := 0; r < 16; r++ {
			i := f*16 + r
			rows = append(rows, tablefile.Row{
				"id":     fmt.Sprintf("id-%04d", i),
				"value":  int64((i * 37) % 100),
				"region": regions[i%2],
			})
		}
		tt.insert(t, rows)
	}

	report, err := ZOrder(ctx, tt.engine, tt.pipeline, ZOrderConfig{
		Columns:        []string{"value", "region"},
		TargetFileSize: 1 << 20,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(64), report.RowsClustered)
	assert.GreaterOrEqual(t, report.EstSkipRate, 0.31)
	assert.LessOrEqual(t, report.EstSkipRate, 0.9)
	assert.GreaterOrEqual(t, report.MaxZoneWidth, report.MinZoneWidth)

	// Data preserved.
	rows := tt.allRows(t)
	assert.Len(t, rows, 64)
}

func TestZOrderValidation(t *testing.T) {
	tt := newTestTable(t, []tablefile.Row{sampleRow(0)})
	_, err := ZOrder(context.Background(), tt.engine, tt.pipeline, ZOrderConfig{}, nil)
	assert.True(t, errs.IsValidation(err))
}

func TestDedupExactDuplicates(t *testing.T) {
	ctx := context.Background()
	tt := newTestTable(t, []tablefile.Row{sampleRow(0)})
	tt.insert(t, []tablefile.Row{sampleRow(1), sampleRow(2), sampleRow(1)})
	tt.insert(t, []tablefile.Row{sampleRow(2), sampleRow(3)})

	report, err := Dedup(ctx, tt.engine, tt.pipeline, DedupConfig{TargetFileSize: 1 << 20}, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(5), report.RowsBefore)
	assert.Equal(t, int64(3), report.RowsAfter)
	assert.Equal(t, int64(2), report.DuplicatesRemoved)
	assert.InDelta(t, 0.4, report.DeduplicationRatio, 0.001)
	assert.Len(t, tt.allRows(t), 3)
}

func TestDedupPrimaryKeyStrategies(t *testing.T) {
	rows := []tablefile.Row{
		{"id": "a", "value": int64(1), "rev": int64(3)},
		{"id": "a", "value": int64(2), "rev": int64(1)},
		{"id": "a", "value": int64(3), "rev": int64(2)},
	}

	tests := []struct {
		name      string
		cfg       DedupConfig
		wantValue int64
	}{
		{"first", DedupConfig{KeyColumns: []string{"id"}, Keep: KeepFirst}, 1},
		{"last", DedupConfig{KeyColumns: []string{"id"}, Keep: KeepLast}, 3},
		{"latest by rev", DedupConfig{KeyColumns: []string{"id"}, Keep: KeepLatest, OrderByColumn: "rev"}, 1},
	}
	for _, tt2 := range tests {
		t.Run(tt2.name, func(t *testing.T) {
			tt := newTestTable(t, []tablefile.Row{rows[0]})
			tt.insert(t, rows)
			tt2.cfg.TargetFileSize = 1 << 20
			tt2.cfg.CollectDistribution = true

			report, err := Dedup(context.Background(), tt.engine, tt.pipeline, tt2.cfg, nil)
			require.NoError(t, err)
			assert.Equal(t, int64(1), report.RowsAfter)
			assert.Equal(t, 3, report.MaxDuplicatesPerKey)

			out := tt.allRows(t)
			require.Len(t, out, 1)
			assert.Equal(t, tt2.wantValue, out[0]["value"])
		})
	}
}

func TestDedupLatestRequiresOrderBy(t *testing.T) {
	tt := newTestTable(t, []tablefile.Row{sampleRow(0)})
	_, err := Dedup(context.Background(), tt.engine, tt.pipeline, DedupConfig{
		KeyColumns: []string{"id"}, Keep: KeepLatest,
	}, nil)
	assert.True(t, errs.IsValidation(err))
}

func TestVacuumDryRunListsTombstonedFiles(t *testing.T) {
	ctx := context.Background()
	tt := newTestTable(t, []tablefile.Row{sampleRow(0)})
	seedManySmallFiles(t, tt, 8, 8)

	_, err := Compact(ctx, tt.engine, tt.pipeline, CompactionConfig{TargetFileSize: 1 << 20}, nil)
	require.NoError(t, err)

	report, err := Vacuum(ctx, tt.engine, VacuumConfig{RetentionHours: 168, DryRun: true}, nil)
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	require.Len(t, report.FilesToDelete, 8, "the eight compacted sources are candidates")
	assert.Equal(t, 0, report.FilesDeleted)

	// Store contents unchanged: sources still present.
	for _, path := range report.FilesToDelete {
		_, err := tt.store.Read(ctx, path)
		require.NoError(t, err)
	}
}

func TestVacuumHonorsRetentionForRealDeletes(t *testing.T) {
	ctx := context.Background()
	tt := newTestTable(t, []tablefile.Row{sampleRow(0)})
	seedManySmallFiles(t, tt, 4, 8)

	_, err := Compact(ctx, tt.engine, tt.pipeline, CompactionConfig{TargetFileSize: 1 << 20}, nil)
	require.NoError(t, err)

	// Everything is younger than any legal retention window, so a real
	// vacuum deletes nothing.
	report, err := Vacuum(ctx, tt.engine, VacuumConfig{RetentionHours: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.FilesDeleted)

	// Live files remain readable.
	assert.Len(t, tt.allRows(t), 32)
}

func TestVacuumRetentionFloor(t *testing.T) {
	tt := newTestTable(t, []tablefile.Row{sampleRow(0)})
	tt.insert(t, []tablefile.Row{sampleRow(0)})

	_, err := Vacuum(context.Background(), tt.engine, VacuumConfig{RetentionHours: 0.5}, nil)
	assert.True(t, errs.IsValidation(err))
}

func TestShouldCheckpoint(t *testing.T) {
	assert.False(t, ShouldCheckpoint(0, 10))
	assert.False(t, ShouldCheckpoint(5, 10))
	assert.True(t, ShouldCheckpoint(10, 10))
	assert.True(t, ShouldCheckpoint(20, 10))
	assert.True(t, ShouldCheckpoint(10, 0), "zero interval falls back to default")
}

func TestCheckpointAndCleanup(t *testing.T) {
	ctx := context.Background()
	tt := newTestTable(t, []tablefile.Row{sampleRow(0)})

	for i := 0; i < 6; i++ {
		tt.insert(t, []tablefile.Row{sampleRow(i)})
		v, err := tt.engine.LatestVersion(ctx)
		require.NoError(t, err)
		if ShouldCheckpoint(v, 2) {
			_, err := Checkpoint(ctx, tt.engine, nil)
			require.NoError(t, err)
		}
	}

	versions, err := listCheckpoints(ctx, tt.engine)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 4}, versions)

	deleted, err := CleanupCheckpoints(ctx, tt.engine, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, deleted)

	// Log cleanup: only commits before the oldest retained checkpoint
	// (now 4) are eligible, and the most recent 2 always survive.
	removed, err := CleanupLogs(ctx, tt.engine, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2, 3}, removed)

	// The table still loads through the checkpoint.
	snap, err := tt.engine.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.Version)
	assert.Len(t, tt.allRows(t), 6)
}
