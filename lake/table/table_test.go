// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package table

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/driftlake/lake/cdc"
	"github.com/AleutianAI/driftlake/lake/storage"
	"github.com/AleutianAI/driftlake/pkg/errs"
	"github.com/AleutianAI/driftlake/pkg/retry"
)

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 4, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Jitter: false}
}

func openMemTable(t *testing.T, options Options) *Table {
	t.Helper()
	options.Retry = fastRetry()
	tbl, err := Open(context.Background(), "memory://", options)
	require.NoError(t, err)
	t.Cleanup(tbl.Close)
	return tbl
}

func TestCreateAndRead(t *testing.T) {
	ctx := context.Background()
	tbl := openMemTable(t, Options{})

	result, err := tbl.Insert(ctx, []Row{{"id": "1", "name": "Alice", "value": int64(100)}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Version)

	snap, err := tbl.Snapshot(ctx, SnapshotOptions{})
	require.NoError(t, err)
	assert.Len(t, snap.Files, 1)

	rows, err := tbl.Query(ctx, QueryOptions{Filter: map[string]any{"name": "Alice"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Alice", rows[0]["name"])
	assert.Equal(t, int64(100), rows[0]["value"])

	none, err := tbl.Query(ctx, QueryOptions{Filter: map[string]any{"name": "Bob"}})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRoundTripMultiset(t *testing.T) {
	ctx := context.Background()
	tbl := openMemTable(t, Options{})

	batch := []Row{
		{"id": "1", "value": int64(1)},
		{"id": "2", "value": int64(2)},
		{"id": "2", "value": int64(2)}, // duplicates survive a plain write
	}
	_, err := tbl.Insert(ctx, batch)
	require.NoError(t, err)

	rows, err := tbl.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	counts := map[string]int{}
	for _, r := range rows {
		counts[r["id"].(string)]++
	}
	assert.Equal(t, map[string]int{"1": 1, "2": 2}, counts)
}

func TestConflictRetryTwoWriters(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	a, err := OpenWithStore(store, Options{Retry: fastRetry()})
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenWithStore(store, Options{Retry: fastRetry()})
	require.NoError(t, err)
	defer b.Close()

	_, err = a.Insert(ctx, []Row{{"id": "seed", "value": int64(0)}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]int64, 2)
	for i, tbl := range []*Table{a, b} {
		wg.Add(1)
		go func(i int, tbl *Table) {
			defer wg.Done()
			r, err := tbl.Insert(ctx, []Row{{"id": "w", "value": int64(i)}})
			require.NoError(t, err)
			results[i] = r.Version
		}(i, tbl)
	}
	wg.Wait()

	assert.ElementsMatch(t, []int64{1, 2}, results, "both writers land on distinct versions")

	rows, err := a.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestUpdateEmitsCDCPair(t *testing.T) {
	ctx := context.Background()
	tbl := openMemTable(t, Options{})

	require.NoError(t, tbl.EnableCDC(ctx))
	assert.True(t, tbl.CDCEnabled(ctx))

	_, err := tbl.Insert(ctx, []Row{{"id": "1", "value": int64(100)}})
	require.NoError(t, err)

	update, err := tbl.Update(ctx, map[string]any{"id": "1"}, func(row Row) Row {
		row["value"] = int64(200)
		return row
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), update.RowsAffected)
	updateVersion := update.Version

	records, err := tbl.CDCReader().ReadByVersion(ctx, updateVersion, updateVersion)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, cdc.ChangeUpdatePreimage, records[0].Type)
	assert.Equal(t, int64(100), records[0].Data["value"])
	assert.Equal(t, cdc.ChangeUpdatePostimg, records[1].Type)
	assert.Equal(t, int64(200), records[1].Data["value"])
	assert.Equal(t, updateVersion, records[0].Version)
	assert.Equal(t, updateVersion, records[1].Version)
}

func TestTimeTravelByVersion(t *testing.T) {
	ctx := context.Background()
	tbl := openMemTable(t, Options{})

	_, err := tbl.Insert(ctx, []Row{{"id": "1", "value": int64(100)}})
	require.NoError(t, err)
	_, err = tbl.Update(ctx, map[string]any{"id": "1"}, func(row Row) Row {
		row["value"] = int64(200)
		return row
	})
	require.NoError(t, err)

	v0 := int64(0)
	rows, err := tbl.Query(ctx, QueryOptions{Snapshot: SnapshotOptions{AsOfVersion: &v0}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(100), rows[0]["value"])

	v1 := int64(1)
	rows, err = tbl.Query(ctx, QueryOptions{Snapshot: SnapshotOptions{AsOfVersion: &v1}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(200), rows[0]["value"])
}

func TestDeleteRemovesRowsAndEmitsCDC(t *testing.T) {
	ctx := context.Background()
	tbl := openMemTable(t, Options{})
	require.NoError(t, tbl.EnableCDC(ctx))

	_, err := tbl.Insert(ctx, []Row{
		{"id": "1", "value": int64(1)},
		{"id": "2", "value": int64(2)},
	})
	require.NoError(t, err)

	del, err := tbl.Delete(ctx, map[string]any{"id": "1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), del.RowsAffected)

	rows, err := tbl.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2", rows[0]["id"])

	records, err := tbl.CDCReader().ReadByVersion(ctx, del.Version, del.Version)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, cdc.ChangeDelete, records[0].Type)
	assert.Equal(t, int64(1), records[0].Data["value"], "delete carries the full preimage")
}

func TestDeleteWithNoMatchSkipsCommit(t *testing.T) {
	ctx := context.Background()
	tbl := openMemTable(t, Options{})

	_, err := tbl.Insert(ctx, []Row{{"id": "1", "value": int64(1)}})
	require.NoError(t, err)

	before, err := tbl.Version(ctx)
	require.NoError(t, err)

	del, err := tbl.Delete(ctx, map[string]any{"id": "ghost"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), del.RowsAffected)

	after, err := tbl.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "no-op delete must not commit")
}

func TestMergeMixedEffects(t *testing.T) {
	ctx := context.Background()
	tbl := openMemTable(t, Options{})
	require.NoError(t, tbl.EnableCDC(ctx))

	_, err := tbl.Insert(ctx, []Row{
		{"id": "1", "value": int64(10)},
		{"id": "2", "value": int64(20)},
		{"id": "3", "value": int64(30)},
	})
	require.NoError(t, err)

	incoming := []Row{
		{"id": "1", "value": int64(11)}, // update
		{"id": "2", "value": int64(-1)}, // delete signal
		{"id": "4", "value": int64(40)}, // insert
	}

	result, err := tbl.Merge(ctx, incoming, MergeOptions{
		Match: func(existing, in Row) bool { return existing["id"] == in["id"] },
		WhenMatched: func(existing, in Row) Row {
			if in["value"].(int64) < 0 {
				return nil
			}
			existing["value"] = in["value"]
			return existing
		},
		WhenNotMatched: func(in Row) Row { return in },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Inserted)
	assert.Equal(t, int64(1), result.Updated)
	assert.Equal(t, int64(1), result.Deleted)

	rows, err := tbl.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	byID := map[string]int64{}
	for _, r := range rows {
		byID[r["id"].(string)] = r["value"].(int64)
	}
	assert.Equal(t, map[string]int64{"1": 11, "3": 30, "4": 40}, byID)

	records, err := tbl.CDCReader().ReadByVersion(ctx, result.Version, result.Version)
	require.NoError(t, err)

	types := map[cdc.ChangeType]int{}
	for _, r := range records {
		types[r.Type]++
	}
	assert.Equal(t, 1, types[cdc.ChangeInsert])
	assert.Equal(t, 1, types[cdc.ChangeUpdatePreimage])
	assert.Equal(t, 1, types[cdc.ChangeUpdatePostimg])
	assert.Equal(t, 1, types[cdc.ChangeDelete])
}

func TestSubscriptionReceivesCommittedRecords(t *testing.T) {
	ctx := context.Background()
	tbl := openMemTable(t, Options{})
	require.NoError(t, tbl.EnableCDC(ctx))

	var mu sync.Mutex
	var seen []cdc.Record
	delivered := make(chan struct{}, 8)
	tbl.Subscribe(func(ctx context.Context, r cdc.Record) error {
		mu.Lock()
		seen = append(seen, r)
		mu.Unlock()
		delivered <- struct{}{}
		return nil
	}, cdc.SubscribeOptions{})

	result, err := tbl.Insert(ctx, []Row{{"id": "1", "value": int64(5)}})
	require.NoError(t, err)

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription delivery timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, cdc.ChangeInsert, seen[0].Type)
	assert.Equal(t, result.Version, seen[0].Version)
}

func TestSchemaEvolution(t *testing.T) {
	ctx := context.Background()

	strict := openMemTable(t, Options{})
	_, err := strict.Insert(ctx, []Row{{"id": "1"}})
	require.NoError(t, err)
	_, err = strict.Insert(ctx, []Row{{"id": "2", "extra": "x"}})
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))

	evolving := openMemTable(t, Options{AllowSchemaEvolution: true})
	_, err = evolving.Insert(ctx, []Row{{"id": "1"}})
	require.NoError(t, err)
	_, err = evolving.Insert(ctx, []Row{{"id": "2", "extra": "x"}})
	require.NoError(t, err)

	rows, err := evolving.Query(ctx, QueryOptions{Filter: map[string]any{"extra": "x"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2", rows[0]["id"])
}

func TestProjectionThroughQuery(t *testing.T) {
	ctx := context.Background()
	tbl := openMemTable(t, Options{})

	_, err := tbl.Insert(ctx, []Row{{"id": "1", "name": "Alice", "value": int64(100)}})
	require.NoError(t, err)

	rows, err := tbl.Query(ctx, QueryOptions{Projection: []string{"name"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, Row{"name": "Alice"}, rows[0])
}

func TestAutomaticCheckpointEveryInterval(t *testing.T) {
	ctx := context.Background()
	tbl := openMemTable(t, Options{CheckpointInterval: 2})

	for i := 0; i < 5; i++ {
		_, err := tbl.Insert(ctx, []Row{{"id": "x", "value": int64(i)}})
		require.NoError(t, err)
	}

	// Versions 2 and 4 should have checkpoints.
	keys, err := tbl.Store().List(ctx, "_delta_log/")
	require.NoError(t, err)
	var checkpoints int
	for _, k := range keys {
		if len(k) > len("_delta_log/") && k[len(k)-8:] == ".parquet" {
			checkpoints++
		}
	}
	assert.Equal(t, 2, checkpoints)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	tbl := openMemTable(t, Options{})

	_, err := tbl.Insert(ctx, []Row{{"id": "1", "value": int64(1)}})
	require.NoError(t, err)
	_, err = tbl.Update(ctx, map[string]any{"id": "1"}, func(row Row) Row {
		row["value"] = int64(2)
		return row
	})
	require.NoError(t, err)

	entries, err := tbl.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "UPDATE", entries[0].Operation)
	assert.Equal(t, "WRITE", entries[1].Operation)
	assert.True(t, entries[0].Version > entries[1].Version)
}

func TestInsertEmptyBatchRejected(t *testing.T) {
	tbl := openMemTable(t, Options{})
	_, err := tbl.Insert(context.Background(), nil)
	assert.Equal(t, errs.CodeEmptyWrite, errs.CodeOf(err))
}

func TestNullableWideningPersistsInMetadata(t *testing.T) {
	ctx := context.Background()
	tbl := openMemTable(t, Options{})

	_, err := tbl.Insert(ctx, []Row{{"id": "1", "a": "x"}})
	require.NoError(t, err)

	// A nil in a previously non-nullable column widens it; the widened
	// schema must land in the commit's metadata, not just in the file.
	_, err = tbl.Insert(ctx, []Row{{"id": "2", "a": nil}})
	require.NoError(t, err)

	snap, err := tbl.Snapshot(ctx, SnapshotOptions{})
	require.NoError(t, err)
	schema, err := snap.Schema()
	require.NoError(t, err)
	require.NotNil(t, schema.Column("a"))
	assert.True(t, schema.Column("a").Nullable, "widening must be persisted")

	// A full rewrite re-reads the null-bearing file against the
	// persisted schema; without the metadata update this rejects with a
	// non-nullable violation.
	result, err := tbl.Update(ctx, map[string]any{"id": map[string]any{"$exists": true}}, func(row Row) Row {
		return row
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.RowsAffected)

	rows, err := tbl.Query(ctx, QueryOptions{Filter: map[string]any{"id": "2"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0]["a"])
}

func TestNumericWideningPersistsInMetadata(t *testing.T) {
	ctx := context.Background()
	tbl := openMemTable(t, Options{})

	_, err := tbl.Insert(ctx, []Row{{"id": "1", "n": int64(1)}})
	require.NoError(t, err)
	_, err = tbl.Insert(ctx, []Row{{"id": "2", "n": 2.5}})
	require.NoError(t, err)

	snap, err := tbl.Snapshot(ctx, SnapshotOptions{})
	require.NoError(t, err)
	schema, err := snap.Schema()
	require.NoError(t, err)
	assert.Equal(t, "double", string(schema.Column("n").Type))
}

func TestMergeSchemaEvolutionPersistsInMetadata(t *testing.T) {
	ctx := context.Background()
	tbl := openMemTable(t, Options{AllowSchemaEvolution: true})

	_, err := tbl.Insert(ctx, []Row{{"id": "1", "value": int64(1)}})
	require.NoError(t, err)

	_, err = tbl.Merge(ctx, []Row{{"id": "2", "value": int64(2), "tag": "new"}}, MergeOptions{
		Match:          func(existing, in Row) bool { return existing["id"] == in["id"] },
		WhenMatched:    func(existing, in Row) Row { return existing },
		WhenNotMatched: func(in Row) Row { return in },
	})
	require.NoError(t, err)

	// The evolved column is in the persisted schema.
	snap, err := tbl.Snapshot(ctx, SnapshotOptions{})
	require.NoError(t, err)
	schema, err := snap.Schema()
	require.NoError(t, err)
	require.NotNil(t, schema.Column("tag"), "merge-evolved column must be persisted")

	// A later rewrite of the inserted file must keep the new column's
	// values.
	_, err = tbl.Update(ctx, map[string]any{"id": "2"}, func(row Row) Row {
		row["value"] = int64(3)
		return row
	})
	require.NoError(t, err)

	rows, err := tbl.Query(ctx, QueryOptions{Filter: map[string]any{"id": "2"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0]["tag"])
	assert.Equal(t, int64(3), rows[0]["value"])
}

func TestWatchCDCConfigThroughFacade(t *testing.T) {
	ctx := context.Background()

	tbl, err := Open(ctx, t.TempDir(), Options{Retry: fastRetry()})
	require.NoError(t, err)
	defer tbl.Close()

	watcher, err := tbl.WatchCDCConfig(ctx, nil)
	require.NoError(t, err)
	defer watcher.Close()
	assert.False(t, watcher.Enabled())

	require.NoError(t, tbl.EnableCDC(ctx))
	require.Eventually(t, watcher.Enabled, 5*time.Second, 10*time.Millisecond,
		"watcher should observe the flip through the instrumented store")

	// Non-file backends cannot watch.
	mem := openMemTable(t, Options{})
	_, err = mem.WatchCDCConfig(ctx, nil)
	assert.True(t, errs.IsValidation(err))
}
