// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package table is the engine facade: a Table wires the storage backend,
// snapshot engine, commit pipeline, CDC subsystem, and maintenance
// passes behind row-level operations.
package table

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/driftlake/lake/action"
	"github.com/AleutianAI/driftlake/lake/cdc"
	"github.com/AleutianAI/driftlake/lake/commit"
	"github.com/AleutianAI/driftlake/lake/maintenance"
	"github.com/AleutianAI/driftlake/lake/query"
	"github.com/AleutianAI/driftlake/lake/snapshot"
	"github.com/AleutianAI/driftlake/lake/storage"
	"github.com/AleutianAI/driftlake/lake/tablefile"
	"github.com/AleutianAI/driftlake/pkg/errs"
	"github.com/AleutianAI/driftlake/pkg/retry"
)

// Row is one table row.
type Row = tablefile.Row

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

var validate = validator.New()

// Options configures a Table.
type Options struct {
	// AllowSchemaEvolution permits additive column evolution on insert.
	AllowSchemaEvolution bool

	// Statistics attaches per-column zone maps to written files.
	// Default: true (disabled only explicitly via NoStatistics).
	NoStatistics bool

	// CheckpointInterval is the commit count between automatic
	// checkpoints. Default: 10.
	CheckpointInterval int64 `validate:"gte=0"`

	// Retry is the commit retry policy. Zero value uses the defaults.
	Retry retry.Config

	// Logger for engine events. Default: slog.Default().
	Logger *slog.Logger
}

// -----------------------------------------------------------------------------
// Table
// -----------------------------------------------------------------------------

// Table is one Delta-compatible table over an object store.
type Table struct {
	store    storage.ObjectStore
	engine   *snapshot.Engine
	pipeline *commit.Pipeline
	bus      *cdc.Bus
	options  Options
	logger   *slog.Logger
}

// Open binds a table at a storage URL (see storage.Open for forms).
func Open(ctx context.Context, url string, options Options) (*Table, error) {
	store, err := storage.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	return OpenWithStore(store, options)
}

// OpenWithStore binds a table over an existing store.
func OpenWithStore(store storage.ObjectStore, options Options) (*Table, error) {
	if err := validate.Struct(options); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "table.open", err, "bad options")
	}
	if options.CheckpointInterval == 0 {
		options.CheckpointInterval = maintenance.DefaultCheckpointInterval
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	engine := snapshot.NewEngine(store, options.Logger)
	pipeline := commit.New(store, engine, options.Logger)
	pipeline.Retry = options.Retry
	return &Table{
		store:    store,
		engine:   engine,
		pipeline: pipeline,
		bus:      cdc.NewBus(options.Logger),
		options:  options,
		logger:   options.Logger,
	}, nil
}

// Store exposes the underlying object store.
func (t *Table) Store() storage.ObjectStore { return t.store }

// Engine exposes the snapshot engine.
func (t *Table) Engine() *snapshot.Engine { return t.engine }

// Close releases the subscription bus.
func (t *Table) Close() {
	t.bus.Close()
}

// -----------------------------------------------------------------------------
// Snapshots
// -----------------------------------------------------------------------------

// SnapshotOptions selects a point-in-time view.
type SnapshotOptions struct {
	// AsOfVersion pins an exact version. Nil means latest.
	AsOfVersion *int64

	// AsOfTimestamp pins the largest commit at or before the time.
	// Ignored when AsOfVersion is set.
	AsOfTimestamp *time.Time
}

// Snapshot returns the table state, optionally time-traveled.
func (t *Table) Snapshot(ctx context.Context, opts SnapshotOptions) (*snapshot.Snapshot, error) {
	switch {
	case opts.AsOfVersion != nil:
		return t.engine.LoadVersion(ctx, *opts.AsOfVersion)
	case opts.AsOfTimestamp != nil:
		return t.engine.LoadTimestamp(ctx, *opts.AsOfTimestamp)
	default:
		return t.engine.Latest(ctx)
	}
}

// Version returns the latest committed version, or -1 for an empty
// table.
func (t *Table) Version(ctx context.Context) (int64, error) {
	return t.engine.LatestVersion(ctx)
}

// -----------------------------------------------------------------------------
// Insert
// -----------------------------------------------------------------------------

// Insert appends a batch as one commit and returns the commit result.
func (t *Table) Insert(ctx context.Context, rows []Row) (*commit.Result, error) {
	if len(rows) == 0 {
		return nil, errs.CDC(errs.CodeEmptyWrite, "table.insert", "empty row batch")
	}
	batchSchema, err := tablefile.Infer(rows)
	if err != nil {
		return nil, err
	}
	cdcOn := cdc.Enabled(ctx, t.store)

	result, err := t.pipeline.CommitWithRetry(ctx, "WRITE", map[string]any{"mode": "append"},
		func(ctx context.Context, snap *snapshot.Snapshot, version int64) (*commit.BuildResult, error) {
			schema := batchSchema
			schemaChanged := snap == nil
			if snap != nil {
				existing, err := snap.Schema()
				if err != nil {
					return nil, err
				}
				if existing != nil {
					merged, err := existing.Compatible(batchSchema, t.options.AllowSchemaEvolution)
					if err != nil {
						return nil, err
					}
					// Any difference must be persisted, including in-place
					// nullable or numeric widening: files are written under
					// the merged schema, and a rewrite that reads them back
					// against a stale metadata schema would reject them.
					schemaChanged = !merged.Equal(existing)
					schema = merged
				}
			}

			build := &commit.BuildResult{}
			if snap == nil {
				build.Actions = append(build.Actions,
					action.Action{Protocol: &action.Protocol{MinReaderVersion: 1, MinWriterVersion: 2}},
				)
			}
			if schemaChanged {
				build.Actions = append(build.Actions, action.Action{Metadata: t.metadataAction(snap, schema, cdcOn)})
			}

			path := action.DataFilePath(version, 0)
			written, err := tablefile.WriteRows(ctx, t.store, path, rows, schema, !t.options.NoStatistics)
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

			if cdcOn {
				staged, err := cdc.Emit(ctx, t.store, version, time.Now().UTC(), cdc.InsertRecords(rows))
				if err != nil {
					return nil, err
				}
				build.Actions = append(build.Actions, staged.Actions...)
				build.StagedPaths = append(build.StagedPaths, staged.Paths...)
			}
			return build, nil
		})
	if err != nil {
		return nil, err
	}

	t.afterCommit(ctx, result, cdcOn, cdc.InsertRecords(rows))
	return result, nil
}

// metadataAction builds the Metadata action for a (possibly evolved)
// schema, preserving existing configuration and the CDC bit.
func (t *Table) metadataAction(snap *snapshot.Snapshot, schema *tablefile.Schema, cdcOn bool) *action.Metadata {
	meta := &action.Metadata{Schema: schema.JSON()}
	if snap != nil && snap.Metadata != nil {
		meta.PartitionColumns = snap.Metadata.PartitionColumns
		if len(snap.Metadata.Configuration) > 0 {
			meta.Configuration = make(map[string]string, len(snap.Metadata.Configuration))
			for k, v := range snap.Metadata.Configuration {
				meta.Configuration[k] = v
			}
		}
	}
	if cdcOn {
		if meta.Configuration == nil {
			meta.Configuration = map[string]string{}
		}
		meta.Configuration[action.ConfigKeyChangeDataFeed] = "true"
	} else {
		delete(meta.Configuration, action.ConfigKeyChangeDataFeed)
	}
	return meta
}

// afterCommit handles checkpointing and CDC fan-out for a successful
// data commit.
func (t *Table) afterCommit(ctx context.Context, result *commit.Result, cdcOn bool, records []cdc.Record) {
	if result.Skipped {
		return
	}
	if cdcOn && len(records) > 0 {
		for i := range records {
			records[i].Version = result.Version
			records[i].Timestamp = result.Timestamp
		}
		t.bus.Publish(records)
	}
	if maintenance.ShouldCheckpoint(result.Version, t.options.CheckpointInterval) {
		if _, err := maintenance.Checkpoint(ctx, t.engine, t.logger); err != nil {
			t.logger.Warn("automatic checkpoint failed", "version", result.Version, "error", err.Error())
		}
	}
}

// -----------------------------------------------------------------------------
// Update / Delete
// -----------------------------------------------------------------------------

// MutationResult reports a row-level mutation commit.
type MutationResult struct {
	// Version is the committed version, or the current version when no
	// row matched.
	Version int64

	// RowsAffected counts mutated (or deleted) rows.
	RowsAffected int64
}

// Update applies mutate to every row matching filter and commits the
// rewrite. Files without matches are untouched.
func (t *Table) Update(ctx context.Context, filter query.Filter, mutate func(Row) Row) (*MutationResult, error) {
	return t.rewrite(ctx, "UPDATE", filter, func(row Row) (Row, bool) {
		return mutate(copyRow(row)), true
	})
}

// Delete removes every row matching filter.
func (t *Table) Delete(ctx context.Context, filter query.Filter) (*MutationResult, error) {
	return t.rewrite(ctx, "DELETE", filter, func(row Row) (Row, bool) {
		return nil, true
	})
}

// rewrite implements row-level UPDATE and DELETE: every file with a
// match becomes Remove plus an Add covering its surviving rows.
func (t *Table) rewrite(ctx context.Context, operation string, filter query.Filter, apply func(Row) (Row, bool)) (*MutationResult, error) {
	cdcOn := cdc.Enabled(ctx, t.store)
	mutation := &MutationResult{}
	var published []cdc.Record

	result, err := t.pipeline.CommitWithRetry(ctx, operation, map[string]any{"predicate": filter},
		func(ctx context.Context, snap *snapshot.Snapshot, version int64) (*commit.BuildResult, error) {
			if snap == nil {
				return nil, errs.NotFound("table."+operation, action.LogPrefix)
			}
			schema, err := snap.Schema()
			if err != nil {
				return nil, err
			}

			build := &commit.BuildResult{}
			var records []cdc.Record
			mutation.RowsAffected = 0
			seq := 0

			for _, file := range snap.Files {
				source := file
				rows, err := tablefile.ReadRows(ctx, t.store, source.Path, schema)
				if err != nil {
					return nil, err
				}

				var surviving []Row
				touched := false
				for _, row := range rows {
					matched, err := query.Matches(row, filter)
					if err != nil {
						return nil, err
					}
					if !matched {
						surviving = append(surviving, row)
						continue
					}
					touched = true
					mutation.RowsAffected++
					replacement, _ := apply(row)
					if replacement == nil {
						records = append(records, cdc.DeleteRecords([]Row{row})...)
						continue
					}
					records = append(records, cdc.UpdateRecords([]Row{row}, []Row{replacement})...)
					surviving = append(surviving, replacement)
				}
				if !touched {
					continue
				}

				build.Actions = append(build.Actions, action.Action{Remove: &action.Remove{
					Path:              source.Path,
					DeletionTimestamp: action.Int64(time.Now().UnixMilli()),
					DataChange:        true,
					PartitionValues:   source.PartitionValues,
					Size:              source.Size,
				}})
				if len(surviving) > 0 {
					path := action.DataFilePath(version, seq)
					seq++
					written, err := tablefile.WriteRows(ctx, t.store, path, surviving, schema, !t.options.NoStatistics)
					if err != nil {
						return nil, err
					}
					build.StagedPaths = append(build.StagedPaths, path)
					build.Actions = append(build.Actions, action.Action{Add: &action.Add{
						Path:             path,
						Size:             action.Int64(written.Size),
						ModificationTime: action.Int64(time.Now().UnixMilli()),
						DataChange:       true,
						PartitionValues:  source.PartitionValues,
						Stats:            written.Stats,
					}})
				}
			}

			if mutation.RowsAffected == 0 {
				return &commit.BuildResult{Skip: true}, nil
			}
			if cdcOn && len(records) > 0 {
				staged, err := cdc.Emit(ctx, t.store, version, time.Now().UTC(), records)
				if err != nil {
					return nil, err
				}
				build.Actions = append(build.Actions, staged.Actions...)
				build.StagedPaths = append(build.StagedPaths, staged.Paths...)
			}
			published = records
			return build, nil
		})
	if err != nil {
		return nil, err
	}
	mutation.Version = result.Version
	t.afterCommit(ctx, result, cdcOn, published)
	return mutation, nil
}

func copyRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// -----------------------------------------------------------------------------
// Merge
// -----------------------------------------------------------------------------

// MergeOptions drives a MERGE commit.
type MergeOptions struct {
	// Match pairs an existing row with an incoming row.
	Match func(existing, incoming Row) bool

	// WhenMatched produces the replacement row, or nil to delete the
	// existing row. Nil function keeps the existing row unchanged.
	WhenMatched func(existing, incoming Row) Row

	// WhenNotMatched produces the row to insert for an unmatched
	// incoming row, or nil to skip it. Nil function skips all.
	WhenNotMatched func(incoming Row) Row
}

// MergeResult reports a merge commit.
type MergeResult struct {
	Version  int64
	Inserted int64
	Updated  int64
	Deleted  int64
}

// Merge applies incoming rows against the live data, producing mixed
// insert, update, and delete effects in one commit.
func (t *Table) Merge(ctx context.Context, incoming []Row, opts MergeOptions) (*MergeResult, error) {
	if opts.Match == nil {
		return nil, errs.Validation("table.merge", "a match predicate is required")
	}
	if len(incoming) == 0 {
		return nil, errs.CDC(errs.CodeEmptyWrite, "table.merge", "empty incoming batch")
	}
	cdcOn := cdc.Enabled(ctx, t.store)
	merge := &MergeResult{}
	var published []cdc.Record

	result, err := t.pipeline.CommitWithRetry(ctx, "MERGE", nil,
		func(ctx context.Context, snap *snapshot.Snapshot, version int64) (*commit.BuildResult, error) {
			if snap == nil {
				return nil, errs.NotFound("table.merge", action.LogPrefix)
			}
			schema, err := snap.Schema()
			if err != nil {
				return nil, err
			}

			build := &commit.BuildResult{}
			var records []cdc.Record
			merge.Inserted, merge.Updated, merge.Deleted = 0, 0, 0
			matchedIncoming := make([]bool, len(incoming))
			seq := 0

			for _, file := range snap.Files {
				source := file
				rows, err := tablefile.ReadRows(ctx, t.store, source.Path, schema)
				if err != nil {
					return nil, err
				}

				var surviving []Row
				touched := false
				for _, row := range rows {
					var matchIdx = -1
					for i, in := range incoming {
						if opts.Match(row, in) {
							matchIdx = i
							break
						}
					}
					if matchIdx == -1 {
						surviving = append(surviving, row)
						continue
					}
					matchedIncoming[matchIdx] = true
					if opts.WhenMatched == nil {
						surviving = append(surviving, row)
						continue
					}
					touched = true
					replacement := opts.WhenMatched(copyRow(row), incoming[matchIdx])
					if replacement == nil {
						merge.Deleted++
						records = append(records, cdc.DeleteRecords([]Row{row})...)
						continue
					}
					merge.Updated++
					records = append(records, cdc.UpdateRecords([]Row{row}, []Row{replacement})...)
					surviving = append(surviving, replacement)
				}
				if !touched {
					continue
				}

				build.Actions = append(build.Actions, action.Action{Remove: &action.Remove{
					Path:              source.Path,
					DeletionTimestamp: action.Int64(time.Now().UnixMilli()),
					DataChange:        true,
					PartitionValues:   source.PartitionValues,
					Size:              source.Size,
				}})
				if len(surviving) > 0 {
					path := action.DataFilePath(version, seq)
					seq++
					written, err := tablefile.WriteRows(ctx, t.store, path, surviving, schema, !t.options.NoStatistics)
					if err != nil {
						return nil, err
					}
					build.StagedPaths = append(build.StagedPaths, path)
					build.Actions = append(build.Actions, action.Action{Add: &action.Add{
						Path:             path,
						Size:             action.Int64(written.Size),
						ModificationTime: action.Int64(time.Now().UnixMilli()),
						DataChange:       true,
						PartitionValues:  source.PartitionValues,
						Stats:            written.Stats,
					}})
				}
			}

			// Unmatched incoming rows become inserts.
			var inserts []Row
			if opts.WhenNotMatched != nil {
				for i, in := range incoming {
					if matchedIncoming[i] {
						continue
					}
					if row := opts.WhenNotMatched(copyRow(in)); row != nil {
						inserts = append(inserts, row)
					}
				}
			}
			if len(inserts) > 0 {
				insertSchema, err := tablefile.Infer(inserts)
				if err != nil {
					return nil, err
				}
				merged := schema
				if merged != nil {
					merged, err = merged.Compatible(insertSchema, t.options.AllowSchemaEvolution)
					if err != nil {
						return nil, err
					}
				} else {
					merged = insertSchema
				}
				// An evolved schema must be persisted with this commit,
				// exactly as Insert does, or the next rewrite of the
				// inserted file would silently drop the new columns.
				if schema == nil || !merged.Equal(schema) {
					build.Actions = append([]action.Action{
						{Metadata: t.metadataAction(snap, merged, cdcOn)},
					}, build.Actions...)
				}
				path := action.DataFilePath(version, seq)
				seq++
				written, err := tablefile.WriteRows(ctx, t.store, path, inserts, merged, !t.options.NoStatistics)
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
				merge.Inserted = int64(len(inserts))
				records = append(records, cdc.InsertRecords(inserts)...)
			}

			if len(build.Actions) == 0 {
				return &commit.BuildResult{Skip: true}, nil
			}
			if cdcOn && len(records) > 0 {
				staged, err := cdc.Emit(ctx, t.store, version, time.Now().UTC(), records)
				if err != nil {
					return nil, err
				}
				build.Actions = append(build.Actions, staged.Actions...)
				build.StagedPaths = append(build.StagedPaths, staged.Paths...)
			}
			published = records
			return build, nil
		})
	if err != nil {
		return nil, err
	}
	merge.Version = result.Version
	t.afterCommit(ctx, result, cdcOn, published)
	return merge, nil
}

// -----------------------------------------------------------------------------
// Query
// -----------------------------------------------------------------------------

// QueryOptions selects, filters, and projects rows.
type QueryOptions struct {
	// Filter is the MongoDB-style predicate. Nil matches everything.
	Filter query.Filter

	// Projection is the array or object projection form. Nil projects
	// everything.
	Projection any

	// Snapshot pins a point-in-time view.
	Snapshot SnapshotOptions
}

// Query evaluates zone-map pruning, streams the surviving files, and
// applies the residual filter and projection.
func (t *Table) Query(ctx context.Context, opts QueryOptions) ([]Row, error) {
	projection, err := query.ParseProjection(opts.Projection)
	if err != nil {
		return nil, err
	}
	snap, err := t.Snapshot(ctx, opts.Snapshot)
	if err != nil {
		return nil, err
	}
	schema, err := snap.Schema()
	if err != nil {
		return nil, err
	}

	scan, _ := query.PruneFiles(snap.Files, opts.Filter)
	var out []Row
	for _, file := range scan {
		rows, err := tablefile.ReadRows(ctx, t.store, file.Path, schema)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			matched, err := query.Matches(row, opts.Filter)
			if err != nil {
				return nil, err
			}
			if matched {
				out = append(out, projection.Apply(row))
			}
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// CDC surface
// -----------------------------------------------------------------------------

// EnableCDC turns the change feed on: persists _cdc_config.json and, on
// a non-empty table, commits the metadata flip.
func (t *Table) EnableCDC(ctx context.Context) error {
	return t.setCDC(ctx, true)
}

// DisableCDC turns the change feed off.
func (t *Table) DisableCDC(ctx context.Context) error {
	return t.setCDC(ctx, false)
}

func (t *Table) setCDC(ctx context.Context, enabled bool) error {
	if err := cdc.SetEnabled(ctx, t.store, enabled); err != nil {
		return err
	}
	current, err := t.engine.LatestVersion(ctx)
	if err != nil || current < 0 {
		// An uninitialized table carries the flag into its first commit.
		return err
	}
	_, err = t.pipeline.CommitWithRetry(ctx, "SET_TBLPROPERTIES", map[string]any{
		action.ConfigKeyChangeDataFeed: enabled,
	}, func(ctx context.Context, snap *snapshot.Snapshot, version int64) (*commit.BuildResult, error) {
		schema, err := snap.Schema()
		if err != nil {
			return nil, err
		}
		if schema == nil {
			schema = &tablefile.Schema{}
		}
		return &commit.BuildResult{Actions: []action.Action{
			{Metadata: t.metadataAction(snap, schema, enabled)},
		}}, nil
	})
	return err
}

// CDCEnabled reports the current config-file bit.
func (t *Table) CDCEnabled(ctx context.Context) bool {
	return cdc.Enabled(ctx, t.store)
}

// WatchCDCConfig starts a filesystem watcher on _cdc_config.json so a
// long-lived process observes out-of-band enable/disable flips. Only
// file-backed tables support watching; other backends read the config on
// each commit and fail this call with a validation error.
func (t *Table) WatchCDCConfig(ctx context.Context, onChange func(bool)) (*cdc.ConfigWatcher, error) {
	fileStore, ok := storage.AsFileStore(t.store)
	if !ok {
		return nil, errs.Validation("table.watchCDCConfig", "config watching requires a file-backed table")
	}
	return cdc.WatchConfig(ctx, fileStore, t.logger, onChange)
}

// CDCReader returns a reader over this table's change feed.
func (t *Table) CDCReader() *cdc.Reader {
	return cdc.NewReader(t.store, t.logger)
}

// Subscribe registers a handler for records committed through this
// instance. Returns the subscription id for Unsubscribe.
func (t *Table) Subscribe(handler cdc.Handler, opts cdc.SubscribeOptions) string {
	return t.bus.Subscribe(handler, opts)
}

// Unsubscribe removes a subscription.
func (t *Table) Unsubscribe(id string) {
	t.bus.Unsubscribe(id)
}

// -----------------------------------------------------------------------------
// Maintenance surface
// -----------------------------------------------------------------------------

// Compact runs a compaction pass.
func (t *Table) Compact(ctx context.Context, cfg maintenance.CompactionConfig) (*maintenance.CompactionReport, error) {
	return maintenance.Compact(ctx, t.engine, t.pipeline, cfg, t.logger)
}

// ZOrder runs a z-order clustering pass.
func (t *Table) ZOrder(ctx context.Context, cfg maintenance.ZOrderConfig) (*maintenance.ZOrderReport, error) {
	return maintenance.ZOrder(ctx, t.engine, t.pipeline, cfg, t.logger)
}

// Dedup runs a deduplication pass.
func (t *Table) Dedup(ctx context.Context, cfg maintenance.DedupConfig) (*maintenance.DedupReport, error) {
	return maintenance.Dedup(ctx, t.engine, t.pipeline, cfg, t.logger)
}

// Vacuum removes expired tombstoned files.
func (t *Table) Vacuum(ctx context.Context, cfg maintenance.VacuumConfig) (*maintenance.VacuumReport, error) {
	return maintenance.Vacuum(ctx, t.engine, cfg, t.logger)
}

// Checkpoint materializes the latest snapshot.
func (t *Table) Checkpoint(ctx context.Context) (int64, error) {
	return maintenance.Checkpoint(ctx, t.engine, t.logger)
}

// -----------------------------------------------------------------------------
// History
// -----------------------------------------------------------------------------

// HistoryEntry is one commit's provenance.
type HistoryEntry struct {
	Version   int64          `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"operationParameters,omitempty"`
}

// History returns commit provenance, newest first, up to limit entries
// (0 means all).
func (t *Table) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	current, err := t.engine.LatestVersion(ctx)
	if err != nil {
		return nil, err
	}
	if current < 0 {
		return nil, errs.NotFound("table.history", action.LogPrefix)
	}

	var entries []HistoryEntry
	for v := current; v >= 0; v-- {
		if limit > 0 && len(entries) >= limit {
			break
		}
		body, err := t.store.Read(ctx, action.CommitPath(v))
		if err != nil {
			if errs.IsNotFound(err) {
				break // log cleanup trimmed older commits
			}
			return nil, err
		}
		actions, err := action.DecodeCommit(body)
		if err != nil {
			return nil, err
		}
		entry := HistoryEntry{Version: v}
		for i := range actions {
			if ci := actions[i].CommitInfo; ci != nil {
				entry.Timestamp = time.UnixMilli(int64(ci.Timestamp)).UTC()
				entry.Operation = ci.Operation
				entry.Params = ci.OperationParameters
				break
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
