// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cdc

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/driftlake/lake/action"
	"github.com/AleutianAI/driftlake/lake/storage"
	"github.com/AleutianAI/driftlake/lake/tablefile"
	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// Reader
// -----------------------------------------------------------------------------

// Reader serves change records by version or time range. Version gaps
// (commits made while CDC was disabled) yield no records; missing or
// corrupt change files degrade to empty for the affected version.
type Reader struct {
	store  storage.ObjectStore
	logger *slog.Logger
}

// NewReader creates a reader over a table root store.
func NewReader(store storage.ObjectStore, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{store: store, logger: logger}
}

// tableExists reports whether the table has any commit at all.
func (r *Reader) tableExists(ctx context.Context) (bool, error) {
	keys, err := r.store.List(ctx, action.LogPrefix)
	if err != nil {
		return false, errs.CDC(errs.CodeStorageError, "cdc.read", "list log: %v", err)
	}
	for _, key := range keys {
		if _, ok := action.ParseCommitVersion(key); ok {
			return true, nil
		}
	}
	return false, nil
}

// changeVersions lists the versions that have a change file, ascending.
func (r *Reader) changeVersions(ctx context.Context) ([]int64, error) {
	keys, err := r.store.List(ctx, action.ChangeDataPrefix)
	if err != nil {
		return nil, errs.CDC(errs.CodeStorageError, "cdc.read", "list change data: %v", err)
	}
	var versions []int64
	for _, key := range keys {
		var v int64
		n, err := parseCDCPath(key, &v)
		if err != nil || !n {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// parseCDCPath matches the primary (non-mirrored) change file form.
func parseCDCPath(key string, out *int64) (bool, error) {
	if len(key) != len(action.CDCFilePath(0)) || key[:len(action.ChangeDataPrefix)] != action.ChangeDataPrefix {
		return false, nil
	}
	rest := key[len(action.ChangeDataPrefix):]
	if len(rest) != 4+20+8 || rest[:4] != "cdc-" || rest[24:] != ".parquet" {
		return false, nil
	}
	var v int64
	for _, c := range rest[4:24] {
		if c < '0' || c > '9' {
			return false, nil
		}
		v = v*10 + int64(c-'0')
	}
	*out = v
	return true, nil
}

// readVersion loads one change file, degrading to nil on absence or
// corruption.
func (r *Reader) readVersion(ctx context.Context, version int64) []Record {
	rows, err := tablefile.ReadRows(ctx, r.store, action.CDCFilePath(version), nil)
	if err != nil {
		if !errs.IsNotFound(err) {
			r.logger.Warn("change file unreadable, skipping version",
				"version", version, "error", err.Error())
		}
		return nil
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		record, ok := recordFromRow(row)
		if !ok {
			r.logger.Warn("malformed change row skipped", "version", version)
			continue
		}
		records = append(records, record)
	}
	return records
}

func recordFromRow(row tablefile.Row) (Record, bool) {
	var record Record

	switch t := row[ColChangeType].(type) {
	case string:
		record.Type = ChangeType(t)
	case []byte:
		record.Type = ChangeType(t)
	default:
		return record, false
	}

	switch v := row[ColCommitVersion].(type) {
	case int64:
		record.Version = v
	case int32:
		record.Version = int64(v)
	default:
		return record, false
	}

	switch ts := row[ColCommitTimestamp].(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return record, false
		}
		record.Timestamp = parsed
	case time.Time:
		record.Timestamp = ts
	default:
		return record, false
	}

	data := make(tablefile.Row, len(row)-3)
	for k, v := range row {
		switch k {
		case ColChangeType, ColCommitVersion, ColCommitTimestamp:
		default:
			data[k] = v
		}
	}
	record.Data = data
	return record, true
}

// ReadByVersion returns records with startV <= version <= endV, ordered
// by version then in-file insertion order.
func (r *Reader) ReadByVersion(ctx context.Context, startV, endV int64) ([]Record, error) {
	if startV < 0 || endV < startV {
		return nil, errs.CDC(errs.CodeInvalidVersionRange, "cdc.readByVersion",
			"invalid range [%d, %d]", startV, endV)
	}
	exists, err := r.tableExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errs.CDC(errs.CodeTableNotFound, "cdc.readByVersion", "table has no commit log")
	}

	versions, err := r.changeVersions(ctx)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, v := range versions {
		if v < startV || v > endV {
			continue
		}
		out = append(out, r.readVersion(ctx, v)...)
	}
	return out, nil
}

// ReadByTimestamp returns records whose commit timestamp falls in
// [startT, endT], in version order.
func (r *Reader) ReadByTimestamp(ctx context.Context, startT, endT time.Time) ([]Record, error) {
	if endT.Before(startT) {
		return nil, errs.CDC(errs.CodeInvalidTimeRange, "cdc.readByTimestamp",
			"start %s after end %s", startT.Format(time.RFC3339), endT.Format(time.RFC3339))
	}
	exists, err := r.tableExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errs.CDC(errs.CodeTableNotFound, "cdc.readByTimestamp", "table has no commit log")
	}

	versions, err := r.changeVersions(ctx)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, v := range versions {
		records := r.readVersion(ctx, v)
		if len(records) == 0 {
			continue
		}
		// All records of one file share the commit timestamp.
		ts := records[0].Timestamp
		if ts.Before(startT) || ts.After(endT) {
			continue
		}
		out = append(out, records...)
	}
	return out, nil
}

// LatestChangeVersion returns the highest version with a change file, or
// -1 when none exist.
func (r *Reader) LatestChangeVersion(ctx context.Context) (int64, error) {
	versions, err := r.changeVersions(ctx)
	if err != nil {
		return -1, err
	}
	if len(versions) == 0 {
		return -1, nil
	}
	return versions[len(versions)-1], nil
}
