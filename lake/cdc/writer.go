// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cdc

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/driftlake/lake/action"
	"github.com/AleutianAI/driftlake/lake/storage"
	"github.com/AleutianAI/driftlake/lake/tablefile"
	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	recordsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftlake_cdc_records_emitted_total",
		Help: "Change records written, by change type",
	}, []string{"change_type"})

	changeFilesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftlake_cdc_files_written_total",
		Help: "Change-data files written (primary object, excluding date mirror)",
	})
)

// -----------------------------------------------------------------------------
// Emission
// -----------------------------------------------------------------------------

// orphanAge is how old an unclaimed change file must be before a writer
// may assume its creator crashed and reclaim the path.
const orphanAge = 5 * time.Minute

// Staged describes the change-data files written ahead of a commit
// attempt. Both paths carry the same content; the date mirror lives
// under _change_data/date=YYYY-MM-DD/ derived from the commit timestamp
// in UTC.
type Staged struct {
	// Actions are the cdc actions to append to the commit.
	Actions []action.Action

	// Paths are the physical objects to delete when the commit fails.
	Paths []string
}

// Emit writes the change-data file for a commit version, before the
// commit file itself is created. The caller appends the returned actions
// to its commit and deletes the returned paths when the commit fails.
func Emit(ctx context.Context, store storage.ObjectStore, version int64, ts time.Time, records []Record) (*Staged, error) {
	if len(records) == 0 {
		return nil, errs.CDC(errs.CodeEmptyWrite, "cdc.emit", "no change records for version %d", version)
	}
	stamp(records, version, ts)

	rows := make([]tablefile.Row, 0, len(records))
	for i := range records {
		row := make(tablefile.Row, len(records[i].Data)+3)
		for k, v := range records[i].Data {
			row[k] = v
		}
		row[ColChangeType] = string(records[i].Type)
		row[ColCommitVersion] = records[i].Version
		row[ColCommitTimestamp] = records[i].Timestamp.UTC()
		rows = append(rows, row)
		recordsEmittedTotal.WithLabelValues(string(records[i].Type)).Inc()
	}

	schema, err := tablefile.Infer(rows)
	if err != nil {
		return nil, errs.Wrap(errs.KindCDC, "cdc.emit", err, "infer change schema")
	}
	encoded, err := tablefile.EncodeRows(rows, schema, false)
	if err != nil {
		return nil, errs.Wrap(errs.KindCDC, "cdc.emit", err, "encode change file")
	}

	// The change file for a version has a fixed name, so it is claimed
	// with a conditional create: of two writers racing for the same
	// version, only one may own its change data. Losing the claim means
	// losing the commit race, so it surfaces as concurrency.
	primary := action.CDCFilePath(version)
	if _, err := store.ConditionalCreate(ctx, primary, encoded.Data, ""); err != nil {
		if !errs.IsVersionMismatch(err) {
			return nil, err
		}
		// An existing file whose commit never landed is either an active
		// racer (fresh) or an orphan from a crashed writer (stale). Only
		// stale orphans are reclaimed; an active racer surfaces as
		// concurrency so the retry loop moves past the contested version.
		commitInfo, serr := store.Stat(ctx, action.CommitPath(version))
		if serr != nil || commitInfo != nil {
			return nil, err
		}
		fileInfo, serr := store.Stat(ctx, primary)
		if serr != nil || fileInfo == nil || time.Since(fileInfo.LastModified) < orphanAge {
			return nil, errs.Concurrency("cdc.emit", version, version)
		}
		_ = store.Delete(ctx, primary)
		if _, err = store.ConditionalCreate(ctx, primary, encoded.Data, ""); err != nil {
			return nil, err
		}
	}
	staged := &Staged{Paths: []string{primary}}

	mirror := action.CDCDatePath(version, ts.UTC().Format("2006-01-02"))
	if err := store.Write(ctx, mirror, encoded.Data); err == nil {
		staged.Paths = append(staged.Paths, mirror)
	}

	staged.Actions = append(staged.Actions, action.Action{CDC: &action.CDCFile{
		Path: primary,
		Size: action.Int64(len(encoded.Data)),
	}})
	changeFilesWritten.Inc()
	return staged, nil
}

// Discard best-effort deletes staged change files after a failed commit.
func Discard(ctx context.Context, store storage.ObjectStore, staged *Staged) {
	if staged == nil {
		return
	}
	for _, path := range staged.Paths {
		_ = store.Delete(ctx, path)
	}
}
