// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cdc implements the change-data-feed: per-commit change files
// written atomically with the commit, readers by version and time range,
// in-process subscription fan-out, and durable consumer offsets.
package cdc

import (
	"time"

	"github.com/AleutianAI/driftlake/lake/tablefile"
)

// -----------------------------------------------------------------------------
// Records
// -----------------------------------------------------------------------------

// ChangeType classifies one change record.
type ChangeType string

const (
	ChangeInsert         ChangeType = "insert"
	ChangeUpdatePreimage ChangeType = "update_preimage"
	ChangeUpdatePostimg  ChangeType = "update_postimage"
	ChangeDelete         ChangeType = "delete"
)

// Reserved column names in change-data files.
const (
	ColChangeType      = "_change_type"
	ColCommitVersion   = "_commit_version"
	ColCommitTimestamp = "_commit_timestamp"
)

// Record is one row-level change. Within a commit, records keep batch
// insertion order and an update's preimage immediately precedes its
// postimage.
type Record struct {
	// Type is the change kind.
	Type ChangeType

	// Version is the commit version the change belongs to.
	Version int64

	// Timestamp is the commit timestamp.
	Timestamp time.Time

	// Data is the full row: the new row for inserts and postimages, the
	// prior row for deletes and preimages.
	Data tablefile.Row
}

// InsertRecords builds one insert record per new row, in batch order.
func InsertRecords(rows []tablefile.Row) []Record {
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, Record{Type: ChangeInsert, Data: row})
	}
	return records
}

// DeleteRecords builds one delete record per removed row, each carrying
// the full preimage.
func DeleteRecords(rows []tablefile.Row) []Record {
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, Record{Type: ChangeDelete, Data: row})
	}
	return records
}

// UpdateRecords interleaves preimage/postimage pairs per mutated row.
// Both slices must be index-aligned.
func UpdateRecords(before, after []tablefile.Row) []Record {
	n := len(before)
	if len(after) < n {
		n = len(after)
	}
	records := make([]Record, 0, 2*n)
	for i := 0; i < n; i++ {
		records = append(records,
			Record{Type: ChangeUpdatePreimage, Data: before[i]},
			Record{Type: ChangeUpdatePostimg, Data: after[i]},
		)
	}
	return records
}

// stamp fills version and timestamp on a batch about to be written.
func stamp(records []Record, version int64, ts time.Time) {
	for i := range records {
		records[i].Version = version
		records[i].Timestamp = ts
	}
}
