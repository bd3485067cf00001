// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/AleutianAI/driftlake/lake/action"
	"github.com/AleutianAI/driftlake/lake/storage"
	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// Checkpoint format
// -----------------------------------------------------------------------------

// checkpointRow is one action of a materialized snapshot, stored as its
// single-key JSON form in a parquet column.
type checkpointRow struct {
	Action string `parquet:"action"`
}

// LastCheckpoint is the _last_checkpoint pointer.
type LastCheckpoint struct {
	// Version is the checkpointed commit version.
	Version int64 `json:"version"`

	// Size is the number of actions in the checkpoint.
	Size int64 `json:"size"`

	// SizeInBytes is the checkpoint object length.
	SizeInBytes int64 `json:"sizeInBytes,omitempty"`

	// Parts is set when a checkpoint is split across objects; this
	// engine always writes single-part checkpoints.
	Parts *int `json:"parts,omitempty"`
}

// ReadLastCheckpoint returns the pointer, or (nil, nil) when absent or
// unreadable. Corruption degrades to nil so log replay still works.
func ReadLastCheckpoint(ctx context.Context, store storage.ObjectStore) (*LastCheckpoint, error) {
	data, err := store.Read(ctx, action.LastCheckpointPath)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta LastCheckpoint
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, nil
	}
	return &meta, nil
}

// WriteCheckpoint materializes snap as a checkpoint parquet object and
// updates _last_checkpoint. Returns the number of actions written.
func WriteCheckpoint(ctx context.Context, store storage.ObjectStore, snap *Snapshot) (int64, error) {
	var actions []action.Action
	if snap.Protocol != nil {
		actions = append(actions, action.Action{Protocol: snap.Protocol})
	}
	if snap.Metadata != nil {
		actions = append(actions, action.Action{Metadata: snap.Metadata})
	}
	for i := range snap.Files {
		actions = append(actions, action.Action{Add: &snap.Files[i]})
	}
	for appID := range snap.Txns {
		txn := snap.Txns[appID]
		actions = append(actions, action.Action{Txn: &txn})
	}
	if len(actions) == 0 {
		return 0, errs.Validation("snapshot.checkpoint", "nothing to checkpoint at version %d", snap.Version)
	}

	rows := make([]checkpointRow, 0, len(actions))
	for i := range actions {
		line, err := json.Marshal(actions[i])
		if err != nil {
			return 0, errs.Wrap(errs.KindStorage, "snapshot.checkpoint", err, "encode action")
		}
		rows = append(rows, checkpointRow{Action: string(line)})
	}

	var buf bytes.Buffer
	writer := parquet.NewGenericWriter[checkpointRow](&buf)
	if _, err := writer.Write(rows); err != nil {
		return 0, errs.Wrap(errs.KindStorage, "snapshot.checkpoint", err, "write checkpoint rows")
	}
	if err := writer.Close(); err != nil {
		return 0, errs.Wrap(errs.KindStorage, "snapshot.checkpoint", err, "close checkpoint writer")
	}

	path := action.CheckpointPath(snap.Version)
	if err := store.Write(ctx, path, buf.Bytes()); err != nil {
		return 0, err
	}

	meta := LastCheckpoint{
		Version:     snap.Version,
		Size:        int64(len(rows)),
		SizeInBytes: int64(buf.Len()),
	}
	pointer, err := json.Marshal(meta)
	if err != nil {
		return 0, errs.Wrap(errs.KindStorage, "snapshot.checkpoint", err, "encode pointer")
	}
	if err := store.Write(ctx, action.LastCheckpointPath, pointer); err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// seedFromCheckpoint ingests a checkpoint into the fold state.
func (e *Engine) seedFromCheckpoint(ctx context.Context, version int64, state *foldState) error {
	data, err := e.store.Read(ctx, action.CheckpointPath(version))
	if err != nil {
		return err
	}
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return errs.Wrap(errs.KindStorage, "snapshot.seedCheckpoint", err, "open checkpoint %d", version)
	}
	for _, rowGroup := range file.RowGroups() {
		reader := parquet.NewGenericRowGroupReader[checkpointRow](rowGroup)
		batch := make([]checkpointRow, 256)
		for {
			n, readErr := reader.Read(batch)
			for i := 0; i < n; i++ {
				var a action.Action
				if err := json.Unmarshal([]byte(batch[i].Action), &a); err != nil {
					_ = reader.Close()
					return errs.Wrap(errs.KindStorage, "snapshot.seedCheckpoint", err, "malformed checkpoint action")
				}
				state.apply([]action.Action{a})
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				_ = reader.Close()
				return errs.Wrap(errs.KindStorage, "snapshot.seedCheckpoint", readErr, "read checkpoint %d", version)
			}
		}
		if err := reader.Close(); err != nil {
			return errs.Wrap(errs.KindStorage, "snapshot.seedCheckpoint", err, "close checkpoint reader")
		}
	}
	return nil
}
