// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package snapshot reconstructs table state at a version by folding the
// commit log, seeded from the newest usable checkpoint.
package snapshot

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/driftlake/lake/action"
	"github.com/AleutianAI/driftlake/lake/storage"
	"github.com/AleutianAI/driftlake/lake/tablefile"
	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// Snapshot
// -----------------------------------------------------------------------------

// Snapshot is the derived table state at one version. Snapshots are
// immutable; mutation happens by producing a new snapshot.
type Snapshot struct {
	// Version is the commit version this state corresponds to.
	Version int64

	// Timestamp is the commit time of Version.
	Timestamp time.Time

	// Protocol is the latest protocol action at or before Version.
	Protocol *action.Protocol

	// Metadata is the latest metadata action at or before Version.
	Metadata *action.Metadata

	// Files is the live file set, sorted by path.
	Files []action.Add

	// Txns maps appId to its latest transaction anchor.
	Txns map[string]action.Txn
}

// Schema decodes the metadata schema, or nil when the table has none yet.
func (s *Snapshot) Schema() (*tablefile.Schema, error) {
	if s.Metadata == nil {
		return nil, nil
	}
	return tablefile.ParseSchema(s.Metadata.Schema)
}

// ChangeDataFeedEnabled reports the CDC bit carried in the metadata.
func (s *Snapshot) ChangeDataFeedEnabled() bool {
	return s.Metadata.ChangeDataFeedEnabled()
}

// TxnVersion returns the recorded version for an appId, or -1.
func (s *Snapshot) TxnVersion(appID string) int64 {
	if txn, ok := s.Txns[appID]; ok {
		return txn.Version
	}
	return -1
}

// TotalBytes sums the live file sizes.
func (s *Snapshot) TotalBytes() int64 {
	var total int64
	for _, f := range s.Files {
		total += int64(f.Size)
	}
	return total
}

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

// Engine loads snapshots from a table's store and caches the latest one.
// Any successful commit must call Invalidate.
type Engine struct {
	store  storage.ObjectStore
	logger *slog.Logger

	mu     sync.Mutex
	cached *Snapshot
	group  singleflight.Group
}

// NewEngine creates an engine over a table root store.
func NewEngine(store storage.ObjectStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

// Store exposes the underlying object store.
func (e *Engine) Store() storage.ObjectStore { return e.store }

// Invalidate drops the cached snapshot.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.cached = nil
	e.mu.Unlock()
}

// listLog returns the sorted commit versions and checkpoint versions
// present in the log directory.
func (e *Engine) listLog(ctx context.Context) (commits, checkpoints []int64, err error) {
	keys, err := e.store.List(ctx, action.LogPrefix)
	if err != nil {
		return nil, nil, err
	}
	for _, key := range keys {
		if v, ok := action.ParseCommitVersion(key); ok {
			commits = append(commits, v)
			continue
		}
		if v, ok := action.ParseCheckpointVersion(key); ok {
			checkpoints = append(checkpoints, v)
		}
	}
	sort.Slice(commits, func(i, j int) bool { return commits[i] < commits[j] })
	sort.Slice(checkpoints, func(i, j int) bool { return checkpoints[i] < checkpoints[j] })
	return commits, checkpoints, nil
}

// LatestVersion returns the highest committed version, or -1 for an
// uninitialized table.
func (e *Engine) LatestVersion(ctx context.Context) (int64, error) {
	commits, _, err := e.listLog(ctx)
	if err != nil {
		return -1, err
	}
	if len(commits) == 0 {
		return -1, nil
	}
	return commits[len(commits)-1], nil
}

// Latest returns the snapshot at the highest version, from cache when the
// cache is current.
func (e *Engine) Latest(ctx context.Context) (*Snapshot, error) {
	e.mu.Lock()
	cached := e.cached
	e.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	result, err, _ := e.group.Do("latest", func() (any, error) {
		snap, err := e.load(ctx, -1)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.cached = snap
		e.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Snapshot), nil
}

// Refresh re-derives the latest snapshot from storage.
func (e *Engine) Refresh(ctx context.Context) (*Snapshot, error) {
	e.Invalidate()
	return e.Latest(ctx)
}

// LoadVersion returns the snapshot at an exact version.
func (e *Engine) LoadVersion(ctx context.Context, version int64) (*Snapshot, error) {
	if version < 0 {
		return nil, errs.Validation("snapshot.load", "version must be >= 0, got %d", version)
	}
	return e.load(ctx, version)
}

// load reconstructs state at target (-1 = latest).
func (e *Engine) load(ctx context.Context, target int64) (*Snapshot, error) {
	commits, checkpoints, err := e.listLog(ctx)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, errs.NotFound("snapshot.load", action.LogPrefix)
	}
	latest := commits[len(commits)-1]
	if target == -1 {
		target = latest
	}
	if target > latest {
		return nil, errs.Validation("snapshot.load", "version %d beyond latest %d", target, latest)
	}
	present := make(map[int64]bool, len(commits))
	for _, v := range commits {
		present[v] = true
	}
	if !present[target] {
		return nil, errs.NotFound("snapshot.load", action.CommitPath(target))
	}

	state := newFoldState()
	start := int64(0)

	if cp := e.bestCheckpoint(ctx, checkpoints, target); cp >= 0 {
		if err := e.seedFromCheckpoint(ctx, cp, state); err != nil {
			// A corrupt checkpoint degrades to a full log replay.
			e.logger.Warn("checkpoint unreadable, replaying full log",
				"version", cp, "error", err.Error())
			state = newFoldState()
		} else {
			start = cp + 1
		}
	}

	var lastTimestamp time.Time
	for _, v := range commits {
		if v < start || v > target {
			continue
		}
		path := action.CommitPath(v)
		body, err := e.store.Read(ctx, path)
		if err != nil {
			return nil, err
		}
		actions, err := action.DecodeCommit(body)
		if err != nil {
			return nil, err
		}
		ts := e.commitTime(ctx, path, actions)
		if !ts.IsZero() {
			lastTimestamp = ts
		}
		state.apply(actions)
	}

	snap := state.snapshot(target)
	snap.Timestamp = lastTimestamp
	if snap.Timestamp.IsZero() {
		if info, err := e.store.Stat(ctx, action.CommitPath(target)); err == nil && info != nil {
			snap.Timestamp = info.LastModified
		}
	}
	return snap, nil
}

// bestCheckpoint picks the highest checkpoint at or before target,
// consulting _last_checkpoint first and falling back to the listing.
func (e *Engine) bestCheckpoint(ctx context.Context, checkpoints []int64, target int64) int64 {
	if meta, err := ReadLastCheckpoint(ctx, e.store); err == nil && meta != nil && meta.Version <= target {
		return meta.Version
	}
	best := int64(-1)
	for _, v := range checkpoints {
		if v <= target {
			best = v
		}
	}
	return best
}

// commitTime prefers commitInfo.timestamp and falls back to the object's
// lastModified.
func (e *Engine) commitTime(ctx context.Context, path string, actions []action.Action) time.Time {
	for i := range actions {
		if ci := actions[i].CommitInfo; ci != nil && ci.Timestamp != 0 {
			return time.UnixMilli(int64(ci.Timestamp)).UTC()
		}
	}
	if info, err := e.store.Stat(ctx, path); err == nil && info != nil {
		return info.LastModified
	}
	return time.Time{}
}

// -----------------------------------------------------------------------------
// Time travel
// -----------------------------------------------------------------------------

// LoadTimestamp returns the snapshot at the largest commit whose time is
// <= t. Ties resolve to the higher version.
func (e *Engine) LoadTimestamp(ctx context.Context, t time.Time) (*Snapshot, error) {
	commits, _, err := e.listLog(ctx)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, errs.NotFound("snapshot.loadTimestamp", action.LogPrefix)
	}

	timeAt := func(v int64) (time.Time, error) {
		path := action.CommitPath(v)
		body, err := e.store.Read(ctx, path)
		if err != nil {
			return time.Time{}, err
		}
		actions, err := action.DecodeCommit(body)
		if err != nil {
			return time.Time{}, err
		}
		return e.commitTime(ctx, path, actions), nil
	}

	// Binary search for the first commit strictly after t; the answer is
	// the commit before it. Equal timestamps land on the higher version.
	lo, hi := 0, len(commits)
	for lo < hi {
		mid := (lo + hi) / 2
		ts, err := timeAt(commits[mid])
		if err != nil {
			return nil, err
		}
		if ts.After(t) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo == 0 {
		return nil, errs.Validation("snapshot.loadTimestamp", "no commit at or before %s", t.Format(time.RFC3339))
	}
	return e.load(ctx, commits[lo-1])
}

// -----------------------------------------------------------------------------
// Fold state
// -----------------------------------------------------------------------------

type foldState struct {
	files    map[string]action.Add
	protocol *action.Protocol
	metadata *action.Metadata
	txns     map[string]action.Txn
}

func newFoldState() *foldState {
	return &foldState{
		files: map[string]action.Add{},
		txns:  map[string]action.Txn{},
	}
}

func (s *foldState) apply(actions []action.Action) {
	for i := range actions {
		a := &actions[i]
		switch {
		case a.Add != nil:
			s.files[a.Add.Path] = *a.Add
		case a.Remove != nil:
			delete(s.files, a.Remove.Path)
		case a.Metadata != nil:
			s.metadata = a.Metadata
		case a.Protocol != nil:
			s.protocol = a.Protocol
		case a.Txn != nil:
			s.txns[a.Txn.AppID] = *a.Txn
		}
	}
}

func (s *foldState) snapshot(version int64) *Snapshot {
	files := make([]action.Add, 0, len(s.files))
	for _, f := range s.files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return &Snapshot{
		Version:  version,
		Protocol: s.protocol,
		Metadata: s.metadata,
		Files:    files,
		Txns:     s.txns,
	}
}
