// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cdc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// Offsets
// -----------------------------------------------------------------------------

// Offset is a committed consumer position for one (group, topic,
// partition).
type Offset struct {
	// Offset is the next version the consumer will read.
	Offset int64 `json:"offset"`

	// Partition echoes the key's partition.
	Partition int `json:"partition"`

	// CommittedAt is when the offset was stored.
	CommittedAt time.Time `json:"committedAt"`

	// Metadata is optional opaque consumer state.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OffsetStorage persists consumer offsets keyed by (group, topic,
// partition). Keys are independent: operations on one never touch
// another.
type OffsetStorage interface {
	// Save stores the offset for a key, overwriting any previous value.
	Save(ctx context.Context, group, topic string, partition int, offset Offset) error

	// Load returns the stored offset, or (nil, nil) when none exists.
	Load(ctx context.Context, group, topic string, partition int) (*Offset, error)

	// Delete removes the stored offset; missing keys are not an error.
	Delete(ctx context.Context, group, topic string, partition int) error

	// Close releases resources.
	Close() error
}

func offsetKey(group, topic string, partition int) []byte {
	return []byte(fmt.Sprintf("offset/%s/%s/%d", group, topic, partition))
}

// -----------------------------------------------------------------------------
// Memory implementation
// -----------------------------------------------------------------------------

// MemoryOffsetStorage keeps offsets in a map, for tests and memory://
// tables.
type MemoryOffsetStorage struct {
	mu      sync.RWMutex
	offsets map[string]Offset
}

// NewMemoryOffsetStorage creates an empty in-memory offset store.
func NewMemoryOffsetStorage() *MemoryOffsetStorage {
	return &MemoryOffsetStorage{offsets: map[string]Offset{}}
}

// Save implements OffsetStorage.
func (s *MemoryOffsetStorage) Save(ctx context.Context, group, topic string, partition int, offset Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[string(offsetKey(group, topic, partition))] = offset
	return nil
}

// Load implements OffsetStorage.
func (s *MemoryOffsetStorage) Load(ctx context.Context, group, topic string, partition int) (*Offset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offset, ok := s.offsets[string(offsetKey(group, topic, partition))]
	if !ok {
		return nil, nil
	}
	return &offset, nil
}

// Delete implements OffsetStorage.
func (s *MemoryOffsetStorage) Delete(ctx context.Context, group, topic string, partition int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offsets, string(offsetKey(group, topic, partition)))
	return nil
}

// Close implements OffsetStorage.
func (s *MemoryOffsetStorage) Close() error { return nil }

var _ OffsetStorage = (*MemoryOffsetStorage)(nil)

// -----------------------------------------------------------------------------
// Badger implementation
// -----------------------------------------------------------------------------

// BadgerOffsetStorage persists offsets in a BadgerDB, surviving process
// restarts.
type BadgerOffsetStorage struct {
	db *badger.DB
}

// BadgerOffsetConfig configures the store.
type BadgerOffsetConfig struct {
	// Path is the BadgerDB directory. Required unless InMemory.
	Path string

	// InMemory runs without disk files, for tests.
	InMemory bool

	// SyncWrites makes every commit durable before Save returns.
	// Default: true.
	SyncWrites bool
}

// NewBadgerOffsetStorage opens (or creates) the offset database.
func NewBadgerOffsetStorage(cfg BadgerOffsetConfig) (*BadgerOffsetStorage, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errs.Validation("cdc.offsets", "badger path required for persistent mode")
	}
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithLogger(nil)
	if !cfg.InMemory {
		opts = opts.WithSyncWrites(cfg.SyncWrites)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "cdc.offsets", err, "open badger at %q", cfg.Path)
	}
	return &BadgerOffsetStorage{db: db}, nil
}

// Save implements OffsetStorage.
func (s *BadgerOffsetStorage) Save(ctx context.Context, group, topic string, partition int, offset Offset) error {
	data, err := json.Marshal(offset)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "cdc.offsets", err, "encode offset")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(offsetKey(group, topic, partition), data)
	})
	if err != nil {
		return errs.Wrap(errs.KindStorage, "cdc.offsets", err, "save offset")
	}
	return nil
}

// Load implements OffsetStorage.
func (s *BadgerOffsetStorage) Load(ctx context.Context, group, topic string, partition int) (*Offset, error) {
	var offset *Offset
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(offsetKey(group, topic, partition))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var o Offset
			if err := json.Unmarshal(val, &o); err != nil {
				return err
			}
			offset = &o
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "cdc.offsets", err, "load offset")
	}
	return offset, nil
}

// Delete implements OffsetStorage.
func (s *BadgerOffsetStorage) Delete(ctx context.Context, group, topic string, partition int) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(offsetKey(group, topic, partition))
	})
	if err != nil {
		return errs.Wrap(errs.KindStorage, "cdc.offsets", err, "delete offset")
	}
	return nil
}

// Close implements OffsetStorage.
func (s *BadgerOffsetStorage) Close() error { return s.db.Close() }

var _ OffsetStorage = (*BadgerOffsetStorage)(nil)
