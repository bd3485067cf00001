// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// Memory store
// -----------------------------------------------------------------------------

type memObject struct {
	data     []byte
	version  string
	modified time.Time
}

// MemoryStore is an in-process ObjectStore for tests and memory:// tables.
// Version tags are generated as {counter}-{timestamp}-{random}.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
	counter atomic.Int64
	locks   *lockTable
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memObject),
		locks:   newLockTable(),
	}
}

func (s *MemoryStore) newVersion() string {
	return fmt.Sprintf("%d-%d-%s",
		s.counter.Add(1),
		time.Now().UnixMilli(),
		uuid.NewString()[:8],
	)
}

// Read returns the object or a not-found error.
func (s *MemoryStore) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, errs.NotFound("storage.read", path)
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

// Write overwrites the object unconditionally.
func (s *MemoryStore) Write(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dup := make([]byte, len(data))
	copy(dup, data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = memObject{data: dup, version: s.newVersion(), modified: time.Now()}
	return nil
}

// ReadRange returns bytes [start, end) with end clamped to object size.
func (s *MemoryStore) ReadRange(ctx context.Context, path string, start, end int64) ([]byte, error) {
	if start < 0 || end < start {
		return nil, errs.Validation("storage.range", "invalid range [%d,%d)", start, end)
	}
	data, err := s.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	size := int64(len(data))
	if start >= size {
		return []byte{}, nil
	}
	if end > size {
		end = size
	}
	return data[start:end], nil
}

// List returns keys under prefix in unspecified order.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Stat returns metadata or (nil, nil) when absent.
func (s *MemoryStore) Stat(ctx context.Context, path string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, nil
	}
	return &ObjectInfo{
		Size:         int64(len(obj.data)),
		LastModified: obj.modified,
		Version:      obj.version,
	}, nil
}

// Delete removes the object; deleting a missing object succeeds.
func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	return nil
}

// Version returns the current tag, or "" when absent.
func (s *MemoryStore) Version(ctx context.Context, path string) (string, error) {
	info, err := s.Stat(ctx, path)
	if err != nil || info == nil {
		return "", err
	}
	return info.Version, nil
}

// ConditionalCreate writes only when the current version matches
// expectedVersion ("" means the object must not exist).
func (s *MemoryStore) ConditionalCreate(ctx context.Context, path string, data []byte, expectedVersion string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lock := s.locks.get(path)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	current := ""
	if obj, ok := s.objects[path]; ok {
		current = obj.version
	}
	if current != expectedVersion {
		return "", errs.VersionMismatch("storage.conditionalCreate", path, expectedVersion, current)
	}
	dup := make([]byte, len(data))
	copy(dup, data)
	obj := memObject{data: dup, version: s.newVersion(), modified: time.Now()}
	s.objects[path] = obj
	return obj.version, nil
}

var _ ObjectStore = (*MemoryStore)(nil)
