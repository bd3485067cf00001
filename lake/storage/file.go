// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// File store
// -----------------------------------------------------------------------------

// FileStore is an ObjectStore over a local directory. Object versions are
// file mtimes in milliseconds.
//
// Keys are canonicalized and verified to remain within the configured
// root: URL-encoded variants are decoded, null bytes are rejected, and
// any key escaping the root fails validation.
type FileStore struct {
	root  string
	locks *lockTable
}

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "storage.open", err, "bad root %q", dir)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, errs.Storage("storage.open", abs, err)
	}
	return &FileStore{root: abs, locks: newLockTable()}, nil
}

// Root returns the absolute root directory.
func (s *FileStore) Root() string { return s.root }

// resolve canonicalizes key and verifies it stays inside the root.
func (s *FileStore) resolve(key string) (string, error) {
	if decoded, err := url.PathUnescape(key); err == nil {
		key = decoded
	}
	if strings.ContainsRune(key, 0) {
		return "", errs.Validation("storage.path", "null byte in path %q", key)
	}
	full := filepath.Join(s.root, filepath.FromSlash(key))
	full = filepath.Clean(full)
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errs.Validation("storage.path", "path %q escapes store root", key)
	}
	return full, nil
}

func mtimeVersion(info fs.FileInfo) string {
	return strconv.FormatInt(info.ModTime().UnixMilli(), 10)
}

// Read returns the whole file or a not-found error.
func (s *FileStore) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.NotFound("storage.read", path)
		}
		return nil, errs.Storage("storage.read", path, err)
	}
	return data, nil
}

// Write stores the file, creating parent directories as needed.
func (s *FileStore) Write(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return errs.Storage("storage.write", path, err)
	}
	tmp := full + ".tmp-" + uuid.NewString()[:8]
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return errs.Storage("storage.write", path, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return errs.Storage("storage.write", path, err)
	}
	return nil
}

// ReadRange returns bytes [start, end) with end clamped to file size.
func (s *FileStore) ReadRange(ctx context.Context, path string, start, end int64) ([]byte, error) {
	if start < 0 || end < start {
		return nil, errs.Validation("storage.range", "invalid range [%d,%d)", start, end)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.NotFound("storage.range", path)
		}
		return nil, errs.Storage("storage.range", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errs.Storage("storage.range", path, err)
	}
	size := info.Size()
	if start >= size {
		return []byte{}, nil
	}
	if end > size {
		end = size
	}
	buf := make([]byte, end-start)
	if _, err := f.ReadAt(buf, start); err != nil && err != io.EOF {
		return nil, errs.Storage("storage.range", path, err)
	}
	return buf, nil
}

// List walks the tree under prefix and returns file keys.
func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Storage("storage.list", prefix, err)
	}
	return keys, nil
}

// Stat returns metadata or (nil, nil) when absent.
func (s *FileStore) Stat(ctx context.Context, path string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errs.Storage("storage.stat", path, err)
	}
	return &ObjectInfo{
		Size:         info.Size(),
		LastModified: info.ModTime(),
		Version:      mtimeVersion(info),
	}, nil
}

// Delete removes the file; missing files are not an error.
func (s *FileStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errs.Storage("storage.delete", path, err)
	}
	return nil
}

// Version returns the mtime tag, or "" when absent.
func (s *FileStore) Version(ctx context.Context, path string) (string, error) {
	info, err := s.Stat(ctx, path)
	if err != nil || info == nil {
		return "", err
	}
	return info.Version, nil
}

// ConditionalCreate uses O_EXCL for create-if-absent and an mtime compare
// under the per-path lock for replacement.
func (s *FileStore) ConditionalCreate(ctx context.Context, path string, data []byte, expectedVersion string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	lock := s.locks.get(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return "", errs.Storage("storage.conditionalCreate", path, err)
	}

	if expectedVersion == "" {
		f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				current, _ := s.Version(ctx, path)
				return "", errs.VersionMismatch("storage.conditionalCreate", path, "", current)
			}
			return "", errs.Storage("storage.conditionalCreate", path, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			_ = os.Remove(full)
			return "", errs.Storage("storage.conditionalCreate", path, err)
		}
		if err := f.Close(); err != nil {
			return "", errs.Storage("storage.conditionalCreate", path, err)
		}
		return s.Version(ctx, path)
	}

	current, err := s.Version(ctx, path)
	if err != nil {
		return "", err
	}
	if current != expectedVersion {
		return "", errs.VersionMismatch("storage.conditionalCreate", path, expectedVersion, current)
	}
	if err := s.Write(ctx, path, data); err != nil {
		return "", err
	}
	return s.Version(ctx, path)
}

var _ ObjectStore = (*FileStore)(nil)
