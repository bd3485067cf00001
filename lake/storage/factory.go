// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// URL factory
// -----------------------------------------------------------------------------

// Named memory stores so memory://shared resolves to the same instance
// within a process. memory:// with no name is always a fresh store.
var (
	memRegistryMu sync.Mutex
	memRegistry   = map[string]*MemoryStore{}
)

// Open parses a storage URL and constructs the matching backend.
//
// Supported forms:
//
//	memory://[name]
//	file:///abs/path, /abs/path, ./rel/path
//	s3://bucket/prefix
//	s3://bucket.s3.region.amazonaws.com/prefix
//	r2://bucket/prefix
//
// Every returned store is wrapped with prometheus instrumentation.
func Open(ctx context.Context, rawURL string) (ObjectStore, error) {
	switch {
	case strings.HasPrefix(rawURL, "memory://"):
		name := strings.TrimPrefix(rawURL, "memory://")
		if name == "" {
			return Instrument("memory", NewMemoryStore()), nil
		}
		memRegistryMu.Lock()
		defer memRegistryMu.Unlock()
		store, ok := memRegistry[name]
		if !ok {
			store = NewMemoryStore()
			memRegistry[name] = store
		}
		return Instrument("memory", store), nil

	case strings.HasPrefix(rawURL, "file://"):
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, "storage.open", err, "bad url %q", rawURL)
		}
		store, err := NewFileStore(u.Path)
		if err != nil {
			return nil, err
		}
		return Instrument("file", store), nil

	case strings.HasPrefix(rawURL, "s3://"):
		bucket, prefix, err := parseBucketURL(rawURL, "s3://")
		if err != nil {
			return nil, err
		}
		store, err := NewS3Store(ctx, bucket, prefix)
		if err != nil {
			return nil, err
		}
		return Instrument("s3", store), nil

	case strings.HasPrefix(rawURL, "r2://"):
		bucket, prefix, err := parseBucketURL(rawURL, "r2://")
		if err != nil {
			return nil, err
		}
		store, err := NewR2Store(ctx, bucket, prefix, R2Options{})
		if err != nil {
			return nil, err
		}
		return Instrument("r2", store), nil

	case strings.HasPrefix(rawURL, "/"), strings.HasPrefix(rawURL, "./"), strings.HasPrefix(rawURL, "../"):
		store, err := NewFileStore(rawURL)
		if err != nil {
			return nil, err
		}
		return Instrument("file", store), nil

	default:
		return nil, errs.Validation("storage.open", "unrecognized storage url %q", rawURL)
	}
}

// parseBucketURL splits scheme://host/prefix into (bucket, prefix). A
// virtual-hosted host like bucket.s3.region.amazonaws.com reduces to its
// bucket component.
func parseBucketURL(rawURL, scheme string) (string, string, error) {
	rest := strings.TrimPrefix(rawURL, scheme)
	if rest == "" {
		return "", "", errs.Validation("storage.open", "missing bucket in %q", rawURL)
	}
	host, prefix, _ := strings.Cut(rest, "/")
	if host == "" {
		return "", "", errs.Validation("storage.open", "missing bucket in %q", rawURL)
	}
	bucket := host
	if idx := strings.Index(host, ".s3."); idx > 0 && strings.HasSuffix(host, ".amazonaws.com") {
		bucket = host[:idx]
	}
	return bucket, strings.Trim(prefix, "/"), nil
}
