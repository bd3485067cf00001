// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/driftlake/pkg/errs"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)

	require.NoError(t, s.Write(ctx, "_delta_log/00000000000000000000.json", []byte("{}\n")))
	data, err := s.Read(ctx, "_delta_log/00000000000000000000.json")
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))

	_, err = s.Read(ctx, "missing.json")
	assert.True(t, errs.IsNotFound(err))
}

func TestFilePathSecurity(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)

	tests := []struct {
		name string
		path string
	}{
		{"parent escape", "../outside.txt"},
		{"nested escape", "a/../../outside.txt"},
		{"url encoded escape", "%2e%2e/outside.txt"},
		{"null byte", "bad\x00name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Write(ctx, tt.path, []byte("x"))
			assert.True(t, errs.IsValidation(err), "expected validation error, got %v", err)
		})
	}

	// Interior dot-dot segments that stay inside the root are fine.
	require.NoError(t, s.Write(ctx, "a/b/../c.txt", []byte("ok")))
	data, err := s.Read(ctx, "a/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}

func TestFileConditionalCreate(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)

	v, err := s.ConditionalCreate(ctx, "_delta_log/00000000000000000000.json", []byte("a"), "")
	require.NoError(t, err)
	require.NotEmpty(t, v)

	_, err = s.ConditionalCreate(ctx, "_delta_log/00000000000000000000.json", []byte("b"), "")
	assert.True(t, errs.IsVersionMismatch(err))

	// Contents must be the winner's.
	data, err := s.Read(ctx, "_delta_log/00000000000000000000.json")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))
}

func TestFileListAndStat(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)

	require.NoError(t, s.Write(ctx, "t/_delta_log/0.json", []byte("{}")))
	require.NoError(t, s.Write(ctx, "t/part-1.parquet", []byte("PAR1....PAR1")))

	keys, err := s.List(ctx, "t/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t/_delta_log/0.json", "t/part-1.parquet"}, keys)

	info, err := s.Stat(ctx, "t/part-1.parquet")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, int64(12), info.Size)
	assert.NotEmpty(t, info.Version)

	missing, err := s.Stat(ctx, "t/none")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFileRange(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)
	require.NoError(t, s.Write(ctx, "f.bin", []byte("hello world")))

	got, err := s.ReadRange(ctx, "f.bin", 6, 100)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))
}

func TestFactoryURLs(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"memory anonymous", "memory://", false},
		{"memory named", "memory://shared", false},
		{"absolute path", t.TempDir(), false},
		{"garbage", "ftp://nope", true},
		{"missing s3 bucket", "s3://", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := Open(ctx, tt.url)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errs.IsValidation(err))
				return
			}
			require.NoError(t, err)
			require.NotNil(t, store)
		})
	}
}

func TestFactoryNamedMemorySharing(t *testing.T) {
	ctx := context.Background()

	a, err := Open(ctx, "memory://factory-shared-test")
	require.NoError(t, err)
	b, err := Open(ctx, "memory://factory-shared-test")
	require.NoError(t, err)

	require.NoError(t, a.Write(ctx, "k", []byte("v")))
	data, err := b.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(data))
}

func TestParseBucketURL(t *testing.T) {
	tests := []struct {
		url        string
		wantBucket string
		wantPrefix string
	}{
		{"s3://bucket/prefix/a", "bucket", "prefix/a"},
		{"s3://bucket", "bucket", ""},
		{"s3://my-bucket.s3.us-east-1.amazonaws.com/tables/t1", "my-bucket", "tables/t1"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			bucket, prefix, err := parseBucketURL(tt.url, "s3://")
			require.NoError(t, err)
			assert.Equal(t, tt.wantBucket, bucket)
			assert.Equal(t, tt.wantPrefix, prefix)
		})
	}
}
