// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSinkReceivesEntries(t *testing.T) {
	sink := NewBufferSink()
	logger := New(Config{Level: LevelInfo, Service: "test", Quiet: true, Sink: sink})

	logger.Info("commit succeeded", "version", int64(3))
	logger.Debug("not recorded at info level")
	logger.Error("cleanup failed", "path", "part-1.parquet")

	entries := sink.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "commit succeeded", entries[0].Message)
	assert.Equal(t, int64(3), entries[0].Attrs["version"])
	assert.Equal(t, "test", entries[0].Service)
	assert.Equal(t, LevelError, entries[1].Level)
}

func TestWithAddsAttributes(t *testing.T) {
	sink := NewBufferSink()
	logger := New(Config{Quiet: true, Sink: sink})

	child := logger.With("table", "events")
	child.Info("refreshed")

	// With only affects the slog handler chain; the sink still gets the
	// base message.
	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "refreshed", entries[0].Message)
}

func TestFileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Level: LevelInfo, LogDir: dir, Service: "engine", Quiet: true})

	logger.Info("written to file")
	require.NoError(t, logger.Close())
}
