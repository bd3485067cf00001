// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/driftlake/lake/action"
	"github.com/AleutianAI/driftlake/pkg/errs"
)

func row() map[string]any {
	return map[string]any{
		"id":    "user-1",
		"name":  "Alice",
		"value": int64(100),
		"score": 2.5,
		"meta":  map[string]any{"region": "eu", "tier": int64(2)},
	}
}

func TestMatchesOperators(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter", Filter{}, true},
		{"bare equality", Filter{"name": "Alice"}, true},
		{"bare equality miss", Filter{"name": "Bob"}, false},
		{"eq", Filter{"value": map[string]any{"$eq": int64(100)}}, true},
		{"numeric coercion", Filter{"value": map[string]any{"$eq": 100.0}}, true},
		{"ne", Filter{"value": map[string]any{"$ne": int64(5)}}, true},
		{"gt true", Filter{"value": map[string]any{"$gt": int64(50)}}, true},
		{"gt false", Filter{"value": map[string]any{"$gt": int64(100)}}, false},
		{"gte boundary", Filter{"value": map[string]any{"$gte": int64(100)}}, true},
		{"lt", Filter{"score": map[string]any{"$lt": 3.0}}, true},
		{"lte", Filter{"score": map[string]any{"$lte": 2.5}}, true},
		{"in", Filter{"name": map[string]any{"$in": []any{"Alice", "Bob"}}}, true},
		{"nin", Filter{"name": map[string]any{"$nin": []any{"Bob"}}}, true},
		{"exists true", Filter{"score": map[string]any{"$exists": true}}, true},
		{"exists false on missing", Filter{"ghost": map[string]any{"$exists": false}}, true},
		{"regex", Filter{"id": map[string]any{"$regex": "^user-"}}, true},
		{"dot path", Filter{"meta.region": "eu"}, true},
		{"dot path miss", Filter{"meta.region": "us"}, false},
		{"unknown field compares false", Filter{"ghost": "x"}, false},
		{"ne on missing field matches", Filter{"ghost": map[string]any{"$ne": "x"}}, true},
		{"and", Filter{"$and": []any{
			map[string]any{"name": "Alice"},
			map[string]any{"value": map[string]any{"$gt": int64(1)}},
		}}, true},
		{"or", Filter{"$or": []any{
			map[string]any{"name": "Bob"},
			map[string]any{"value": int64(100)},
		}}, true},
		{"not", Filter{"$not": map[string]any{"name": "Bob"}}, true},
		{"field-level not", Filter{"name": map[string]any{"$not": map[string]any{"$eq": "Bob"}}}, true},
		{"range conjunction", Filter{"value": map[string]any{"$gte": int64(50), "$lte": int64(150)}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Matches(row(), tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchesRejectsBadFilters(t *testing.T) {
	for name, filter := range map[string]Filter{
		"unknown operator": {"x": map[string]any{"$near": 1}},
		"bad regex":        {"id": map[string]any{"$regex": "("}},
		"bad in":           {"id": map[string]any{"$in": "not-array"}},
		"bad and":          {"$and": "nope"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Matches(row(), filter)
			assert.True(t, errs.IsValidation(err))
		})
	}
}

func TestProjectionForms(t *testing.T) {
	r := row()

	p, err := ParseProjection([]string{"name", "value"})
	require.NoError(t, err)
	out := p.Apply(r)
	assert.Equal(t, map[string]any{"name": "Alice", "value": int64(100)}, out)

	p, err = ParseProjection(map[string]any{"name": 1, "meta.region": 1})
	require.NoError(t, err)
	out = p.Apply(r)
	assert.Equal(t, map[string]any{"name": "Alice", "meta": map[string]any{"region": "eu"}}, out)

	p, err = ParseProjection(map[string]any{"meta": 0, "score": 0})
	require.NoError(t, err)
	out = p.Apply(r)
	assert.NotContains(t, out, "meta")
	assert.NotContains(t, out, "score")
	assert.Contains(t, out, "id")

	// Excluding must not mutate the source row.
	assert.Contains(t, r, "meta")

	_, err = ParseProjection(map[string]any{"a": 1, "b": 0})
	assert.True(t, errs.IsValidation(err))

	nilP, err := ParseProjection(nil)
	require.NoError(t, err)
	assert.Equal(t, r, nilP.Apply(r))
}

func statsFor(minV, maxV any) *action.Stats {
	return &action.Stats{
		NumRecords: 10,
		MinValues:  map[string]any{"value": minV},
		MaxValues:  map[string]any{"value": maxV},
	}
}

func TestCanSkipFile(t *testing.T) {
	tests := []struct {
		name   string
		stats  *action.Stats
		filter Filter
		skip   bool
	}{
		{"eq below range", statsFor(int64(10), int64(20)), Filter{"value": int64(5)}, true},
		{"eq above range", statsFor(int64(10), int64(20)), Filter{"value": int64(25)}, true},
		{"eq inside range", statsFor(int64(10), int64(20)), Filter{"value": int64(15)}, false},
		{"gt beyond max", statsFor(int64(10), int64(20)), Filter{"value": map[string]any{"$gt": int64(20)}}, true},
		{"gte beyond max", statsFor(int64(10), int64(20)), Filter{"value": map[string]any{"$gte": int64(21)}}, true},
		{"lt below min", statsFor(int64(10), int64(20)), Filter{"value": map[string]any{"$lt": int64(10)}}, true},
		{"lte below min", statsFor(int64(10), int64(20)), Filter{"value": map[string]any{"$lte": int64(9)}}, true},
		{"range overlaps", statsFor(int64(10), int64(20)), Filter{"value": map[string]any{"$gte": int64(15)}}, false},
		{"no stats never skips", nil, Filter{"value": int64(5)}, false},
		{"unknown column never skips", statsFor(int64(10), int64(20)), Filter{"other": int64(5)}, false},
		{"or never skips", statsFor(int64(10), int64(20)), Filter{"$or": []any{map[string]any{"value": int64(5)}}}, false},
		{"and can skip", statsFor(int64(10), int64(20)), Filter{"$and": []any{map[string]any{"value": int64(5)}}}, true},
		{"strings", &action.Stats{
			MinValues: map[string]any{"value": "b"},
			MaxValues: map[string]any{"value": "d"},
		}, Filter{"value": "a"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.skip, CanSkipFile(tt.stats, tt.filter))
		})
	}
}

func TestPruneFiles(t *testing.T) {
	adds := []action.Add{
		{Path: "a", Stats: statsFor(int64(0), int64(9))},
		{Path: "b", Stats: statsFor(int64(10), int64(19))},
		{Path: "c"}, // no stats
	}
	scan, pruned := PruneFiles(adds, Filter{"value": int64(12)})
	assert.Equal(t, 1, pruned)
	require.Len(t, scan, 2)
	assert.Equal(t, "b", scan[0].Path)
	assert.Equal(t, "c", scan[1].Path)
}
