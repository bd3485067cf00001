// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/driftlake/lake/action"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	filesPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftlake_query_files_pruned_total",
		Help: "Data files skipped by zone-map pruning",
	})

	filesScannedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftlake_query_files_scanned_total",
		Help: "Data files that survived pruning and were read",
	})
)

// -----------------------------------------------------------------------------
// Zone-map pruning
// -----------------------------------------------------------------------------

// CanSkipFile reports whether a file's zone map proves no row can match
// the filter. Files without stats are never skipped. Only top-level
// conjunctive range and equality predicates participate; everything else
// is conservative.
func CanSkipFile(stats *action.Stats, filter Filter) bool {
	if stats == nil || len(filter) == 0 {
		return false
	}
	for field, cond := range filter {
		if field == "$and" {
			clauses, ok := cond.([]any)
			if !ok {
				continue
			}
			for _, clause := range clauses {
				if sub, ok := clause.(map[string]any); ok && CanSkipFile(stats, sub) {
					return true
				}
			}
			continue
		}
		if len(field) > 0 && field[0] == '$' {
			continue // $or / $not cannot prove emptiness per-file
		}
		minV, hasMin := stats.MinValues[field]
		maxV, hasMax := stats.MaxValues[field]
		if !hasMin || !hasMax {
			continue
		}
		if skipByCondition(minV, maxV, cond) {
			return true
		}
	}
	return false
}

// skipByCondition tests one field predicate against [min, max].
func skipByCondition(minV, maxV any, cond any) bool {
	ops, isDoc := cond.(map[string]any)
	if !isDoc || !hasOperator(ops) {
		// Bare equality: skip when the value falls outside [min, max].
		return outsideRange(minV, maxV, cond)
	}
	for op, operand := range ops {
		switch op {
		case "$eq":
			if outsideRange(minV, maxV, operand) {
				return true
			}
		case "$gt":
			if c, ok := compareOrder(maxV, operand); ok && c <= 0 {
				return true
			}
		case "$gte":
			if c, ok := compareOrder(maxV, operand); ok && c < 0 {
				return true
			}
		case "$lt":
			if c, ok := compareOrder(minV, operand); ok && c >= 0 {
				return true
			}
		case "$lte":
			if c, ok := compareOrder(minV, operand); ok && c > 0 {
				return true
			}
		}
	}
	return false
}

func outsideRange(minV, maxV, v any) bool {
	if c, ok := compareOrder(v, minV); ok && c < 0 {
		return true
	}
	if c, ok := compareOrder(v, maxV); ok && c > 0 {
		return true
	}
	return false
}

// PruneFiles splits adds into the files worth reading and the skipped
// count, recording both in metrics.
func PruneFiles(adds []action.Add, filter Filter) (scan []action.Add, pruned int) {
	for _, add := range adds {
		if CanSkipFile(add.Stats, filter) {
			pruned++
			continue
		}
		scan = append(scan, add)
	}
	filesPrunedTotal.Add(float64(pruned))
	filesScannedTotal.Add(float64(len(scan)))
	return scan, pruned
}
