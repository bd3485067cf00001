// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package query evaluates MongoDB-style filters and projections over rows
// and prunes data files with their zone maps before any bytes are read.
package query

import (
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/driftlake/pkg/errs"
)

// Filter is a MongoDB-style predicate document: a top-level AND of field
// predicates, with $and / $or / $not logical operators.
type Filter = map[string]any

// -----------------------------------------------------------------------------
// Matching
// -----------------------------------------------------------------------------

// Matches evaluates filter against row. An empty or nil filter matches
// everything; unknown fields compare false.
func Matches(row map[string]any, filter Filter) (bool, error) {
	for key, cond := range filter {
		switch key {
		case "$and":
			clauses, ok := cond.([]any)
			if !ok {
				return false, errs.Validation("query.filter", "$and expects an array")
			}
			for _, clause := range clauses {
				sub, ok := clause.(map[string]any)
				if !ok {
					return false, errs.Validation("query.filter", "$and clause must be a document")
				}
				matched, err := Matches(row, sub)
				if err != nil || !matched {
					return false, err
				}
			}
		case "$or":
			clauses, ok := cond.([]any)
			if !ok {
				return false, errs.Validation("query.filter", "$or expects an array")
			}
			satisfied := false
			for _, clause := range clauses {
				sub, ok := clause.(map[string]any)
				if !ok {
					return false, errs.Validation("query.filter", "$or clause must be a document")
				}
				matched, err := Matches(row, sub)
				if err != nil {
					return false, err
				}
				if matched {
					satisfied = true
					break
				}
			}
			if !satisfied {
				return false, nil
			}
		case "$not":
			sub, ok := cond.(map[string]any)
			if !ok {
				return false, errs.Validation("query.filter", "$not expects a document")
			}
			matched, err := Matches(row, sub)
			if err != nil {
				return false, err
			}
			if matched {
				return false, nil
			}
		default:
			value, present := lookupPath(row, key)
			matched, err := matchField(value, present, cond)
			if err != nil || !matched {
				return false, err
			}
		}
	}
	return true, nil
}

// matchField applies one field condition: either an operator document or
// a bare value meaning $eq.
func matchField(value any, present bool, cond any) (bool, error) {
	ops, isDoc := cond.(map[string]any)
	if !isDoc || !hasOperator(ops) {
		return present && compareEq(value, cond), nil
	}
	for op, operand := range ops {
		ok, err := applyOperator(value, present, op, operand)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func hasOperator(doc map[string]any) bool {
	for k := range doc {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func applyOperator(value any, present bool, op string, operand any) (bool, error) {
	switch op {
	case "$eq":
		return present && compareEq(value, operand), nil
	case "$ne":
		return !present || !compareEq(value, operand), nil
	case "$gt":
		c, ok := compareOrder(value, operand)
		return present && ok && c > 0, nil
	case "$gte":
		c, ok := compareOrder(value, operand)
		return present && ok && c >= 0, nil
	case "$lt":
		c, ok := compareOrder(value, operand)
		return present && ok && c < 0, nil
	case "$lte":
		c, ok := compareOrder(value, operand)
		return present && ok && c <= 0, nil
	case "$in":
		list, ok := operand.([]any)
		if !ok {
			return false, errs.Validation("query.filter", "$in expects an array")
		}
		if !present {
			return false, nil
		}
		for _, candidate := range list {
			if compareEq(value, candidate) {
				return true, nil
			}
		}
		return false, nil
	case "$nin":
		list, ok := operand.([]any)
		if !ok {
			return false, errs.Validation("query.filter", "$nin expects an array")
		}
		if !present {
			return true, nil
		}
		for _, candidate := range list {
			if compareEq(value, candidate) {
				return false, nil
			}
		}
		return true, nil
	case "$exists":
		want, ok := operand.(bool)
		if !ok {
			return false, errs.Validation("query.filter", "$exists expects a boolean")
		}
		return present == want, nil
	case "$regex":
		pattern, ok := operand.(string)
		if !ok {
			return false, errs.Validation("query.filter", "$regex expects a string")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, errs.Wrap(errs.KindValidation, "query.filter", err, "bad regex %q", pattern)
		}
		s, ok := value.(string)
		return present && ok && re.MatchString(s), nil
	case "$not":
		ok, err := matchField(value, present, operand)
		return !ok, err
	default:
		return false, errs.Validation("query.filter", "unknown operator %q", op)
	}
}

// lookupPath resolves a dot path into nested maps.
func lookupPath(row map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = row
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// -----------------------------------------------------------------------------
// Comparison
// -----------------------------------------------------------------------------

// compareEq tests loose equality with numeric coercion. Uncomparable
// values (nested documents, arrays) fall back to deep equality.
func compareEq(a, b any) bool {
	if c, ok := compareOrder(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// compareOrder orders two values when comparable: numbers across widths,
// strings, bools, and timestamps. ok is false for mixed types.
func compareOrder(a, b any) (int, bool) {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case !x && y:
			return -1, true
		case x && !y:
			return 1, true
		}
		return 0, true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case x.Before(y):
			return -1, true
		case x.After(y):
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}
