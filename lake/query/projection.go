// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package query

import (
	"strings"

	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// Projection
// -----------------------------------------------------------------------------

// Projection selects output fields. The array form ["a","b"] includes the
// listed fields; the object form {a:1} includes, {c:0} excludes. Include
// and exclude cannot mix. Nested fields use dot paths.
type Projection struct {
	include bool
	paths   []string
}

// ParseProjection accepts the array or object form. A nil spec projects
// everything.
func ParseProjection(spec any) (*Projection, error) {
	switch v := spec.(type) {
	case nil:
		return nil, nil
	case []string:
		return &Projection{include: true, paths: v}, nil
	case []any:
		var paths []string
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errs.Validation("query.project", "projection array must contain strings")
			}
			paths = append(paths, s)
		}
		return &Projection{include: true, paths: paths}, nil
	case map[string]any:
		var includes, excludes []string
		for field, flag := range v {
			on, ok := asProjectionFlag(flag)
			if !ok {
				return nil, errs.Validation("query.project", "projection value for %q must be 0 or 1", field)
			}
			if on {
				includes = append(includes, field)
			} else {
				excludes = append(excludes, field)
			}
		}
		if len(includes) > 0 && len(excludes) > 0 {
			return nil, errs.Validation("query.project", "cannot mix include and exclude projections")
		}
		if len(includes) > 0 {
			return &Projection{include: true, paths: includes}, nil
		}
		return &Projection{include: false, paths: excludes}, nil
	default:
		return nil, errs.Validation("query.project", "unsupported projection form %T", spec)
	}
}

func asProjectionFlag(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case int:
		return x != 0, x == 0 || x == 1
	case int64:
		return x != 0, x == 0 || x == 1
	case float64:
		return x != 0, x == 0 || x == 1
	default:
		return false, false
	}
}

// Apply projects one row. The input row is not modified.
func (p *Projection) Apply(row map[string]any) map[string]any {
	if p == nil {
		return row
	}
	if p.include {
		out := map[string]any{}
		for _, path := range p.paths {
			if v, ok := lookupPath(row, path); ok {
				setPath(out, path, v)
			}
		}
		return out
	}
	out := deepCopyMap(row)
	for _, path := range p.paths {
		deletePath(out, path)
	}
	return out
}

func setPath(m map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	for i := 0; i < len(parts)-1; i++ {
		next, ok := m[parts[i]].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[parts[i]] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}

func deletePath(m map[string]any, path string) {
	parts := strings.Split(path, ".")
	for i := 0; i < len(parts)-1; i++ {
		next, ok := m[parts[i]].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, parts[len(parts)-1])
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopyMap(nested)
		} else {
			out[k] = v
		}
	}
	return out
}
