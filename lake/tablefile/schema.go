// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tablefile bridges row batches to columnar data files. It infers
// schemas, coerces values across type systems, writes and reads parquet
// objects, and collects the per-column zone maps attached to Add actions.
package tablefile

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/AleutianAI/driftlake/pkg/errs"
)

// Row is one table row keyed by column name.
type Row = map[string]any

// -----------------------------------------------------------------------------
// Column types
// -----------------------------------------------------------------------------

// ColumnType tags the logical type of a column.
type ColumnType string

const (
	TypeString    ColumnType = "string"
	TypeInt64     ColumnType = "long"
	TypeFloat64   ColumnType = "double"
	TypeBool      ColumnType = "boolean"
	TypeTimestamp ColumnType = "timestamp"
	TypeBinary    ColumnType = "binary"
	TypeJSON      ColumnType = "json"
	// TypeDecimal holds integers beyond 64-bit range as decimal strings.
	TypeDecimal ColumnType = "decimal"
)

// Column is one field of a schema.
type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
}

// Schema is an ordered column list.
type Schema struct {
	Columns []Column `json:"fields"`
}

// Column returns the named column, or nil.
func (s *Schema) Column(name string) *Column {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return &s.Columns[i]
		}
	}
	return nil
}

// Equal reports whether both schemas carry identical columns in the same
// order, including types and nullability.
func (s *Schema) Equal(other *Schema) bool {
	if other == nil || len(s.Columns) != len(other.Columns) {
		return false
	}
	for i := range s.Columns {
		if s.Columns[i] != other.Columns[i] {
			return false
		}
	}
	return true
}

// JSON serializes the schema for a Metadata action.
func (s *Schema) JSON() json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// ParseSchema decodes a Metadata schema payload.
func ParseSchema(raw json.RawMessage) (*Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "tablefile.parseSchema", err, "malformed schema")
	}
	return &s, nil
}

// -----------------------------------------------------------------------------
// Inference
// -----------------------------------------------------------------------------

// typeOf classifies a single value; ok is false for nil.
func typeOf(v any) (ColumnType, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return TypeString, true
	case bool:
		return TypeBool, true
	case int, int32, int64:
		return TypeInt64, true
	case float32, float64:
		return TypeFloat64, true
	case time.Time:
		return TypeTimestamp, true
	case []byte:
		return TypeBinary, true
	case *big.Int:
		if x.IsInt64() {
			return TypeInt64, true
		}
		return TypeDecimal, true
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return TypeInt64, true
		}
		return TypeFloat64, true
	default:
		// Nested objects and arrays serialize to a JSON column.
		return TypeJSON, true
	}
}

// widen merges an observed type into a column type, widening where the
// combination allows it.
func widen(have, seen ColumnType) (ColumnType, error) {
	if have == seen {
		return have, nil
	}
	switch {
	case have == TypeInt64 && seen == TypeFloat64, have == TypeFloat64 && seen == TypeInt64:
		return TypeFloat64, nil
	case have == TypeInt64 && seen == TypeDecimal, have == TypeDecimal && seen == TypeInt64:
		return TypeDecimal, nil
	default:
		return "", fmt.Errorf("incompatible types %s and %s", have, seen)
	}
}

// Infer derives a schema from a batch. Columns are ordered by first
// appearance, then alphabetically for columns first seen in later rows.
// A column that is ever missing or nil is nullable.
func Infer(rows []Row) (*Schema, error) {
	if len(rows) == 0 {
		return nil, errs.Validation("tablefile.infer", "cannot infer schema from empty batch")
	}

	var order []string
	types := map[string]ColumnType{}
	nullable := map[string]bool{}
	seenIn := map[string]int{}

	for i, row := range rows {
		var keys []string
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t, ok := typeOf(row[k])
			if !ok {
				nullable[k] = true
				if _, known := types[k]; !known {
					order = append(order, k)
					seenIn[k] = i
				}
				continue
			}
			have, known := types[k]
			if !known {
				types[k] = t
				if _, tracked := seenIn[k]; !tracked {
					order = append(order, k)
					seenIn[k] = i
				}
				if i > 0 {
					nullable[k] = true
				}
				continue
			}
			merged, err := widen(have, t)
			if err != nil {
				return nil, errs.Validation("tablefile.infer", "column %q: %v", k, err)
			}
			types[k] = merged
		}
		// Columns absent from this row become nullable.
		for _, k := range order {
			if _, present := row[k]; !present {
				nullable[k] = true
			}
		}
	}

	schema := &Schema{}
	for _, k := range order {
		t, ok := types[k]
		if !ok {
			t = TypeString // all-null column defaults to string
		}
		schema.Columns = append(schema.Columns, Column{Name: k, Type: t, Nullable: nullable[k]})
	}
	return schema, nil
}

// Compatible verifies that next can be written into a table with schema s
// and returns the merged schema. Nullable and numeric widening are always
// allowed and land in the merged columns; new columns are allowed only
// when additive evolution is enabled. Callers persist the merged schema
// whenever it differs from s (see Equal).
func (s *Schema) Compatible(next *Schema, allowAdditive bool) (*Schema, error) {
	merged := &Schema{Columns: append([]Column(nil), s.Columns...)}
	for _, c := range next.Columns {
		have := merged.Column(c.Name)
		if have == nil {
			if !allowAdditive {
				return nil, errs.Validation("tablefile.schema", "unknown column %q (additive evolution disabled)", c.Name)
			}
			c.Nullable = true // rows before the column existed read as null
			merged.Columns = append(merged.Columns, c)
			continue
		}
		if have.Type != c.Type {
			wide, err := widen(have.Type, c.Type)
			if err != nil {
				return nil, errs.Validation("tablefile.schema", "column %q: %v", c.Name, err)
			}
			have.Type = wide
		}
		if c.Nullable && !have.Nullable {
			have.Nullable = true
		}
	}
	return merged, nil
}

// -----------------------------------------------------------------------------
// Parquet mapping
// -----------------------------------------------------------------------------

// parquetSchema maps the logical schema to a parquet schema. Timestamps,
// JSON, and decimals are carried as strings so precision and ISO form
// survive the round trip.
func (s *Schema) parquetSchema() *parquet.Schema {
	group := parquet.Group{}
	for _, c := range s.Columns {
		var node parquet.Node
		switch c.Type {
		case TypeInt64:
			node = parquet.Int(64)
		case TypeFloat64:
			node = parquet.Leaf(parquet.DoubleType)
		case TypeBool:
			node = parquet.Leaf(parquet.BooleanType)
		case TypeBinary:
			node = parquet.Leaf(parquet.ByteArrayType)
		default:
			node = parquet.String()
		}
		if c.Nullable {
			node = parquet.Optional(node)
		}
		group[c.Name] = node
	}
	return parquet.NewSchema("row", group)
}
