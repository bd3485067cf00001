// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tablefile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/AleutianAI/driftlake/lake/action"
	"github.com/AleutianAI/driftlake/lake/storage"
	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// Value coercion
// -----------------------------------------------------------------------------

// normalize converts one value to its physical form for the column type.
func normalize(v any, t ColumnType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeInt64:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int64:
			return x, nil
		case json.Number:
			return x.Int64()
		case *big.Int:
			if !x.IsInt64() {
				return nil, fmt.Errorf("big integer %s overflows int64", x)
			}
			return x.Int64(), nil
		}
	case TypeFloat64:
		switch x := v.(type) {
		case float32:
			return float64(x), nil
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		case int32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case json.Number:
			return x.Float64()
		}
	case TypeBool:
		if x, ok := v.(bool); ok {
			return x, nil
		}
	case TypeString:
		if x, ok := v.(string); ok {
			return x, nil
		}
	case TypeTimestamp:
		if x, ok := v.(time.Time); ok {
			return x.UTC().Format(time.RFC3339Nano), nil
		}
		if x, ok := v.(string); ok {
			return x, nil
		}
	case TypeBinary:
		if x, ok := v.([]byte); ok {
			return x, nil
		}
	case TypeDecimal:
		switch x := v.(type) {
		case *big.Int:
			return x.String(), nil
		case int64:
			return fmt.Sprintf("%d", x), nil
		case int:
			return fmt.Sprintf("%d", x), nil
		case string:
			return x, nil
		}
	case TypeJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
	return nil, fmt.Errorf("value %T does not fit column type %s", v, t)
}

// denormalize restores the logical value for a physical one on read.
func denormalize(v any, t ColumnType) any {
	if v == nil {
		return nil
	}
	switch t {
	case TypeTimestamp:
		if s, ok := v.(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return ts
			}
		}
	case TypeJSON:
		if s, ok := v.(string); ok {
			var out any
			if err := json.Unmarshal([]byte(s), &out); err == nil {
				return out
			}
		}
	case TypeDecimal:
		if s, ok := v.(string); ok {
			if n, ok := new(big.Int).SetString(s, 10); ok {
				if n.IsInt64() {
					return n.Int64()
				}
				return n
			}
		}
	case TypeString:
		if b, ok := v.([]byte); ok {
			return string(b)
		}
	}
	return v
}

// -----------------------------------------------------------------------------
// Statistics
// -----------------------------------------------------------------------------

// collectStats builds the zone map for a normalized batch.
func collectStats(rows []Row, schema *Schema) *action.Stats {
	stats := &action.Stats{
		NumRecords: int64(len(rows)),
		MinValues:  map[string]any{},
		MaxValues:  map[string]any{},
		NullCount:  map[string]int64{},
	}
	for _, c := range schema.Columns {
		var minV, maxV any
		var nulls int64
		for _, row := range rows {
			v, present := row[c.Name]
			if !present || v == nil {
				nulls++
				continue
			}
			if minV == nil || compareValues(v, minV) < 0 {
				minV = v
			}
			if maxV == nil || compareValues(v, maxV) > 0 {
				maxV = v
			}
		}
		if minV != nil {
			stats.MinValues[c.Name] = minV
			stats.MaxValues[c.Name] = maxV
		}
		stats.NullCount[c.Name] = nulls
	}
	return stats
}

// compareValues orders two physical values of the same column. Mixed or
// unsupported types compare equal so they never prune.
func compareValues(a, b any) int {
	switch x := a.(type) {
	case int64:
		if y, ok := toFloat(b); ok {
			return compareFloat(float64(x), y)
		}
	case float64:
		if y, ok := toFloat(b); ok {
			return compareFloat(x, y)
		}
	case string:
		if y, ok := b.(string); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case !x && y:
				return -1
			case x && !y:
				return 1
			}
			return 0
		}
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// -----------------------------------------------------------------------------
// Writer
// -----------------------------------------------------------------------------

// WriteResult describes a staged data file.
type WriteResult struct {
	Path     string
	Size     int64
	RowCount int64
	Stats    *action.Stats
}

// Encoded is an in-memory parquet object ready for storage.
type Encoded struct {
	Data     []byte
	RowCount int64
	Stats    *action.Stats
}

// WriteRows normalizes rows against schema, writes one parquet object at
// path, and returns its Add-ready description. Stats collection is
// optional.
func WriteRows(ctx context.Context, store storage.ObjectStore, path string, rows []Row, schema *Schema, withStats bool) (*WriteResult, error) {
	encoded, err := EncodeRows(rows, schema, withStats)
	if err != nil {
		return nil, err
	}
	if err := store.Write(ctx, path, encoded.Data); err != nil {
		return nil, err
	}
	return &WriteResult{
		Path:     path,
		Size:     int64(len(encoded.Data)),
		RowCount: encoded.RowCount,
		Stats:    encoded.Stats,
	}, nil
}

// EncodeRows normalizes rows against schema and encodes one parquet
// object in memory.
func EncodeRows(rows []Row, schema *Schema, withStats bool) (*Encoded, error) {
	if len(rows) == 0 {
		return nil, errs.Validation("tablefile.write", "empty row batch")
	}

	normalized := make([]Row, len(rows))
	for i, row := range rows {
		out := make(Row, len(schema.Columns))
		for _, c := range schema.Columns {
			v, present := row[c.Name]
			if !present || v == nil {
				if !c.Nullable {
					return nil, errs.Validation("tablefile.write", "null in non-nullable column %q (row %d)", c.Name, i)
				}
				out[c.Name] = nil
				continue
			}
			nv, err := normalize(v, c.Type)
			if err != nil {
				return nil, errs.Validation("tablefile.write", "column %q row %d: %v", c.Name, i, err)
			}
			out[c.Name] = nv
		}
		normalized[i] = out
	}

	var buf bytes.Buffer
	writer := parquet.NewGenericWriter[Row](&buf, schema.parquetSchema())
	if _, err := writer.Write(normalized); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "tablefile.write", err, "encode parquet")
	}
	if err := writer.Close(); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "tablefile.write", err, "close parquet writer")
	}

	encoded := &Encoded{
		Data:     buf.Bytes(),
		RowCount: int64(len(normalized)),
	}
	if withStats {
		encoded.Stats = collectStats(normalized, schema)
	}
	return encoded, nil
}
