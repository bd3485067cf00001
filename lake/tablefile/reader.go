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
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/AleutianAI/driftlake/lake/storage"
	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// Reader
// -----------------------------------------------------------------------------

// parquetMagic is the 4-byte header and footer of every parquet file.
var parquetMagic = []byte("PAR1")

// HasParquetMagic reports whether data carries the parquet header and
// footer bytes. Used as the cheap corruption check during verified
// compaction.
func HasParquetMagic(data []byte) bool {
	return len(data) >= 8 &&
		bytes.HasPrefix(data, parquetMagic) &&
		bytes.HasSuffix(data, parquetMagic)
}

// ReadRows fetches one parquet object and returns its rows in file order.
// When schema is non-nil, logical types (timestamps, JSON, decimals) are
// restored; a nil schema returns physical values.
func ReadRows(ctx context.Context, store storage.ObjectStore, path string, schema *Schema) ([]Row, error) {
	data, err := store.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	return DecodeRows(data, path, schema)
}

// DecodeRows parses parquet bytes already in memory.
func DecodeRows(data []byte, path string, schema *Schema) ([]Row, error) {
	if !HasParquetMagic(data) {
		return nil, errs.Integrity("tablefile.read", path, "missing parquet magic")
	}
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "tablefile.read", err, "open parquet %s", path)
	}

	var rows []Row
	for _, rowGroup := range file.RowGroups() {
		reader := parquet.NewGenericRowGroupReader[Row](rowGroup, rowGroup.Schema())
		batch := make([]Row, 128)
		for {
			for i := range batch {
				if batch[i] == nil {
					batch[i] = Row{}
				}
			}
			n, err := reader.Read(batch)
			for i := 0; i < n; i++ {
				rows = append(rows, restoreRow(batch[i], schema))
				batch[i] = nil
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				_ = reader.Close()
				return nil, errs.Wrap(errs.KindStorage, "tablefile.read", err, "read parquet %s", path)
			}
		}
		if err := reader.Close(); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "tablefile.read", err, "close parquet reader %s", path)
		}
	}
	return rows, nil
}

func restoreRow(row Row, schema *Schema) Row {
	if schema == nil {
		return row
	}
	out := make(Row, len(row))
	for k, v := range row {
		if c := schema.Column(k); c != nil {
			out[k] = denormalize(v, c.Type)
		} else {
			out[k] = v
		}
	}
	return out
}
