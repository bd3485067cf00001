// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package action defines the typed records that make up a commit file and
// the newline-delimited JSON codec for one commit.
//
// Each record serializes as a JSON object with exactly one top-level key
// naming the variant: protocol, metaData, add, remove, cdc, txn, or
// commitInfo. Unknown keys are preserved on read but dropped on rewrite.
package action

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// Paths
// -----------------------------------------------------------------------------

// Log layout constants under a table root.
const (
	LogPrefix          = "_delta_log/"
	LastCheckpointPath = "_delta_log/_last_checkpoint"
	ChangeDataPrefix   = "_change_data/"
	CDCConfigPath      = "_cdc_config.json"
)

// CommitPath returns the commit file key for a version, zero-padded to 20
// digits.
func CommitPath(version int64) string {
	return fmt.Sprintf("%s%020d.json", LogPrefix, version)
}

// CheckpointPath returns the checkpoint file key for a version.
func CheckpointPath(version int64) string {
	return fmt.Sprintf("%s%020d.checkpoint.parquet", LogPrefix, version)
}

// DataFilePath returns a data file key for a commit version and sequence
// number within it. The random suffix keeps writers racing for the same
// version from clobbering each other's staged files: the loser's cleanup
// must never delete the winner's data.
func DataFilePath(version int64, seq int) string {
	return fmt.Sprintf("part-%020d-%04d-%s.parquet", version, seq, uuid.NewString()[:8])
}

// CDCFilePath returns the change-data file key for a version.
func CDCFilePath(version int64) string {
	return fmt.Sprintf("%scdc-%020d.parquet", ChangeDataPrefix, version)
}

// CDCDatePath returns the date-partitioned mirror of a change-data file.
func CDCDatePath(version int64, utcDate string) string {
	return fmt.Sprintf("%sdate=%s/cdc-%020d.parquet", ChangeDataPrefix, utcDate, version)
}

// ParseCommitVersion extracts the version from a commit file key. The
// second result is false for anything that is not a commit file.
func ParseCommitVersion(path string) (int64, bool) {
	name := strings.TrimPrefix(path, LogPrefix)
	if name == path || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	digits := strings.TrimSuffix(name, ".json")
	if len(digits) != 20 || strings.Contains(digits, "/") {
		return 0, false
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// ParseCheckpointVersion extracts the version from a checkpoint file key.
func ParseCheckpointVersion(path string) (int64, bool) {
	name := strings.TrimPrefix(path, LogPrefix)
	if name == path || !strings.HasSuffix(name, ".checkpoint.parquet") {
		return 0, false
	}
	digits := strings.TrimSuffix(name, ".checkpoint.parquet")
	if len(digits) != 20 {
		return 0, false
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// -----------------------------------------------------------------------------
// Safe 64-bit integers
// -----------------------------------------------------------------------------

// maxSafeJSON is the largest integer representable exactly as a JSON
// number (2^53 - 1).
const maxSafeJSON = int64(1)<<53 - 1

// Int64 is a 64-bit integer that serializes as a JSON number when it fits
// in 53 bits and as a decimal string otherwise. Both forms are accepted
// on read.
type Int64 int64

// MarshalJSON implements json.Marshaler.
func (i Int64) MarshalJSON() ([]byte, error) {
	v := int64(i)
	if v > maxSafeJSON || v < -maxSafeJSON {
		return []byte(`"` + strconv.FormatInt(v, 10) + `"`), nil
	}
	return []byte(strconv.FormatInt(v, 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *Int64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Tolerate float notation from foreign writers.
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("parse int64 %q: %w", s, err)
		}
		v = int64(f)
	}
	*i = Int64(v)
	return nil
}

// -----------------------------------------------------------------------------
// Variants
// -----------------------------------------------------------------------------

// Protocol declares reader and writer requirements. Present at version 0
// and on protocol upgrades.
type Protocol struct {
	MinReaderVersion int `json:"minReaderVersion"`
	MinWriterVersion int `json:"minWriterVersion"`
}

// ConfigKeyChangeDataFeed is the Metadata configuration key that signals
// CDC on a table.
const ConfigKeyChangeDataFeed = "delta.enableChangeDataFeed"

// Metadata carries the table schema, partitioning, and configuration.
type Metadata struct {
	Schema           json.RawMessage   `json:"schema,omitempty"`
	PartitionColumns []string          `json:"partitionColumns,omitempty"`
	Configuration    map[string]string `json:"configuration,omitempty"`
}

// ChangeDataFeedEnabled reports the CDC bit in the configuration.
func (m *Metadata) ChangeDataFeedEnabled() bool {
	return m != nil && m.Configuration[ConfigKeyChangeDataFeed] == "true"
}

// Stats is a per-file zone map: row count plus per-column min, max, and
// null counts.
type Stats struct {
	NumRecords int64            `json:"numRecords"`
	MinValues  map[string]any   `json:"minValues,omitempty"`
	MaxValues  map[string]any   `json:"maxValues,omitempty"`
	NullCount  map[string]int64 `json:"nullCount,omitempty"`
}

// Add makes a data file live.
type Add struct {
	Path             string            `json:"path"`
	Size             Int64             `json:"size"`
	ModificationTime Int64             `json:"modificationTime"`
	DataChange       bool              `json:"dataChange"`
	PartitionValues  map[string]string `json:"partitionValues,omitempty"`
	Stats            *Stats            `json:"stats,omitempty"`
}

// Remove tombstones a data file.
type Remove struct {
	Path              string            `json:"path"`
	DeletionTimestamp Int64             `json:"deletionTimestamp"`
	DataChange        bool              `json:"dataChange"`
	PartitionValues   map[string]string `json:"partitionValues,omitempty"`
	Size              Int64             `json:"size,omitempty"`
}

// CDCFile points at a change-data file committed with this version.
type CDCFile struct {
	Path            string            `json:"path"`
	Size            Int64             `json:"size"`
	PartitionValues map[string]string `json:"partitionValues,omitempty"`
}

// Txn is an optional idempotency anchor for external drivers.
type Txn struct {
	AppID       string `json:"appId"`
	Version     int64  `json:"version"`
	LastUpdated Int64  `json:"lastUpdated,omitempty"`
}

// CommitInfo is informational provenance for one commit.
type CommitInfo struct {
	Timestamp           Int64          `json:"timestamp"`
	Operation           string         `json:"operation"`
	OperationParameters map[string]any `json:"operationParameters,omitempty"`
	ReadVersion         int64          `json:"readVersion"`
}

// -----------------------------------------------------------------------------
// Action container
// -----------------------------------------------------------------------------

// Action is one record of a commit file. Exactly one variant pointer is
// non-nil. Unknown keys seen on read are retained in Unknown and dropped
// when the action is re-encoded.
type Action struct {
	Protocol   *Protocol
	Metadata   *Metadata
	Add        *Add
	Remove     *Remove
	CDC        *CDCFile
	Txn        *Txn
	CommitInfo *CommitInfo

	Unknown map[string]json.RawMessage `json:"-"`
}

// Kind returns the wire key of the populated variant, or "".
func (a *Action) Kind() string {
	switch {
	case a.Protocol != nil:
		return "protocol"
	case a.Metadata != nil:
		return "metaData"
	case a.Add != nil:
		return "add"
	case a.Remove != nil:
		return "remove"
	case a.CDC != nil:
		return "cdc"
	case a.Txn != nil:
		return "txn"
	case a.CommitInfo != nil:
		return "commitInfo"
	default:
		return ""
	}
}

// MarshalJSON emits the single-key object form. Unknown keys are dropped.
func (a Action) MarshalJSON() ([]byte, error) {
	var inner any
	key := a.Kind()
	switch key {
	case "protocol":
		inner = a.Protocol
	case "metaData":
		inner = a.Metadata
	case "add":
		inner = a.Add
	case "remove":
		inner = a.Remove
	case "cdc":
		inner = a.CDC
	case "txn":
		inner = a.Txn
	case "commitInfo":
		inner = a.CommitInfo
	default:
		return nil, errs.Validation("action.encode", "action has no variant set")
	}
	return json.Marshal(map[string]any{key: inner})
}

// UnmarshalJSON decodes the single-key object form, keeping unknown keys.
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = Action{}
	for key, body := range raw {
		var err error
		switch key {
		case "protocol":
			a.Protocol = &Protocol{}
			err = json.Unmarshal(body, a.Protocol)
		case "metaData":
			a.Metadata = &Metadata{}
			err = json.Unmarshal(body, a.Metadata)
		case "add":
			a.Add = &Add{}
			err = json.Unmarshal(body, a.Add)
		case "remove":
			a.Remove = &Remove{}
			err = json.Unmarshal(body, a.Remove)
		case "cdc":
			a.CDC = &CDCFile{}
			err = json.Unmarshal(body, a.CDC)
		case "txn":
			a.Txn = &Txn{}
			err = json.Unmarshal(body, a.Txn)
		case "commitInfo":
			a.CommitInfo = &CommitInfo{}
			err = json.Unmarshal(body, a.CommitInfo)
		default:
			if a.Unknown == nil {
				a.Unknown = make(map[string]json.RawMessage)
			}
			a.Unknown[key] = body
		}
		if err != nil {
			return fmt.Errorf("decode %s action: %w", key, err)
		}
	}
	if a.Kind() == "" && len(a.Unknown) == 0 {
		return errs.Validation("action.decode", "empty action object")
	}
	return nil
}
