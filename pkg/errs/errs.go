// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package errs defines the typed error taxonomy shared by every driftlake
// component.
//
// Errors carry a machine-readable Kind plus, where relevant, the offending
// storage path and the operation that produced them. All constructors
// support cause chaining via errors.Is / errors.As.
//
// Propagation policy: Validation and Concurrency errors are recoverable by
// the caller. Storage faults outside a retry wrapper propagate. Corrupted
// CDC or checkpoint data degrades to the best available fallback but never
// masks a commit failure.
package errs

import (
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Kinds
// -----------------------------------------------------------------------------

// Kind classifies an error for programmatic handling.
type Kind int

const (
	// KindUnknown is the zero value; never constructed directly.
	KindUnknown Kind = iota

	// KindNotFound means an object was absent where presence was required.
	KindNotFound

	// KindVersionMismatch means a conditional write saw a different current
	// version. The commit pipeline surfaces this as KindConcurrency.
	KindVersionMismatch

	// KindConcurrency means a commit was rejected because the next version
	// already exists.
	KindConcurrency

	// KindValidation means bad input: malformed URL, negative latency,
	// out-of-range version range, bad projection, missing bucket.
	KindValidation

	// KindStorage is a generic storage fault, including quota, permission,
	// and transient backend failures.
	KindStorage

	// KindCDC is a change-data-capture failure; see Code for the sub-code.
	KindCDC

	// KindIntegrity means file magic or statistics were inconsistent with
	// expectations during verified compaction.
	KindIntegrity
)

// String returns the kind name used in error text and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindVersionMismatch:
		return "version-mismatch"
	case KindConcurrency:
		return "concurrency"
	case KindValidation:
		return "validation"
	case KindStorage:
		return "storage"
	case KindCDC:
		return "cdc"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// CDC sub-codes stored in Error.Code when Kind == KindCDC.
const (
	CodeInvalidVersionRange = "INVALID_VERSION_RANGE"
	CodeInvalidTimeRange    = "INVALID_TIME_RANGE"
	CodeTableNotFound       = "TABLE_NOT_FOUND"
	CodeCDCNotEnabled       = "CDC_NOT_ENABLED"
	CodeStorageError        = "STORAGE_ERROR"
	CodeParseError          = "PARSE_ERROR"
	CodeEmptyWrite          = "EMPTY_WRITE"
)

// -----------------------------------------------------------------------------
// Error
// -----------------------------------------------------------------------------

// Error is the concrete error type produced across the engine.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Code is an optional machine-readable sub-code (CDC sub-codes, backend
	// status strings).
	Code string

	// Path is the storage path involved, when one exists.
	Path string

	// Op names the operation that failed, e.g. "storage.read" or
	// "commit.conditionalCreate".
	Op string

	// Msg is the human-readable description.
	Msg string

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Code != "" {
		s += "[" + e.Code + "]"
	}
	if e.Op != "" {
		s += " " + e.Op
	}
	if e.Path != "" {
		s += " " + e.Path
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Is matches against another *Error by Kind (and Code when the target sets
// one), so sentinel comparisons like errors.Is(err, errs.NotFoundSentinel)
// work without identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != KindUnknown && t.Kind != e.Kind {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return true
}

// WithPath returns a copy of e carrying the given path.
func (e *Error) WithPath(path string) *Error {
	dup := *e
	dup.Path = path
	return &dup
}

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// NotFound reports an absent object.
func NotFound(op, path string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Path: path, Msg: "object not found"}
}

// VersionMismatch reports a failed conditional write. Expected and actual
// are opaque backend version strings; empty means "absent".
func VersionMismatch(op, path, expected, actual string) *Error {
	return &Error{
		Kind: KindVersionMismatch,
		Op:   op,
		Path: path,
		Msg:  fmt.Sprintf("expected version %q, found %q", expected, actual),
	}
}

// Concurrency reports a lost commit race for the given versions.
func Concurrency(op string, expected, actual int64) *Error {
	return &Error{
		Kind: KindConcurrency,
		Op:   op,
		Msg:  fmt.Sprintf("commit conflict: expected version %d, found %d", expected, actual),
	}
}

// Validation reports bad input.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Storage wraps a generic backend fault.
func Storage(op, path string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Path: path, Err: err, Msg: "storage failure"}
}

// CDC builds a CDC error with the given sub-code.
func CDC(code, op, format string, args ...any) *Error {
	return &Error{Kind: KindCDC, Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Integrity reports corrupt or inconsistent file contents.
func Integrity(op, path, format string, args ...any) *Error {
	return &Error{Kind: KindIntegrity, Op: op, Path: path, Msg: fmt.Sprintf(format, args...)}
}

// -----------------------------------------------------------------------------
// Predicates
// -----------------------------------------------------------------------------

// KindOf returns the Kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the sub-code of err, or "" when absent.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsVersionMismatch reports whether err is a conditional-write mismatch.
func IsVersionMismatch(err error) bool { return KindOf(err) == KindVersionMismatch }

// IsConcurrency reports whether err is a commit conflict. A raw
// version-mismatch also counts: the pipeline may not have reclassified yet.
func IsConcurrency(err error) bool {
	k := KindOf(err)
	return k == KindConcurrency || k == KindVersionMismatch
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsStorage reports whether err is a generic storage fault.
func IsStorage(err error) bool { return KindOf(err) == KindStorage }

// IsCDC reports whether err is a CDC error.
func IsCDC(err error) bool { return KindOf(err) == KindCDC }

// IsIntegrity reports whether err is an integrity error.
func IsIntegrity(err error) bool { return KindOf(err) == KindIntegrity }
