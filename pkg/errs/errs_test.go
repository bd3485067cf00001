// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindNotFound, "not-found"},
		{KindVersionMismatch, "version-mismatch"},
		{KindConcurrency, "concurrency"},
		{KindValidation, "validation"},
		{KindStorage, "storage"},
		{KindCDC, "cdc"},
		{KindIntegrity, "integrity"},
		{Kind(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.want {
				t.Errorf("String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name string
		err  error
		pred func(error) bool
		want bool
	}{
		{"not-found matches", NotFound("storage.read", "a/b"), IsNotFound, true},
		{"not-found rejects storage", Storage("storage.read", "a/b", errors.New("x")), IsNotFound, false},
		{"mismatch is concurrency", VersionMismatch("storage.conditionalCreate", "p", "1", "2"), IsConcurrency, true},
		{"concurrency is concurrency", Concurrency("commit", 3, 4), IsConcurrency, true},
		{"validation", Validation("query.project", "mixed projection"), IsValidation, true},
		{"cdc", CDC(CodeEmptyWrite, "table.insert", "no rows"), IsCDC, true},
		{"integrity", Integrity("compact.verify", "part-0.parquet", "bad magic"), IsIntegrity, true},
		{"plain error has no kind", errors.New("boom"), IsStorage, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pred(tt.err); got != tt.want {
				t.Errorf("predicate = %v, want %v (err=%v)", got, tt.want, tt.err)
			}
		})
	}
}

func TestWrappedCauseSurvives(t *testing.T) {
	cause := errors.New("disk full")
	err := Storage("storage.write", "data/part-1.parquet", cause)
	wrapped := fmt.Errorf("commit failed: %w", err)

	if !errors.Is(wrapped, cause) {
		t.Fatal("cause lost through wrapping")
	}
	if !IsStorage(wrapped) {
		t.Fatal("kind lost through wrapping")
	}
	if KindOf(wrapped) != KindStorage {
		t.Fatalf("KindOf = %v", KindOf(wrapped))
	}
}

func TestCDCCodes(t *testing.T) {
	err := CDC(CodeInvalidVersionRange, "cdc.readByVersion", "start %d > end %d", 5, 2)
	if CodeOf(err) != CodeInvalidVersionRange {
		t.Fatalf("CodeOf = %q", CodeOf(err))
	}

	// Is matching on kind+code via a target sentinel.
	target := &Error{Kind: KindCDC, Code: CodeInvalidVersionRange}
	if !errors.Is(err, target) {
		t.Fatal("expected code-level match")
	}
	other := &Error{Kind: KindCDC, Code: CodeEmptyWrite}
	if errors.Is(err, other) {
		t.Fatal("unexpected match across codes")
	}
}

func TestErrorText(t *testing.T) {
	err := VersionMismatch("storage.conditionalCreate", "_delta_log/00000000000000000003.json", "", "etag-1")
	got := err.Error()
	want := `version-mismatch storage.conditionalCreate _delta_log/00000000000000000003.json: expected version "", found "etag-1"`
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
