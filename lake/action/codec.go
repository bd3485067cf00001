// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package action

import (
	"bytes"

	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// Commit codec
// -----------------------------------------------------------------------------

// EncodeCommit serializes actions as newline-delimited JSON, one object
// per line, each line newline-terminated. Action order is preserved
// exactly.
func EncodeCommit(actions []Action) ([]byte, error) {
	if len(actions) == 0 {
		return nil, errs.Validation("action.encodeCommit", "empty action set")
	}
	var buf bytes.Buffer
	for i := range actions {
		line, err := actions[i].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// DecodeCommit parses one commit file body. Blank lines are tolerated;
// malformed lines fail the whole decode.
func DecodeCommit(data []byte) ([]Action, error) {
	var actions []Action
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var a Action
		if err := a.UnmarshalJSON(line); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "action.decodeCommit", err, "malformed action line")
		}
		actions = append(actions, a)
	}
	if len(actions) == 0 {
		return nil, errs.Validation("action.decodeCommit", "commit file contains no actions")
	}
	return actions, nil
}
