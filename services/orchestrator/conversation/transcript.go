// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation accumulates the shared narrative of a session and
// turns it into generator prompts.
//
// # Description
//
// A Transcript is the ordered, append-only record of (role, content) entries
// fed to the generator. Its first entry is always the system preamble. Prompt
// construction (Build) reads a transcript and never writes it; the game
// coordinator appends to it only after a generator call returns.
//
// # Thread Safety
//
// Transcript is a value type with no internal locking. The owning session
// guards it with its own lock.
package conversation

import (
	"github.com/AleutianAI/skald/services/orchestrator/datatypes"
)

// Transcript is an append-only conversation log.
type Transcript struct {
	entries []datatypes.Message
}

// NewTranscript starts a transcript whose first entry is the system preamble.
func NewTranscript(preamble string) Transcript {
	return Transcript{entries: []datatypes.Message{{Role: datatypes.RoleSystem, Content: preamble}}}
}

// Append adds one entry at the end. It is the only way a transcript grows.
func (t *Transcript) Append(role, content string) {
	t.entries = append(t.entries, datatypes.Message{Role: role, Content: content})
}

// Len returns the number of entries, preamble included.
func (t Transcript) Len() int {
	return len(t.entries)
}

// Entries returns a copy of every entry in order.
func (t Transcript) Entries() []datatypes.Message {
	out := make([]datatypes.Message, len(t.entries))
	copy(out, t.entries)
	return out
}

// Preamble returns the first entry, or a zero Message for an empty transcript.
func (t Transcript) Preamble() datatypes.Message {
	if len(t.entries) == 0 {
		return datatypes.Message{}
	}
	return t.entries[0]
}

// Window returns up to n of the most recent entries after the preamble.
// n <= 0 returns all of them.
func (t Transcript) Window(n int) []datatypes.Message {
	if len(t.entries) <= 1 {
		return nil
	}
	body := t.entries[1:]
	if n > 0 && len(body) > n {
		body = body[len(body)-n:]
	}
	out := make([]datatypes.Message, len(body))
	copy(out, body)
	return out
}

// Clone returns a transcript sharing the existing entries. The shared slice
// is capped so an append on either copy never writes into the other.
func (t Transcript) Clone() Transcript {
	return Transcript{entries: t.entries[:len(t.entries):len(t.entries)]}
}

// SharesPrefix reports whether t begins with every entry of prev.
func (t Transcript) SharesPrefix(prev Transcript) bool {
	if len(t.entries) < len(prev.entries) {
		return false
	}
	for i := range prev.entries {
		if t.entries[i] != prev.entries[i] {
			return false
		}
	}
	return true
}
