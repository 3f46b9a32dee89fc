// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/AleutianAI/skald/services/orchestrator/datatypes"
)

// CodeAlphabet is upper-case letters and digits without I, O, 0 and 1, so
// codes survive being read aloud or copied by hand.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// IDGenerator mints candidate session ids. Uniqueness is enforced by the
// store, which retries on collision.
type IDGenerator interface {
	Generate() (string, error)
}

// IDGeneratorFunc adapts a function to IDGenerator.
type IDGeneratorFunc func() (string, error)

func (f IDGeneratorFunc) Generate() (string, error) { return f() }

// CodeGenerator draws fixed-length codes from CodeAlphabet.
type CodeGenerator struct {
	// Length defaults to datatypes.SessionIDLength.
	Length int
	// Random defaults to crypto/rand.Reader.
	Random io.Reader
}

// Generate returns a uniformly random code.
func (g CodeGenerator) Generate() (string, error) {
	length := g.Length
	if length <= 0 {
		length = datatypes.SessionIDLength
	}
	src := g.Random
	if src == nil {
		src = rand.Reader
	}
	max := big.NewInt(int64(len(CodeAlphabet)))
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(src, max)
		if err != nil {
			return "", fmt.Errorf("failed to read randomness: %w", err)
		}
		code[i] = CodeAlphabet[n.Int64()]
	}
	return string(code), nil
}
