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
	"context"
	"errors"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// Sentinel errors. Wrap them with fmt.Errorf("...: %w", Err...) and match
// with errors.Is; Code maps any wrapped error to its wire code.
var (
	ErrNotFound            = errors.New("session not found")
	ErrInvalidPhase        = errors.New("event not allowed in the current phase")
	ErrUnauthorized        = errors.New("caller may not perform this event")
	ErrGenerationFailure   = errors.New("text generation failed")
	ErrAllocationExhausted = errors.New("could not allocate a free session id")
	ErrAlreadyMember       = errors.New("already a member of this session")
	ErrSessionFull         = errors.New("session is full")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrBusy                = errors.New("session has too many pending events")
	ErrCancelled           = errors.New("request cancelled")
	ErrRateLimited         = errors.New("too many events")
	ErrInternal            = errors.New("internal error")
)

// Wire codes reported to players.
const (
	CodeNotFound            = "not_found"
	CodeInvalidPhase        = "invalid_phase"
	CodeUnauthorized        = "unauthorized"
	CodeGenerationFailure   = "generation_failure"
	CodeAllocationExhausted = "allocation_exhausted"
	CodeAlreadyMember       = "already_member"
	CodeSessionFull         = "session_full"
	CodeInvalidRequest      = "invalid_request"
	CodeBusy                = "busy"
	CodeCancelled           = "cancelled"
	CodeRateLimited         = "rate_limited"
	CodeInternal            = "internal"
	CodeOK                  = "ok"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotFound, CodeNotFound},
	{ErrInvalidPhase, CodeInvalidPhase},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrGenerationFailure, CodeGenerationFailure},
	{ErrAllocationExhausted, CodeAllocationExhausted},
	{ErrAlreadyMember, CodeAlreadyMember},
	{ErrSessionFull, CodeSessionFull},
	{ErrInvalidRequest, CodeInvalidRequest},
	{ErrBusy, CodeBusy},
	{ErrRateLimited, CodeRateLimited},
	{ErrCancelled, CodeCancelled},
	{context.Canceled, CodeCancelled},
	{ErrInternal, CodeInternal},
}

// Code returns the wire code for err: "ok" for nil, "internal" for anything
// outside the taxonomy.
func Code(err error) string {
	if err == nil {
		return CodeOK
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}
