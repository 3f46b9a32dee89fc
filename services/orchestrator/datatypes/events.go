// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the wire types exchanged with players over the
// play socket and the admin API, plus their validation rules.
package datatypes

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxEventTextRunes bounds scenario, persona and action text sent by a player.
	MaxEventTextRunes = 4000

	// MaxRequestIDLength bounds the client-chosen correlation id.
	MaxRequestIDLength = 64

	// SessionIDLength is the length of the codes minted for sessions.
	SessionIDLength = 5
)

// =============================================================================
// Conversation Messages
// =============================================================================

// Message is one (role, content) entry of a generator conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation roles understood by every generator backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// =============================================================================
// Client Events
// =============================================================================

// EventKind names an externally triggered event.
type EventKind string

const (
	EventCreateSession          EventKind = "create_session"
	EventJoinSession            EventKind = "join_session"
	EventRequestScenarioOptions EventKind = "request_scenario_options"
	EventSelectScenario         EventKind = "select_scenario"
	EventRequestPersonaOptions  EventKind = "request_persona_options"
	EventSelectPersona          EventKind = "select_persona"
	EventStartGame              EventKind = "start_game"
	EventSubmitAction           EventKind = "submit_action"
	EventEndGame                EventKind = "end_game"
)

// AllEventKinds lists every event a client may send, in lifecycle order.
var AllEventKinds = []EventKind{
	EventCreateSession,
	EventJoinSession,
	EventRequestScenarioOptions,
	EventSelectScenario,
	EventRequestPersonaOptions,
	EventSelectPersona,
	EventStartGame,
	EventSubmitAction,
	EventEndGame,
}

// RequiresText reports whether the event carries mandatory free text.
func (k EventKind) RequiresText() bool {
	switch k {
	case EventSelectScenario, EventSelectPersona, EventSubmitAction:
		return true
	}
	return false
}

// RequiresSession reports whether the event addresses an existing session.
func (k EventKind) RequiresSession() bool {
	return k != EventCreateSession
}

// ClientEvent is the JSON frame a player sends over the play socket.
//
// # Fields
//
//   - ID: Optional correlation id echoed in the reply.
//   - Type: One of the EventKind values.
//   - SessionID: Target session; empty only for create_session.
//   - Text: Scenario, persona or action text (or an optional theme hint
//     for request_scenario_options).
type ClientEvent struct {
	ID        string    `json:"id,omitempty" validate:"max=64"`
	Type      EventKind `json:"type" validate:"required,eventkind"`
	SessionID string    `json:"sessionId,omitempty" validate:"omitempty,sessioncode"`
	Text      string    `json:"text,omitempty" validate:"maxrunes"`
}

var eventValidate *validator.Validate

func init() {
	eventValidate = validator.New()
	_ = eventValidate.RegisterValidation("eventkind", validateEventKind)
	_ = eventValidate.RegisterValidation("sessioncode", validateSessionCode)
	_ = eventValidate.RegisterValidation("maxrunes", validateMaxRunes)
}

func validateEventKind(fl validator.FieldLevel) bool {
	kind := EventKind(fl.Field().String())
	for _, k := range AllEventKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func validateSessionCode(fl validator.FieldLevel) bool {
	return IsSessionCode(fl.Field().String())
}

func validateMaxRunes(fl validator.FieldLevel) bool {
	return utf8.RuneCountInString(fl.Field().String()) <= MaxEventTextRunes
}

// IsSessionCode reports whether s has the shape of a minted session code:
// SessionIDLength upper-case letters or digits.
func IsSessionCode(s string) bool {
	if len(s) != SessionIDLength {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// Normalize trims surrounding whitespace and upper-cases the session code so
// players can type codes in any case.
func (e *ClientEvent) Normalize() {
	e.SessionID = strings.ToUpper(strings.TrimSpace(e.SessionID))
	e.Text = strings.TrimSpace(e.Text)
}

// Validate checks the struct tags and the per-kind requirements.
//
// # Outputs
//
//   - error: Describes the first failing rule, or nil.
func (e *ClientEvent) Validate() error {
	if err := eventValidate.Struct(e); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if e.Type.RequiresSession() && e.SessionID == "" {
		return fmt.Errorf("invalid event: %s requires sessionId", e.Type)
	}
	if e.Type.RequiresText() && e.Text == "" {
		return fmt.Errorf("invalid event: %s requires text", e.Type)
	}
	return nil
}
