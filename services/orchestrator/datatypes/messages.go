// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// MessageType names a frame pushed from the server to a player.
type MessageType string

const (
	// MessageConnected is sent once per connection with its identifier.
	MessageConnected MessageType = "connected"
	// MessageReply answers exactly one ClientEvent.
	MessageReply MessageType = "reply"

	// Notices, pushed as a side effect of another participant's event.
	MessagePlayerJoined     MessageType = "player_joined"
	MessageScenarioSelected MessageType = "scenario_selected"
	MessagePersonaSelected  MessageType = "persona_selected"
	MessageAllReady         MessageType = "all_ready"
	MessageGameStarted      MessageType = "game_started"
	MessageYourTurn         MessageType = "your_turn"
	MessageActionOutcome    MessageType = "action_outcome"
	MessageSessionEnded     MessageType = "session_ended"
	MessageSessionExpired   MessageType = "session_expired"
)

// ErrorBody is the structured error carried by a failed reply.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerMessage is every frame the server writes to a player. Fields not
// relevant to the frame type are omitted from the JSON.
type ServerMessage struct {
	Type MessageType `json:"type"`

	// Reply correlation.
	ID    string     `json:"id,omitempty"`
	Event EventKind  `json:"event,omitempty"`
	OK    bool       `json:"ok,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`

	ConnectionID  string   `json:"connectionId,omitempty"`
	SessionID     string   `json:"sessionId,omitempty"`
	ParticipantID string   `json:"participantId,omitempty"`
	PlayerCount   int      `json:"playerCount,omitempty"`
	Options       []string `json:"options,omitempty"`
	Scenario      string   `json:"scenario,omitempty"`
	Persona       string   `json:"persona,omitempty"`
	PersonaName   string   `json:"personaName,omitempty"`
	Action        string   `json:"action,omitempty"`
	Outcome       string   `json:"outcome,omitempty"`
	TurnIndex     *int     `json:"turnIndex,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// =============================================================================
// Admin API
// =============================================================================

// SessionSummary is one row of GET /v1/sessions.
type SessionSummary struct {
	SessionID    string `json:"sessionId"`
	Phase        string `json:"phase"`
	Members      int    `json:"members"`
	TurnCount    int    `json:"turnCount"`
	CreatedAt    int64  `json:"createdAt"`
	LastActiveAt int64  `json:"lastActiveAt"`
	// Connected counts open player connections in the session's room.
	Connected int `json:"connected"`
}

// PersonaView is a persona assignment as exposed by the admin API.
type PersonaView struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	Description   string `json:"description"`
}

// SessionDetail is the body of GET /v1/sessions/:sessionId.
type SessionDetail struct {
	SessionSummary
	LeaderID   string        `json:"leaderId"`
	MemberIDs  []string      `json:"memberIds"`
	Scenario   string        `json:"scenario,omitempty"`
	Personas   []PersonaView `json:"personas"`
	TurnIndex  *int          `json:"turnIndex,omitempty"`
	Transcript []Message     `json:"transcript"`
}
