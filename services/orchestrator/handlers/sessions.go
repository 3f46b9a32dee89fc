// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/skald/services/orchestrator/datatypes"
	"github.com/AleutianAI/skald/services/orchestrator/game"
	"github.com/AleutianAI/skald/services/orchestrator/session"
	"github.com/AleutianAI/skald/services/orchestrator/transport"
)

// ListSessions handles GET /v1/sessions. "connections" counts every open
// play socket, including ones not yet in a session.
func ListSessions(store session.Store, presence transport.Presence) gin.HandlerFunc {
	return func(c *gin.Context) {
		all := store.List()
		out := make([]datatypes.SessionSummary, 0, len(all))
		for _, s := range all {
			snap := s.Snapshot()
			out = append(out, summarize(s, &snap, presence))
		}
		c.JSON(http.StatusOK, gin.H{"sessions": out, "count": len(out), "connections": presence.Connections()})
	}
}

// GetSession handles GET /v1/sessions/:sessionId and returns a snapshot
// including the full transcript.
func GetSession(store session.Store, presence transport.Presence) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.ToUpper(c.Param("sessionId"))
		s, err := store.Get(id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "session_id": id})
			return
		}
		snap := s.Snapshot()
		c.JSON(http.StatusOK, detail(s, &snap, presence))
	}
}

// DeleteSession handles DELETE /v1/sessions/:sessionId. Connected players
// receive session_expired with reason "deleted".
func DeleteSession(dispatcher *game.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.ToUpper(c.Param("sessionId"))
		slog.Info("Received a request to delete a session", "session_id", id)

		err := dispatcher.Close(c.Request.Context(), id, "deleted")
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "session_id": id})
			return
		}
		if err != nil {
			slog.Error("failed to delete session", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_session_id": id})
	}
}

func summarize(s *session.Session, st *session.State, presence transport.Presence) datatypes.SessionSummary {
	return datatypes.SessionSummary{
		SessionID:    s.ID,
		Phase:        st.Phase.String(),
		Members:      len(st.Members),
		TurnCount:    st.TurnCount,
		CreatedAt:    s.CreatedAt.UnixMilli(),
		LastActiveAt: st.LastActive.UnixMilli(),
		Connected:    presence.RoomSize(s.ID),
	}
}

func detail(s *session.Session, st *session.State, presence transport.Presence) datatypes.SessionDetail {
	personas := make([]datatypes.PersonaView, 0, len(st.Personas))
	for id, p := range st.Personas {
		personas = append(personas, datatypes.PersonaView{ParticipantID: id, Name: p.Name, Description: p.Description})
	}
	sort.Slice(personas, func(i, j int) bool { return personas[i].ParticipantID < personas[j].ParticipantID })

	d := datatypes.SessionDetail{
		SessionSummary: summarize(s, st, presence),
		LeaderID:       s.LeaderID,
		MemberIDs:      append([]string(nil), st.Members...),
		Scenario:       st.Scenario,
		Personas:       personas,
		Transcript:     st.Transcript.Entries(),
	}
	if st.Phase == session.PhaseInProgress {
		turn := st.TurnIndex
		d.TurnIndex = &turn
	}
	return d
}
