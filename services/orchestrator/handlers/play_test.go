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
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skald/services/orchestrator/datatypes"
	"github.com/AleutianAI/skald/services/orchestrator/observability"
	"github.com/AleutianAI/skald/services/orchestrator/session"
	"github.com/AleutianAI/skald/services/orchestrator/transport"
)

// =============================================================================
// Test Helpers
// =============================================================================

type playServer struct {
	server  *httptest.Server
	hub     *transport.Hub
	store   *session.MemoryStore
	metrics *observability.Metrics
}

func newPlayServer(t *testing.T, config PlayConfig) *playServer {
	t.Helper()
	hub := transport.NewHub(transport.DefaultHubConfig())
	d, store := newTestDispatcher(hub)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	router := gin.New()
	router.GET("/v1/play/ws", HandlePlaySocket(hub, d, metrics, config))
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &playServer{server: server, hub: hub, store: store, metrics: metrics}
}

// dial connects and consumes the connected frame.
func (p *playServer) dial(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(p.server.URL, "http") + "/v1/play/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	hello := readMessage(t, conn)
	require.Equal(t, datatypes.MessageConnected, hello.Type)
	require.NotEmpty(t, hello.ConnectionID)
	return conn, hello.ConnectionID
}

func readMessage(t *testing.T, conn *websocket.Conn) datatypes.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg datatypes.ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ datatypes.MessageType) datatypes.ServerMessage {
	t.Helper()
	for i := 0; i < 10; i++ {
		msg := readMessage(t, conn)
		if msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %s frame received", typ)
	return datatypes.ServerMessage{}
}

// =============================================================================
// Play Socket Tests
// =============================================================================

func TestPlaySocket_CreateAndJoin(t *testing.T) {
	p := newPlayServer(t, PlayConfig{})
	leader, leaderID := p.dial(t)
	player, playerID := p.dial(t)
	assert.NotEqual(t, leaderID, playerID)

	require.NoError(t, leader.WriteJSON(datatypes.ClientEvent{ID: "c1", Type: datatypes.EventCreateSession}))
	created := readMessage(t, leader)
	require.Equal(t, datatypes.MessageReply, created.Type)
	assert.Equal(t, "c1", created.ID)
	assert.True(t, created.OK)
	assert.True(t, datatypes.IsSessionCode(created.SessionID))

	// Codes are case-insensitive on input.
	require.NoError(t, player.WriteJSON(datatypes.ClientEvent{ID: "j1", Type: datatypes.EventJoinSession,
		SessionID: strings.ToLower(created.SessionID)}))
	joined := readMessage(t, player)
	assert.True(t, joined.OK)
	assert.Equal(t, 2, joined.PlayerCount)

	notice := readMessage(t, leader)
	assert.Equal(t, datatypes.MessagePlayerJoined, notice.Type)
	assert.Equal(t, playerID, notice.ParticipantID)

	s, err := p.store.Get(created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{leaderID, playerID}, s.Snapshot().Members)
	assert.Eventually(t, func() bool { return p.hub.RoomSize(created.SessionID) == 2 }, time.Second, 10*time.Millisecond)
}

func TestPlaySocket_FullRoundBroadcasts(t *testing.T) {
	p := newPlayServer(t, PlayConfig{})
	leader, _ := p.dial(t)
	player, _ := p.dial(t)

	require.NoError(t, leader.WriteJSON(datatypes.ClientEvent{Type: datatypes.EventCreateSession}))
	id := readMessage(t, leader).SessionID
	require.NoError(t, player.WriteJSON(datatypes.ClientEvent{Type: datatypes.EventJoinSession, SessionID: id}))
	readMessage(t, player)

	require.NoError(t, leader.WriteJSON(datatypes.ClientEvent{Type: datatypes.EventRequestScenarioOptions, SessionID: id}))
	opts := readUntil(t, leader, datatypes.MessageReply)
	require.Len(t, opts.Options, 3)

	require.NoError(t, leader.WriteJSON(datatypes.ClientEvent{Type: datatypes.EventSelectScenario, SessionID: id, Text: "3"}))
	got := readUntil(t, player, datatypes.MessageScenarioSelected)
	assert.Equal(t, "The Glass Desert", got.Scenario)
}

func TestPlaySocket_InvalidFrames(t *testing.T) {
	p := newPlayServer(t, PlayConfig{})
	conn, _ := p.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	bad := readMessage(t, conn)
	require.NotNil(t, bad.Error)
	assert.Equal(t, session.CodeInvalidRequest, bad.Error.Code)

	require.NoError(t, conn.WriteJSON(datatypes.ClientEvent{ID: "x", Type: "fly_away"}))
	unknown := readMessage(t, conn)
	require.NotNil(t, unknown.Error)
	assert.Equal(t, session.CodeInvalidRequest, unknown.Error.Code)
	assert.Equal(t, "x", unknown.ID)

	require.NoError(t, conn.WriteJSON(datatypes.ClientEvent{Type: datatypes.EventSubmitAction, SessionID: "ABCDE"}))
	noText := readMessage(t, conn)
	require.NotNil(t, noText.Error)
	assert.Equal(t, session.CodeInvalidRequest, noText.Error.Code)

	// The connection survives bad frames.
	require.NoError(t, conn.WriteJSON(datatypes.ClientEvent{Type: datatypes.EventJoinSession, SessionID: "ZZZZZ"}))
	missing := readMessage(t, conn)
	require.NotNil(t, missing.Error)
	assert.Equal(t, session.CodeNotFound, missing.Error.Code)
}

func TestPlaySocket_RateLimited(t *testing.T) {
	p := newPlayServer(t, PlayConfig{EventsPerSecond: 0.001, EventBurst: 1})
	conn, _ := p.dial(t)

	require.NoError(t, conn.WriteJSON(datatypes.ClientEvent{ID: "1", Type: datatypes.EventCreateSession}))
	assert.True(t, readMessage(t, conn).OK)

	require.NoError(t, conn.WriteJSON(datatypes.ClientEvent{ID: "2", Type: datatypes.EventCreateSession}))
	limited := readMessage(t, conn)
	require.NotNil(t, limited.Error)
	assert.Equal(t, session.CodeRateLimited, limited.Error.Code)
	assert.Equal(t, "2", limited.ID)
	assert.Equal(t, 1, p.store.Len())
}

func TestPlaySocket_DisconnectLeavesSessionIntact(t *testing.T) {
	p := newPlayServer(t, PlayConfig{})
	conn, _ := p.dial(t)
	require.NoError(t, conn.WriteJSON(datatypes.ClientEvent{Type: datatypes.EventCreateSession}))
	id := readMessage(t, conn).SessionID
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.ActiveConnections))

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return p.hub.Connections() == 0 && p.hub.RoomSize(id) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(p.metrics.ActiveConnections) == 0
	}, 2*time.Second, 10*time.Millisecond)
	_, err := p.store.Get(id)
	assert.NoError(t, err)
}
