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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/skald/services/orchestrator/datatypes"
	"github.com/AleutianAI/skald/services/orchestrator/game"
	"github.com/AleutianAI/skald/services/orchestrator/observability"
	"github.com/AleutianAI/skald/services/orchestrator/session"
	"github.com/AleutianAI/skald/services/orchestrator/transport"
)

// PlayConfig tunes the play socket.
//
// # Fields
//
//   - EventsPerSecond: Sustained events allowed per connection. <= 0 disables limiting.
//   - EventBurst: Events allowed in a burst. Default: 10.
type PlayConfig struct {
	EventsPerSecond float64
	EventBurst      int
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// HandlePlaySocket upgrades GET /v1/play/ws and runs the connection's read loop.
//
// # Description
//
// Each connection is registered with the hub and receives a "connected"
// frame carrying its connection id, which is also its participant id.
// Every frame read is normalized, validated and rate limited before being
// submitted to the dispatcher. Replies and notices reach the connection
// through the hub, so the read loop never waits for a generator call.
//
// When the connection closes, it leaves every room and its queued events
// are cancelled. Sessions it belongs to are not changed.
func HandlePlaySocket(hub *transport.Hub, dispatcher *game.Dispatcher, metrics *observability.Metrics,
	config PlayConfig) gin.HandlerFunc {
	if config.EventBurst <= 0 {
		config.EventBurst = 10
	}
	limit := rate.Inf
	if config.EventsPerSecond > 0 {
		limit = rate.Limit(config.EventsPerSecond)
	}

	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}

		client := hub.Register(ws)
		metrics.ConnectionOpened()
		ctx, cancel := context.WithCancel(c.Request.Context())
		defer func() {
			cancel()
			hub.Unregister(client)
			metrics.ConnectionClosed()
			slog.Info("Player disconnected", "connection_id", client.ID)
		}()

		slog.Info("Player connected", "connection_id", client.ID)
		if err := hub.Send(client.ID, datatypes.ServerMessage{
			Type:         datatypes.MessageConnected,
			ConnectionID: client.ID,
		}); err != nil {
			return
		}

		limiter := rate.NewLimiter(limit, config.EventBurst)
		for {
			var frame datatypes.ClientEvent
			if err := client.ReadJSON(&frame); err != nil {
				if isDecodeError(err) {
					reject(hub, metrics, client.ID, frame, fmt.Errorf("malformed frame: %v: %w", err, session.ErrInvalidRequest))
					continue
				}
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Warn("Websocket read failed", "connection_id", client.ID, "error", err)
				}
				return
			}

			frame.Normalize()
			if err := frame.Validate(); err != nil {
				reject(hub, metrics, client.ID, frame, fmt.Errorf("%v: %w", err, session.ErrInvalidRequest))
				continue
			}
			if !limiter.Allow() {
				reject(hub, metrics, client.ID, frame, fmt.Errorf("slow down: %w", session.ErrRateLimited))
				continue
			}

			dispatcher.Submit(ctx, game.Event{
				RequestID:     frame.ID,
				Kind:          frame.Type,
				SessionID:     frame.SessionID,
				ParticipantID: client.ID,
				Text:          frame.Text,
			})
		}
	}
}

// reject replies to a frame that never reached the dispatcher.
func reject(hub *transport.Hub, metrics *observability.Metrics, connID string, frame datatypes.ClientEvent, err error) {
	code := session.Code(err)
	metrics.RecordEvent(string(frame.Type), code, 0)
	msg := datatypes.ServerMessage{
		Type:      datatypes.MessageReply,
		ID:        frame.ID,
		Event:     frame.Type,
		SessionID: frame.SessionID,
		Error:     &datatypes.ErrorBody{Code: code, Message: err.Error()},
	}
	if serr := hub.Send(connID, msg); serr != nil {
		slog.Warn("Failed to deliver rejection", "connection_id", connID, "error", serr)
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF)
}
