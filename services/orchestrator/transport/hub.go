// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/skald/services/orchestrator/datatypes"
)

// =============================================================================
// Hub Configuration
// =============================================================================

// HubConfig tunes websocket connections.
//
// # Fields
//
//   - SendBuffer: Outbound frames queued per connection. Default: 64.
//   - WriteWait: Deadline for one frame write. Default: 10s.
//   - PongWait: Read deadline extended by every pong. Default: 60s.
//   - PingPeriod: Ping interval, must be below PongWait. Default: 54s.
//   - MaxMessageSize: Largest inbound frame in bytes. Default: 32KiB.
type HubConfig struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

// DefaultHubConfig returns production defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SendBuffer:     64,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 32 * 1024,
	}
}

// =============================================================================
// Hub
// =============================================================================

// Hub tracks websocket connections and rooms.
//
// # Description
//
// Each registered connection gets a buffered send channel drained by its
// own write goroutine, so Send and Broadcast never block on the network.
// A connection whose buffer is full is closed rather than allowed to stall
// its room.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]struct{}
	config  HubConfig
}

var (
	_ Transport = (*Hub)(nil)
	_ Presence  = (*Hub)(nil)
)

// NewHub creates a Hub, filling zero config fields with defaults.
func NewHub(config HubConfig) *Hub {
	def := DefaultHubConfig()
	if config.SendBuffer <= 0 {
		config.SendBuffer = def.SendBuffer
	}
	if config.WriteWait <= 0 {
		config.WriteWait = def.WriteWait
	}
	if config.PongWait <= 0 {
		config.PongWait = def.PongWait
	}
	if config.PingPeriod <= 0 || config.PingPeriod >= config.PongWait {
		config.PingPeriod = config.PongWait * 9 / 10
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = def.MaxMessageSize
	}
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]struct{}),
		config:  config,
	}
}

// Register adopts an upgraded connection and starts its write pump.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	c := &Client{
		ID:   uuid.New().String(),
		conn: conn,
		hub:  h,
		send: make(chan []byte, h.config.SendBuffer),
		done: make(chan struct{}),
	}
	conn.SetReadLimit(h.config.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	go c.writePump()
	return c
}

// Unregister removes the client from every room and closes it.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	for room, members := range h.rooms {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	c.close()
}

// Connections implements Presence.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send implements Transport.
func (h *Hub) Send(connID string, msg datatypes.ServerMessage) error {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", connID, ErrUnknownConnection)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	return h.enqueue(c, payload)
}

// Broadcast implements Transport.
func (h *Hub) Broadcast(room string, msg datatypes.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		if c, ok := h.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		_ = h.enqueue(c, payload)
	}
	return nil
}

// Join implements Transport.
func (h *Hub) Join(connID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[connID]; !ok {
		return fmt.Errorf("join %s: %w", connID, ErrUnknownConnection)
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	members[connID] = struct{}{}
	return nil
}

// CloseRoom implements Transport.
func (h *Hub) CloseRoom(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, room)
}

// RoomSize implements Presence.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) enqueue(c *Client, payload []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("send to %s: %w", c.ID, ErrUnknownConnection)
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		slog.Warn("Dropping slow websocket consumer", "connection_id", c.ID)
		go h.Unregister(c)
		return fmt.Errorf("send to %s: %w", c.ID, ErrSlowConsumer)
	}
}

// =============================================================================
// Client
// =============================================================================

// Client is one registered websocket connection.
type Client struct {
	ID string

	conn      *websocket.Conn
	hub       *Hub
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// ReadJSON reads the next frame into v. Only the connection's read loop
// may call it.
func (c *Client) ReadJSON(v any) error {
	return c.conn.ReadJSON(v)
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump owns every write on the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.config.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Info("Websocket write failed", "connection_id", c.ID, "error", err)
				go c.hub.Unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				go c.hub.Unregister(c)
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes frames already queued when the client was closed.
func (c *Client) flush() {
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}
