// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport delivers server messages to connected players.
//
// # Description
//
// A connection is addressed by its id; a room is a named group of
// connections, one per session. The game layer only sees the Transport
// interface. Hub implements it over gorilla/websocket; Recorder implements
// it in memory for tests.
package transport

import (
	"errors"
	"slices"
	"sync"

	"github.com/AleutianAI/skald/services/orchestrator/datatypes"
)

var (
	// ErrUnknownConnection is returned for a connection id that is not registered.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrSlowConsumer is returned when a connection's send buffer is full.
	// The connection is closed.
	ErrSlowConsumer = errors.New("connection send buffer full")
)

// Transport is the point-to-point and room broadcast primitive.
type Transport interface {
	// Send delivers msg to one connection.
	Send(connID string, msg datatypes.ServerMessage) error
	// Broadcast delivers msg to every connection in room. Failures on
	// individual connections do not stop delivery to the others.
	Broadcast(room string, msg datatypes.ServerMessage) error
	// Join adds a connection to a room.
	Join(connID, room string) error
	// CloseRoom forgets a room; its connections stay open.
	CloseRoom(room string)
}

// Presence reports connection counts for the admin API.
type Presence interface {
	// Connections returns the number of open connections.
	Connections() int
	// RoomSize returns the number of connections in room.
	RoomSize(room string) int
}

// =============================================================================
// Recorder
// =============================================================================

// Delivery is one message as received by one connection.
type Delivery struct {
	ConnID string
	Room   string
	Msg    datatypes.ServerMessage
}

// Recorder is an in-memory Transport that records every delivery.
type Recorder struct {
	mu         sync.Mutex
	rooms      map[string][]string
	deliveries []Delivery
	failing    map[string]bool
}

var (
	_ Transport = (*Recorder)(nil)
	_ Presence  = (*Recorder)(nil)
)

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		rooms:   make(map[string][]string),
		failing: make(map[string]bool),
	}
}

// Send implements Transport.
func (r *Recorder) Send(connID string, msg datatypes.ServerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing[connID] {
		return ErrUnknownConnection
	}
	r.deliveries = append(r.deliveries, Delivery{ConnID: connID, Msg: msg})
	return nil
}

// Broadcast implements Transport.
func (r *Recorder) Broadcast(room string, msg datatypes.ServerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, connID := range r.rooms[room] {
		if r.failing[connID] {
			continue
		}
		r.deliveries = append(r.deliveries, Delivery{ConnID: connID, Room: room, Msg: msg})
	}
	return nil
}

// Join implements Transport.
func (r *Recorder) Join(connID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.rooms[room], connID) {
		r.rooms[room] = append(r.rooms[room], connID)
	}
	return nil
}

// Connections implements Presence. It counts distinct connections across
// all rooms.
func (r *Recorder) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	for _, members := range r.rooms {
		for _, id := range members {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}

// RoomSize implements Presence.
func (r *Recorder) RoomSize(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[room])
}

// CloseRoom implements Transport.
func (r *Recorder) CloseRoom(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, room)
}

// Fail makes every later delivery to connID fail.
func (r *Recorder) Fail(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing[connID] = true
}

// Members returns the connections in room in join order.
func (r *Recorder) Members(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.rooms[room])
}

// Deliveries returns every recorded delivery in order.
func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.deliveries)
}

// For returns the messages received by connID in order.
func (r *Recorder) For(connID string) []datatypes.ServerMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []datatypes.ServerMessage
	for _, d := range r.deliveries {
		if d.ConnID == connID {
			out = append(out, d.Msg)
		}
	}
	return out
}

// OfType returns the messages of type t received by connID.
func (r *Recorder) OfType(connID string, t datatypes.MessageType) []datatypes.ServerMessage {
	var out []datatypes.ServerMessage
	for _, m := range r.For(connID) {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// Reset forgets recorded deliveries; rooms are kept.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = nil
}
