// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/skald/services/orchestrator/datatypes"
	"github.com/AleutianAI/skald/services/orchestrator/observability"
	"github.com/AleutianAI/skald/services/orchestrator/session"
	"github.com/AleutianAI/skald/services/orchestrator/transport"
)

// Outcome is the final result of one submitted event.
type Outcome struct {
	Reply datatypes.ServerMessage
	Err   error
}

// Dispatcher is the entry point for client events.
//
// # Description
//
// Submit resolves the session, places the event on the session's queue and
// returns immediately. When the event runs, the reply and any notices are
// delivered through the transport before the next event on that session
// starts, so every participant sees notices in queue order. The reply is
// also published on the returned channel.
//
// Transport failures are logged and never turn a successful event into a
// failed one: the state change has already happened.
//
// # Thread Safety
//
// Safe for concurrent use.
type Dispatcher struct {
	store       session.Store
	coordinator *Coordinator
	transport   transport.Transport
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewDispatcher wires a dispatcher. metrics may be nil.
func NewDispatcher(store session.Store, coordinator *Coordinator, t transport.Transport,
	metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		store:       store,
		coordinator: coordinator,
		transport:   t,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Store returns the session store.
func (d *Dispatcher) Store() session.Store {
	return d.store
}

// Submit enqueues ev and returns a channel that receives exactly one Outcome.
//
// # Inputs
//
//   - ctx: Cancels the event's generator call. An event whose context is
//     already done when it reaches the front of the queue fails with
//     ErrCancelled without touching the session.
//   - ev: A validated event. ParticipantID must be set.
//
// # Outputs
//
//   - <-chan Outcome: Buffered; never blocks the queue.
func (d *Dispatcher) Submit(ctx context.Context, ev Event) <-chan Outcome {
	done := make(chan Outcome, 1)
	start := d.now()

	// finish sends the reply, then any notices, then publishes the outcome.
	finish := func(reply datatypes.ServerMessage, err error, notices ...Notice) {
		msg := d.reply(ev, reply, err)
		d.send(ev.ParticipantID, msg)
		d.deliver(notices)
		d.metrics.RecordEvent(string(ev.Kind), session.Code(err), d.now().Sub(start).Seconds())
		if err != nil {
			slog.Info("Event rejected", "event", ev.Kind, "session_id", ev.SessionID,
				"code", session.Code(err), "error", err)
		}
		done <- Outcome{Reply: msg, Err: err}
	}

	if ev.ParticipantID == "" {
		finish(datatypes.ServerMessage{}, fmt.Errorf("missing participant: %w", session.ErrInvalidRequest))
		return done
	}

	if ev.Kind == datatypes.EventCreateSession {
		reply, err := d.create(ev)
		finish(reply, err)
		return done
	}

	s, err := d.store.Get(ev.SessionID)
	if err != nil {
		finish(datatypes.ServerMessage{}, err)
		return done
	}

	task := session.Task{
		Run: func() {
			res, err := d.coordinator.Handle(ctx, s, ev)
			if err != nil {
				finish(datatypes.ServerMessage{}, err)
				return
			}
			s.Touch(d.now())
			if ev.Kind == datatypes.EventJoinSession {
				if jerr := d.transport.Join(ev.ParticipantID, s.ID); jerr != nil {
					slog.Warn("Failed to join connection to room", "session_id", s.ID, "error", jerr)
				}
			}
			finish(res.Reply, nil, res.Notices...)
		},
		Abort: func(err error) {
			finish(datatypes.ServerMessage{}, err)
		},
	}
	if err := s.Queue().Enqueue(task); err != nil {
		finish(datatypes.ServerMessage{}, fmt.Errorf("session %s: %w", s.ID, err))
	}
	return done
}

// Handle submits ev and waits for its outcome.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) Outcome {
	return <-d.Submit(ctx, ev)
}

func (d *Dispatcher) create(ev Event) (datatypes.ServerMessage, error) {
	s, err := d.store.Create(ev.ParticipantID)
	if err != nil {
		return datatypes.ServerMessage{}, err
	}
	if err := d.transport.Join(ev.ParticipantID, s.ID); err != nil {
		slog.Warn("Failed to join connection to room", "session_id", s.ID, "error", err)
	}
	d.metrics.SetActiveSessions(d.store.Len())
	slog.Info("Session created", "session_id", s.ID)
	return datatypes.ServerMessage{SessionID: s.ID, PlayerCount: 1}, nil
}

// =============================================================================
// Session Removal
// =============================================================================

// Close removes a session, aborts its pending events and tells its room why.
//
// # Inputs
//
//   - id: Session to remove.
//   - reason: Sent to the room in a session_expired message.
//
// # Outputs
//
//   - error: ErrNotFound if the session does not exist.
func (d *Dispatcher) Close(ctx context.Context, id, reason string) error {
	if _, err := d.store.Remove(id); err != nil {
		return err
	}
	d.broadcast(id, datatypes.ServerMessage{Type: datatypes.MessageSessionExpired, SessionID: id, Reason: reason})
	d.transport.CloseRoom(id)
	d.metrics.SetActiveSessions(d.store.Len())
	slog.Info("Session closed", "session_id", id, "reason", reason)
	return nil
}

// IdleSessions lists sessions with no activity since cutoff and nothing queued.
func (d *Dispatcher) IdleSessions(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	idle := d.store.Idle(cutoff, limit)
	ids := make([]string, 0, len(idle))
	for _, s := range idle {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// ExpireSession closes an idle session. A session already gone is not an error.
func (d *Dispatcher) ExpireSession(ctx context.Context, id string) error {
	err := d.Close(ctx, id, "idle")
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err == nil {
		d.metrics.RecordExpired(1)
	}
	return err
}

// =============================================================================
// Delivery
// =============================================================================

func (d *Dispatcher) reply(ev Event, reply datatypes.ServerMessage, err error) datatypes.ServerMessage {
	reply.Type = datatypes.MessageReply
	reply.ID = ev.RequestID
	reply.Event = ev.Kind
	if reply.SessionID == "" {
		reply.SessionID = ev.SessionID
	}
	if err != nil {
		reply.OK = false
		reply.Error = &datatypes.ErrorBody{Code: session.Code(err), Message: publicMessage(err)}
		return reply
	}
	reply.OK = true
	return reply
}

func (d *Dispatcher) deliver(notices []Notice) {
	for _, n := range notices {
		if n.Room != "" {
			d.broadcast(n.Room, n.Msg)
			continue
		}
		d.send(n.To, n.Msg)
	}
}

func (d *Dispatcher) send(connID string, msg datatypes.ServerMessage) {
	if err := d.transport.Send(connID, msg); err != nil {
		slog.Warn("Failed to deliver message", "type", msg.Type, "session_id", msg.SessionID, "error", err)
	}
}

func (d *Dispatcher) broadcast(room string, msg datatypes.ServerMessage) {
	if err := d.transport.Broadcast(room, msg); err != nil {
		slog.Warn("Failed to broadcast message", "type", msg.Type, "session_id", room, "error", err)
	}
}

// publicMessage hides provider details of generation failures from players.
func publicMessage(err error) string {
	switch session.Code(err) {
	case session.CodeGenerationFailure:
		return session.ErrGenerationFailure.Error()
	case session.CodeInternal:
		return session.ErrInternal.Error()
	}
	return err.Error()
}
