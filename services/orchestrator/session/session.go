// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds shared game sessions: their state, the invariants
// that state must keep, the per-session event queue and the in-memory store.
//
// # Description
//
// A Session is mutated only through Apply, which runs an effect against a
// copy of the state, checks every invariant and then publishes the copy in
// one step. Readers take Snapshot, so no reader ever observes a partially
// applied effect.
//
// # Thread Safety
//
// Session, Queue and MemoryStore are safe for concurrent use. Events for
// one session are serialized by its Queue; Apply additionally holds the
// session write lock.
package session

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/AleutianAI/skald/services/orchestrator/conversation"
)

// Persona is a character claimed by one participant.
type Persona struct {
	Description string
	Name        string
}

// State is the mutable part of a session.
//
// # Fields
//
//   - Members: Participants in join order; Members[0] is the leader.
//   - Phase: Current lifecycle stage.
//   - Scenario: Selected scenario, set once.
//   - Personas: Participant id to claimed persona, immutable per participant.
//   - TurnIndex: Index into Members of the acting participant (InProgress).
//   - TurnCount: Number of resolved actions.
//   - Transcript: Append-only generator context.
//   - OfferedScenarios: Options last offered to the leader.
//   - LastActive: Time of the last accepted event.
type State struct {
	Members          []string
	Phase            Phase
	Scenario         string
	Personas         map[string]Persona
	TurnIndex        int
	TurnCount        int
	Transcript       conversation.Transcript
	OfferedScenarios []string
	LastActive       time.Time
}

// IsMember reports whether participantID has joined.
func (st *State) IsMember(participantID string) bool {
	return slices.Contains(st.Members, participantID)
}

// CurrentPlayer returns the participant whose turn it is, or "" outside
// InProgress.
func (st *State) CurrentPlayer() string {
	if st.Phase != PhaseInProgress || st.TurnIndex < 0 || st.TurnIndex >= len(st.Members) {
		return ""
	}
	return st.Members[st.TurnIndex]
}

// AllAssigned reports whether every member holds a persona.
func (st *State) AllAssigned() bool {
	for _, m := range st.Members {
		if _, ok := st.Personas[m]; !ok {
			return false
		}
	}
	return true
}

// ClaimedNames returns persona names in member order.
func (st *State) ClaimedNames() []string {
	var names []string
	for _, m := range st.Members {
		if p, ok := st.Personas[m]; ok {
			names = append(names, p.Name)
		}
	}
	return names
}

func (st *State) clone() State {
	out := *st
	out.Members = slices.Clone(st.Members)
	out.Personas = maps.Clone(st.Personas)
	if out.Personas == nil {
		out.Personas = make(map[string]Persona)
	}
	out.OfferedScenarios = slices.Clone(st.OfferedScenarios)
	out.Transcript = st.Transcript.Clone()
	return out
}

// =============================================================================
// Session
// =============================================================================

// Session is one shared game.
type Session struct {
	ID        string
	LeaderID  string
	CreatedAt time.Time

	// Prompts is the prompt set captured at creation. Nil means the
	// coordinator's own set applies.
	Prompts *conversation.Prompts

	mu    sync.RWMutex
	state State
	queue *Queue
}

// New creates a session in the lobby with the leader as its only member and
// the preamble as the first transcript entry.
func New(id, leaderID, preamble string, now time.Time, maxPending int) *Session {
	return &Session{
		ID:        id,
		LeaderID:  leaderID,
		CreatedAt: now,
		state: State{
			Members:    []string{leaderID},
			Phase:      PhaseLobby,
			Personas:   make(map[string]Persona),
			Transcript: conversation.NewTranscript(preamble),
			LastActive: now,
		},
		queue: NewQueue(maxPending),
	}
}

// Queue returns the session's serial executor.
func (s *Session) Queue() *Queue {
	return s.queue
}

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Phase
}

// LastActive returns the time of the last accepted event.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.LastActive
}

// Touch records activity at now.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.state.LastActive) {
		s.state.LastActive = now
	}
}

// Apply runs fn against a copy of the state and publishes the copy if fn
// succeeds and every invariant still holds.
//
// # Description
//
// fn may mutate the state freely and return an error to abandon the
// change; the session is then left exactly as it was. A change that would
// break an invariant is also discarded and reported as ErrInternal.
//
// # Inputs
//
//   - fn: The effect. It must not block; generator calls happen before Apply.
//
// # Outputs
//
//   - error: fn's error unchanged, or a wrapped ErrInternal.
//
// # Thread Safety
//
// Holds the session write lock for the duration of fn.
func (s *Session) Apply(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := checkInvariants(s.LeaderID, &s.state, &next); err != nil {
		return fmt.Errorf("rejected state change for session %s: %v: %w", s.ID, err, ErrInternal)
	}
	s.state = next
	return nil
}

// =============================================================================
// Invariants
// =============================================================================

func checkInvariants(leaderID string, prev, next *State) error {
	if len(next.Members) == 0 || next.Members[0] != leaderID {
		return errors.New("leader must be the first member")
	}
	if len(next.Members) < len(prev.Members) || !slices.Equal(next.Members[:len(prev.Members)], prev.Members) {
		return errors.New("members are append-only")
	}
	seen := make(map[string]struct{}, len(next.Members))
	for _, m := range next.Members {
		if _, dup := seen[m]; dup {
			return fmt.Errorf("duplicate member %s", m)
		}
		seen[m] = struct{}{}
	}
	for id := range next.Personas {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("persona assigned to non-member %s", id)
		}
	}
	for id, p := range prev.Personas {
		if next.Personas[id] != p {
			return fmt.Errorf("persona of %s changed", id)
		}
	}
	if next.Phase < prev.Phase {
		return fmt.Errorf("phase moved backward from %s to %s", prev.Phase, next.Phase)
	}
	if next.Phase == PhaseInProgress && (next.TurnIndex < 0 || next.TurnIndex >= len(next.Members)) {
		return fmt.Errorf("turn index %d out of range", next.TurnIndex)
	}
	if prev.Scenario != "" && next.Scenario != prev.Scenario {
		return errors.New("scenario changed after selection")
	}
	if !next.Transcript.SharesPrefix(prev.Transcript) {
		return errors.New("transcript is append-only")
	}
	return nil
}
