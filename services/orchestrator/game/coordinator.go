// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package game implements the turn coordinator and the session dispatcher.
//
// # Description
//
// The Coordinator decides whether an event is legal for a session, calls
// the generator when the event needs text, and applies the event's effect
// in one atomic step. The Dispatcher routes events to the right session
// queue and delivers the replies and notices the Coordinator produces.
//
// # Event Lifecycle
//
//	client event
//	    → Dispatcher.Submit (store lookup, enqueue)
//	    → session queue (one event at a time per session)
//	    → Coordinator.Handle (rule, guard, generator call, Apply)
//	    → Dispatcher delivers reply and notices through the transport
//
// Because a session's events run strictly one after another, a generator
// call that takes seconds cannot interleave with another event on the same
// session. Guards are evaluated again inside Apply.
package game

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/skald/services/llm"
	"github.com/AleutianAI/skald/services/orchestrator/conversation"
	"github.com/AleutianAI/skald/services/orchestrator/datatypes"
	"github.com/AleutianAI/skald/services/orchestrator/observability"
	"github.com/AleutianAI/skald/services/orchestrator/session"
)

const tracerName = "skald.game"

// =============================================================================
// Events and Results
// =============================================================================

// Event is one validated client event addressed to a session.
type Event struct {
	RequestID     string
	Kind          datatypes.EventKind
	SessionID     string
	ParticipantID string
	Text          string
}

// Notice is a message produced as a side effect of an event. Exactly one of
// To and Room is set.
type Notice struct {
	To   string
	Room string
	Msg  datatypes.ServerMessage
}

// Result is what a successful event hands back to the dispatcher.
type Result struct {
	// Reply holds the event-specific reply fields; the dispatcher fills in
	// type, id, event and ok.
	Reply   datatypes.ServerMessage
	Notices []Notice
}

// =============================================================================
// Transition Table
// =============================================================================

// actor restricts who may send an event.
type actor int

const (
	anyone actor = iota
	memberOnly
	leaderOnly
)

type rule struct {
	from  []session.Phase
	actor actor
}

var transitions = map[datatypes.EventKind]rule{
	datatypes.EventJoinSession:            {from: []session.Phase{session.PhaseLobby}, actor: anyone},
	datatypes.EventRequestScenarioOptions: {from: []session.Phase{session.PhaseLobby, session.PhaseChoosingScenario}, actor: leaderOnly},
	datatypes.EventSelectScenario:         {from: []session.Phase{session.PhaseChoosingScenario}, actor: leaderOnly},
	datatypes.EventRequestPersonaOptions:  {from: []session.Phase{session.PhaseChoosingScenario, session.PhaseChoosingPersonas}, actor: memberOnly},
	datatypes.EventSelectPersona:          {from: []session.Phase{session.PhaseChoosingPersonas}, actor: memberOnly},
	datatypes.EventStartGame:              {from: []session.Phase{session.PhaseChoosingPersonas}, actor: leaderOnly},
	datatypes.EventSubmitAction:           {from: []session.Phase{session.PhaseInProgress}, actor: memberOnly},
	datatypes.EventEndGame: {from: []session.Phase{session.PhaseLobby, session.PhaseChoosingScenario,
		session.PhaseChoosingPersonas, session.PhaseInProgress}, actor: leaderOnly},
}

// checkRule enforces the phase and actor columns of the transition table.
func checkRule(leaderID string, st *session.State, ev Event) error {
	r, ok := transitions[ev.Kind]
	if !ok {
		return fmt.Errorf("event %q is not handled by a session: %w", ev.Kind, session.ErrInvalidRequest)
	}
	if !st.Phase.In(r.from...) {
		return fmt.Errorf("%s during %s: %w", ev.Kind, st.Phase, session.ErrInvalidPhase)
	}
	switch r.actor {
	case leaderOnly:
		if ev.ParticipantID != leaderID {
			return fmt.Errorf("%s is reserved for the session leader: %w", ev.Kind, session.ErrUnauthorized)
		}
	case memberOnly:
		if !st.IsMember(ev.ParticipantID) {
			return fmt.Errorf("%s requires membership: %w", ev.Kind, session.ErrUnauthorized)
		}
	}
	return nil
}

// =============================================================================
// Coordinator
// =============================================================================

// CoordinatorConfig tunes event handling.
//
// # Fields
//
//   - Model: Model name passed to the generator. Empty uses the client default.
//   - GenerationTimeout: Bound on one generator call. Default: 45s.
//   - MaxMembers: Largest session size. Default: 8.
//   - RequireAllPersonas: startGame waits until every member holds a persona.
type CoordinatorConfig struct {
	Model              string
	GenerationTimeout  time.Duration
	MaxMembers         int
	RequireAllPersonas bool

	// TracerProvider overrides the global provider. Nil looks up the global
	// provider on every event so a provider installed later is honoured.
	TracerProvider trace.TracerProvider
}

// Coordinator applies events to sessions.
//
// # Thread Safety
//
// Coordinator holds no per-session state and is safe for concurrent use.
// Callers must not run two events for the same session at once; the
// session queue guarantees that.
type Coordinator struct {
	llm     llm.LLMClient
	prompts conversation.Prompts
	config  CoordinatorConfig
	metrics *observability.Metrics
}

// NewCoordinator creates a Coordinator. metrics may be nil.
func NewCoordinator(client llm.LLMClient, prompts conversation.Prompts, config CoordinatorConfig,
	metrics *observability.Metrics) *Coordinator {
	if config.GenerationTimeout <= 0 {
		config.GenerationTimeout = 45 * time.Second
	}
	if config.MaxMembers <= 0 {
		config.MaxMembers = 8
	}
	return &Coordinator{llm: client, prompts: prompts, config: config, metrics: metrics}
}

func (c *Coordinator) tracer() trace.Tracer {
	if c.config.TracerProvider != nil {
		return c.config.TracerProvider.Tracer(tracerName)
	}
	return otel.Tracer(tracerName)
}

// promptsFor returns the prompt set s was created with, falling back to the
// coordinator's own.
func (c *Coordinator) promptsFor(s *session.Session) conversation.Prompts {
	if s.Prompts != nil {
		return *s.Prompts
	}
	return c.prompts
}

// Handle runs one event against s.
//
// # Description
//
// Checks the transition rule and the event's guard against a snapshot,
// calls the generator if the event needs text, then applies the effect with
// session.Apply, re-checking the guard on the live state. A failed guard or
// generator call leaves the session untouched.
//
// # Inputs
//
//   - ctx: Cancels a pending generator call.
//   - s: Target session. The caller serializes events per session.
//   - ev: The event.
//
// # Outputs
//
//   - Result: Reply fields and notices for the dispatcher to deliver.
//   - error: A wrapped session sentinel error.
func (c *Coordinator) Handle(ctx context.Context, s *session.Session, ev Event) (Result, error) {
	ctx, span := c.tracer().Start(ctx, "game.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("event.kind", string(ev.Kind)),
	)

	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%s: %w", ev.Kind, session.ErrCancelled)
	}

	var (
		res Result
		err error
	)
	switch ev.Kind {
	case datatypes.EventJoinSession:
		res, err = c.join(s, ev)
	case datatypes.EventRequestScenarioOptions:
		res, err = c.requestScenarioOptions(ctx, s, ev)
	case datatypes.EventSelectScenario:
		res, err = c.selectScenario(s, ev)
	case datatypes.EventRequestPersonaOptions:
		res, err = c.requestPersonaOptions(ctx, s, ev)
	case datatypes.EventSelectPersona:
		res, err = c.selectPersona(s, ev)
	case datatypes.EventStartGame:
		res, err = c.startGame(s, ev)
	case datatypes.EventSubmitAction:
		res, err = c.submitAction(ctx, s, ev)
	case datatypes.EventEndGame:
		res, err = c.endGame(s, ev)
	default:
		err = fmt.Errorf("event %q is not handled by a session: %w", ev.Kind, session.ErrInvalidRequest)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, session.Code(err))
		return Result{}, err
	}
	return res, nil
}

// apply checks the rule and guard against the live state and then runs effect.
func (c *Coordinator) apply(s *session.Session, ev Event, guard func(*session.State) error,
	effect func(*session.State)) error {
	return s.Apply(func(st *session.State) error {
		if err := checkRule(s.LeaderID, st, ev); err != nil {
			return err
		}
		if guard != nil {
			if err := guard(st); err != nil {
				return err
			}
		}
		effect(st)
		return nil
	})
}

// precheck evaluates the rule and guard on a snapshot before any slow work.
func (c *Coordinator) precheck(s *session.Session, ev Event, guard func(*session.State) error) (session.State, error) {
	snap := s.Snapshot()
	if err := checkRule(s.LeaderID, &snap, ev); err != nil {
		return snap, err
	}
	if guard != nil {
		if err := guard(&snap); err != nil {
			return snap, err
		}
	}
	return snap, nil
}

// =============================================================================
// Event Handlers
// =============================================================================

func (c *Coordinator) join(s *session.Session, ev Event) (Result, error) {
	guard := func(st *session.State) error {
		if st.IsMember(ev.ParticipantID) {
			return fmt.Errorf("join %s: %w", s.ID, session.ErrAlreadyMember)
		}
		if len(st.Members) >= c.config.MaxMembers {
			return fmt.Errorf("join %s (%d members): %w", s.ID, len(st.Members), session.ErrSessionFull)
		}
		return nil
	}

	var count int
	err := c.apply(s, ev, guard, func(st *session.State) {
		st.Members = append(st.Members, ev.ParticipantID)
		count = len(st.Members)
	})
	if err != nil {
		return Result{}, err
	}

	slog.Info("Participant joined session", "session_id", s.ID, "player_count", count)
	return Result{
		Reply: datatypes.ServerMessage{SessionID: s.ID, PlayerCount: count},
		Notices: []Notice{{
			To: s.LeaderID,
			Msg: datatypes.ServerMessage{
				Type:          datatypes.MessagePlayerJoined,
				SessionID:     s.ID,
				ParticipantID: ev.ParticipantID,
				PlayerCount:   count,
			},
		}},
	}, nil
}

func (c *Coordinator) requestScenarioOptions(ctx context.Context, s *session.Session, ev Event) (Result, error) {
	guard := func(st *session.State) error {
		if st.Scenario != "" {
			return fmt.Errorf("scenario already selected: %w", session.ErrInvalidPhase)
		}
		return nil
	}
	if _, err := c.precheck(s, ev, guard); err != nil {
		return Result{}, err
	}

	options, err := c.generateOptions(ctx, c.promptsFor(s), conversation.Request{Kind: conversation.KindScenarioOptions, Theme: ev.Text})
	if err != nil {
		return Result{}, err
	}

	err = c.apply(s, ev, guard, func(st *session.State) {
		st.Phase = session.PhaseChoosingScenario
		st.OfferedScenarios = options
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Reply: datatypes.ServerMessage{SessionID: s.ID, Options: options}}, nil
}

func (c *Coordinator) selectScenario(s *session.Session, ev Event) (Result, error) {
	guard := func(st *session.State) error {
		if st.Scenario != "" {
			return fmt.Errorf("scenario already selected: %w", session.ErrInvalidPhase)
		}
		return nil
	}

	var scenario string
	err := c.apply(s, ev, guard, func(st *session.State) {
		scenario = resolveOption(ev.Text, st.OfferedScenarios)
		st.Scenario = scenario
		st.Transcript.Append(datatypes.RoleUser, c.promptsFor(s).ScenarioEntryFor(scenario))
	})
	if err != nil {
		return Result{}, err
	}

	slog.Info("Scenario selected", "session_id", s.ID, "scenario_length", len(scenario))
	return Result{
		Reply: datatypes.ServerMessage{SessionID: s.ID, Scenario: scenario},
		Notices: []Notice{{
			Room: s.ID,
			Msg:  datatypes.ServerMessage{Type: datatypes.MessageScenarioSelected, SessionID: s.ID, Scenario: scenario},
		}},
	}, nil
}

func (c *Coordinator) requestPersonaOptions(ctx context.Context, s *session.Session, ev Event) (Result, error) {
	guard := func(st *session.State) error {
		if st.Scenario == "" {
			return fmt.Errorf("no scenario selected: %w", session.ErrInvalidPhase)
		}
		return nil
	}
	snap, err := c.precheck(s, ev, guard)
	if err != nil {
		return Result{}, err
	}

	options, err := c.generateOptions(ctx, c.promptsFor(s), conversation.Request{
		Kind:       conversation.KindPersonaOptions,
		Transcript: snap.Transcript,
		Scenario:   snap.Scenario,
		Claimed:    snap.ClaimedNames(),
	})
	if err != nil {
		return Result{}, err
	}

	err = c.apply(s, ev, guard, func(st *session.State) {
		st.Phase = session.PhaseChoosingPersonas
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Reply: datatypes.ServerMessage{SessionID: s.ID, Options: options}}, nil
}

func (c *Coordinator) selectPersona(s *session.Session, ev Event) (Result, error) {
	guard := func(st *session.State) error {
		if _, taken := st.Personas[ev.ParticipantID]; taken {
			return fmt.Errorf("persona already chosen: %w", session.ErrUnauthorized)
		}
		for id, p := range st.Personas {
			if p.Description == ev.Text {
				return fmt.Errorf("persona already claimed by %s: %w", id, session.ErrUnauthorized)
			}
		}
		return nil
	}

	persona := session.Persona{Description: ev.Text, Name: conversation.PersonaName(ev.Text)}
	var allReady bool
	err := c.apply(s, ev, guard, func(st *session.State) {
		st.Personas[ev.ParticipantID] = persona
		st.Transcript.Append(datatypes.RoleAssistant, c.promptsFor(s).PersonaEntryFor(ev.ParticipantID, persona.Description))
		allReady = st.AllAssigned()
	})
	if err != nil {
		return Result{}, err
	}

	notices := []Notice{{
		Room: s.ID,
		Msg: datatypes.ServerMessage{
			Type:          datatypes.MessagePersonaSelected,
			SessionID:     s.ID,
			ParticipantID: ev.ParticipantID,
			Persona:       persona.Description,
			PersonaName:   persona.Name,
		},
	}}
	if allReady {
		notices = append(notices, Notice{
			To:  s.LeaderID,
			Msg: datatypes.ServerMessage{Type: datatypes.MessageAllReady, SessionID: s.ID},
		})
	}
	return Result{
		Reply:   datatypes.ServerMessage{SessionID: s.ID, Persona: persona.Description, PersonaName: persona.Name},
		Notices: notices,
	}, nil
}

func (c *Coordinator) startGame(s *session.Session, ev Event) (Result, error) {
	guard := func(st *session.State) error {
		if c.config.RequireAllPersonas && !st.AllAssigned() {
			return fmt.Errorf("not every member has chosen a persona: %w", session.ErrInvalidPhase)
		}
		return nil
	}

	var scenario, first string
	err := c.apply(s, ev, guard, func(st *session.State) {
		st.Phase = session.PhaseInProgress
		st.TurnIndex = 0
		scenario = st.Scenario
		first = st.Members[0]
	})
	if err != nil {
		return Result{}, err
	}

	slog.Info("Game started", "session_id", s.ID)
	return Result{
		Reply: datatypes.ServerMessage{SessionID: s.ID, Scenario: scenario},
		Notices: []Notice{
			{Room: s.ID, Msg: datatypes.ServerMessage{Type: datatypes.MessageGameStarted, SessionID: s.ID, Scenario: scenario}},
			{To: first, Msg: yourTurn(s.ID, 0)},
		},
	}, nil
}

func (c *Coordinator) submitAction(ctx context.Context, s *session.Session, ev Event) (Result, error) {
	var turn int
	guard := func(st *session.State) error {
		if st.CurrentPlayer() != ev.ParticipantID {
			return fmt.Errorf("not your turn: %w", session.ErrUnauthorized)
		}
		return nil
	}
	snap, err := c.precheck(s, ev, guard)
	if err != nil {
		return Result{}, err
	}
	turn = snap.TurnIndex

	name := ev.ParticipantID
	if p, ok := snap.Personas[ev.ParticipantID]; ok {
		name = p.Name
	}
	prompt, err := c.promptsFor(s).Build(conversation.Request{
		Kind:       conversation.KindActionResolution,
		Transcript: snap.Transcript,
		ActorID:    ev.ParticipantID,
		ActorName:  name,
		Action:     ev.Text,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%v: %w", err, session.ErrInvalidRequest)
	}
	outcome, err := c.generate(ctx, conversation.KindActionResolution, prompt)
	if err != nil {
		return Result{}, err
	}

	var next string
	var nextIndex int
	err = c.apply(s, ev, func(st *session.State) error {
		if err := guard(st); err != nil {
			return err
		}
		if st.TurnIndex != turn {
			return fmt.Errorf("turn advanced during generation: %w", session.ErrUnauthorized)
		}
		return nil
	}, func(st *session.State) {
		st.Transcript.Append(datatypes.RoleUser, ev.Text)
		st.Transcript.Append(datatypes.RoleAssistant, outcome)
		st.TurnCount++
		st.TurnIndex = (st.TurnIndex + 1) % len(st.Members)
		nextIndex = st.TurnIndex
		next = st.Members[st.TurnIndex]
	})
	if err != nil {
		return Result{}, err
	}

	slog.Info("Action resolved", "session_id", s.ID, "turn_index", nextIndex, "outcome_length", len(outcome))
	return Result{
		Reply: datatypes.ServerMessage{SessionID: s.ID, Outcome: outcome},
		Notices: []Notice{
			{Room: s.ID, Msg: datatypes.ServerMessage{
				Type:          datatypes.MessageActionOutcome,
				SessionID:     s.ID,
				ParticipantID: ev.ParticipantID,
				PersonaName:   name,
				Action:        ev.Text,
				Outcome:       outcome,
			}},
			{To: next, Msg: yourTurn(s.ID, nextIndex)},
		},
	}, nil
}

func (c *Coordinator) endGame(s *session.Session, ev Event) (Result, error) {
	err := c.apply(s, ev, nil, func(st *session.State) {
		st.Phase = session.PhaseEnded
	})
	if err != nil {
		return Result{}, err
	}

	slog.Info("Game ended by leader", "session_id", s.ID)
	return Result{
		Reply: datatypes.ServerMessage{SessionID: s.ID},
		Notices: []Notice{{
			Room: s.ID,
			Msg:  datatypes.ServerMessage{Type: datatypes.MessageSessionEnded, SessionID: s.ID, Reason: "ended_by_leader"},
		}},
	}, nil
}

// =============================================================================
// Generation
// =============================================================================

func (c *Coordinator) generateOptions(ctx context.Context, prompts conversation.Prompts, req conversation.Request) ([]string, error) {
	prompt, err := prompts.Build(req)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, session.ErrInvalidRequest)
	}
	text, err := c.generate(ctx, req.Kind, prompt)
	if err != nil {
		return nil, err
	}
	options, err := conversation.ParseOptions(text, prompts.OptionCount)
	if err != nil {
		slog.Warn("Generator returned unusable options", "kind", req.Kind, "error", err)
		return nil, fmt.Errorf("%s: %w: %w", req.Kind, session.ErrGenerationFailure, err)
	}
	return options, nil
}

// generate calls the generator under GenerationTimeout.
func (c *Coordinator) generate(ctx context.Context, kind conversation.Kind, prompt conversation.Prompt) (string, error) {
	ctx, span := c.tracer().Start(ctx, "game.generate", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("prompt.kind", string(kind)),
		attribute.Int("prompt.messages", len(prompt.Messages)),
	)

	ctx, cancel := context.WithTimeout(ctx, c.config.GenerationTimeout)
	defer cancel()

	params := prompt.Params
	if params.Model == "" {
		params.Model = c.config.Model
	}

	start := time.Now()
	text, err := c.llm.Chat(ctx, prompt.Messages, params)
	c.metrics.RecordGeneration(string(kind), time.Since(start).Seconds(), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		slog.Error("Generator call failed", "kind", kind, "error", err)
		return "", fmt.Errorf("%s: %w: %w", kind, session.ErrGenerationFailure, err)
	}
	return text, nil
}

// =============================================================================
// Helpers
// =============================================================================

// resolveOption maps "2" to the second offered option; any other text is
// taken verbatim.
func resolveOption(text string, offered []string) string {
	if n, err := strconv.Atoi(text); err == nil && n >= 1 && n <= len(offered) {
		return offered[n-1]
	}
	return text
}

func yourTurn(sessionID string, index int) datatypes.ServerMessage {
	return datatypes.ServerMessage{Type: datatypes.MessageYourTurn, SessionID: sessionID, TurnIndex: &index}
}
