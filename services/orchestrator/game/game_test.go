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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/skald/services/llm"
	"github.com/AleutianAI/skald/services/orchestrator/conversation"
	"github.com/AleutianAI/skald/services/orchestrator/datatypes"
	"github.com/AleutianAI/skald/services/orchestrator/observability"
	"github.com/AleutianAI/skald/services/orchestrator/session"
	"github.com/AleutianAI/skald/services/orchestrator/transport"
)

// =============================================================================
// Test Doubles
// =============================================================================

// MockLLMClient answers option prompts with a numbered list and action
// prompts with a numbered outcome. Respond overrides both.
type MockLLMClient struct {
	mu      sync.Mutex
	calls   [][]datatypes.Message
	actions atomic.Int64
	Respond func(ctx context.Context, msgs []datatypes.Message) (string, error)
}

func (m *MockLLMClient) Chat(ctx context.Context, msgs []datatypes.Message, _ llm.GenerationParams) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, msgs)
	respond := m.Respond
	m.mu.Unlock()

	if respond != nil {
		return respond(ctx, msgs)
	}
	if msgs[0].Content == conversation.DefaultPrompts().OptionsSystemMessage {
		return "Here you go:\n1. Option A\n2. Option B\n3. Option C", nil
	}
	n := m.actions.Add(1)
	return fmt.Sprintf("Outcome %d", n), nil
}

func (m *MockLLMClient) SetRespond(fn func(ctx context.Context, msgs []datatypes.Message) (string, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Respond = fn
}

func (m *MockLLMClient) Calls() [][]datatypes.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]datatypes.Message(nil), m.calls...)
}

type harness struct {
	dispatcher *Dispatcher
	store      *session.MemoryStore
	recorder   *transport.Recorder
	llm        *MockLLMClient
	metrics    *observability.Metrics
}

func newHarness(t *testing.T, cfg CoordinatorConfig) *harness {
	t.Helper()
	prompts := conversation.DefaultPrompts()
	store := session.NewMemoryStore(session.StoreConfig{Preamble: prompts.GameSystemMessage, MaxPending: 4})
	mock := &MockLLMClient{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	coord := NewCoordinator(mock, prompts, cfg, metrics)
	rec := transport.NewRecorder()
	return &harness{
		dispatcher: NewDispatcher(store, coord, rec, metrics),
		store:      store,
		recorder:   rec,
		llm:        mock,
		metrics:    metrics,
	}
}

func (h *harness) do(t *testing.T, kind datatypes.EventKind, sessionID, participant, text string) Outcome {
	t.Helper()
	return h.dispatcher.Handle(context.Background(), Event{
		RequestID:     string(kind),
		Kind:          kind,
		SessionID:     sessionID,
		ParticipantID: participant,
		Text:          text,
	})
}

func (h *harness) mustDo(t *testing.T, kind datatypes.EventKind, sessionID, participant, text string) datatypes.ServerMessage {
	t.Helper()
	out := h.do(t, kind, sessionID, participant, text)
	require.NoError(t, out.Err, "%s by %s", kind, participant)
	require.True(t, out.Reply.OK)
	return out.Reply
}

func (h *harness) state(t *testing.T, id string) session.State {
	t.Helper()
	s, err := h.store.Get(id)
	require.NoError(t, err)
	return s.Snapshot()
}

// lobby creates a session led by "L" with the given extra members.
func (h *harness) lobby(t *testing.T, members ...string) string {
	t.Helper()
	reply := h.mustDo(t, datatypes.EventCreateSession, "", "L", "")
	for _, m := range members {
		h.mustDo(t, datatypes.EventJoinSession, reply.SessionID, m, "")
	}
	return reply.SessionID
}

// inProgress drives a session with the given members to InProgress.
func (h *harness) inProgress(t *testing.T, members ...string) string {
	t.Helper()
	id := h.lobby(t, members...)
	h.mustDo(t, datatypes.EventRequestScenarioOptions, id, "L", "")
	h.mustDo(t, datatypes.EventSelectScenario, id, "L", "1")
	h.mustDo(t, datatypes.EventRequestPersonaOptions, id, "L", "")
	for i, m := range append([]string{"L"}, members...) {
		h.mustDo(t, datatypes.EventSelectPersona, id, m, fmt.Sprintf("Hero%d: brave", i))
	}
	h.mustDo(t, datatypes.EventStartGame, id, "L", "")
	return id
}

func assertCode(t *testing.T, out Outcome, code string) {
	t.Helper()
	require.Error(t, out.Err)
	assert.Equal(t, code, session.Code(out.Err))
	assert.False(t, out.Reply.OK)
	require.NotNil(t, out.Reply.Error)
	assert.Equal(t, code, out.Reply.Error.Code)
}

// =============================================================================
// End-to-End Scenario
// =============================================================================

func TestDispatcher_FullScenario(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{RequireAllPersonas: true})

	// Create and join.
	created := h.mustDo(t, datatypes.EventCreateSession, "", "L", "")
	id := created.SessionID
	assert.True(t, datatypes.IsSessionCode(id))
	assert.Equal(t, 1, created.PlayerCount)

	joined := h.mustDo(t, datatypes.EventJoinSession, id, "P2", "")
	assert.Equal(t, 2, joined.PlayerCount)
	joinNotices := h.recorder.OfType("L", datatypes.MessagePlayerJoined)
	require.Len(t, joinNotices, 1)
	assert.Equal(t, 2, joinNotices[0].PlayerCount)
	assert.Equal(t, []string{"L", "P2"}, h.recorder.Members(id))

	// Scenario options go to the leader only.
	opts := h.mustDo(t, datatypes.EventRequestScenarioOptions, id, "L", "")
	require.Len(t, opts.Options, 3)
	assert.Equal(t, session.PhaseChoosingScenario, h.state(t, id).Phase)
	for _, r := range h.recorder.OfType("P2", datatypes.MessageReply) {
		assert.Empty(t, r.Options)
	}

	// Select option 2 of 3; both receive the broadcast.
	h.mustDo(t, datatypes.EventSelectScenario, id, "L", opts.Options[1])
	for _, p := range []string{"L", "P2"} {
		got := h.recorder.OfType(p, datatypes.MessageScenarioSelected)
		require.Len(t, got, 1, p)
		assert.Equal(t, "Option B", got[0].Scenario)
	}
	st := h.state(t, id)
	assert.Equal(t, "Option B", st.Scenario)
	assert.Equal(t, 2, st.Transcript.Len())

	// Personas.
	personas := h.mustDo(t, datatypes.EventRequestPersonaOptions, id, "P2", "")
	assert.Len(t, personas.Options, 3)
	assert.Equal(t, session.PhaseChoosingPersonas, h.state(t, id).Phase)

	h.mustDo(t, datatypes.EventSelectPersona, id, "L", "Mira: a pilot")
	assert.Empty(t, h.recorder.OfType("L", datatypes.MessageAllReady))
	h.mustDo(t, datatypes.EventSelectPersona, id, "P2", "Tor: a smith")
	require.Len(t, h.recorder.OfType("L", datatypes.MessageAllReady), 1)
	assert.Empty(t, h.recorder.OfType("P2", datatypes.MessageAllReady))
	assert.Len(t, h.recorder.OfType("P2", datatypes.MessagePersonaSelected), 2)

	// Start: both see game_started, only members[0] gets your_turn.
	h.mustDo(t, datatypes.EventStartGame, id, "L", "")
	for _, p := range []string{"L", "P2"} {
		started := h.recorder.OfType(p, datatypes.MessageGameStarted)
		require.Len(t, started, 1)
		assert.Equal(t, "Option B", started[0].Scenario)
	}
	require.Len(t, h.recorder.OfType("L", datatypes.MessageYourTurn), 1)
	assert.Empty(t, h.recorder.OfType("P2", datatypes.MessageYourTurn))

	st = h.state(t, id)
	assert.Equal(t, session.PhaseInProgress, st.Phase)
	assert.Equal(t, 0, st.TurnIndex)
	assert.Equal(t, 4, st.Transcript.Len())

	// First action.
	res := h.mustDo(t, datatypes.EventSubmitAction, id, "L", "I start the engines")
	assert.Equal(t, "Outcome 1", res.Outcome)
	for _, p := range []string{"L", "P2"} {
		outcomes := h.recorder.OfType(p, datatypes.MessageActionOutcome)
		require.Len(t, outcomes, 1)
		assert.Equal(t, "Mira", outcomes[0].PersonaName)
	}
	turn := h.recorder.OfType("P2", datatypes.MessageYourTurn)
	require.Len(t, turn, 1)
	require.NotNil(t, turn[0].TurnIndex)
	assert.Equal(t, 1, *turn[0].TurnIndex)

	calls := h.llm.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, "The character with id L (Mira) has taken the following action: \n", last[len(last)-2].Content)
	assert.Equal(t, "I start the engines", last[len(last)-1].Content)
}

func TestDispatcher_RepliesCarryRequestID(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})

	out := h.dispatcher.Handle(context.Background(), Event{RequestID: "abc", Kind: datatypes.EventCreateSession, ParticipantID: "L"})

	require.NoError(t, out.Err)
	assert.Equal(t, "abc", out.Reply.ID)
	assert.Equal(t, datatypes.MessageReply, out.Reply.Type)
	assert.Equal(t, datatypes.EventCreateSession, out.Reply.Event)
	replies := h.recorder.OfType("L", datatypes.MessageReply)
	require.Len(t, replies, 1)
	assert.Equal(t, "abc", replies[0].ID)
}

// =============================================================================
// Turn-Taking Properties
// =============================================================================

func TestSubmitAction_RotatesTurns(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{RequireAllPersonas: true})
	id := h.inProgress(t, "P2", "P3")
	members := []string{"L", "P2", "P3"}
	initial := h.state(t, id).Transcript.Len()

	for n := 1; n <= 7; n++ {
		current := members[(n-1)%len(members)]
		h.mustDo(t, datatypes.EventSubmitAction, id, current, fmt.Sprintf("action %d", n))

		st := h.state(t, id)
		assert.Equal(t, n%len(members), st.TurnIndex)
		assert.Equal(t, n, st.TurnCount)
		assert.Equal(t, initial+2*n, st.Transcript.Len())
	}

	entries := h.state(t, id).Transcript.Entries()
	assert.Equal(t, "action 7", entries[len(entries)-2].Content)
	assert.Equal(t, datatypes.RoleUser, entries[len(entries)-2].Role)
	assert.Equal(t, "Outcome 7", entries[len(entries)-1].Content)
	assert.Equal(t, datatypes.RoleAssistant, entries[len(entries)-1].Role)
}

func TestSubmitAction_OutOfTurnUnauthorized(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{RequireAllPersonas: true})
	id := h.inProgress(t, "P2")
	before := h.state(t, id)

	assertCode(t, h.do(t, datatypes.EventSubmitAction, id, "P2", "I jump the queue"), session.CodeUnauthorized)
	assertCode(t, h.do(t, datatypes.EventSubmitAction, id, "stranger", "hello"), session.CodeUnauthorized)

	after := h.state(t, id)
	assert.Equal(t, before.TurnIndex, after.TurnIndex)
	assert.Equal(t, before.Transcript.Len(), after.Transcript.Len())
	assert.Empty(t, h.recorder.OfType("P2", datatypes.MessageActionOutcome))
}

func TestSubmitAction_ConcurrentOnlyOneSucceeds(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{RequireAllPersonas: true})
	id := h.inProgress(t, "P2")
	release := make(chan struct{})
	h.llm.SetRespond(func(ctx context.Context, _ []datatypes.Message) (string, error) {
		<-release
		return "The ship lurches.", nil
	})

	first := h.dispatcher.Submit(context.Background(), Event{Kind: datatypes.EventSubmitAction, SessionID: id, ParticipantID: "L", Text: "left"})
	second := h.dispatcher.Submit(context.Background(), Event{Kind: datatypes.EventSubmitAction, SessionID: id, ParticipantID: "L", Text: "right"})
	close(release)

	results := []Outcome{<-first, <-second}
	var ok int
	for _, r := range results {
		if r.Err == nil {
			ok++
		} else {
			assert.Equal(t, session.CodeUnauthorized, session.Code(r.Err))
		}
	}
	assert.Equal(t, 1, ok)
	st := h.state(t, id)
	assert.Equal(t, 1, st.TurnIndex)
	assert.Equal(t, 1, st.TurnCount)
}

func TestSubmitAction_TranscriptFollowsCompletionOrder(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{RequireAllPersonas: true})
	id := h.inProgress(t, "P2")

	// P2 submits out of turn while L's action is still generating; P2's
	// event waits on the queue and then runs against the advanced turn.
	gate := make(chan struct{})
	h.llm.SetRespond(func(ctx context.Context, msgs []datatypes.Message) (string, error) {
		if msgs[len(msgs)-1].Content == "L acts" {
			<-gate
		}
		return "resolved " + msgs[len(msgs)-1].Content, nil
	})

	first := h.dispatcher.Submit(context.Background(), Event{Kind: datatypes.EventSubmitAction, SessionID: id, ParticipantID: "L", Text: "L acts"})
	second := h.dispatcher.Submit(context.Background(), Event{Kind: datatypes.EventSubmitAction, SessionID: id, ParticipantID: "P2", Text: "P2 acts"})
	close(gate)

	require.NoError(t, (<-first).Err)
	require.NoError(t, (<-second).Err)

	entries := h.state(t, id).Transcript.Entries()
	n := len(entries)
	assert.Equal(t, []string{"L acts", "resolved L acts", "P2 acts", "resolved P2 acts"},
		[]string{entries[n-4].Content, entries[n-3].Content, entries[n-2].Content, entries[n-1].Content})
}

// =============================================================================
// Guard Tests
// =============================================================================

func TestJoin_Guards(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{MaxMembers: 2})
	id := h.lobby(t, "P2")

	assertCode(t, h.do(t, datatypes.EventJoinSession, id, "P2", ""), session.CodeAlreadyMember)
	assertCode(t, h.do(t, datatypes.EventJoinSession, id, "L", ""), session.CodeAlreadyMember)
	assertCode(t, h.do(t, datatypes.EventJoinSession, id, "P3", ""), session.CodeSessionFull)
	assertCode(t, h.do(t, datatypes.EventJoinSession, "ZZZZZ", "P3", ""), session.CodeNotFound)
	assert.Len(t, h.state(t, id).Members, 2)
}

func TestJoin_AfterLobbyInvalidPhase(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	id := h.lobby(t)
	h.mustDo(t, datatypes.EventRequestScenarioOptions, id, "L", "")

	assertCode(t, h.do(t, datatypes.EventJoinSession, id, "late", ""), session.CodeInvalidPhase)
}

func TestLeaderOnlyEvents(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	id := h.lobby(t, "P2")

	assertCode(t, h.do(t, datatypes.EventRequestScenarioOptions, id, "P2", ""), session.CodeUnauthorized)
	h.mustDo(t, datatypes.EventRequestScenarioOptions, id, "L", "space")
	assertCode(t, h.do(t, datatypes.EventSelectScenario, id, "P2", "mine"), session.CodeUnauthorized)
	assertCode(t, h.do(t, datatypes.EventEndGame, id, "P2", ""), session.CodeUnauthorized)

	// The theme reaches the generator.
	calls := h.llm.Calls()
	assert.Contains(t, calls[0][1].Content, "Theme: space")
}

func TestSelectScenario_OnlyOnce(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	id := h.lobby(t)
	assertCode(t, h.do(t, datatypes.EventSelectScenario, id, "L", "too early"), session.CodeInvalidPhase)

	h.mustDo(t, datatypes.EventRequestScenarioOptions, id, "L", "")
	h.mustDo(t, datatypes.EventSelectScenario, id, "L", "My own idea")

	assertCode(t, h.do(t, datatypes.EventSelectScenario, id, "L", "Another"), session.CodeInvalidPhase)
	assertCode(t, h.do(t, datatypes.EventRequestScenarioOptions, id, "L", ""), session.CodeInvalidPhase)
	assert.Equal(t, "My own idea", h.state(t, id).Scenario)
}

func TestRequestPersonaOptions_IncludesClaimedPersonas(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	id := h.lobby(t, "P2")
	assertCode(t, h.do(t, datatypes.EventRequestPersonaOptions, id, "L", ""), session.CodeInvalidPhase)

	h.mustDo(t, datatypes.EventRequestScenarioOptions, id, "L", "")
	h.mustDo(t, datatypes.EventSelectScenario, id, "L", "2")
	h.mustDo(t, datatypes.EventRequestPersonaOptions, id, "L", "")
	h.mustDo(t, datatypes.EventSelectPersona, id, "L", "Mira: a pilot")
	assertCode(t, h.do(t, datatypes.EventRequestPersonaOptions, id, "outsider", ""), session.CodeUnauthorized)
	h.mustDo(t, datatypes.EventRequestPersonaOptions, id, "P2", "")

	calls := h.llm.Calls()
	last := calls[len(calls)-1]
	assert.Contains(t, last[len(last)-1].Content, `"Option B"`)
	assert.Contains(t, last[len(last)-1].Content, "Mira")
}

func TestSelectPersona_DuplicateRejected(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	id := h.lobby(t, "P2")
	h.mustDo(t, datatypes.EventRequestScenarioOptions, id, "L", "")
	h.mustDo(t, datatypes.EventSelectScenario, id, "L", "1")
	h.mustDo(t, datatypes.EventRequestPersonaOptions, id, "L", "")
	h.mustDo(t, datatypes.EventSelectPersona, id, "L", "Mira: a pilot")
	before := h.state(t, id)

	assertCode(t, h.do(t, datatypes.EventSelectPersona, id, "L", "Tor: a smith"), session.CodeUnauthorized)
	assertCode(t, h.do(t, datatypes.EventSelectPersona, id, "P2", "Mira: a pilot"), session.CodeUnauthorized)

	after := h.state(t, id)
	assert.Equal(t, before.Personas, after.Personas)
	assert.Equal(t, "Mira", after.Personas["L"].Name)
	assert.Equal(t, before.Transcript.Len(), after.Transcript.Len())
}

func TestStartGame_RequiresAllPersonas(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{RequireAllPersonas: true})
	id := h.lobby(t, "P2")
	h.mustDo(t, datatypes.EventRequestScenarioOptions, id, "L", "")
	h.mustDo(t, datatypes.EventSelectScenario, id, "L", "1")
	h.mustDo(t, datatypes.EventRequestPersonaOptions, id, "L", "")
	h.mustDo(t, datatypes.EventSelectPersona, id, "L", "Mira: a pilot")

	assertCode(t, h.do(t, datatypes.EventStartGame, id, "P2", ""), session.CodeUnauthorized)
	assertCode(t, h.do(t, datatypes.EventStartGame, id, "L", ""), session.CodeInvalidPhase)
	assert.Equal(t, session.PhaseChoosingPersonas, h.state(t, id).Phase)
}

func TestStartGame_PermissiveMode(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{RequireAllPersonas: false})
	id := h.lobby(t, "P2")
	h.mustDo(t, datatypes.EventRequestScenarioOptions, id, "L", "")
	h.mustDo(t, datatypes.EventSelectScenario, id, "L", "1")
	h.mustDo(t, datatypes.EventRequestPersonaOptions, id, "L", "")

	h.mustDo(t, datatypes.EventStartGame, id, "L", "")

	// P2 has no persona; the action framing falls back to the id.
	h.mustDo(t, datatypes.EventSubmitAction, id, "L", "go")
	h.mustDo(t, datatypes.EventSubmitAction, id, "P2", "follow")
	calls := h.llm.Calls()
	last := calls[len(calls)-1]
	assert.Contains(t, last[len(last)-2].Content, "(P2)")
}

func TestEndGame(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{RequireAllPersonas: true})
	id := h.inProgress(t, "P2")

	h.mustDo(t, datatypes.EventEndGame, id, "L", "")

	assert.Equal(t, session.PhaseEnded, h.state(t, id).Phase)
	for _, p := range []string{"L", "P2"} {
		assert.Len(t, h.recorder.OfType(p, datatypes.MessageSessionEnded), 1)
	}
	assertCode(t, h.do(t, datatypes.EventSubmitAction, id, "L", "one more"), session.CodeInvalidPhase)
	assertCode(t, h.do(t, datatypes.EventEndGame, id, "L", ""), session.CodeInvalidPhase)
}

// =============================================================================
// Generator Failure Tests
// =============================================================================

func TestGeneratorFailure_StateUnchanged(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	id := h.lobby(t)
	h.llm.SetRespond(func(ctx context.Context, _ []datatypes.Message) (string, error) {
		return "", &llm.GenerationError{Provider: "mock", Reason: llm.ReasonQuota}
	})

	out := h.do(t, datatypes.EventRequestScenarioOptions, id, "L", "")

	assertCode(t, out, session.CodeGenerationFailure)
	assert.NotContains(t, out.Reply.Error.Message, "mock")
	assert.Equal(t, session.PhaseLobby, h.state(t, id).Phase)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.GenerationsTotal.WithLabelValues("scenario_options", "error")))
}

func TestGeneratorMalformedOptions(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	id := h.lobby(t)
	h.llm.SetRespond(func(ctx context.Context, _ []datatypes.Message) (string, error) {
		return "I'd rather not.", nil
	})

	assertCode(t, h.do(t, datatypes.EventRequestScenarioOptions, id, "L", ""), session.CodeGenerationFailure)
	assert.Equal(t, session.PhaseLobby, h.state(t, id).Phase)
}

func TestGeneratorTimeout_DoesNotBlockQueue(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{RequireAllPersonas: true, GenerationTimeout: 50 * time.Millisecond})
	id := h.inProgress(t, "P2")
	h.llm.SetRespond(func(ctx context.Context, _ []datatypes.Message) (string, error) {
		<-ctx.Done()
		return "", llm.NewGenerationError("mock", llm.ReasonUpstream, ctx.Err())
	})
	before := h.state(t, id)

	start := time.Now()
	assertCode(t, h.do(t, datatypes.EventSubmitAction, id, "L", "slow"), session.CodeGenerationFailure)
	assert.Less(t, time.Since(start), 2*time.Second)

	after := h.state(t, id)
	assert.Equal(t, before.TurnIndex, after.TurnIndex)
	assert.Equal(t, before.Transcript.Len(), after.Transcript.Len())

	// The same player can retry once the generator recovers.
	h.llm.SetRespond(nil)
	h.mustDo(t, datatypes.EventSubmitAction, id, "L", "retry")
	assert.Equal(t, 1, h.state(t, id).TurnIndex)
}

func TestGeneratorPanic_ReportedAsInternal(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	id := h.lobby(t)
	h.llm.SetRespond(func(ctx context.Context, _ []datatypes.Message) (string, error) {
		panic("backend exploded")
	})

	assertCode(t, h.do(t, datatypes.EventRequestScenarioOptions, id, "L", ""), session.CodeInternal)

	h.llm.SetRespond(nil)
	h.mustDo(t, datatypes.EventRequestScenarioOptions, id, "L", "")
}

// =============================================================================
// Queue and Lifecycle Tests
// =============================================================================

func TestCancelledContext(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	id := h.lobby(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.dispatcher.Handle(ctx, Event{Kind: datatypes.EventRequestScenarioOptions, SessionID: id, ParticipantID: "L"})

	assertCode(t, out, session.CodeCancelled)
	assert.Empty(t, h.llm.Calls())
}

func TestQueue_BusyWhenFull(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	id := h.lobby(t)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h.llm.SetRespond(func(ctx context.Context, _ []datatypes.Message) (string, error) {
		started <- struct{}{}
		<-release
		return "1. a\n2. b\n3. c", nil
	})

	running := h.dispatcher.Submit(context.Background(), Event{Kind: datatypes.EventRequestScenarioOptions, SessionID: id, ParticipantID: "L"})
	<-started
	var waiting []<-chan Outcome
	for i := 0; i < 4; i++ {
		waiting = append(waiting, h.dispatcher.Submit(context.Background(), Event{Kind: datatypes.EventJoinSession, SessionID: id, ParticipantID: fmt.Sprintf("P%d", i)}))
	}

	assertCode(t, h.dispatcher.Handle(context.Background(), Event{Kind: datatypes.EventJoinSession, SessionID: id, ParticipantID: "overflow"}), session.CodeBusy)

	close(release)
	require.NoError(t, (<-running).Err)
	for _, w := range waiting {
		// Queued joins run after the phase advanced.
		assertCode(t, <-w, session.CodeInvalidPhase)
	}
}

func TestClose_RejectsQueuedEvents(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	id := h.lobby(t, "P2")
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h.llm.SetRespond(func(ctx context.Context, _ []datatypes.Message) (string, error) {
		started <- struct{}{}
		<-release
		return "1. a\n2. b\n3. c", nil
	})

	running := h.dispatcher.Submit(context.Background(), Event{Kind: datatypes.EventRequestScenarioOptions, SessionID: id, ParticipantID: "L"})
	<-started
	queued := h.dispatcher.Submit(context.Background(), Event{Kind: datatypes.EventEndGame, SessionID: id, ParticipantID: "L"})

	require.NoError(t, h.dispatcher.Close(context.Background(), id, "deleted"))

	assertCode(t, <-queued, session.CodeNotFound)
	close(release)
	<-running
	assertCode(t, h.do(t, datatypes.EventStartGame, id, "L", ""), session.CodeNotFound)

	expired := h.recorder.OfType("P2", datatypes.MessageSessionExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, "deleted", expired[0].Reason)
	assert.Empty(t, h.recorder.Members(id))
	assert.ErrorIs(t, h.dispatcher.Close(context.Background(), id, "again"), session.ErrNotFound)
}

func TestIdleSessionsAndExpire(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	id := h.lobby(t, "P2")
	s, err := h.store.Get(id)
	require.NoError(t, err)
	s.Queue().Wait()

	ids, err := h.dispatcher.IdleSessions(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)

	ids, err = h.dispatcher.IdleSessions(context.Background(), time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, h.dispatcher.ExpireSession(context.Background(), id))
	require.NoError(t, h.dispatcher.ExpireSession(context.Background(), id))
	assert.Equal(t, 0, h.store.Len())
	assert.Len(t, h.recorder.OfType("L", datatypes.MessageSessionExpired), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SessionsExpiredTotal))
}

func TestTransportFailureDoesNotFailEvent(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	id := h.lobby(t)
	h.recorder.Fail("L")

	out := h.do(t, datatypes.EventJoinSession, id, "P2", "")

	require.NoError(t, out.Err)
	assert.Len(t, h.state(t, id).Members, 2)
}

func TestMissingParticipant(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	out := h.dispatcher.Handle(context.Background(), Event{Kind: datatypes.EventCreateSession})
	assert.Equal(t, session.CodeInvalidRequest, session.Code(out.Err))
}

func TestEventMetricsRecorded(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	id := h.lobby(t)
	h.do(t, datatypes.EventStartGame, id, "L", "")

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsTotal.WithLabelValues("create_session", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsTotal.WithLabelValues("start_game", "invalid_phase")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ActiveSessions))
}

// =============================================================================
// Prompt Tests
// =============================================================================

func TestCoordinator_SessionsKeepPromptsFromCreation(t *testing.T) {
	// Arrange
	var current atomic.Pointer[conversation.Prompts]
	first := conversation.DefaultPrompts()
	first.GameSystemMessage = "You narrate a heist."
	current.Store(&first)

	store := session.NewMemoryStore(session.StoreConfig{
		Prompts: func() conversation.Prompts { return *current.Load() },
	})
	mock := &MockLLMClient{}
	mock.SetRespond(func(context.Context, []datatypes.Message) (string, error) {
		return "1. Vault\n2. Harbour\n3. Tower\n4. Market", nil
	})
	coord := NewCoordinator(mock, conversation.DefaultPrompts(), CoordinatorConfig{}, nil)
	rec := transport.NewRecorder()
	h := &harness{dispatcher: NewDispatcher(store, coord, rec, nil), store: store, recorder: rec, llm: mock}
	early := h.mustDo(t, datatypes.EventCreateSession, "", "L", "").SessionID

	// Act
	second := first
	second.GameSystemMessage = "You narrate a siege."
	second.OptionCount = 4
	current.Store(&second)
	late := h.mustDo(t, datatypes.EventCreateSession, "", "M", "").SessionID

	earlyOpts := h.mustDo(t, datatypes.EventRequestScenarioOptions, early, "L", "")
	lateOpts := h.mustDo(t, datatypes.EventRequestScenarioOptions, late, "M", "")

	// Assert
	assert.Equal(t, "You narrate a heist.", h.state(t, early).Transcript.Preamble().Content)
	assert.Equal(t, "You narrate a siege.", h.state(t, late).Transcript.Preamble().Content)
	assert.Len(t, earlyOpts.Options, 3, "the first session keeps its option count")
	assert.Len(t, lateOpts.Options, 4)
}

// =============================================================================
// Tracing Tests
// =============================================================================

// recordedSpans runs one generating event and returns the Handle and
// generate spans seen by sr.
func recordedSpans(t *testing.T, h *harness, sr *tracetest.SpanRecorder) (handle, generate sdktrace.ReadOnlySpan) {
	t.Helper()
	id := h.mustDo(t, datatypes.EventCreateSession, "", "L", "").SessionID
	h.mustDo(t, datatypes.EventRequestScenarioOptions, id, "L", "")

	for _, s := range sr.Ended() {
		switch s.Name() {
		case "game.Handle":
			handle = s
		case "game.generate":
			generate = s
		}
	}
	require.NotNil(t, handle, "handle span should be recorded")
	require.NotNil(t, generate, "generate span should be recorded")
	return handle, generate
}

func TestTracing_GenerateSpanIsChildOfHandle(t *testing.T) {
	// Arrange
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	h := newHarness(t, CoordinatorConfig{TracerProvider: tp})

	// Act
	handle, generate := recordedSpans(t, h, sr)

	// Assert
	assert.Equal(t, trace.SpanKindClient, generate.SpanKind())
	assert.Equal(t, handle.SpanContext().SpanID(), generate.Parent().SpanID())
}

func TestTracing_FollowsReplacedGlobalProvider(t *testing.T) {
	// Each round installs a fresh provider; the coordinator must not keep a
	// tracer bound to an earlier one.
	for round := 0; round < 2; round++ {
		sr := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
		otel.SetTracerProvider(tp)

		h := newHarness(t, CoordinatorConfig{})
		handle, generate := recordedSpans(t, h, sr)

		assert.Equal(t, handle.SpanContext().TraceID(), generate.SpanContext().TraceID(), "round %d", round)
		require.NoError(t, tp.Shutdown(context.Background()))
	}
}
