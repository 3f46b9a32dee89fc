// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/skald/services/llm"
	"github.com/AleutianAI/skald/services/orchestrator/datatypes"
)

// =============================================================================
// Prompt Building
// =============================================================================

// Kind selects which generator call a prompt is built for.
type Kind string

const (
	KindScenarioOptions  Kind = "scenario_options"
	KindPersonaOptions   Kind = "persona_options"
	KindActionResolution Kind = "action_resolution"
)

// Request carries everything Build needs for one generator call.
//
// # Fields
//
//   - Kind: Which prompt to build.
//   - Transcript: The session transcript (read only).
//   - Theme: Optional player hint appended to the scenario prompt.
//   - Scenario: Selected scenario (persona options).
//   - Claimed: Persona names already taken (persona options).
//   - ActorID / ActorName: Acting participant (action resolution).
//   - Action: The submitted action text (action resolution).
type Request struct {
	Kind       Kind
	Transcript Transcript
	Theme      string
	Scenario   string
	Claimed    []string
	ActorID    string
	ActorName  string
	Action     string
}

// Prompt is a ready-to-send conversation plus its sampling parameters.
type Prompt struct {
	Messages []datatypes.Message
	Params   llm.GenerationParams
}

// Build assembles the messages for one generator call.
//
// # Description
//
// Scenario options send only the options system message and the request.
// Persona options add the post-preamble transcript window so suggestions
// fit the story so far. Action resolution sends the full preamble, the
// window, an assistant line naming the actor, and the action itself.
// The transcript is never modified.
//
// # Outputs
//
//   - Prompt: Messages and generation parameters.
//   - error: Non-nil for an unknown kind or missing required fields.
func (p Prompts) Build(req Request) (Prompt, error) {
	switch req.Kind {
	case KindScenarioOptions:
		user := fill(p.ScenarioOptionsPrompt, "{count}", strconv.Itoa(p.OptionCount))
		if theme := strings.TrimSpace(req.Theme); theme != "" {
			user += "\nTheme: " + theme
		}
		return Prompt{
			Messages: []datatypes.Message{
				{Role: datatypes.RoleSystem, Content: p.OptionsSystemMessage},
				{Role: datatypes.RoleUser, Content: user},
			},
			Params: p.optionParams(),
		}, nil

	case KindPersonaOptions:
		if req.Scenario == "" {
			return Prompt{}, errors.New("persona options require a scenario")
		}
		user := fill(p.PersonaOptionsPrompt,
			"{scenario}", req.Scenario,
			"{count}", strconv.Itoa(p.OptionCount))
		if len(req.Claimed) > 0 && p.ClaimedPersonasNote != "" {
			user += "\n" + fill(p.ClaimedPersonasNote, "{claimed}", strings.Join(req.Claimed, "\n"))
		}
		msgs := []datatypes.Message{{Role: datatypes.RoleSystem, Content: p.OptionsSystemMessage}}
		msgs = append(msgs, req.Transcript.Window(p.MaxContextEntries)...)
		msgs = append(msgs, datatypes.Message{Role: datatypes.RoleUser, Content: user})
		return Prompt{Messages: msgs, Params: p.optionParams()}, nil

	case KindActionResolution:
		if req.Action == "" {
			return Prompt{}, errors.New("action resolution requires an action")
		}
		msgs := []datatypes.Message{req.Transcript.Preamble()}
		msgs = append(msgs, req.Transcript.Window(p.MaxContextEntries)...)
		msgs = append(msgs,
			datatypes.Message{Role: datatypes.RoleAssistant, Content: p.ActionFramingFor(req.ActorID, req.ActorName)},
			datatypes.Message{Role: datatypes.RoleUser, Content: req.Action},
		)
		params := llm.GenerationParams{}
		if p.ActionMaxTokens > 0 {
			params.MaxTokens = llm.Int(p.ActionMaxTokens)
		}
		if p.ActionTemperature > 0 {
			params.Temperature = llm.Float32(p.ActionTemperature)
		}
		return Prompt{Messages: msgs, Params: params}, nil
	}
	return Prompt{}, fmt.Errorf("unknown prompt kind %q", req.Kind)
}

func (p Prompts) optionParams() llm.GenerationParams {
	params := llm.GenerationParams{}
	if p.OptionsTemperature > 0 {
		params.Temperature = llm.Float32(p.OptionsTemperature)
	}
	if p.OptionsMaxTokens > 0 {
		params.MaxTokens = llm.Int(p.OptionsMaxTokens)
	}
	return params
}

// ScenarioEntryFor renders the transcript entry recorded for a scenario.
func (p Prompts) ScenarioEntryFor(scenario string) string {
	return fill(p.ScenarioEntry, "{scenario}", scenario)
}

// PersonaEntryFor renders the transcript entry recorded for a persona claim.
func (p Prompts) PersonaEntryFor(participantID, description string) string {
	return fill(p.PersonaEntry, "{id}", participantID, "{description}", description)
}

// ActionFramingFor renders the assistant line introducing an action.
func (p Prompts) ActionFramingFor(participantID, name string) string {
	return fill(p.ActionFraming, "{id}", participantID, "{name}", name)
}

// =============================================================================
// Option Parsing
// =============================================================================

// ErrMalformedOptions is returned when generator output holds too few options.
var ErrMalformedOptions = errors.New("generator returned too few options")

var (
	listMarker = regexp.MustCompile(`^\s*(?:\d+\s*[.):-]|[-•]|\*\s)\s*`)
	emphasis   = regexp.MustCompile(`\*\*|__`)
)

// ParseOptions splits generator output into n options.
//
// # Description
//
// Each non-blank line is a candidate. Numbering ("1.", "2)"), bullets and
// bold markers are stripped. When at least n lines carried a list marker
// only those are used, which drops lead-in lines such as "Here are three
// ideas:". The first n candidates are returned.
//
// # Outputs
//
//   - []string: Exactly n options.
//   - error: Wraps ErrMalformedOptions if fewer than n candidates exist.
func ParseOptions(text string, n int) ([]string, error) {
	var marked, all []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		// Bold goes first so a leading "**Name**" is not read as a bullet.
		line = emphasis.ReplaceAllString(line, "")
		hasMarker := listMarker.MatchString(line)
		clean := strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		if clean == "" {
			continue
		}
		all = append(all, clean)
		if hasMarker {
			marked = append(marked, clean)
		}
	}

	candidates := all
	if len(marked) >= n {
		candidates = marked
	}
	if len(candidates) < n {
		return nil, fmt.Errorf("%w: wanted %d, got %d", ErrMalformedOptions, n, len(candidates))
	}
	return candidates[:n], nil
}

// maxNameRunes bounds a derived persona name.
const maxNameRunes = 40

// PersonaName derives a short display name from a persona description: the
// text before the first colon, or a truncated description when there is none.
func PersonaName(description string) string {
	clean := strings.TrimSpace(emphasis.ReplaceAllString(description, ""))
	if i := strings.Index(clean, ":"); i > 0 {
		name := strings.TrimSpace(strings.Trim(clean[:i], "#"))
		if name != "" && utf8.RuneCountInString(name) <= maxNameRunes {
			return name
		}
	}
	if utf8.RuneCountInString(clean) <= maxNameRunes {
		return clean
	}
	return string([]rune(clean)[:maxNameRunes]) + "..."
}
