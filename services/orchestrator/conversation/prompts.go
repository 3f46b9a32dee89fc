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
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Prompt Configuration
// =============================================================================

// Prompts holds every text and sampling setting sent to the generator.
//
// # Description
//
// Templates use named placeholders rather than fmt verbs so operators can
// edit them in YAML without breaking formatting:
//
//   - {scenario}: the selected scenario text
//   - {id}: a participant identifier
//   - {name}: a persona short name
//   - {description}: a persona description
//   - {claimed}: personas already taken, one per line
//   - {count}: OptionCount
//
// # Fields
//
//   - GameSystemMessage: Preamble stored as the first transcript entry.
//   - OptionsSystemMessage: System message for option-generation calls.
//   - ScenarioOptionsPrompt: User prompt asking for scenario options.
//   - PersonaOptionsPrompt: User prompt asking for personas ({scenario}).
//   - ClaimedPersonasNote: Appended to the persona prompt when some are taken.
//   - ScenarioEntry: Transcript entry recorded on selectScenario.
//   - PersonaEntry: Transcript entry recorded on selectPersona.
//   - ActionFraming: Assistant framing sent before a player's action.
//   - OptionCount: Options required from each option call. Default: 3.
//   - OptionsTemperature / OptionsMaxTokens: Sampling for option calls.
//   - ActionTemperature / ActionMaxTokens: Sampling for action resolution.
//     A zero temperature leaves the backend default.
//   - MaxContextEntries: Post-preamble entries sent per call. 0 = all.
type Prompts struct {
	GameSystemMessage     string `yaml:"game_system_message"`
	OptionsSystemMessage  string `yaml:"options_system_message"`
	ScenarioOptionsPrompt string `yaml:"scenario_options_prompt"`
	PersonaOptionsPrompt  string `yaml:"persona_options_prompt"`
	ClaimedPersonasNote   string `yaml:"claimed_personas_note"`
	ScenarioEntry         string `yaml:"scenario_entry"`
	PersonaEntry          string `yaml:"persona_entry"`
	ActionFraming         string `yaml:"action_framing"`

	OptionCount        int     `yaml:"option_count"`
	OptionsTemperature float32 `yaml:"options_temperature"`
	OptionsMaxTokens   int     `yaml:"options_max_tokens"`
	ActionTemperature  float32 `yaml:"action_temperature"`
	ActionMaxTokens    int     `yaml:"action_max_tokens"`
	MaxContextEntries  int     `yaml:"max_context_entries"`
}

// DefaultPrompts returns the built-in prompt set.
func DefaultPrompts() Prompts {
	return Prompts{
		GameSystemMessage: "You are the narrator of a collaborative text adventure. " +
			"Several players each control one character. Describe the world vividly, " +
			"resolve each player's action fairly and keep every character's story moving. " +
			"Answer in at most three short paragraphs and never act on behalf of a player.",
		OptionsSystemMessage: "You generate options for a text adventure. Reply with a numbered list, " +
			"one option per line, and nothing else. Each option is a single sentence.",
		ScenarioOptionsPrompt: "Generate {count} exciting adventure starting points.",
		PersonaOptionsPrompt: "Based on the following adventure: \"{scenario}\", generate {count} " +
			"suitable character descriptions. Start each with the character's name followed by a colon.",
		ClaimedPersonasNote: "These characters are already taken, do not repeat them:\n{claimed}",
		ScenarioEntry:       "The following is the outline and inciting action of the adventure: \n{scenario}",
		PersonaEntry:        "The character with id {id} has been assigned the following description: \n{description}",
		ActionFraming:       "The character with id {id} ({name}) has taken the following action: \n",

		OptionCount:        3,
		OptionsTemperature: 1.2,
		OptionsMaxTokens:   300,
		ActionMaxTokens:    300,
	}
}

// LoadPrompts reads a YAML file and overlays its non-empty fields on the
// defaults. An empty path returns the defaults.
func LoadPrompts(path string) (Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read prompts file: %w", err)
	}
	var overlay Prompts
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return p, fmt.Errorf("failed to parse prompts file %s: %w", path, err)
	}
	p.Merge(overlay)
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("invalid prompts file %s: %w", path, err)
	}
	return p, nil
}

// Merge copies every non-zero field of overlay onto p.
func (p *Prompts) Merge(overlay Prompts) {
	setString(&p.GameSystemMessage, overlay.GameSystemMessage)
	setString(&p.OptionsSystemMessage, overlay.OptionsSystemMessage)
	setString(&p.ScenarioOptionsPrompt, overlay.ScenarioOptionsPrompt)
	setString(&p.PersonaOptionsPrompt, overlay.PersonaOptionsPrompt)
	setString(&p.ClaimedPersonasNote, overlay.ClaimedPersonasNote)
	setString(&p.ScenarioEntry, overlay.ScenarioEntry)
	setString(&p.PersonaEntry, overlay.PersonaEntry)
	setString(&p.ActionFraming, overlay.ActionFraming)
	if overlay.OptionCount != 0 {
		p.OptionCount = overlay.OptionCount
	}
	if overlay.OptionsTemperature != 0 {
		p.OptionsTemperature = overlay.OptionsTemperature
	}
	if overlay.OptionsMaxTokens != 0 {
		p.OptionsMaxTokens = overlay.OptionsMaxTokens
	}
	if overlay.ActionTemperature != 0 {
		p.ActionTemperature = overlay.ActionTemperature
	}
	if overlay.ActionMaxTokens != 0 {
		p.ActionMaxTokens = overlay.ActionMaxTokens
	}
	if overlay.MaxContextEntries != 0 {
		p.MaxContextEntries = overlay.MaxContextEntries
	}
}

// Validate rejects settings that would make every generator call fail.
func (p Prompts) Validate() error {
	switch {
	case strings.TrimSpace(p.GameSystemMessage) == "":
		return fmt.Errorf("game_system_message must not be empty")
	case p.OptionCount < 1:
		return fmt.Errorf("option_count must be at least 1, got %d", p.OptionCount)
	case p.OptionsMaxTokens < 0 || p.ActionMaxTokens < 0:
		return fmt.Errorf("max token limits must not be negative")
	case p.MaxContextEntries < 0:
		return fmt.Errorf("max_context_entries must not be negative")
	case !strings.Contains(p.PersonaOptionsPrompt, "{scenario}"):
		return fmt.Errorf("persona_options_prompt must reference {scenario}")
	}
	return nil
}

// YAML renders the prompt set as a YAML document.
func (p Prompts) YAML() ([]byte, error) {
	return yaml.Marshal(p)
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

// fill substitutes {key} placeholders in tmpl.
func fill(tmpl string, kv ...string) string {
	return strings.NewReplacer(kv...).Replace(tmpl)
}
