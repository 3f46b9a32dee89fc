// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

// Phase is the lifecycle stage of a session. Phases are ordered and a
// session only ever moves forward.
type Phase int

const (
	PhaseLobby Phase = iota
	PhaseChoosingScenario
	PhaseChoosingPersonas
	PhaseInProgress
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseLobby:
		return "lobby"
	case PhaseChoosingScenario:
		return "choosing_scenario"
	case PhaseChoosingPersonas:
		return "choosing_personas"
	case PhaseInProgress:
		return "in_progress"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// In reports whether p is one of phases.
func (p Phase) In(phases ...Phase) bool {
	for _, q := range phases {
		if p == q {
			return true
		}
	}
	return false
}
