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

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/skald/services/orchestrator/conversation"
)

// DefaultAllocationAttempts bounds id allocation retries on collision.
const DefaultAllocationAttempts = 16

// Store is the registry of live sessions.
type Store interface {
	// Create allocates an id and registers a new lobby led by leaderID.
	Create(leaderID string) (*Session, error)
	// Get returns the session or ErrNotFound.
	Get(id string) (*Session, error)
	// Remove unregisters the session and closes its queue.
	Remove(id string) (*Session, error)
	// List returns every session ordered by creation time.
	List() []*Session
	// Idle returns up to limit sessions inactive since before cutoff whose
	// queues are empty. limit <= 0 means no limit.
	Idle(cutoff time.Time, limit int) []*Session
	// Len returns the number of live sessions.
	Len() int
}

// StoreConfig configures a MemoryStore.
//
// # Fields
//
//   - Preamble: First transcript entry of every session.
//   - Prompts: When set, read once per Create. The session keeps the result
//     and its preamble comes from GameSystemMessage instead of Preamble.
//   - IDs: Id source. Default: CodeGenerator{}.
//   - MaxAttempts: Allocation attempts before ErrAllocationExhausted. Default: 16.
//   - MaxPending: Per-session queue bound. Default: DefaultMaxPending.
//   - Now: Clock. Default: time.Now.
type StoreConfig struct {
	Preamble    string
	Prompts     func() conversation.Prompts
	IDs         IDGenerator
	MaxAttempts int
	MaxPending  int
	Now         func() time.Time
}

// MemoryStore keeps sessions in a map guarded by an RWMutex.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	config   StoreConfig
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore(config StoreConfig) *MemoryStore {
	if config.IDs == nil {
		config.IDs = CodeGenerator{}
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultAllocationAttempts
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &MemoryStore{
		sessions: make(map[string]*Session),
		config:   config,
	}
}

// Create implements Store.
func (m *MemoryStore) Create(leaderID string) (*Session, error) {
	if leaderID == "" {
		return nil, fmt.Errorf("empty leader id: %w", ErrInvalidRequest)
	}

	preamble := m.config.Preamble
	var pinned *conversation.Prompts
	if m.config.Prompts != nil {
		p := m.config.Prompts()
		pinned = &p
		preamble = p.GameSystemMessage
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for attempt := 1; attempt <= m.config.MaxAttempts; attempt++ {
		id, err := m.config.IDs.Generate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session id: %v: %w", err, ErrInternal)
		}
		if _, taken := m.sessions[id]; taken {
			slog.Debug("Session id collision, retrying", "attempt", attempt)
			continue
		}
		s := New(id, leaderID, preamble, m.config.Now(), m.config.MaxPending)
		s.Prompts = pinned
		m.sessions[id] = s
		return s, nil
	}
	return nil, fmt.Errorf("%d attempts: %w", m.config.MaxAttempts, ErrAllocationExhausted)
}

// Get implements Store.
func (m *MemoryStore) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return s, nil
}

// Remove implements Store.
func (m *MemoryStore) Remove(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	s.queue.Close()
	return s, nil
}

// List implements Store.
func (m *MemoryStore) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Idle implements Store.
func (m *MemoryStore) Idle(cutoff time.Time, limit int) []*Session {
	var out []*Session
	for _, s := range m.List() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if s.LastActive().Before(cutoff) && s.queue.Idle() {
			out = append(out, s)
		}
	}
	return out
}

// Len implements Store.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
