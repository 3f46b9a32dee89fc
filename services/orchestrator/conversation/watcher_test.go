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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Prompt Watcher Tests
// =============================================================================

type reloadResult struct {
	prompts Prompts
	err     error
}

// startWatcher runs a watcher on path and returns a channel of reload
// attempts. The watcher stops when the test ends.
func startWatcher(t *testing.T, path string) (*PromptWatcher, <-chan reloadResult) {
	t.Helper()
	initial, err := LoadPrompts(path)
	require.NoError(t, err)

	reloads := make(chan reloadResult, 8)
	w := NewPromptWatcher(path, initial, &PromptWatcherOptions{
		Debounce: 20 * time.Millisecond,
		OnReload: func(p Prompts, err error) { reloads <- reloadResult{p, err} },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	select {
	case <-w.ready:
	case err := <-done:
		t.Fatalf("watcher exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never became ready")
	}
	return w, reloads
}

func nextReload(t *testing.T, reloads <-chan reloadResult) reloadResult {
	t.Helper()
	select {
	case r := <-reloads:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
		return reloadResult{}
	}
}

func TestPromptWatcher_ReloadsOnWrite(t *testing.T) {
	// Arrange
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("game_system_message: You narrate a heist.\n"), 0600))
	w, reloads := startWatcher(t, path)
	require.Equal(t, "You narrate a heist.", w.Current().GameSystemMessage)

	// Act
	require.NoError(t, os.WriteFile(path, []byte("game_system_message: You narrate a siege.\n"), 0600))

	// Assert
	r := nextReload(t, reloads)
	require.NoError(t, r.err)
	assert.Equal(t, "You narrate a siege.", w.Current().GameSystemMessage)
	assert.Equal(t, DefaultPrompts().OptionCount, w.Current().OptionCount, "unset fields keep their defaults")
}

func TestPromptWatcher_ReloadsOnRenameOver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("option_count: 3\n"), 0600))
	w, reloads := startWatcher(t, path)

	tmp := filepath.Join(dir, ".prompts.yaml.swp")
	require.NoError(t, os.WriteFile(tmp, []byte("option_count: 4\n"), 0600))
	require.NoError(t, os.Rename(tmp, path))

	r := nextReload(t, reloads)
	require.NoError(t, r.err)
	assert.Equal(t, 4, w.Current().OptionCount)
}

func TestPromptWatcher_KeepsPreviousOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("option_count: 5\n"), 0600))
	w, reloads := startWatcher(t, path)

	require.NoError(t, os.WriteFile(path, []byte("option_count: [1, 2"), 0600))

	r := nextReload(t, reloads)
	assert.Error(t, r.err)
	assert.Equal(t, 5, w.Current().OptionCount)
}

func TestPromptWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("option_count: 3\n"), 0600))
	_, reloads := startWatcher(t, path)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0600))

	select {
	case r := <-reloads:
		t.Fatalf("unexpected reload: %+v", r)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPromptWatcher_MissingDirectory(t *testing.T) {
	w := NewPromptWatcher(filepath.Join(t.TempDir(), "gone", "prompts.yaml"), DefaultPrompts(), nil)

	err := w.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to watch")
	assert.Equal(t, DefaultPrompts(), w.Current())
}
