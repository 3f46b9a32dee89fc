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
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// Prompt Watcher
// =============================================================================

// DefaultReloadDebounce is how long the watcher waits for a burst of writes
// to settle before reloading.
const DefaultReloadDebounce = 250 * time.Millisecond

// PromptWatcherOptions configures a PromptWatcher.
type PromptWatcherOptions struct {
	// Debounce collapses bursts of file events. Default: DefaultReloadDebounce.
	Debounce time.Duration

	// OnReload is called after every reload attempt from the watcher
	// goroutine. err is nil when the new prompts were installed.
	OnReload func(p Prompts, err error)
}

// PromptWatcher keeps the latest valid Prompts loaded from a YAML file.
//
// # Description
//
// Run watches the file's directory rather than the file itself, so editors
// that save by renaming a temp file over the original are still seen. A
// file that fails to load is logged and the previous prompts stay in use.
//
// Sessions read Current once at creation and keep that set for their whole
// life; a reload only affects sessions created afterwards.
//
// # Thread Safety
//
// Current is safe for concurrent use. Run must be called at most once.
type PromptWatcher struct {
	path    string
	opts    PromptWatcherOptions
	current atomic.Pointer[Prompts]
	ready   chan struct{}
}

// NewPromptWatcher creates a watcher for path that starts out serving
// initial. It does not touch the filesystem until Run.
func NewPromptWatcher(path string, initial Prompts, opts *PromptWatcherOptions) *PromptWatcher {
	var o PromptWatcherOptions
	if opts != nil {
		o = *opts
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultReloadDebounce
	}
	w := &PromptWatcher{path: filepath.Clean(path), opts: o, ready: make(chan struct{})}
	w.current.Store(&initial)
	return w
}

// Current returns the most recently loaded valid prompts.
func (w *PromptWatcher) Current() Prompts {
	return *w.current.Load()
}

// Run watches the prompts file until ctx is cancelled.
//
// # Outputs
//
//   - error: Non-nil if the watch could not be established. Cancellation
//     returns nil.
func (w *PromptWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create prompts watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	close(w.ready)
	slog.Info("Watching prompts file", "path", w.path)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
			} else {
				timer.Reset(w.opts.Debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Prompts watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *PromptWatcher) reload() {
	p, err := LoadPrompts(w.path)
	if err != nil {
		slog.Warn("Prompts reload failed, keeping previous prompts", "path", w.path, "error", err)
	} else {
		w.current.Store(&p)
		slog.Info("Prompts reloaded, new sessions will use them", "path", w.path)
	}
	if w.opts.OnReload != nil {
		w.opts.OnReload(p, err)
	}
}
