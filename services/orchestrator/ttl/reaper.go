// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl removes sessions that have been idle for too long.
//
// # Description
//
// A Reaper wakes on a fixed interval, asks for sessions with no activity
// since now minus IdleTTL, and expires them in batches. Every expiry can be
// written to a hash-chained AuditLog so an operator can later prove which
// sessions were removed and when.
package ttl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Interfaces
// =============================================================================

// Expirer lists and removes idle sessions.
//
// # Description
//
// Implemented by the game dispatcher. IdleSessions must skip sessions that
// still have events queued. ExpireSession must treat a session that is
// already gone as success.
type Expirer interface {
	IdleSessions(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	ExpireSession(ctx context.Context, id string) error
}

// =============================================================================
// Configuration
// =============================================================================

// ReaperConfig holds configuration for the idle session reaper.
//
// # Fields
//
//   - Interval: How often to sweep. Default: 1 minute.
//   - IdleTTL: Inactivity after which a session is removed. Default: 30 minutes.
//   - BatchSize: Maximum sessions removed per sweep. Default: 100.
type ReaperConfig struct {
	Interval  time.Duration
	IdleTTL   time.Duration
	BatchSize int
}

// DefaultReaperConfig returns the production defaults.
//
// # Examples
//
//	config := DefaultReaperConfig()
//	config.IdleTTL = 2 * time.Hour
//	reaper := NewReaper(dispatcher, nil, config)
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval:  1 * time.Minute,
		IdleTTL:   30 * time.Minute,
		BatchSize: 100,
	}
}

func (c ReaperConfig) withDefaults() ReaperConfig {
	d := DefaultReaperConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = d.IdleTTL
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	return c
}

// =============================================================================
// Sweep Results
// =============================================================================

// SweepError records one session that could not be expired.
type SweepError struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	StartTime time.Time
	EndTime   time.Time
	Cutoff    time.Time
	Found     int
	Expired   int
	Errors    []SweepError
}

// DurationMs returns the sweep's wall time in milliseconds.
func (r SweepResult) DurationMs() int64 {
	return r.EndTime.Sub(r.StartTime).Milliseconds()
}

// =============================================================================
// Reaper
// =============================================================================

// Reaper periodically expires idle sessions.
//
// # Description
//
// Manages the lifecycle of a background goroutine that runs a sweep on
// start and then every Interval. Uses the ticker + done channel pattern for
// graceful shutdown.
//
// # Thread Safety
//
// All public methods are thread-safe. A mutex protects state transitions.
type Reaper struct {
	expirer Expirer
	audit   *AuditLog
	config  ReaperConfig
	now     func() time.Time

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewReaper creates a reaper.
//
// # Inputs
//
//   - expirer: Source of idle sessions.
//   - audit: Receives one record per expired session. May be nil.
//   - config: Zero fields take the DefaultReaperConfig values.
//
// # Outputs
//
//   - *Reaper: Ready to Start().
//
// # Limitations
//
//   - Only one reaper should run per coordinator instance.
func NewReaper(expirer Expirer, audit *AuditLog, config ReaperConfig) *Reaper {
	return &Reaper{
		expirer: expirer,
		audit:   audit,
		config:  config.withDefaults(),
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Config returns the effective configuration.
func (r *Reaper) Config() ReaperConfig {
	return r.config
}

// Start begins the background sweep loop.
//
// # Inputs
//
//   - ctx: When cancelled, the loop exits.
//
// # Outputs
//
//   - error: Non-nil if the reaper is already running.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reaper is already running")
	}
	r.running = true
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	slog.Info("Idle session reaper starting",
		"interval", r.config.Interval.String(),
		"idle_ttl", r.config.IdleTTL.String(),
		"batch_size", r.config.BatchSize,
	)

	r.wg.Add(1)
	go r.runLoop(ctx, done)
	return nil
}

// Stop signals the loop to exit and waits for the current sweep to finish.
// Safe to call multiple times.
func (r *Reaper) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	slog.Info("Idle session reaper stopping")
	close(r.done)
	r.running = false
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

// Running reports whether the loop is active.
func (r *Reaper) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// RunNow performs one sweep immediately. It does not affect the schedule.
func (r *Reaper) RunNow(ctx context.Context) (SweepResult, error) {
	return r.sweep(ctx)
}

// =============================================================================
// Internal Methods
// =============================================================================

func (r *Reaper) runLoop(ctx context.Context, done <-chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	// Sweep once immediately on start
	r.executeSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Idle session reaper stopped (context cancelled)")
			return
		case <-done:
			slog.Info("Idle session reaper stopped (stop requested)")
			return
		case <-ticker.C:
			r.executeSweep(ctx)
		}
	}
}

// executeSweep logs the outcome of one sweep. Errors never stop the loop.
func (r *Reaper) executeSweep(ctx context.Context) {
	result, err := r.sweep(ctx)
	if err != nil {
		slog.Error("Idle session sweep failed", "error", err)
		r.audit.RecordError("", err)
		return
	}

	if result.Found > 0 {
		slog.Info("Idle session sweep completed",
			"found", result.Found,
			"expired", result.Expired,
			"errors", len(result.Errors),
			"duration_ms", result.DurationMs(),
		)
	} else {
		slog.Debug("Idle session sweep completed (no idle sessions)")
	}
}

func (r *Reaper) sweep(ctx context.Context) (SweepResult, error) {
	start := r.now()
	result := SweepResult{
		StartTime: start,
		Cutoff:    start.Add(-r.config.IdleTTL),
	}

	ids, err := r.expirer.IdleSessions(ctx, result.Cutoff, r.config.BatchSize)
	if err != nil {
		result.EndTime = r.now()
		return result, fmt.Errorf("failed to query idle sessions: %w", err)
	}
	result.Found = len(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			result.EndTime = r.now()
			return result, fmt.Errorf("sweep interrupted after %d sessions: %w", result.Expired, err)
		}
		if err := r.expirer.ExpireSession(ctx, id); err != nil {
			slog.Warn("Failed to expire idle session", "session_id", id, "error", err)
			result.Errors = append(result.Errors, SweepError{SessionID: id, Error: err.Error()})
			r.audit.RecordError(id, err)
			continue
		}
		result.Expired++
		if _, err := r.audit.RecordExpired(id, result.Cutoff); err != nil {
			slog.Error("Failed to write expiry audit record", "session_id", id, "error", err)
		}
	}

	result.EndTime = r.now()
	return result, nil
}
