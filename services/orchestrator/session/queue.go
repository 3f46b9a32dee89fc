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
	"runtime/debug"
	"sync"
)

// DefaultMaxPending is the pending-event bound used when none is configured.
const DefaultMaxPending = 32

// Task is one unit of work on a session queue.
//
// # Fields
//
//   - Run: Executes the event. Called at most once, on the queue worker.
//   - Abort: Reports why Run will never be called (queue closed) or why it
//     did not complete (panic). May be nil.
type Task struct {
	Run   func()
	Abort func(error)
}

// Queue is a FIFO serial executor.
//
// # Description
//
// Tasks run one at a time in the order they were enqueued. No worker
// goroutine exists while the queue is empty: Enqueue starts one when needed
// and it exits once the queue drains. A panicking task is recovered, its
// Abort callback receives ErrInternal, and the next task runs.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Queue struct {
	mu         sync.Mutex
	pending    []Task
	running    bool
	closed     bool
	maxPending int
	idle       *sync.Cond
}

// NewQueue creates a queue holding at most maxPending waiting tasks
// (DefaultMaxPending when maxPending <= 0).
func NewQueue(maxPending int) *Queue {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	q := &Queue{maxPending: maxPending}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends t.
//
// # Outputs
//
//   - error: ErrNotFound if the queue was closed, ErrBusy if full.
func (q *Queue) Enqueue(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("queue closed: %w", ErrNotFound)
	}
	if len(q.pending) >= q.maxPending {
		return fmt.Errorf("%d events pending: %w", len(q.pending), ErrBusy)
	}
	q.pending = append(q.pending, t)
	if !q.running {
		q.running = true
		go q.drain()
	}
	return nil
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending[0] = Task{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.execute(t)
	}
}

func (q *Queue) execute(t Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Session task panicked", "panic", r, "stack", string(debug.Stack()))
			if t.Abort != nil {
				t.Abort(fmt.Errorf("task panicked: %v: %w", r, ErrInternal))
			}
		}
	}()
	t.Run()
}

// Close rejects future tasks and aborts every pending one with ErrNotFound.
// A task already running completes normally. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	aborted := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, t := range aborted {
		if t.Abort != nil {
			t.Abort(fmt.Errorf("session removed: %w", ErrNotFound))
		}
	}
}

// Idle reports whether nothing is running or waiting.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.running && len(q.pending) == 0
}

// Len returns the number of waiting tasks, excluding one that is running.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait blocks until the queue is idle.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.running || len(q.pending) > 0 {
		q.idle.Wait()
	}
}
