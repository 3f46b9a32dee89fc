// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Doubles
// =============================================================================

type mockExpirer struct {
	mu        sync.Mutex
	idle      []string
	queryErr  error
	failOn    map[string]error
	expired   []string
	cutoffs   []time.Time
	limits    []int
	onExpire  func(id string)
	querySeen chan struct{}
}

func (m *mockExpirer) IdleSessions(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	m.cutoffs = append(m.cutoffs, cutoff)
	m.limits = append(m.limits, limit)
	ids := m.idle
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	err := m.queryErr
	seen := m.querySeen
	m.mu.Unlock()

	if seen != nil {
		select {
		case seen <- struct{}{}:
		default:
		}
	}
	if err != nil {
		return nil, err
	}
	return append([]string(nil), ids...), nil
}

func (m *mockExpirer) ExpireSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn[id]; err != nil {
		return err
	}
	m.expired = append(m.expired, id)
	m.idle = removeID(m.idle, id)
	if m.onExpire != nil {
		m.onExpire(id)
	}
	return nil
}

func (m *mockExpirer) Expired() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.expired...)
}

func removeID(ids []string, id string) []string {
	out := ids[:0:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// =============================================================================
// Reaper Tests
// =============================================================================

func TestDefaultReaperConfig(t *testing.T) {
	config := DefaultReaperConfig()
	assert.Equal(t, time.Minute, config.Interval)
	assert.Equal(t, 30*time.Minute, config.IdleTTL)
	assert.Equal(t, 100, config.BatchSize)

	r := NewReaper(&mockExpirer{}, nil, ReaperConfig{IdleTTL: time.Hour})
	assert.Equal(t, time.Minute, r.Config().Interval)
	assert.Equal(t, time.Hour, r.Config().IdleTTL)
}

func TestReaper_RunNow_ExpiresIdleSessions(t *testing.T) {
	expirer := &mockExpirer{idle: []string{"AAAAA", "BBBBB"}}
	r := NewReaper(expirer, nil, ReaperConfig{IdleTTL: 10 * time.Minute, BatchSize: 5})
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	result, err := r.RunNow(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, result.Found)
	assert.Equal(t, 2, result.Expired)
	assert.Empty(t, result.Errors)
	assert.Equal(t, fixed.Add(-10*time.Minute), result.Cutoff)
	assert.Equal(t, []string{"AAAAA", "BBBBB"}, expirer.Expired())
	assert.Equal(t, []int{5}, expirer.limits)
}

func TestReaper_RunNow_RespectsBatchSize(t *testing.T) {
	expirer := &mockExpirer{idle: []string{"A", "B", "C"}}
	r := NewReaper(expirer, nil, ReaperConfig{BatchSize: 2})

	first, err := r.RunNow(context.Background())
	require.NoError(t, err)
	second, err := r.RunNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, first.Expired)
	assert.Equal(t, 1, second.Expired)
	assert.Equal(t, []string{"A", "B", "C"}, expirer.Expired())
}

func TestReaper_RunNow_CollectsExpireErrors(t *testing.T) {
	expirer := &mockExpirer{
		idle:   []string{"A", "B"},
		failOn: map[string]error{"A": errors.New("room close failed")},
	}
	var buf bytes.Buffer
	r := NewReaper(expirer, NewAuditLog(&buf), ReaperConfig{})

	result, err := r.RunNow(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, result.Found)
	assert.Equal(t, 1, result.Expired)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "A", result.Errors[0].SessionID)
	assert.Contains(t, buf.String(), OpSweepError)
	assert.Contains(t, buf.String(), `"session_id":"B"`)
}

func TestReaper_RunNow_QueryError(t *testing.T) {
	expirer := &mockExpirer{queryErr: errors.New("store offline")}
	r := NewReaper(expirer, nil, ReaperConfig{})

	_, err := r.RunNow(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "store offline")
}

func TestReaper_RunNow_StopsOnCancelledContext(t *testing.T) {
	expirer := &mockExpirer{idle: []string{"A", "B"}}
	r := NewReaper(expirer, nil, ReaperConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := r.RunNow(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, result.Expired)
	assert.Empty(t, expirer.Expired())
}

func TestReaper_StartSweepsImmediately(t *testing.T) {
	expirer := &mockExpirer{idle: []string{"A"}, querySeen: make(chan struct{}, 1)}
	r := NewReaper(expirer, nil, ReaperConfig{Interval: time.Hour})

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	select {
	case <-expirer.querySeen:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not sweep on start")
	}
	assert.Eventually(t, func() bool { return len(expirer.Expired()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestReaper_SweepsOnInterval(t *testing.T) {
	expirer := &mockExpirer{querySeen: make(chan struct{}, 8)}
	r := NewReaper(expirer, nil, ReaperConfig{Interval: 10 * time.Millisecond})

	require.NoError(t, r.Start(context.Background()))
	for i := 0; i < 3; i++ {
		select {
		case <-expirer.querySeen:
		case <-time.After(2 * time.Second):
			t.Fatalf("sweep %d did not happen", i)
		}
	}
	require.NoError(t, r.Stop())
}

func TestReaper_StartTwiceFails(t *testing.T) {
	r := NewReaper(&mockExpirer{}, nil, ReaperConfig{Interval: time.Hour})

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	assert.Error(t, r.Start(context.Background()))
	assert.True(t, r.Running())
}

func TestReaper_StopIsIdempotentAndRestartable(t *testing.T) {
	r := NewReaper(&mockExpirer{}, nil, ReaperConfig{Interval: time.Hour})

	require.NoError(t, r.Stop())
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
	assert.False(t, r.Running())

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Stop())
}

func TestReaper_ExitsOnContextCancel(t *testing.T) {
	r := NewReaper(&mockExpirer{}, nil, ReaperConfig{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, r.Start(ctx))
	cancel()

	stopped := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after cancel")
	}
	require.NoError(t, r.Stop())
}

// =============================================================================
// Audit Log Tests
// =============================================================================

func TestAuditLog_ChainVerifies(t *testing.T) {
	var buf bytes.Buffer
	log := NewAuditLog(&buf)
	cutoff := time.Now().Add(-time.Hour)

	first, err := log.RecordExpired("AAAAA", cutoff)
	require.NoError(t, err)
	log.RecordError("BBBBB", errors.New("boom"))
	second, err := log.RecordExpired("CCCCC", cutoff)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, GenesisHash, first.PrevHash)
	assert.Equal(t, first.EntryHash, second.PrevHash)
	assert.Equal(t, int64(2), log.Sequence())

	valid, breakIndex, err := VerifyChain(strings.NewReader(buf.String()))
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, int64(-1), breakIndex)
}

func TestAuditLog_TamperDetected(t *testing.T) {
	var buf bytes.Buffer
	log := NewAuditLog(&buf)
	for _, id := range []string{"A", "B", "C"} {
		_, err := log.RecordExpired(id, time.Now())
		require.NoError(t, err)
	}

	tampered := strings.Replace(buf.String(), `"session_id":"B"`, `"session_id":"X"`, 1)
	valid, breakIndex, err := VerifyChain(strings.NewReader(tampered))
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, int64(1), breakIndex)

	lines := strings.SplitN(buf.String(), "\n", 2)
	valid, breakIndex, err = VerifyChain(strings.NewReader(lines[1]))
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, int64(0), breakIndex)
}

func TestOpenAuditLog_ContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "expiry_audit.log")

	log, err := OpenAuditLog(path)
	require.NoError(t, err)
	_, err = log.RecordExpired("A", time.Now())
	require.NoError(t, err)
	require.NoError(t, log.Close())

	reopened, err := OpenAuditLog(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reopened.Sequence())
	record, err := reopened.RecordExpired("B", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), record.Sequence)
	require.NoError(t, reopened.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(auditLogFileMode), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	valid, _, err := VerifyChain(bytes.NewReader(data))
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestAuditLog_NilIsNoOp(t *testing.T) {
	var log *AuditLog

	record, err := log.RecordExpired("A", time.Now())
	assert.NoError(t, err)
	assert.Equal(t, ExpiryRecord{}, record)
	log.RecordError("A", errors.New("x"))
	assert.Equal(t, int64(0), log.Sequence())
	assert.NoError(t, log.Close())
}

func TestReaper_WritesAuditRecords(t *testing.T) {
	var buf bytes.Buffer
	expirer := &mockExpirer{idle: []string{"A", "B"}}
	r := NewReaper(expirer, NewAuditLog(&buf), ReaperConfig{})

	_, err := r.RunNow(context.Background())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	valid, _, err := VerifyChain(&buf)
	require.NoError(t, err)
	assert.True(t, valid)
}
