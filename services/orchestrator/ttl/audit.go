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
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// =============================================================================
// Expiry Audit Log
// =============================================================================

// GenesisHash is the PrevHash of the first record in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

const auditLogFileMode = 0600

// Audit operations.
const (
	OpSessionExpired = "session_expired"
	OpSweepError     = "sweep_error"
)

// ExpiryRecord is one line of the audit log.
//
// # Description
//
// Expiry records carry a sequence number and are hash-chained: EntryHash
// covers every other field including PrevHash, so removing or editing a
// line breaks the chain. Error records have Sequence 0 and sit outside the
// chain.
type ExpiryRecord struct {
	Sequence  int64  `json:"sequence,omitempty"`
	Timestamp string `json:"timestamp"`
	Operation string `json:"operation"`
	SessionID string `json:"session_id,omitempty"`
	Cutoff    string `json:"cutoff,omitempty"`
	Error     string `json:"error,omitempty"`
	PrevHash  string `json:"prev_hash,omitempty"`
	EntryHash string `json:"entry_hash,omitempty"`
}

// AuditLog appends ExpiryRecords as JSON lines.
//
// # Thread Safety
//
// Safe for concurrent use. All methods are no-ops on a nil *AuditLog.
type AuditLog struct {
	mu       sync.Mutex
	w        io.Writer
	closer   io.Closer
	sequence int64
	prevHash string
	now      func() time.Time
}

// NewAuditLog writes a fresh chain to w.
func NewAuditLog(w io.Writer) *AuditLog {
	return &AuditLog{w: w, prevHash: GenesisHash, now: time.Now}
}

// OpenAuditLog opens path for appending and continues the chain found there.
//
// # Inputs
//
//   - path: Log file. Created with mode 0600 if missing.
//
// # Outputs
//
//   - *AuditLog: Positioned after the last chained record in the file.
//   - error: Non-nil if the file cannot be read or opened.
func OpenAuditLog(path string) (*AuditLog, error) {
	seq, prev, err := chainTail(path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chain state: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditLogFileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	slog.Info("Expiry audit log initialized", "log_path", path, "starting_sequence", seq)
	return &AuditLog{w: file, closer: file, sequence: seq, prevHash: prev, now: time.Now}, nil
}

// RecordExpired appends a chained record for an expired session.
func (l *AuditLog) RecordExpired(sessionID string, cutoff time.Time) (ExpiryRecord, error) {
	if l == nil {
		return ExpiryRecord{}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	record := ExpiryRecord{
		Sequence:  l.sequence + 1,
		Timestamp: l.now().UTC().Format(time.RFC3339),
		Operation: OpSessionExpired,
		SessionID: sessionID,
		Cutoff:    cutoff.UTC().Format(time.RFC3339),
		PrevHash:  l.prevHash,
	}
	record.EntryHash = computeRecordHash(record)

	if err := l.write(record); err != nil {
		return ExpiryRecord{}, err
	}
	l.sequence = record.Sequence
	l.prevHash = record.EntryHash
	return record, nil
}

// RecordError appends an unchained error record. Write failures are logged.
func (l *AuditLog) RecordError(sessionID string, cause error) {
	if l == nil || cause == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	record := ExpiryRecord{
		Timestamp: l.now().UTC().Format(time.RFC3339),
		Operation: OpSweepError,
		SessionID: sessionID,
		Error:     cause.Error(),
	}
	if err := l.write(record); err != nil {
		slog.Error("Failed to write audit error record", "error", err)
	}
}

// Sequence returns the sequence number of the last chained record.
func (l *AuditLog) Sequence() int64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence
}

// Close closes the underlying file, if any.
func (l *AuditLog) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closer.Close()
}

func (l *AuditLog) write(record ExpiryRecord) error {
	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	if _, err := l.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

// =============================================================================
// Chain Verification
// =============================================================================

// VerifyChain checks the hash chain in r.
//
// # Outputs
//
//   - valid: True if every chained record links to its predecessor.
//   - breakIndex: Index of the first bad chained record, or -1.
//   - err: Non-nil if r cannot be read.
func VerifyChain(r io.Reader) (valid bool, breakIndex int64, err error) {
	scanner := bufio.NewScanner(r)
	prevHash := GenesisHash
	var index int64

	for scanner.Scan() {
		var record ExpiryRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil || record.Sequence == 0 {
			continue
		}
		if record.PrevHash != prevHash || computeRecordHash(record) != record.EntryHash {
			return false, index, nil
		}
		prevHash = record.EntryHash
		index++
	}
	if err := scanner.Err(); err != nil {
		return false, -1, fmt.Errorf("error reading audit log: %w", err)
	}
	return true, -1, nil
}

// chainTail returns the sequence and hash of the last chained record in path.
func chainTail(path string) (int64, string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, GenesisHash, nil
		}
		return 0, "", fmt.Errorf("failed to open audit log for reading: %w", err)
	}
	defer file.Close()

	seq, prev := int64(0), GenesisHash
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record ExpiryRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.Sequence > 0 {
			seq, prev = record.Sequence, record.EntryHash
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, "", fmt.Errorf("error reading audit log: %w", err)
	}
	return seq, prev, nil
}

func computeRecordHash(record ExpiryRecord) string {
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s",
		record.Sequence,
		record.Timestamp,
		record.Operation,
		record.SessionID,
		record.Cutoff,
		record.PrevHash,
	)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
