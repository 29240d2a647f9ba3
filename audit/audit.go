// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

// Package audit appends one structured record per tool-call decision to
// an append-only JSONL log.
//
// The log file is opened once and kept open for the process lifetime.
// Writes are serialized by a single-writer mutex; a global monotonic
// sequence number is assigned under the same lock, so the log is a valid
// linearization of all decisions even when sessions run concurrently.
// Every entry is flushed to disk before Record returns.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome values for executed (or interrupted) calls.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeInterrupted = "interrupted"
)

// Record captures one tool-call decision. Records are immutable: created
// and appended exactly once, never updated or deleted.
type Record struct {
	Seq        uint64    `json:"seq"`
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	App        string    `json:"app,omitempty"`
	SessionID  string    `json:"session_id"`
	SessionSeq int       `json:"session_seq"`
	Tool       string    `json:"tool"`
	ArgsDigest string    `json:"args_digest"`
	Verdict    string    `json:"verdict"`
	DenyReason string    `json:"deny_reason,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Logger is the append-only audit sink.
//
// A write failure latches the logger into a failed state: once the audit
// trail cannot be guaranteed, callers must deny rather than allow
// unaudited tool calls, so every later Record fails fast with the
// original error.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	seq    uint64
	failed error
}

// Open opens (creating if needed) the audit log for appending.
func Open(path string) (*Logger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %s: %w", path, err)
	}
	return &Logger{file: file, path: path}, nil
}

// Record assigns the next global sequence number, serializes the record
// as one JSON line, appends it, and syncs. Returns the assigned sequence.
func (l *Logger) Record(rec Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failed != nil {
		return 0, l.failed
	}

	l.seq++
	rec.Seq = l.seq
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		// Marshal failures do not poison the sink; the record itself
		// was malformed.
		l.seq--
		return 0, fmt.Errorf("failed to marshal audit record: %w", err)
	}

	if _, err := fmt.Fprintf(l.file, "%s\n", data); err != nil {
		l.failed = fmt.Errorf("audit log %s is unwritable: %w", l.path, err)
		return 0, l.failed
	}
	if err := l.file.Sync(); err != nil {
		l.failed = fmt.Errorf("audit log %s failed to sync: %w", l.path, err)
		return 0, l.failed
	}

	return rec.Seq, nil
}

// Err returns the latched write failure, or nil while the sink is healthy.
func (l *Logger) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

// Seq returns the last assigned sequence number.
func (l *Logger) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Digest returns a stable SHA-256 digest of a tool call's arguments.
// Raw argument values never enter the log: the digest bounds log size
// and avoids leaking sensitive values while still letting external
// tooling correlate identical calls.
func Digest(args map[string]string) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, args[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}
