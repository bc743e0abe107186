// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the session model for multi-turn research
// conversations. Sessions are memory-resident and lost on restart.
package datatypes

import (
	"sync"
	"sync/atomic"
	"time"
)

// SessionStatus describes where a session is in its lifecycle.
type SessionStatus string

const (
	// StatusProcessing means a research turn is currently running.
	StatusProcessing SessionStatus = "processing"

	// StatusCompleted means the last turn finished with an answer.
	StatusCompleted SessionStatus = "completed"

	// StatusCancelled means the last turn was cancelled by the caller.
	StatusCancelled SessionStatus = "cancelled"

	// StatusError means the last turn terminated on an unrecoverable error.
	StatusError SessionStatus = "error"
)

// ToolInvocation records a single tool call inside a round.
//
// Result always holds text: structured tool output is serialized before
// it is stored or appended to the conversation. Error holds the error
// string when the call failed; Result is empty in that case.
type ToolInvocation struct {
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args,omitempty"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// RoundRecord captures one reasoning round of a research turn.
type RoundRecord struct {
	Index       int              `json:"index"`
	Thinking    string           `json:"thinking,omitempty"`
	Invocations []ToolInvocation `json:"invocations,omitempty"`
	Judgment    *JudgmentResult  `json:"judgment,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
}

// Turn is one completed question/answer exchange within a session.
type Turn struct {
	Question  string        `json:"question"`
	Answer    string        `json:"answer,omitempty"`
	Rounds    []RoundRecord `json:"rounds,omitempty"`
	Citations []Citation    `json:"citations,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}

// Session is the memory-resident state of a research conversation.
//
// The cancel flag is shared between the HTTP layer and the running
// loop: Cancel() flips it, and the loop checks it at every state
// transition. Status, UpdatedAt, and Turns are guarded by the session
// lock: the loop publishes through TryBeginTurn and FinishTurn, and
// concurrent readers go through Snapshot or the accessor methods
// rather than touching the fields of a live session directly. The
// fields stay exported for JSON and for single-goroutine use such as
// tests and a finished Snapshot copy.
type Session struct {
	ID        string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
	Turns     []Turn        `json:"turns,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`

	mu        sync.RWMutex
	cancelled atomic.Bool
}

// NewSession creates a session with a fresh UUID and processing status.
func NewSession() *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        generateUUID(),
		Status:    StatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Cancel requests cooperative cancellation of the running turn.
//
// Safe to call from any goroutine, and idempotent.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled reports whether cancellation has been requested.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// ResetCancel clears the cancellation flag before a new turn starts.
func (s *Session) ResetCancel() {
	s.cancelled.Store(false)
}

// TryBeginTurn atomically claims the session for a new turn. It
// reports false when a turn is already processing.
func (s *Session) TryBeginTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status == StatusProcessing {
		return false
	}
	s.Status = StatusProcessing
	s.UpdatedAt = time.Now().UTC()
	return true
}

// FinishTurn publishes a completed turn together with the terminal
// status. Once appended, a turn is never mutated again, so readers may
// share the published Turn values.
func (s *Session) FinishTurn(status SessionStatus, turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	s.Turns = append(s.Turns, turn)
}

// Snapshot returns a point-in-time copy that is safe to read and
// marshal while a turn runs. The Turns slice header is copied;
// published turns are immutable, so sharing their backing data is
// fine.
func (s *Session) Snapshot() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &Session{
		ID:        s.ID,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if len(s.Turns) > 0 {
		snap.Turns = append([]Turn(nil), s.Turns...)
	}
	return snap
}

// CurrentStatus reads the status under the session lock.
func (s *Session) CurrentStatus() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status
}

// LastUpdated reads the last-activity timestamp under the session lock.
func (s *Session) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.UpdatedAt
}

// LastTurn returns the most recent turn, or nil for a fresh session.
// Callers other than the turn's own goroutine should use it on a
// Snapshot.
func (s *Session) LastTurn() *Turn {
	if len(s.Turns) == 0 {
		return nil
	}
	return &s.Turns[len(s.Turns)-1]
}

// FindCitation looks up a citation by its dense id across the most
// recent turn and returns a copy, or nil when not found. Safe to call
// concurrently with a running turn.
func (s *Session) FindCitation(id int) *Citation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.Turns) == 0 {
		return nil
	}
	turn := &s.Turns[len(s.Turns)-1]
	for i := range turn.Citations {
		if turn.Citations[i].ID == id {
			c := turn.Citations[i]
			return &c
		}
	}
	return nil
}
