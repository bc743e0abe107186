// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/calyptra-ai/deepresearch/services/agent/datatypes"
)

// ErrSessionNotFound is returned for lookups of unknown or deleted
// session ids.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionBusy is returned when a new turn is started on a session
// that is still processing one.
var ErrSessionBusy = errors.New("session already processing a request")

// ErrCitationNotFound is returned when a citation id does not exist in
// the session's latest turn.
var ErrCitationNotFound = errors.New("citation not found")

// SessionSummary is the list-view projection of a session.
type SessionSummary struct {
	ID        string                  `json:"session_id"`
	Status    datatypes.SessionStatus `json:"status"`
	Turns     int                     `json:"turns"`
	Question  string                  `json:"question,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// SessionRegistry owns all memory-resident sessions. The registry lock
// guards the map; the fields of an individual session are guarded by
// the session's own lock, so readers see consistent state while the
// loop publishes a finished turn.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*datatypes.Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*datatypes.Session)}
}

// Checkout returns the session ready for a new turn, creating it when
// id is empty or unknown. An existing session mid-turn yields
// ErrSessionBusy.
func (r *SessionRegistry) Checkout(id string) (*datatypes.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		session := datatypes.NewSession()
		r.sessions[session.ID] = session
		return session, nil
	}

	session, ok := r.sessions[id]
	if !ok {
		session = datatypes.NewSession()
		session.ID = id
		r.sessions[id] = session
		return session, nil
	}
	if !session.TryBeginTurn() {
		return nil, ErrSessionBusy
	}
	session.ResetCancel()
	return session, nil
}

// Get returns a point-in-time copy of the session, safe to read and
// marshal while a turn is running, or ErrSessionNotFound.
func (r *SessionRegistry) Get(id string) (*datatypes.Session, error) {
	r.mu.RLock()
	session, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.Snapshot(), nil
}

// List returns summaries of all sessions, newest first.
func (r *SessionRegistry) List() []SessionSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]SessionSummary, 0, len(r.sessions))
	for _, session := range r.sessions {
		snap := session.Snapshot()
		summary := SessionSummary{
			ID:        snap.ID,
			Status:    snap.Status,
			Turns:     len(snap.Turns),
			CreatedAt: snap.CreatedAt,
			UpdatedAt: snap.UpdatedAt,
		}
		if len(snap.Turns) > 0 {
			summary.Question = snap.Turns[0].Question
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries
}

// Cancel flips the session's cancel flag. The running loop observes it
// at its next state transition.
func (r *SessionRegistry) Cancel(id string) error {
	r.mu.RLock()
	session, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	session.Cancel()
	return nil
}

// Delete removes the session. A processing session is cancelled first;
// its loop finishes against the detached object.
func (r *SessionRegistry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if session.CurrentStatus() == datatypes.StatusProcessing {
		session.Cancel()
	}
	delete(r.sessions, id)
	return nil
}

// SweepIdle removes sessions whose last activity is older than maxIdle.
// Sessions mid-turn are never evicted regardless of age. Returns the
// number of sessions removed.
func (r *SessionRegistry) SweepIdle(maxIdle time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxIdle)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, session := range r.sessions {
		if session.CurrentStatus() == datatypes.StatusProcessing {
			continue
		}
		if session.LastUpdated().Before(cutoff) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// Citation resolves a dense citation id from the session's most recent
// turn. The returned citation is a copy.
func (r *SessionRegistry) Citation(sessionID string, citationID int) (*datatypes.Citation, error) {
	r.mu.RLock()
	session, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	citation := session.FindCitation(citationID)
	if citation == nil {
		return nil, ErrCitationNotFound
	}
	return citation, nil
}
