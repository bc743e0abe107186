// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calyptra-ai/deepresearch/services/agent/datatypes"
)

// =============================================================================
// Wire Envelope
// =============================================================================

// StreamEnvelope is the SSE wire form of an agent event.
//
// Beyond the agent payload, each envelope carries:
//   - Id: UUID v4 for ordering and deduplication
//   - CreatedAt: Unix timestamp in milliseconds
//   - Hash: SHA-256 of envelope content for integrity
//   - PrevHash: hash of the previous envelope for chain verification
type StreamEnvelope struct {
	Id        string         `json:"id"`
	Type      string         `json:"type"`
	CreatedAt int64          `json:"created_at"`
	Hash      string         `json:"hash"`
	PrevHash  string         `json:"prev_hash"`
	SessionId string         `json:"session_id,omitempty"`
	Round     int            `json:"round,omitempty"`
	Content   string         `json:"content,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes research events to an HTTP response in SSE format
// (event: type\ndata: json\n\n), maintaining the envelope hash chain.
//
// Implementations must be safe for concurrent use: the heartbeat
// goroutine writes keepalives while the loop emits events.
type SSEWriter interface {
	// WriteAgentEvent wraps an agent event in a StreamEnvelope,
	// populates chain metadata, and writes it. Flushes immediately.
	WriteAgentEvent(event datatypes.AgentEvent) error

	// WriteError writes a terminal error envelope. The message must be
	// sanitized of internal details before it reaches this method.
	WriteError(errMsg string) error

	// WriteKeepAlive sends an SSE comment line (": ping") to keep the
	// connection alive through proxies. Comments do not enter the hash
	// chain.
	WriteKeepAlive() error
}

// sseWriter implements SSEWriter over an http.ResponseWriter.
//
// The hash chain covers id, type, timestamp, previous hash, content,
// error, session id, and the serialized data payload, giving chain of
// custody for everything the client received.
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter creates an SSEWriter for the given ResponseWriter. The
// caller must set SSE headers first via SetSSEHeaders. Returns an
// error when the ResponseWriter does not support http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

func (w *sseWriter) WriteAgentEvent(event datatypes.AgentEvent) error {
	return w.writeEnvelope(StreamEnvelope{
		Type:      string(event.Type),
		SessionId: event.SessionID,
		Round:     event.Round,
		Content:   event.Content,
		Data:      event.Data,
	})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.writeEnvelope(StreamEnvelope{
		Type:  string(datatypes.EventError),
		Error: errMsg,
	})
}

func (w *sseWriter) writeEnvelope(envelope StreamEnvelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	envelope.Id = uuid.New().String()
	envelope.CreatedAt = time.Now().UnixMilli()
	envelope.PrevHash = w.prevHash
	envelope.Hash = computeEnvelopeHash(envelope)
	w.prevHash = envelope.Hash

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", envelope.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// computeEnvelopeHash hashes all envelope content. The Hash field
// itself must be empty when called.
func computeEnvelopeHash(envelope StreamEnvelope) string {
	dataJSON := ""
	if len(envelope.Data) > 0 {
		if data, err := json.Marshal(envelope.Data); err == nil {
			dataJSON = string(data)
		}
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%d|%s|%s|%s|%s",
		envelope.Id,
		envelope.Type,
		envelope.CreatedAt,
		envelope.PrevHash,
		envelope.Round,
		envelope.Content,
		envelope.Error,
		envelope.SessionId,
		dataJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures response headers for SSE streaming. Must be
// called before the first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
