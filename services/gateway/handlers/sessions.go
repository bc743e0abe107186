// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/calyptra-ai/deepresearch/services/agent"
)

// SessionHandler serves session administration endpoints.
type SessionHandler struct {
	sessions *agent.SessionRegistry
}

// NewSessionHandler creates the handler. Panics on a nil registry.
func NewSessionHandler(sessions *agent.SessionRegistry) *SessionHandler {
	if sessions == nil {
		panic("session handler: session registry is required")
	}
	return &SessionHandler{sessions: sessions}
}

// ListSessions returns summaries of all sessions, newest first.
//
// GET /v1/sessions
func (h *SessionHandler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.sessions.List()})
}

// GetSessionHistory returns the full turn history of one session.
//
// GET /v1/sessions/:sessionId/history
func (h *SessionHandler) GetSessionHistory(c *gin.Context) {
	session, err := h.sessions.Get(c.Param("sessionId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, session)
}

// DeleteSession removes a session. A running turn is cancelled first.
//
// DELETE /v1/sessions/:sessionId
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Param("sessionId")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// GetCitation resolves a dense citation id from the session's latest
// turn to its full evidence content.
//
// GET /v1/sessions/:sessionId/citations/:citationId
func (h *SessionHandler) GetCitation(c *gin.Context) {
	citationID, err := strconv.Atoi(c.Param("citationId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "citation id must be an integer"})
		return
	}

	citation, err := h.sessions.Citation(c.Param("sessionId"), citationID)
	if err != nil {
		if errors.Is(err, agent.ErrCitationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "citation not found"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, citation)
}
