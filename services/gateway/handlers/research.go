// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the gin handlers of the research gateway:
// the SSE research stream, session administration, and health.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/calyptra-ai/deepresearch/services/agent"
	"github.com/calyptra-ai/deepresearch/services/agent/datatypes"
	"github.com/calyptra-ai/deepresearch/services/gateway/observability"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// heartbeatInterval keeps the SSE connection alive through load
	// balancers with 60s idle timeouts.
	heartbeatInterval = 15 * time.Second
)

// =============================================================================
// Handler
// =============================================================================

// ResearchHandler serves the streaming research endpoint.
type ResearchHandler struct {
	loop     *agent.Loop
	sessions *agent.SessionRegistry
	permits  *agent.PermitPool
	tracer   trace.Tracer
}

// NewResearchHandler creates the handler. Panics on nil dependencies.
func NewResearchHandler(loop *agent.Loop, sessions *agent.SessionRegistry,
	permits *agent.PermitPool) *ResearchHandler {

	if loop == nil {
		panic("research handler: loop is required")
	}
	if sessions == nil {
		panic("research handler: session registry is required")
	}
	if permits == nil {
		panic("research handler: permit pool is required")
	}
	return &ResearchHandler{
		loop:     loop,
		sessions: sessions,
		permits:  permits,
		tracer:   otel.Tracer("deepresearch.gateway.research"),
	}
}

// HandleResearchStream runs one research turn over SSE.
//
// POST /v1/research/stream
//
// The stream always ends with exactly one "completed" event; admission
// rejection produces "busy" then "completed" on an open stream rather
// than an HTTP error, so clients have a single protocol to follow.
func (h *ResearchHandler) HandleResearchStream(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleResearchStream")
	defer span.End()

	start := time.Now()

	// Step 1: Parse and validate the request.
	var req datatypes.ResearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetStatus(codes.Error, "bad request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(attribute.Int("request.question_bytes", len(req.Question)))

	// Step 2: Set SSE headers and create the writer before admission,
	// so a busy verdict can still be streamed.
	SetSSEHeaders(c.Writer)
	sseWriter, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	metrics := observability.DefaultMetrics

	// Step 3: Admission control.
	if err := h.permits.Acquire(ctx); err != nil {
		if errors.Is(err, agent.ErrBusy) {
			span.SetStatus(codes.Error, "admission rejected")
			if metrics != nil {
				metrics.AdmissionRejectsTotal.Inc()
				metrics.RecordRequest(observability.StatusBusy, time.Since(start).Seconds())
			}
			_ = sseWriter.WriteAgentEvent(datatypes.AgentEvent{Type: datatypes.EventBusy})
			_ = sseWriter.WriteAgentEvent(datatypes.AgentEvent{Type: datatypes.EventCompleted})
			return
		}
		// Client went away while queued.
		if metrics != nil {
			metrics.RecordDisconnect()
		}
		return
	}
	defer h.permits.Release()

	// Step 4: Check out the session.
	session, err := h.sessions.Checkout(req.SessionID)
	if err != nil {
		_ = sseWriter.WriteError("session is already processing a request")
		_ = sseWriter.WriteAgentEvent(datatypes.AgentEvent{Type: datatypes.EventCompleted})
		return
	}
	span.SetAttributes(attribute.String("session.id", session.ID))

	if metrics != nil {
		metrics.ActiveStreams.Inc()
		defer metrics.ActiveStreams.Dec()
	}

	// Step 5: Start the heartbeat goroutine.
	heartbeatDone := make(chan struct{})
	go h.runHeartbeat(ctx, sseWriter, heartbeatDone)

	// Step 6: Run the turn. The loop owns terminal-event emission.
	firstEvent := false
	sink := datatypes.EventSinkFunc(func(event datatypes.AgentEvent) error {
		if !firstEvent {
			firstEvent = true
			if metrics != nil {
				metrics.TimeToFirstEventSeconds.Observe(time.Since(start).Seconds())
			}
		}
		h.recordEvent(metrics, event)
		return sseWriter.WriteAgentEvent(event)
	})

	runErr := h.loop.Run(ctx, session, req, sink)
	close(heartbeatDone)

	// Step 7: Record the outcome.
	status := statusOf(session.CurrentStatus())
	if metrics != nil {
		metrics.RecordRequest(status, time.Since(start).Seconds())
		if ctx.Err() != nil {
			metrics.RecordDisconnect()
		}
	}
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "research turn failed")
		slog.Error("research turn failed", "session_id", session.ID, "error", runErr)
		return
	}
	span.SetStatus(codes.Ok, "")
}

// HandleCancel requests cooperative cancellation of a running turn.
//
// POST /v1/research/cancel
func (h *ResearchHandler) HandleCancel(c *gin.Context) {
	var req datatypes.CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.sessions.Cancel(req.SessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling", "session_id": req.SessionID})
}

// runHeartbeat sends keepalive pings until the turn finishes or the
// client disconnects.
func (h *ResearchHandler) runHeartbeat(ctx context.Context, writer SSEWriter,
	done <-chan struct{}) {

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("failed to write keepalive", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive()
			}
		}
	}
}

// recordEvent feeds per-event counters.
func (h *ResearchHandler) recordEvent(m *observability.ResearchMetrics,
	event datatypes.AgentEvent) {

	if m == nil {
		return
	}
	switch event.Type {
	case datatypes.EventRoundStart:
		m.RoundsTotal.Inc()
	case datatypes.EventToolResult:
		m.RecordToolCall(toolLabel(event), true)
	case datatypes.EventToolError:
		m.RecordToolCall(toolLabel(event), false)
	}
}

func toolLabel(event datatypes.AgentEvent) string {
	if name, ok := event.Data["tool"].(string); ok {
		return name
	}
	return "unknown"
}

func statusOf(s datatypes.SessionStatus) observability.StreamStatus {
	switch s {
	case datatypes.StatusCancelled:
		return observability.StatusCancelled
	case datatypes.StatusError:
		return observability.StatusError
	default:
		return observability.StatusSuccess
	}
}
