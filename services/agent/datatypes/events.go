// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the event vocabulary streamed to clients while a
// research turn runs. The SSE envelope (id, hash chain, timestamps) is
// added by the gateway; these types carry only the agent payload.
package datatypes

// AgentEventType enumerates the events a research turn can emit.
type AgentEventType string

const (
	// EventInit opens a turn and carries the session id.
	EventInit AgentEventType = "init"

	// EventRoundStart marks the beginning of a reasoning round.
	EventRoundStart AgentEventType = "round_start"

	// EventThinking streams reasoning text as it is generated.
	EventThinking AgentEventType = "thinking"

	// EventToolCallStart announces a parsed tool call before dispatch.
	EventToolCallStart AgentEventType = "tool_call_start"

	// EventToolExecution marks a tool call in flight.
	EventToolExecution AgentEventType = "tool_execution"

	// EventCodeExecution marks a sandbox program in flight.
	EventCodeExecution AgentEventType = "code_execution"

	// EventToolResult carries a (possibly truncated) tool result.
	EventToolResult AgentEventType = "tool_result"

	// EventToolError carries a tool failure. The turn continues.
	EventToolError AgentEventType = "tool_error"

	// EventJudging streams the sufficiency judge's rationale.
	EventJudging AgentEventType = "judging"

	// EventJudgment carries the parsed sufficiency outcome.
	EventJudgment AgentEventType = "judgment"

	// EventAnswerChunk streams extracted answer text incrementally.
	EventAnswerChunk AgentEventType = "answer_chunk"

	// EventAnswerComplete carries the full rewritten answer plus the
	// dense citation list.
	EventAnswerComplete AgentEventType = "answer_complete"

	// EventFinalAnswer carries the raw final answer when no structured
	// extraction applied.
	EventFinalAnswer AgentEventType = "final_answer"

	// EventTokenLimit signals the token budget was exhausted and the
	// turn was forced to answer from what it has.
	EventTokenLimit AgentEventType = "token_limit"

	// EventNoAnswer signals the retrieval round cap was reached without
	// sufficient evidence; an apologetic answer follows.
	EventNoAnswer AgentEventType = "no_answer"

	// EventBusy signals admission control rejected the turn. Terminal
	// after the closing completed event.
	EventBusy AgentEventType = "busy"

	// EventCancelled signals the caller cancelled the turn.
	EventCancelled AgentEventType = "cancelled"

	// EventError carries an unrecoverable turn error.
	EventError AgentEventType = "error"

	// EventCompleted closes every stream exactly once, whatever path
	// the turn took.
	EventCompleted AgentEventType = "completed"
)

// AgentEvent is a single event emitted during a research turn.
//
// Content holds streaming text (thinking, answer chunks, rationale).
// Data holds structured payloads (judgments, citations, tool args).
type AgentEvent struct {
	Type      AgentEventType `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Round     int            `json:"round,omitempty"`
	Content   string         `json:"content,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventSink receives agent events in emission order.
//
// Implementations must tolerate being called from the loop goroutine
// only; the loop never emits concurrently.
type EventSink interface {
	Emit(event AgentEvent) error
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(event AgentEvent) error

// Emit calls f(event).
func (f EventSinkFunc) Emit(event AgentEvent) error {
	return f(event)
}
