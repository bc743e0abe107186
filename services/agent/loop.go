// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the research loop: the state machine that drives
// one question/answer turn through reasoning, tool dispatch, sufficiency
// judging, and answer synthesis, emitting events along the way.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/calyptra-ai/deepresearch/services/agent/datatypes"
	"github.com/calyptra-ai/deepresearch/services/agent/tools"
	"github.com/calyptra-ai/deepresearch/services/llm"
)

var loopTracer = otel.Tracer("deepresearch.agent.loop")

const (
	// DefaultMaxRetrievalRounds caps how many rounds may issue
	// retrieval calls before the turn gives up with an apology.
	DefaultMaxRetrievalRounds = 3

	// DefaultMaxRounds caps total reasoning rounds as a backstop
	// against tool-call loops that never retrieve.
	DefaultMaxRounds = 8

	// DefaultTokenBudget is the context ceiling; once the conversation
	// exceeds it the turn is forced to answer from gathered evidence.
	DefaultTokenBudget = 108 * 1024

	// toolResultLimit bounds the bytes of any single tool result
	// appended to the conversation or emitted as an event.
	toolResultLimit = 16 * 1024

	reasonTemperature = 0.7
	answerTemperature = 0.5
)

// errCancelled marks cooperative cancellation inside stream callbacks.
var errCancelled = errors.New("research cancelled")

// LoopConfig tunes a research loop. Zero values take defaults.
type LoopConfig struct {
	MaxRetrievalRounds int
	MaxRounds          int
	TokenBudget        int
}

func (c *LoopConfig) applyDefaults() {
	if c.MaxRetrievalRounds <= 0 {
		c.MaxRetrievalRounds = DefaultMaxRetrievalRounds
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = DefaultTokenBudget
	}
}

// Loop runs research turns. One Loop serves all sessions; per-turn
// state lives in runState.
type Loop struct {
	client   llm.LLMClient
	judge    *SufficiencyJudge
	registry *tools.Registry
	counter  *TokenCounter
	config   LoopConfig
	logger   *slog.Logger
}

// NewLoop creates a research loop. Panics on nil client, judge, or
// registry.
func NewLoop(client llm.LLMClient, judge *SufficiencyJudge, registry *tools.Registry,
	config LoopConfig) *Loop {

	if client == nil {
		panic("loop: llm client is required")
	}
	if judge == nil {
		panic("loop: sufficiency judge is required")
	}
	if registry == nil {
		panic("loop: tool registry is required")
	}
	config.applyDefaults()
	return &Loop{
		client:   client,
		judge:    judge,
		registry: registry,
		counter:  NewTokenCounter(),
		config:   config,
		logger:   slog.Default().With("component", "research_loop"),
	}
}

// runState is the per-turn working set.
type runState struct {
	session      *datatypes.Session
	sink         datatypes.EventSink
	request      datatypes.ResearchRequest
	conversation []datatypes.Message
	evidence     []datatypes.EvidenceItem
	turn         *datatypes.Turn
	round        int

	retrievalRounds int
	completedSent   bool
	sinkErr         error
}

// emit stamps the session id and round onto the event and forwards it.
// The first sink failure is remembered; the loop treats it like a
// cancellation at the next transition since the client is gone.
func (st *runState) emit(event datatypes.AgentEvent) {
	event.SessionID = st.session.ID
	if event.Round == 0 {
		event.Round = st.round
	}
	if err := st.sink.Emit(event); err != nil && st.sinkErr == nil {
		st.sinkErr = err
	}
}

// stopped reports whether the turn should wind down at the next
// transition.
func (st *runState) stopped() bool {
	return st.session.Cancelled() || st.sinkErr != nil
}

// complete emits the terminal completed event. Every exit path funnels
// through here; the flag keeps it to exactly one per turn.
func (st *runState) complete() {
	if st.completedSent {
		return
	}
	st.completedSent = true
	st.emit(datatypes.AgentEvent{Type: datatypes.EventCompleted})
}

// finish records the turn on the session and closes the stream.
func (st *runState) finish(status datatypes.SessionStatus) {
	st.session.FinishTurn(status, *st.turn)
	st.complete()
}

// ============================================================
// Turn entry point
// ============================================================

// # Description
//
//	Runs one research turn to completion. Emits an init event, then
//	cycles reasoning rounds until the model answers, the judge clears
//	it to answer, a budget trips, or the caller cancels. Exactly one
//	completed event closes the stream on every path, including panics.
//
// # Inputs
//   - ctx: cancelled when the client disconnects
//   - session: checked-out session; its cancel flag is polled at every
//     state transition
//   - request: validated research request
//   - sink: receives events in emission order
//
// # Outputs
//   - error: non-nil only for unrecoverable backend failures; budget
//     exhaustion and cancellation are normal terminations
func (l *Loop) Run(ctx context.Context, session *datatypes.Session,
	request datatypes.ResearchRequest, sink datatypes.EventSink) (err error) {

	ctx, span := loopTracer.Start(ctx, "Loop.Run")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", session.ID))

	st := &runState{
		session: session,
		sink:    sink,
		request: request,
		turn: &datatypes.Turn{
			Question:  request.Question,
			StartedAt: time.Now().UTC(),
		},
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("research turn panicked", "session_id", session.ID, "panic", r)
			st.emit(datatypes.AgentEvent{
				Type:    datatypes.EventError,
				Content: "internal error during research",
			})
			st.finish(datatypes.StatusError)
			err = fmt.Errorf("research turn panicked: %v", r)
			span.SetStatus(codes.Error, "panic")
		}
	}()

	st.emit(datatypes.AgentEvent{
		Type: datatypes.EventInit,
		Data: map[string]any{"session_id": session.ID},
	})

	st.conversation = l.buildConversation(session, request.Question)

	maxRounds := l.config.MaxRounds
	if request.MaxRounds > 0 {
		maxRounds = request.MaxRounds
	}

	for {
		if st.stopped() {
			return l.finishCancelled(st)
		}
		if st.round >= maxRounds {
			return l.finishNoAnswer(st)
		}
		if used := l.counter.CountMessages(st.conversation); used > l.config.TokenBudget {
			st.emit(datatypes.AgentEvent{
				Type: datatypes.EventTokenLimit,
				Data: map[string]any{"tokens_used": used, "budget": l.config.TokenBudget},
			})
			return l.answerAndFinish(ctx, st, tokenLimitDirective)
		}

		st.round++
		record := datatypes.RoundRecord{Index: st.round, StartedAt: time.Now().UTC()}
		st.emit(datatypes.AgentEvent{Type: datatypes.EventRoundStart})

		output, streamErr := l.streamRound(ctx, st, llm.GenerationParams{
			Temperature: floatParam(reasonTemperature),
			Stop:        stopSequences,
		}, nil)
		if streamErr != nil {
			return l.handleStreamError(st, streamErr)
		}

		if thinking, ok := ExtractTagged(output, TagThink); ok {
			record.Thinking = thinking
		}
		st.conversation = append(st.conversation, datatypes.Message{
			Role: datatypes.RoleAssistant, Content: output,
		})

		// Inline answer short-circuits tool dispatch and judging.
		if answer, ok := ExtractTagged(output, TagAnswer); ok && strings.TrimSpace(answer) != "" {
			record.CompletedAt = time.Now().UTC()
			st.turn.Rounds = append(st.turn.Rounds, record)
			return l.emitAnswer(st, answer)
		}

		calls, bad := ParseToolCalls(output)
		for _, parseErr := range bad {
			st.emit(datatypes.AgentEvent{
				Type:    datatypes.EventToolError,
				Content: parseErr.Error(),
			})
		}

		if len(calls) == 0 {
			record.CompletedAt = time.Now().UTC()
			st.turn.Rounds = append(st.turn.Rounds, record)
			return l.answerAndFinish(ctx, st, answerDirective)
		}

		hasRetrieval := false
		for i := range calls {
			if calls[i].Tool == tools.RetrievalToolName {
				hasRetrieval = true
				if len(st.request.DatasetIDs) > 0 {
					if _, explicit := calls[i].Args["dataset_ids"]; !explicit {
						calls[i].Args["dataset_ids"] = st.request.DatasetIDs
					}
				}
			}
		}
		if hasRetrieval {
			if st.retrievalRounds >= l.config.MaxRetrievalRounds {
				record.CompletedAt = time.Now().UTC()
				st.turn.Rounds = append(st.turn.Rounds, record)
				return l.finishNoAnswer(st)
			}
			st.retrievalRounds++
		}

		responses, gotEvidence := l.dispatch(ctx, st, calls, &record)
		record.CompletedAt = time.Now().UTC()

		if st.stopped() {
			st.turn.Rounds = append(st.turn.Rounds, record)
			return l.finishCancelled(st)
		}

		// Retrieval rounds are gated by the judge before their results
		// enter the conversation. Only a positive verdict appends the
		// responses; negative verdicts and judge transport failures both
		// leave the conversation untouched so the next round retries
		// from clean context.
		if hasRetrieval && gotEvidence {
			judgment, judgeErr := l.judge.Judge(ctx, st.request.Question, st.evidence,
				func(token string) {
					st.emit(datatypes.AgentEvent{Type: datatypes.EventJudging, Content: token})
				})
			if judgeErr != nil {
				l.logger.Warn("sufficiency judge unavailable, continuing without verdict",
					"session_id", session.ID, "round", st.round, "error", judgeErr)
				st.turn.Rounds = append(st.turn.Rounds, record)
				continue
			}
			record.Judgment = &judgment
			st.emit(datatypes.AgentEvent{
				Type: datatypes.EventJudgment,
				Data: map[string]any{
					"can_answer":   judgment.CanAnswer,
					"confidence":   judgment.Confidence,
					"rationale":    judgment.Rationale,
					"missing_info": judgment.MissingInfo,
				},
			})
			st.turn.Rounds = append(st.turn.Rounds, record)
			if judgment.CanAnswer {
				l.appendToolResponses(st, responses)
				return l.answerAndFinish(ctx, st, answerDirective)
			}
			// An insufficient round stays out of the conversation so the
			// next round reasons from clean context with fresh search
			// terms instead of reusing the failed query.
			continue
		}

		st.turn.Rounds = append(st.turn.Rounds, record)
		l.appendToolResponses(st, responses)
	}
}

// buildConversation seeds the message list with the system prompt and
// any prior turns from the session.
func (l *Loop) buildConversation(session *datatypes.Session, question string) []datatypes.Message {
	messages := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: buildSystemPrompt(l.registry.Names())},
	}
	for _, turn := range session.Turns {
		messages = append(messages,
			datatypes.Message{Role: datatypes.RoleUser, Content: turn.Question},
			datatypes.Message{Role: datatypes.RoleAssistant, Content: turn.Answer},
		)
	}
	return append(messages, datatypes.Message{Role: datatypes.RoleUser, Content: question})
}

// streamRound runs one streaming completion over the conversation,
// emitting thinking events for every delta. When extractor is non-nil,
// content deltas additionally feed it and extracted text is emitted as
// answer chunks.
func (l *Loop) streamRound(ctx context.Context, st *runState, params llm.GenerationParams,
	extractor *StreamFieldExtractor) (string, error) {

	var output strings.Builder
	err := l.client.ChatStream(ctx, st.conversation, params, func(ev llm.StreamEvent) error {
		if st.stopped() {
			return errCancelled
		}
		if ev.Reasoning != "" {
			st.emit(datatypes.AgentEvent{Type: datatypes.EventThinking, Content: ev.Reasoning})
		}
		if ev.Content != "" {
			output.WriteString(ev.Content)
			if extractor != nil {
				if delta := extractor.Feed(ev.Content); delta != "" {
					st.emit(datatypes.AgentEvent{Type: datatypes.EventAnswerChunk, Content: delta})
				}
			} else {
				st.emit(datatypes.AgentEvent{Type: datatypes.EventThinking, Content: ev.Content})
			}
		}
		return nil
	})
	return output.String(), err
}

// dispatch fans the calls out through the registry, rewrites retrieval
// output into the turn's evidence ledger, and returns the tool response
// texts for the conversation. gotEvidence reports whether at least one
// retrieval call produced items.
func (l *Loop) dispatch(ctx context.Context, st *runState, calls []tools.Call,
	record *datatypes.RoundRecord) (responses []string, gotEvidence bool) {

	for _, call := range calls {
		st.emit(datatypes.AgentEvent{
			Type: datatypes.EventToolCallStart,
			Data: map[string]any{"tool": call.Tool, "args": call.Args},
		})
		execType := datatypes.EventToolExecution
		if call.Tool == tools.SandboxToolName {
			execType = datatypes.EventCodeExecution
		}
		st.emit(datatypes.AgentEvent{Type: execType, Data: map[string]any{"tool": call.Tool}})
	}

	results := l.registry.InvokeMany(ctx, calls)

	for _, res := range results {
		inv := datatypes.ToolInvocation{
			Tool:       res.Tool,
			DurationMs: res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			inv.Error = res.Err.Error()
			record.Invocations = append(record.Invocations, inv)
			st.emit(datatypes.AgentEvent{
				Type:    datatypes.EventToolError,
				Content: res.Err.Error(),
				Data:    map[string]any{"tool": res.Tool},
			})
			responses = append(responses, "tool "+res.Tool+" failed: "+res.Err.Error())
			continue
		}

		output := res.Output
		if res.Tool == tools.RetrievalToolName {
			items := ParseRetrievalResults(output)
			for i := range items {
				items[i].ID = datatypes.EvidenceID(len(st.evidence) + i + 1)
			}
			if len(items) > 0 {
				st.evidence = append(st.evidence, items...)
				output = datatypes.FormatEvidence(items)
				gotEvidence = true
			}
		}

		truncated := TruncateMiddle(output, toolResultLimit)
		inv.Result = truncated
		record.Invocations = append(record.Invocations, inv)
		st.emit(datatypes.AgentEvent{
			Type:    datatypes.EventToolResult,
			Content: truncated,
			Data:    map[string]any{"tool": res.Tool},
		})
		responses = append(responses, truncated)
	}
	return responses, gotEvidence
}

// appendToolResponses feeds tool output back to the model in the
// tagged format the prompt contract promises.
func (l *Loop) appendToolResponses(st *runState, responses []string) {
	if len(responses) == 0 {
		return
	}
	var b strings.Builder
	for i, resp := range responses {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("<tool_response>\n")
		b.WriteString(resp)
		b.WriteString("\n</tool_response>")
	}
	st.conversation = append(st.conversation, datatypes.Message{
		Role: datatypes.RoleUser, Content: b.String(),
	})
}

// ============================================================
// Answer synthesis and terminal paths
// ============================================================

// answerAndFinish appends the directive, streams the structured answer
// with incremental field extraction, and finalizes the turn.
func (l *Loop) answerAndFinish(ctx context.Context, st *runState, directive string) error {
	st.conversation = append(st.conversation, datatypes.Message{
		Role: datatypes.RoleUser, Content: directive,
	})

	extractor := NewStreamFieldExtractor("answer")
	raw, err := l.streamRound(ctx, st, llm.GenerationParams{
		Temperature: floatParam(answerTemperature),
	}, extractor)
	if err != nil {
		return l.handleStreamError(st, err)
	}
	if st.stopped() {
		return l.finishCancelled(st)
	}

	answer, recovered := ExtractAnswer(raw)
	rewritten, citations := RenumberCitations(answer, st.evidence)

	if !recovered {
		// Nothing matched the structured contract; surface the raw
		// text so the client still gets an answer.
		st.emit(datatypes.AgentEvent{Type: datatypes.EventFinalAnswer, Content: rewritten})
	}

	l.completeAnswer(st, rewritten, citations)
	return nil
}

// emitAnswer handles the inline <answer> path: the text already
// streamed as thinking, so it is emitted once as a chunk before the
// completion event.
func (l *Loop) emitAnswer(st *runState, answer string) error {
	rewritten, citations := RenumberCitations(strings.TrimSpace(answer), st.evidence)
	st.emit(datatypes.AgentEvent{Type: datatypes.EventAnswerChunk, Content: rewritten})
	l.completeAnswer(st, rewritten, citations)
	return nil
}

func (l *Loop) completeAnswer(st *runState, answer string, citations []datatypes.Citation) {
	st.turn.Answer = answer
	st.turn.Citations = citations

	citationData := make([]map[string]any, 0, len(citations))
	for _, c := range citations {
		citationData = append(citationData, map[string]any{
			"id":        c.ID,
			"source_id": c.SourceID,
			"document":  c.Document,
			"preview":   c.Preview,
		})
	}
	st.emit(datatypes.AgentEvent{
		Type:    datatypes.EventAnswerComplete,
		Content: answer,
		Data:    map[string]any{"citations": citationData},
	})
	st.finish(datatypes.StatusCompleted)
}

// finishNoAnswer closes the turn with the apologetic answer after the
// round caps are exhausted.
func (l *Loop) finishNoAnswer(st *runState) error {
	st.emit(datatypes.AgentEvent{
		Type: datatypes.EventNoAnswer,
		Data: map[string]any{"retrieval_rounds": st.retrievalRounds},
	})
	st.emit(datatypes.AgentEvent{Type: datatypes.EventAnswerChunk, Content: apologyAnswer})
	l.completeAnswer(st, apologyAnswer, nil)
	return nil
}

func (l *Loop) finishCancelled(st *runState) error {
	st.emit(datatypes.AgentEvent{Type: datatypes.EventCancelled})
	st.finish(datatypes.StatusCancelled)
	return nil
}

// handleStreamError separates cooperative cancellation from real
// backend failures.
func (l *Loop) handleStreamError(st *runState, err error) error {
	if errors.Is(err, errCancelled) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return l.finishCancelled(st)
	}
	l.logger.Error("model stream failed", "session_id", st.session.ID,
		"round", st.round, "error", err)
	st.emit(datatypes.AgentEvent{
		Type:    datatypes.EventError,
		Content: "model backend unavailable",
	})
	st.finish(datatypes.StatusError)
	return err
}

func floatParam(v float32) *float32 {
	return &v
}
