// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyptra-ai/deepresearch/services/agent/datatypes"
	"github.com/calyptra-ai/deepresearch/services/agent/tools"
	"github.com/calyptra-ai/deepresearch/services/llm"
)

// eventCollector records emitted events and optionally reacts to them.
type eventCollector struct {
	events []datatypes.AgentEvent
	hook   func(datatypes.AgentEvent)
}

func (c *eventCollector) Emit(event datatypes.AgentEvent) error {
	c.events = append(c.events, event)
	if c.hook != nil {
		c.hook(event)
	}
	return nil
}

func (c *eventCollector) countType(t datatypes.AgentEventType) int {
	n := 0
	for _, ev := range c.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (c *eventCollector) firstOfType(t datatypes.AgentEventType) (datatypes.AgentEvent, bool) {
	for _, ev := range c.events {
		if ev.Type == t {
			return ev, true
		}
	}
	return datatypes.AgentEvent{}, false
}

func (c *eventCollector) joinedContent(t datatypes.AgentEventType) string {
	var b strings.Builder
	for _, ev := range c.events {
		if ev.Type == t {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

// stubTool returns a fixed output and records the args it was called
// with.
type stubTool struct {
	name    string
	output  string
	err     error
	gotArgs map[string]any
}

func (s *stubTool) Name() string { return s.name }

func (s *stubTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	s.gotArgs = args
	return s.output, s.err
}

func evidenceOutput() string {
	return datatypes.FormatEvidence([]datatypes.EvidenceItem{
		{ID: "retrieval_01", Document: "policy.md", Similarity: 0.91, Content: "Refunds take 5 days."},
	})
}

const retrievalRound = `<think>need the policy</think>
<tool_call>{"name": "Retrieval", "arguments": {"query": "refund policy"}}</tool_call>`

func newTestLoop(t *testing.T, main *scriptedLLM, judge *scriptedLLM,
	reg *tools.Registry, config LoopConfig) *Loop {
	t.Helper()
	if reg == nil {
		reg = tools.NewRegistry(nil)
	}
	return NewLoop(main, NewSufficiencyJudge(judge), reg, config)
}

func assertTerminates(t *testing.T, sink *eventCollector) {
	t.Helper()
	require.NotEmpty(t, sink.events)
	assert.Equal(t, 1, sink.countType(datatypes.EventCompleted), "exactly one completed event")
	assert.Equal(t, datatypes.EventCompleted, sink.events[len(sink.events)-1].Type,
		"completed closes the stream")
	assert.Equal(t, datatypes.EventInit, sink.events[0].Type, "init opens the stream")
}

func TestLoop_InlineAnswer(t *testing.T) {
	main := &scriptedLLM{outputs: []string{"<think>easy one</think>\n<answer>Direct answer.</answer>"}}
	judge := &scriptedLLM{outputs: []string{`{"can_answer": true}`}}
	loop := newTestLoop(t, main, judge, nil, LoopConfig{})
	session := datatypes.NewSession()
	sink := &eventCollector{}

	err := loop.Run(context.Background(), session, datatypes.ResearchRequest{Question: "q"}, sink)

	require.NoError(t, err)
	assertTerminates(t, sink)
	complete, ok := sink.firstOfType(datatypes.EventAnswerComplete)
	require.True(t, ok)
	assert.Equal(t, "Direct answer.", complete.Content)
	assert.Equal(t, datatypes.StatusCompleted, session.Status)
	require.Len(t, session.Turns, 1)
	assert.Equal(t, "Direct answer.", session.Turns[0].Answer)
	assert.Equal(t, "easy one", session.Turns[0].Rounds[0].Thinking)
}

func TestLoop_RetrievalJudgeAnswer(t *testing.T) {
	main := &scriptedLLM{outputs: []string{
		retrievalRound,
		`{"answer": "Refunds take 5 days [retrieval_01]."}`,
	}}
	judge := &scriptedLLM{outputs: []string{
		`{"can_answer": true, "confidence": 0.9, "rationale": "covered"}`,
	}}
	retrieval := &stubTool{name: tools.RetrievalToolName, output: evidenceOutput()}
	reg := tools.NewRegistry(nil)
	reg.Register(retrieval)
	loop := newTestLoop(t, main, judge, reg, LoopConfig{})
	session := datatypes.NewSession()
	sink := &eventCollector{}

	err := loop.Run(context.Background(), session, datatypes.ResearchRequest{Question: "refunds?"}, sink)

	require.NoError(t, err)
	assertTerminates(t, sink)
	assert.Equal(t, "refund policy", retrieval.gotArgs["query"])
	assert.Equal(t, 1, sink.countType(datatypes.EventToolCallStart))
	assert.Equal(t, 1, sink.countType(datatypes.EventToolResult))
	assert.Equal(t, 1, sink.countType(datatypes.EventJudgment))

	assert.Equal(t, "Refunds take 5 days [retrieval_01].",
		sink.joinedContent(datatypes.EventAnswerChunk))

	complete, ok := sink.firstOfType(datatypes.EventAnswerComplete)
	require.True(t, ok)
	assert.Equal(t, "Refunds take 5 days [1].", complete.Content)

	require.Len(t, session.Turns, 1)
	require.Len(t, session.Turns[0].Citations, 1)
	assert.Equal(t, "retrieval_01", session.Turns[0].Citations[0].SourceID)
	assert.Equal(t, "policy.md", session.Turns[0].Citations[0].Document)
}

func TestLoop_DatasetIDsInjected(t *testing.T) {
	main := &scriptedLLM{outputs: []string{retrievalRound, `{"answer": "done"}`}}
	judge := &scriptedLLM{outputs: []string{`{"can_answer": true}`}}
	retrieval := &stubTool{name: tools.RetrievalToolName, output: evidenceOutput()}
	reg := tools.NewRegistry(nil)
	reg.Register(retrieval)
	loop := newTestLoop(t, main, judge, reg, LoopConfig{})
	sink := &eventCollector{}

	err := loop.Run(context.Background(), datatypes.NewSession(),
		datatypes.ResearchRequest{Question: "q", DatasetIDs: []string{"hr"}}, sink)

	require.NoError(t, err)
	assert.Equal(t, []string{"hr"}, retrieval.gotArgs["dataset_ids"])
}

func TestLoop_RetrievalCapYieldsApology(t *testing.T) {
	// Judge never clears the evidence; the second retrieval attempt
	// trips the cap.
	main := &scriptedLLM{outputs: []string{retrievalRound, retrievalRound}}
	judge := &scriptedLLM{outputs: []string{`{"can_answer": false, "confidence": 0.2}`}}
	retrieval := &stubTool{name: tools.RetrievalToolName, output: evidenceOutput()}
	reg := tools.NewRegistry(nil)
	reg.Register(retrieval)
	loop := newTestLoop(t, main, judge, reg, LoopConfig{MaxRetrievalRounds: 1})
	session := datatypes.NewSession()
	sink := &eventCollector{}

	err := loop.Run(context.Background(), session, datatypes.ResearchRequest{Question: "q"}, sink)

	require.NoError(t, err)
	assertTerminates(t, sink)
	assert.Equal(t, 1, sink.countType(datatypes.EventNoAnswer))
	complete, ok := sink.firstOfType(datatypes.EventAnswerComplete)
	require.True(t, ok)
	assert.Equal(t, apologyAnswer, complete.Content)
	assert.Equal(t, datatypes.StatusCompleted, session.Status)
}

func TestLoop_StructuredAnswerEmitsNoFinalAnswerEvent(t *testing.T) {
	main := &scriptedLLM{outputs: []string{
		"No tools needed here.",
		`{"answer": "structured result"}`,
	}}
	judge := &scriptedLLM{outputs: []string{`{"can_answer": true}`}}
	loop := newTestLoop(t, main, judge, nil, LoopConfig{})
	sink := &eventCollector{}

	err := loop.Run(context.Background(), datatypes.NewSession(),
		datatypes.ResearchRequest{Question: "q"}, sink)

	require.NoError(t, err)
	assertTerminates(t, sink)
	// The answer streamed as answer_chunk events already; a structured
	// extraction must not be duplicated as a final_answer event.
	assert.Equal(t, 0, sink.countType(datatypes.EventFinalAnswer))
	assert.Equal(t, "structured result", sink.joinedContent(datatypes.EventAnswerChunk))
}

func TestLoop_UnstructuredAnswerSurfacedAsFinalAnswer(t *testing.T) {
	main := &scriptedLLM{outputs: []string{
		"No tools needed here.",
		"Just plain prose with no structure.",
	}}
	judge := &scriptedLLM{outputs: []string{`{"can_answer": true}`}}
	loop := newTestLoop(t, main, judge, nil, LoopConfig{})
	sink := &eventCollector{}

	err := loop.Run(context.Background(), datatypes.NewSession(),
		datatypes.ResearchRequest{Question: "q"}, sink)

	require.NoError(t, err)
	assertTerminates(t, sink)
	// Nothing streamed as answer_chunk (no "answer" field), so the text
	// must reach the client through exactly one final_answer event.
	assert.Equal(t, 0, sink.countType(datatypes.EventAnswerChunk))
	require.Equal(t, 1, sink.countType(datatypes.EventFinalAnswer))
	final, ok := sink.firstOfType(datatypes.EventFinalAnswer)
	require.True(t, ok)
	assert.Equal(t, "Just plain prose with no structure.", final.Content)
	complete, ok := sink.firstOfType(datatypes.EventAnswerComplete)
	require.True(t, ok)
	assert.Equal(t, "Just plain prose with no structure.", complete.Content)
}

func TestLoop_NoToolCallForcesAnswer(t *testing.T) {
	main := &scriptedLLM{outputs: []string{
		"<think>nothing to look up</think> The answer seems obvious.",
		`{"answer": "42"}`,
	}}
	judge := &scriptedLLM{outputs: []string{`{"can_answer": true}`}}
	loop := newTestLoop(t, main, judge, nil, LoopConfig{})
	sink := &eventCollector{}

	err := loop.Run(context.Background(), datatypes.NewSession(),
		datatypes.ResearchRequest{Question: "q"}, sink)

	require.NoError(t, err)
	assertTerminates(t, sink)
	complete, ok := sink.firstOfType(datatypes.EventAnswerComplete)
	require.True(t, ok)
	assert.Equal(t, "42", complete.Content)
}

func TestLoop_BackendFailure(t *testing.T) {
	main := &scriptedLLM{errs: []error{llm.ErrBackendExhausted}, outputs: []string{""}}
	judge := &scriptedLLM{outputs: []string{`{"can_answer": true}`}}
	loop := newTestLoop(t, main, judge, nil, LoopConfig{})
	session := datatypes.NewSession()
	sink := &eventCollector{}

	err := loop.Run(context.Background(), session, datatypes.ResearchRequest{Question: "q"}, sink)

	require.ErrorIs(t, err, llm.ErrBackendExhausted)
	assertTerminates(t, sink)
	assert.Equal(t, 1, sink.countType(datatypes.EventError))
	assert.Equal(t, datatypes.StatusError, session.Status)
}

func TestLoop_CancelMidStream(t *testing.T) {
	main := &scriptedLLM{outputs: []string{"<think>a long stretch of reasoning text</think>"}}
	judge := &scriptedLLM{outputs: []string{`{"can_answer": true}`}}
	loop := newTestLoop(t, main, judge, nil, LoopConfig{})
	session := datatypes.NewSession()
	sink := &eventCollector{}
	sink.hook = func(ev datatypes.AgentEvent) {
		if ev.Type == datatypes.EventThinking {
			session.Cancel()
		}
	}

	err := loop.Run(context.Background(), session, datatypes.ResearchRequest{Question: "q"}, sink)

	require.NoError(t, err)
	assertTerminates(t, sink)
	assert.Equal(t, 1, sink.countType(datatypes.EventCancelled))
	assert.Equal(t, datatypes.StatusCancelled, session.Status)
	assert.Zero(t, sink.countType(datatypes.EventAnswerComplete))
}

func TestLoop_TokenBudgetForcesAnswer(t *testing.T) {
	main := &scriptedLLM{outputs: []string{`{"answer": "best effort from gathered context"}`}}
	judge := &scriptedLLM{outputs: []string{`{"can_answer": true}`}}
	loop := newTestLoop(t, main, judge, nil, LoopConfig{TokenBudget: 1})
	session := datatypes.NewSession()
	sink := &eventCollector{}

	err := loop.Run(context.Background(), session, datatypes.ResearchRequest{Question: "q"}, sink)

	require.NoError(t, err)
	assertTerminates(t, sink)
	assert.Equal(t, 1, sink.countType(datatypes.EventTokenLimit))
	complete, ok := sink.firstOfType(datatypes.EventAnswerComplete)
	require.True(t, ok)
	assert.Equal(t, "best effort from gathered context", complete.Content)
	assert.Zero(t, sink.countType(datatypes.EventRoundStart))
}

func TestLoop_ToolErrorIsolated(t *testing.T) {
	round := `<tool_call>{"name": "mystery_tool", "arguments": {}}</tool_call>
<tool_call>{"name": "ParseFile", "arguments": {"uri": "a.pdf"}}</tool_call>`
	main := &scriptedLLM{outputs: []string{round, "<answer>done</answer>"}}
	judge := &scriptedLLM{outputs: []string{`{"can_answer": true}`}}
	parser := &stubTool{name: tools.ParseFileToolName, output: "parsed text"}
	reg := tools.NewRegistry(nil)
	reg.Register(parser)
	loop := newTestLoop(t, main, judge, reg, LoopConfig{})
	sink := &eventCollector{}

	err := loop.Run(context.Background(), datatypes.NewSession(),
		datatypes.ResearchRequest{Question: "q"}, sink)

	require.NoError(t, err)
	assertTerminates(t, sink)
	assert.Equal(t, 1, sink.countType(datatypes.EventToolError))
	result, ok := sink.firstOfType(datatypes.EventToolResult)
	require.True(t, ok)
	assert.Equal(t, "parsed text", result.Content)
	complete, ok := sink.firstOfType(datatypes.EventAnswerComplete)
	require.True(t, ok)
	assert.Equal(t, "done", complete.Content)
}

func TestLoop_JudgeFailureContinuesWithoutVerdict(t *testing.T) {
	main := &scriptedLLM{outputs: []string{retrievalRound, "<answer>recovered</answer>"}}
	judge := &scriptedLLM{errs: []error{llm.ErrBackendExhausted}, outputs: []string{""}}
	retrieval := &stubTool{name: tools.RetrievalToolName, output: evidenceOutput()}
	reg := tools.NewRegistry(nil)
	reg.Register(retrieval)
	loop := newTestLoop(t, main, judge, reg, LoopConfig{})
	session := datatypes.NewSession()
	sink := &eventCollector{}

	err := loop.Run(context.Background(), session, datatypes.ResearchRequest{Question: "q"}, sink)

	require.NoError(t, err)
	assertTerminates(t, sink)
	assert.Zero(t, sink.countType(datatypes.EventJudgment))
	complete, ok := sink.firstOfType(datatypes.EventAnswerComplete)
	require.True(t, ok)
	assert.Equal(t, "recovered", complete.Content)
	assert.Equal(t, datatypes.StatusCompleted, session.Status)
}

func TestLoop_MultiTurnConversationSeedsHistory(t *testing.T) {
	main := &scriptedLLM{outputs: []string{"<answer>second answer</answer>"}}
	judge := &scriptedLLM{outputs: []string{`{"can_answer": true}`}}
	loop := newTestLoop(t, main, judge, nil, LoopConfig{})
	session := datatypes.NewSession()
	session.Turns = []datatypes.Turn{{Question: "first question", Answer: "first answer"}}
	sink := &eventCollector{}

	err := loop.Run(context.Background(), session, datatypes.ResearchRequest{Question: "follow up"}, sink)

	require.NoError(t, err)
	require.GreaterOrEqual(t, len(main.lastMessages), 4)
	assert.Equal(t, datatypes.RoleSystem, main.lastMessages[0].Role)
	assert.Equal(t, "first question", main.lastMessages[1].Content)
	assert.Equal(t, "first answer", main.lastMessages[2].Content)
	assert.Equal(t, "follow up", main.lastMessages[3].Content)
	assert.Len(t, session.Turns, 2)
}
