// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyptra-ai/deepresearch/services/agent"
	"github.com/calyptra-ai/deepresearch/services/agent/datatypes"
	agenttools "github.com/calyptra-ai/deepresearch/services/agent/tools"
	"github.com/calyptra-ai/deepresearch/services/llm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubLLM replays one canned output per streaming call.
type stubLLM struct {
	outputs []string
	calls   int
}

func (s *stubLLM) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	return "stub", nil
}

func (s *stubLLM) Chat(_ context.Context, _ []datatypes.Message, _ llm.GenerationParams) (string, error) {
	return "stub", nil
}

func (s *stubLLM) ChatStream(_ context.Context, _ []datatypes.Message,
	_ llm.GenerationParams, callback llm.StreamCallback) error {

	idx := s.calls
	s.calls++
	if idx >= len(s.outputs) {
		idx = len(s.outputs) - 1
	}
	return callback(llm.StreamEvent{Content: s.outputs[idx]})
}

type researchTestEnv struct {
	router   *gin.Engine
	sessions *agent.SessionRegistry
	permits  *agent.PermitPool
}

func newResearchEnv(t *testing.T, mainOutputs []string, permits *agent.PermitPool) *researchTestEnv {
	t.Helper()
	main := &stubLLM{outputs: mainOutputs}
	judge := &stubLLM{outputs: []string{`{"can_answer": true, "confidence": 0.9}`}}
	loop := agent.NewLoop(main, agent.NewSufficiencyJudge(judge),
		agenttools.NewRegistry(nil), agent.LoopConfig{})
	sessions := agent.NewSessionRegistry()
	if permits == nil {
		permits = agent.NewPermitPool(2, time.Second)
	}

	handler := NewResearchHandler(loop, sessions, permits)
	router := gin.New()
	router.POST("/v1/research/stream", handler.HandleResearchStream)
	router.POST("/v1/research/cancel", handler.HandleCancel)
	return &researchTestEnv{router: router, sessions: sessions, permits: permits}
}

func postJSON(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestHandleResearchStream_HappyPath(t *testing.T) {
	env := newResearchEnv(t, []string{"<answer>direct result</answer>"}, nil)

	w := postJSON(env.router, "/v1/research/stream", `{"question": "what is up"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	envelopes := parseEnvelopes(t, w.Body.String())
	require.NotEmpty(t, envelopes)
	assert.Equal(t, "init", envelopes[0].Type)
	assert.Equal(t, "completed", envelopes[len(envelopes)-1].Type)

	completed := 0
	var answer string
	for _, env := range envelopes {
		if env.Type == "completed" {
			completed++
		}
		if env.Type == "answer_complete" {
			answer = env.Content
		}
	}
	assert.Equal(t, 1, completed, "exactly one completed event")
	assert.Equal(t, "direct result", answer)
}

func TestHandleResearchStream_InvalidBody(t *testing.T) {
	env := newResearchEnv(t, []string{"unused"}, nil)

	w := postJSON(env.router, "/v1/research/stream", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleResearchStream_MissingQuestion(t *testing.T) {
	env := newResearchEnv(t, []string{"unused"}, nil)

	w := postJSON(env.router, "/v1/research/stream", `{"question": ""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleResearchStream_BusyStreamsTerminalEvents(t *testing.T) {
	permits := agent.NewPermitPool(1, 30*time.Millisecond)
	require.NoError(t, permits.Acquire(context.Background()))
	defer permits.Release()
	env := newResearchEnv(t, []string{"unused"}, permits)

	w := postJSON(env.router, "/v1/research/stream", `{"question": "q"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	envelopes := parseEnvelopes(t, w.Body.String())
	require.Len(t, envelopes, 2)
	assert.Equal(t, "busy", envelopes[0].Type)
	assert.Equal(t, "completed", envelopes[1].Type)
}

func TestHandleResearchStream_SessionMidTurnRejected(t *testing.T) {
	env := newResearchEnv(t, []string{"<answer>x</answer>"}, nil)
	busy, err := env.sessions.Checkout("")
	require.NoError(t, err)

	w := postJSON(env.router, "/v1/research/stream",
		`{"question": "q", "session_id": "`+busy.ID+`"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	envelopes := parseEnvelopes(t, w.Body.String())
	require.Len(t, envelopes, 2)
	assert.Equal(t, "error", envelopes[0].Type)
	assert.Equal(t, "completed", envelopes[1].Type)
}

func TestHandleResearchStream_SecondTurnReusesSession(t *testing.T) {
	env := newResearchEnv(t, []string{"<answer>first</answer>", "<answer>second</answer>"}, nil)

	w1 := postJSON(env.router, "/v1/research/stream", `{"question": "one"}`)
	envelopes := parseEnvelopes(t, w1.Body.String())
	require.NotEmpty(t, envelopes)
	sessionID := envelopes[0].SessionId
	require.NotEmpty(t, sessionID)

	w2 := postJSON(env.router, "/v1/research/stream",
		`{"question": "two", "session_id": "`+sessionID+`"}`)
	assert.Equal(t, http.StatusOK, w2.Code)

	session, err := env.sessions.Get(sessionID)
	require.NoError(t, err)
	assert.Len(t, session.Turns, 2)
	assert.Equal(t, "second", session.Turns[1].Answer)
}

func TestHandleCancel_UnknownSession(t *testing.T) {
	env := newResearchEnv(t, []string{"unused"}, nil)

	w := postJSON(env.router, "/v1/research/cancel",
		`{"session_id": "11111111-2222-4333-8444-555555555555"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleCancel_FlagsSession(t *testing.T) {
	env := newResearchEnv(t, []string{"unused"}, nil)
	session, err := env.sessions.Checkout("")
	require.NoError(t, err)

	w := postJSON(env.router, "/v1/research/cancel", `{"session_id": "`+session.ID+`"}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, session.Cancelled())
}

func TestHandleCancel_InvalidBody(t *testing.T) {
	env := newResearchEnv(t, []string{"unused"}, nil)

	w := postJSON(env.router, "/v1/research/cancel", `{"session_id": "not-a-uuid"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
