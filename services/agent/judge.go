// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/calyptra-ai/deepresearch/services/agent/datatypes"
	"github.com/calyptra-ai/deepresearch/services/llm"
)

var judgeTracer = otel.Tracer("deepresearch.agent.judge")

// Judge generation parameters: low temperature for consistent
// yes/no decisions, small completion budget.
const (
	judgeTemperature = 0.3
	judgeMaxTokens   = 512
)

// SufficiencyJudge decides whether gathered evidence suffices to
// answer the question, using a dedicated (usually cheaper) model.
type SufficiencyJudge struct {
	client llm.LLMClient
}

// NewSufficiencyJudge creates a judge. Panics on a nil client.
func NewSufficiencyJudge(client llm.LLMClient) *SufficiencyJudge {
	if client == nil {
		panic("judge: llm client is required")
	}
	return &SufficiencyJudge{client: client}
}

// Judge streams the sufficiency check. onToken receives rationale text
// as it is generated (may be nil).
//
// Parse failures are not errors: they produce the permissive default
// judgment so a malformed judge response degrades to answering. A
// transport error is returned as-is; the caller decides whether to
// keep reasoning without a verdict.
func (j *SufficiencyJudge) Judge(ctx context.Context, question string,
	evidence []datatypes.EvidenceItem, onToken func(string)) (datatypes.JudgmentResult, error) {

	ctx, span := judgeTracer.Start(ctx, "SufficiencyJudge.Judge")
	defer span.End()
	span.SetAttributes(attribute.Int("judge.evidence_count", len(evidence)))

	prompt := buildJudgePrompt(question, evidence)

	temp := float32(judgeTemperature)
	maxTokens := judgeMaxTokens
	params := llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	}

	var raw strings.Builder
	err := j.client.ChatStream(ctx, []datatypes.Message{
		{Role: datatypes.RoleUser, Content: prompt},
	}, params, func(ev llm.StreamEvent) error {
		text := ev.Reasoning + ev.Content
		raw.WriteString(ev.Content)
		if onToken != nil && text != "" {
			onToken(text)
		}
		return nil
	})
	if err != nil {
		return datatypes.JudgmentResult{}, fmt.Errorf("judge call failed: %w", err)
	}

	result := parseJudgment(raw.String())
	span.SetAttributes(
		attribute.Bool("judge.can_answer", result.CanAnswer),
		attribute.Float64("judge.confidence", result.Confidence),
	)
	return result, nil
}

// buildJudgePrompt renders the evidence and asks for a strict-JSON
// verdict.
func buildJudgePrompt(question string, evidence []datatypes.EvidenceItem) string {
	var b strings.Builder
	b.WriteString("You are assessing whether retrieved evidence is sufficient to answer a question.\n\n")
	b.WriteString("Question:\n")
	b.WriteString(question)
	b.WriteString("\n\nEvidence:\n")
	b.WriteString(datatypes.FormatEvidence(evidence))
	b.WriteString("\n\nRespond with a single JSON object and nothing else:\n")
	b.WriteString(`{"can_answer": true|false, "confidence": 0.0-1.0, "rationale": "...", "missing_info": ["..."]}`)
	return b.String()
}

// Labeled-field fallbacks for judges that ignore the JSON instruction.
var (
	canAnswerRe  = regexp.MustCompile(`(?i)can_answer["'\s:=]+(true|false|yes|no)`)
	confidenceRe = regexp.MustCompile(`(?i)confidence["'\s:=]+([0-9]*\.?[0-9]+)`)
)

// parseJudgment walks the parse ladder: strict JSON, JSON after
// repair, labeled-field scan, permissive default.
func parseJudgment(raw string) datatypes.JudgmentResult {
	cleaned := StripFences(raw)

	var result datatypes.JudgmentResult
	if err := json.Unmarshal([]byte(cleaned), &result); err == nil {
		result.Clamp()
		return result
	}
	if err := json.Unmarshal([]byte(RepairJSON(cleaned)), &result); err == nil {
		result.Clamp()
		return result
	}

	if m := canAnswerRe.FindStringSubmatch(cleaned); m != nil {
		verdict := strings.ToLower(m[1])
		result = datatypes.JudgmentResult{
			CanAnswer:  verdict == "true" || verdict == "yes",
			Confidence: 0.5,
			Rationale:  "recovered from unstructured judge output",
		}
		if c := confidenceRe.FindStringSubmatch(cleaned); c != nil {
			if v, err := strconv.ParseFloat(c[1], 64); err == nil {
				result.Confidence = v
			}
		}
		result.Clamp()
		return result
	}

	return datatypes.DefaultJudgment()
}
