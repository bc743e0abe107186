// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// JudgmentResult is the outcome of a retrieval-sufficiency check.
//
// The judge model is asked whether the evidence gathered so far is
// enough to answer the question. Confidence is clamped to [0,1].
type JudgmentResult struct {
	CanAnswer   bool     `json:"can_answer"`
	Confidence  float64  `json:"confidence"`
	Rationale   string   `json:"rationale,omitempty"`
	MissingInfo []string `json:"missing_info,omitempty"`
}

// DefaultJudgment returns the fallback judgment used when the judge
// output cannot be parsed at all. The default is permissive so a broken
// judge degrades to answering rather than looping.
func DefaultJudgment() JudgmentResult {
	return JudgmentResult{
		CanAnswer:  true,
		Confidence: 0.5,
		Rationale:  "judgment output unparseable, proceeding to answer",
	}
}

// Clamp normalizes the confidence into [0,1] in place.
func (j *JudgmentResult) Clamp() {
	if j.Confidence < 0 {
		j.Confidence = 0
	}
	if j.Confidence > 1 {
		j.Confidence = 1
	}
}
