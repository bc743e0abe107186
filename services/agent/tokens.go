// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"github.com/calyptra-ai/deepresearch/services/agent/datatypes"
)

// TokenCounter estimates prompt sizes for the context budget check.
// When the cl100k_base encoding cannot be loaded it degrades to a
// rune-count heuristic rather than failing the loop.
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

func NewTokenCounter() *TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("token encoding unavailable, falling back to rune estimate", "error", err)
		return &TokenCounter{}
	}
	return &TokenCounter{enc: enc}
}

// Count returns the token count of a single string.
func (c *TokenCounter) Count(text string) int {
	if c.enc == nil {
		// Rough average of 4 runes per token.
		return len([]rune(text))/4 + 1
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessages sums the conversation plus a small per-message framing
// overhead.
func (c *TokenCounter) CountMessages(messages []datatypes.Message) int {
	total := 0
	for _, msg := range messages {
		total += c.Count(msg.Content) + 4
	}
	return total
}
