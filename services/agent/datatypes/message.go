// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the research agent.
//
// This file contains the conversation message type shared between the
// agent loop and the LLM backends.
package datatypes

import "github.com/google/uuid"

// Message roles understood by OpenAI-compatible chat backends.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in the model conversation.
//
// Content may embed tagged segments (<think>, <tool_call>, <answer>,
// <tool_response>) produced by the reasoning prompt contract; those are
// opaque to this type.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

// generateUUID returns a new UUID v4 string.
func generateUUID() string {
	return uuid.New().String()
}
