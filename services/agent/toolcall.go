// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/calyptra-ai/deepresearch/services/agent/tools"
)

// toolCallEnvelope is the JSON object inside a <tool_call> segment.
type toolCallEnvelope struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ParseToolCall decodes one <tool_call> segment body into a dispatch
// call.
//
// The body is a JSON object {"name", "arguments"}. Sandbox calls carry
// their program in a trailing <code> block instead of (or in addition
// to) an arguments field; the block wins when both are present. A
// truncated JSON object goes through repair before parsing fails.
func ParseToolCall(body string) (tools.Call, error) {
	body = strings.TrimSpace(body)

	code, hasCode := ExtractTagged(body, "code")
	if hasCode {
		if open := strings.Index(body, "<code>"); open >= 0 {
			body = strings.TrimSpace(body[:open])
		}
	}

	jsonPart := StripFences(body)
	var env toolCallEnvelope
	if err := json.Unmarshal([]byte(jsonPart), &env); err != nil {
		if err2 := json.Unmarshal([]byte(RepairJSON(jsonPart)), &env); err2 != nil {
			return tools.Call{}, fmt.Errorf("unparseable tool call: %w", err)
		}
	}
	if env.Name == "" {
		return tools.Call{}, fmt.Errorf("tool call missing name")
	}

	call := tools.Call{
		Tool: normalizeToolName(env.Name),
		Args: env.Arguments,
	}
	if call.Args == nil {
		call.Args = map[string]any{}
	}
	if hasCode {
		call.Args["code"] = code
	}
	return call, nil
}

// ParseToolCalls decodes every closed <tool_call> segment in the round
// output. Undecodable segments are returned in bad for per-entry error
// reporting; they never fail the batch.
func ParseToolCalls(roundOutput string) (calls []tools.Call, bad []error) {
	for _, segment := range ExtractAllTagged(roundOutput, TagToolCall) {
		call, err := ParseToolCall(segment)
		if err != nil {
			bad = append(bad, err)
			continue
		}
		calls = append(calls, call)
	}
	return calls, bad
}

// normalizeToolName maps prompt-facing tool names onto registry names.
// Models are prompted with CamelCase names; the registry is snake_case.
func normalizeToolName(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "retrieval", "retrieve", "search":
		return tools.RetrievalToolName
	case "pythoninterpreter", "python_interpreter", "python":
		return tools.SandboxToolName
	case "parsefile", "parse_file":
		return tools.ParseFileToolName
	default:
		return strings.TrimSpace(name)
	}
}
