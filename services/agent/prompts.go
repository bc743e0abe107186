// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the prompt contract between the loop and the
// reasoning model: tagged-segment instructions, the answer prompt, and
// the canned fallback texts.
package agent

import (
	"fmt"
	"strings"
)

// stopSequences halt generation before the model hallucinates a tool
// response of its own.
var stopSequences = []string{"\n<tool_response>", "<tool_response>"}

// researchSystemPrompt defines the tagged-segment output contract.
const researchSystemPrompt = `You are a research assistant that answers questions using tools.

Each round, think inside <think>...</think>, then either call tools or answer.

To call a tool, emit one <tool_call> block per call:
<tool_call>
{"name": "Retrieval", "arguments": {"query": "...", "top_k": 5}}
</tool_call>

To run Python, put the program in a <code> block after the JSON:
<tool_call>
{"name": "PythonInterpreter", "arguments": {}}
<code>
print("hello")
</code>
</tool_call>

Available tools:
%s

Tool results arrive in <tool_response>...</tool_response> blocks. Evidence
items are labeled [retrieval_01], [retrieval_02], and so on.

When you can answer, emit exactly one <answer>...</answer> block containing
the answer text. Cite evidence inline with its label, e.g. [retrieval_02].`

// answerDirective asks for the structured final answer.
const answerDirective = `Write your final answer now as a single JSON object and nothing else:
{"answer": "..."}

Cite evidence inline inside the answer string using its label, for
example [retrieval_02]. Do not invent labels.`

// apologyAnswer is the canned answer when the retrieval round cap is
// reached without sufficient evidence.
const apologyAnswer = "I'm sorry, but I could not find enough reliable information to answer " +
	"your question after several rounds of research. The retrieved sources did not cover " +
	"what you asked. You may want to rephrase the question or narrow its scope."

// tokenLimitDirective forces an immediate answer when the context
// budget is exhausted.
const tokenLimitDirective = "You have reached the maximum context length. Stop researching now " +
	"and give your best final answer from the evidence gathered so far, as a single JSON " +
	`object: {"answer": "..."}`

// buildSystemPrompt renders the tool list into the system prompt.
func buildSystemPrompt(toolNames []string) string {
	descriptions := map[string]string{
		"retrieval":          "Retrieval: semantic search over the knowledge base. Arguments: query (string), top_k (int, optional), dataset_ids (list, optional).",
		"python_interpreter": "PythonInterpreter: run a Python program in a sandbox. Program goes in the <code> block.",
		"parse_file":         "ParseFile: extract text from an uploaded document. Arguments: uri (string).",
	}

	var lines []string
	for _, name := range toolNames {
		if desc, ok := descriptions[name]; ok {
			lines = append(lines, "- "+desc)
		} else {
			lines = append(lines, "- "+name)
		}
	}
	if len(lines) == 0 {
		lines = append(lines, "- (no tools available)")
	}
	return fmt.Sprintf(researchSystemPrompt, strings.Join(lines, "\n"))
}
