// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package agent implements the research agent: the orchestration loop,
// the incremental answer extractor, the retrieval sufficiency judge,
// citation renumbering, admission control, and the session registry.
package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf16"

	"github.com/calyptra-ai/deepresearch/services/agent/datatypes"
)

// =============================================================================
// Streaming Field Extraction
// =============================================================================

// extractor states.
const (
	stateSeekKey = iota
	stateSeekColon
	stateSeekQuote
	stateInString
	stateDone
)

// StreamFieldExtractor pulls one JSON string field out of an in-flight
// JSON document, chunk by chunk, so answer text can be streamed to the
// client before the document is complete.
//
// The extractor tolerates chunks split anywhere, including inside the
// key, inside an escape sequence, and inside a multi-byte rune (input
// is processed per byte for string scanning purposes but content is
// appended verbatim, so UTF-8 survives).
//
// Not safe for concurrent use.
type StreamFieldExtractor struct {
	key     string // quoted key to find, e.g. `"answer"`
	pre     []byte // text seen before the key was located
	state   int
	escape  bool
	unicode bool   // inside the hex digits of a \uXXXX escape
	hex     []byte // collected hex digits, emitted once 4 are seen
	surr    rune   // high surrogate awaiting its pair, 0 when none
	out     strings.Builder
}

// NewStreamFieldExtractor creates an extractor for the named field.
func NewStreamFieldExtractor(field string) *StreamFieldExtractor {
	return &StreamFieldExtractor{
		key: `"` + field + `"`,
	}
}

// Feed consumes the next chunk and returns any newly available decoded
// field content. Returns "" once the field's closing quote was seen.
func (x *StreamFieldExtractor) Feed(chunk string) string {
	if x.state == stateDone || chunk == "" {
		return ""
	}

	data := []byte(chunk)
	if x.state == stateSeekKey {
		x.pre = append(x.pre, data...)
		idx := strings.Index(string(x.pre), x.key)
		if idx < 0 {
			// Keep only a key-sized tail; the key may straddle chunks.
			if len(x.pre) > len(x.key) {
				x.pre = x.pre[len(x.pre)-len(x.key):]
			}
			return ""
		}
		data = x.pre[idx+len(x.key):]
		x.pre = nil
		x.state = stateSeekColon
	}

	before := x.out.Len()
	for _, c := range data {
		switch x.state {
		case stateSeekColon:
			if c == ':' {
				x.state = stateSeekQuote
			}
		case stateSeekQuote:
			if c == '"' {
				x.state = stateInString
			}
		case stateInString:
			if x.unicode {
				x.hex = append(x.hex, c)
				if len(x.hex) == 4 {
					x.decodeUnicode()
				}
				continue
			}
			if x.escape {
				x.escape = false
				if c == 'u' {
					x.unicode = true
					x.hex = x.hex[:0]
					continue
				}
				x.flushSurrogate()
				x.out.WriteByte(unescapeByte(c))
				continue
			}
			switch c {
			case '\\':
				x.escape = true
			case '"':
				x.flushSurrogate()
				x.state = stateDone
				return x.delta(before)
			default:
				x.flushSurrogate()
				x.out.WriteByte(c)
			}
		}
	}
	return x.delta(before)
}

// Done reports whether the field's closing quote was seen.
func (x *StreamFieldExtractor) Done() bool {
	return x.state == stateDone
}

// Found reports whether the field key was located at all.
func (x *StreamFieldExtractor) Found() bool {
	return x.state > stateSeekKey
}

// Result returns all decoded field content seen so far.
func (x *StreamFieldExtractor) Result() string {
	return x.out.String()
}

func (x *StreamFieldExtractor) delta(before int) string {
	return x.out.String()[before:]
}

// decodeUnicode emits the rune named by the 4 collected hex digits.
// A high surrogate is held back until the next escape arrives so pairs
// combine, and any surrogate that never finds its mate decodes to
// U+FFFD, matching what encoding/json produces for the same input.
func (x *StreamFieldExtractor) decodeUnicode() {
	x.unicode = false
	v, err := strconv.ParseUint(string(x.hex), 16, 32)
	if err != nil {
		// Malformed escape; pass it through verbatim. The full
		// document would not parse either, so equality with the
		// post-stream decode is moot here.
		x.flushSurrogate()
		x.out.WriteString(`\u`)
		x.out.Write(x.hex)
		return
	}
	r := rune(v)
	if utf16.IsSurrogate(r) {
		if x.surr != 0 {
			if combined := utf16.DecodeRune(x.surr, r); combined != unicode.ReplacementChar {
				x.surr = 0
				x.out.WriteRune(combined)
				return
			}
			x.flushSurrogate()
		}
		x.surr = r
		return
	}
	x.flushSurrogate()
	x.out.WriteRune(r)
}

// flushSurrogate resolves a held surrogate that will no longer pair.
func (x *StreamFieldExtractor) flushSurrogate() {
	if x.surr != 0 {
		x.surr = 0
		x.out.WriteRune(unicode.ReplacementChar)
	}
}

// unescapeByte decodes the single-character escapes of the JSON string
// grammar. \uXXXX is handled separately by decodeUnicode.
func unescapeByte(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	case 'b':
		return '\b'
	case 'f':
		return '\f'
	default:
		return c
	}
}

// =============================================================================
// JSON Repair
// =============================================================================

// RepairJSON attempts to turn a truncated JSON document into a parseable
// one by closing an unterminated string and appending missing closing
// brackets. The input is trimmed of markdown fences first. Best effort:
// the output is only guaranteed to parse for truncation-style damage,
// not arbitrary corruption.
func RepairJSON(raw string) string {
	s := StripFences(raw)
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	s = s[start:]

	var stack []byte
	inString := false
	escape := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escape {
				escape = false
				continue
			}
			switch c {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// StripFences removes a surrounding markdown code fence, with or
// without a language tag.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the language tag line ("json", "python", ...).
		first := strings.TrimSpace(s[:nl])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}[]") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// =============================================================================
// Answer Payload Extraction
// =============================================================================

// answerSalvageRe pulls the answer field straight out of broken JSON.
var answerSalvageRe = regexp.MustCompile(`"answer"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// answerPayload is the JSON shape the answer prompt asks the model for.
type answerPayload struct {
	Answer string `json:"answer"`
}

// ExtractAnswer parses the model's final answer output.
//
// The parse ladder is strict JSON, then JSON after repair, then regex
// salvage. The recovered flag is false only when even salvage failed
// and the raw text itself is returned as the answer.
func ExtractAnswer(raw string) (answer string, recovered bool) {
	cleaned := StripFences(raw)

	var payload answerPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err == nil && payload.Answer != "" {
		return payload.Answer, true
	}

	repaired := RepairJSON(cleaned)
	if err := json.Unmarshal([]byte(repaired), &payload); err == nil && payload.Answer != "" {
		return payload.Answer, true
	}

	if m := answerSalvageRe.FindStringSubmatch(cleaned); m != nil {
		return unescapeJSONString(m[1]), true
	}

	return strings.TrimSpace(raw), false
}

// unescapeJSONString decodes backslash escapes in a salvaged fragment.
func unescapeJSONString(s string) string {
	// Round-trip through the JSON decoder for correctness.
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err == nil {
		return out
	}
	// Fall back to naive replacement for fragments the decoder rejects.
	r := strings.NewReplacer(`\"`, `"`, `\\`, `\`, `\n`, "\n", `\t`, "\t", `\r`, "\r")
	return r.Replace(s)
}

// =============================================================================
// Tagged Segments
// =============================================================================

// Reasoning-output tags from the prompt contract.
const (
	TagThink        = "think"
	TagToolCall     = "tool_call"
	TagAnswer       = "answer"
	TagToolResponse = "tool_response"
)

// ExtractTagged returns the content of the first <tag>...</tag> segment.
// An unterminated open tag yields everything after it, so streaming
// prefixes still extract.
func ExtractTagged(s, tag string) (string, bool) {
	open := "<" + tag + ">"
	idx := strings.Index(s, open)
	if idx < 0 {
		return "", false
	}
	rest := s[idx+len(open):]
	if end := strings.Index(rest, "</"+tag+">"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest), true
}

// ExtractAllTagged returns the contents of every closed <tag> segment.
func ExtractAllTagged(s, tag string) []string {
	open := "<" + tag + ">"
	closing := "</" + tag + ">"
	var out []string
	for {
		idx := strings.Index(s, open)
		if idx < 0 {
			return out
		}
		s = s[idx+len(open):]
		end := strings.Index(s, closing)
		if end < 0 {
			return out
		}
		out = append(out, strings.TrimSpace(s[:end]))
		s = s[end+len(closing):]
	}
}

// TruncateMiddle bounds s to max bytes, cutting from the middle so the
// head and tail of a long tool response both survive.
func TruncateMiddle(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	marker := "\n...[truncated]...\n"
	keep := max - len(marker)
	if keep <= 0 {
		return s[:max]
	}
	head := keep / 2
	tail := keep - head
	return s[:head] + marker + s[len(s)-tail:]
}

// =============================================================================
// Retrieval Result Parsing
// =============================================================================

// evidenceHeaderRe matches the header line of an evidence block.
var evidenceHeaderRe = regexp.MustCompile(`^\[(retrieval_\d+)\] Document: (.*)$`)

// similarityRe matches the similarity line of an evidence block.
var similarityRe = regexp.MustCompile(`^Similarity: ([0-9.]+)$`)

// ParseRetrievalResults recovers evidence items from formatted
// retrieval tool output. Blocks that do not match the expected shape
// are skipped; the function never fails.
func ParseRetrievalResults(text string) []datatypes.EvidenceItem {
	var items []datatypes.EvidenceItem

	blocks := strings.Split(text, "\n---")
	for _, block := range blocks {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) < 3 {
			continue
		}
		header := evidenceHeaderRe.FindStringSubmatch(lines[0])
		if header == nil {
			continue
		}
		item := datatypes.EvidenceItem{
			ID:       header[1],
			Document: header[2],
		}
		if sim := similarityRe.FindStringSubmatch(lines[1]); sim != nil {
			fmt.Sscanf(sim[1], "%f", &item.Similarity)
		}
		content := strings.Join(lines[2:], "\n")
		item.Content = strings.TrimPrefix(content, "Content: ")
		items = append(items, item)
	}
	return items
}
