// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "unicode/utf8"

// CitationPreviewRunes is the length of the content preview attached to
// each citation.
const CitationPreviewRunes = 30

// Citation is a renumbered reference from the final answer back to an
// evidence item.
//
// # Fields
//
//   - ID: Dense 1-based number as it appears in the rewritten answer
//     text ([1], [2], ...). Numbering follows first appearance order.
//   - SourceID: The evidence id the citation resolves to (retrieval_01).
//   - Document: Source document of the evidence item.
//   - Preview: First CitationPreviewRunes runes of the cited content.
//   - Content: Full cited content, served by the citation fetch endpoint.
type Citation struct {
	ID       int    `json:"id"`
	SourceID string `json:"source_id"`
	Document string `json:"document,omitempty"`
	Preview  string `json:"preview"`
	Content  string `json:"content,omitempty"`
}

// NewCitation builds a citation for an evidence item, computing the
// content preview.
func NewCitation(id int, item EvidenceItem) Citation {
	return Citation{
		ID:       id,
		SourceID: item.ID,
		Document: item.Document,
		Preview:  PreviewOf(item.Content),
		Content:  item.Content,
	}
}

// PreviewOf truncates content to CitationPreviewRunes runes, appending
// an ellipsis when truncated.
func PreviewOf(content string) string {
	if utf8.RuneCountInString(content) <= CitationPreviewRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:CitationPreviewRunes]) + "..."
}

// AnswerData is the structured final answer: rewritten answer text plus
// the dense citation list.
type AnswerData struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
}
