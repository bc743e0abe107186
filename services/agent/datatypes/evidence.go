// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains evidence types produced by the retrieval tool and
// consumed by the citation pipeline. For citation types, see citation.go.
package datatypes

import (
	"fmt"
	"strings"
)

// EvidenceIDPrefix is the stable prefix of retrieval evidence identifiers.
const EvidenceIDPrefix = "retrieval_"

// EvidenceItem is a single retrieved document fragment.
//
// # Fields
//
//   - ID: Stable identifier of the form "retrieval_01". Assigned in
//     retrieval-result order, zero-padded to two digits below 10 so ids
//     sort lexically.
//   - Document: Source document name or title.
//   - Similarity: Retrieval similarity score in [0,1].
//   - Content: The retrieved text fragment.
type EvidenceItem struct {
	ID         string  `json:"id"`
	Document   string  `json:"document"`
	Similarity float64 `json:"similarity"`
	Content    string  `json:"content"`
}

// EvidenceID returns the identifier for the n-th evidence item (1-based).
//
// Ids below 10 are zero-padded: retrieval_01 .. retrieval_09, then
// retrieval_10, retrieval_11 and so on.
func EvidenceID(n int) string {
	return fmt.Sprintf("%s%02d", EvidenceIDPrefix, n)
}

// FormatBlock renders the item in the textual form appended to the model
// conversation after a retrieval round:
//
//	[retrieval_01] Document: handbook.pdf
//	Similarity: 0.87
//	Content: ...
//	---
func (e EvidenceItem) FormatBlock() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] Document: %s\n", e.ID, e.Document)
	fmt.Fprintf(&b, "Similarity: %.4f\n", e.Similarity)
	fmt.Fprintf(&b, "Content: %s\n", e.Content)
	b.WriteString("---")
	return b.String()
}

// FormatEvidence renders a list of items as the full tool-response text.
func FormatEvidence(items []EvidenceItem) string {
	if len(items) == 0 {
		return "No relevant documents found."
	}
	blocks := make([]string, len(items))
	for i, item := range items {
		blocks[i] = item.FormatBlock()
	}
	return strings.Join(blocks, "\n")
}
