// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/calyptra-ai/deepresearch/services/agent/datatypes"
)

// citationMarkerRe matches inline citation markers: either an evidence
// id ([retrieval_03]) or a bare number ([3]).
var citationMarkerRe = regexp.MustCompile(`\[(retrieval_\d+|\d+)\]`)

// RenumberCitations rewrites the answer's citation markers to dense
// 1-based ids ordered by first appearance, and returns the matching
// citation list.
//
// Marker resolution priority:
//
//  1. Explicit evidence markers ([retrieval_03]) resolve to that item.
//  2. Bare numbers ([3]) resolve positionally to the third evidence
//     item gathered this turn.
//  3. Anything unresolvable falls back to the next unreferenced
//     evidence item in gathering order.
//
// Repeated references to the same evidence share one dense id, so an
// answer citing retrieval_03, retrieval_01, retrieval_03 reads [1],
// [2], [1]. Markers that cannot be resolved at all are left untouched
// and produce no citation.
func RenumberCitations(answer string, evidence []datatypes.EvidenceItem) (string, []datatypes.Citation) {
	if len(evidence) == 0 {
		return answer, nil
	}

	byID := make(map[string]datatypes.EvidenceItem, len(evidence))
	for _, item := range evidence {
		byID[item.ID] = item
	}

	dense := make(map[string]int)          // source id -> dense id
	referenced := make(map[string]bool)    // source ids already used
	var ordered []datatypes.EvidenceItem   // items in dense order
	nextFallback := 0                      // cursor for sequential fallback

	resolve := func(marker string) (datatypes.EvidenceItem, bool) {
		if strings.HasPrefix(marker, datatypes.EvidenceIDPrefix) {
			item, ok := byID[marker]
			if ok {
				return item, true
			}
			// Unpadded references like retrieval_1 still resolve.
			if n, err := strconv.Atoi(strings.TrimPrefix(marker, datatypes.EvidenceIDPrefix)); err == nil {
				if item, ok := byID[datatypes.EvidenceID(n)]; ok {
					return item, true
				}
			}
		} else if n, err := strconv.Atoi(marker); err == nil {
			if n >= 1 && n <= len(evidence) {
				return evidence[n-1], true
			}
		}
		// Sequential fallback: next item not yet referenced.
		for nextFallback < len(evidence) {
			item := evidence[nextFallback]
			nextFallback++
			if !referenced[item.ID] {
				return item, true
			}
		}
		return datatypes.EvidenceItem{}, false
	}

	rewritten := citationMarkerRe.ReplaceAllStringFunc(answer, func(match string) string {
		marker := match[1 : len(match)-1]
		item, ok := resolve(marker)
		if !ok {
			return match
		}
		id, seen := dense[item.ID]
		if !seen {
			id = len(ordered) + 1
			dense[item.ID] = id
			referenced[item.ID] = true
			ordered = append(ordered, item)
		}
		return fmt.Sprintf("[%d]", id)
	})

	citations := make([]datatypes.Citation, len(ordered))
	for i, item := range ordered {
		citations[i] = datatypes.NewCitation(i+1, item)
	}
	return rewritten, citations
}
