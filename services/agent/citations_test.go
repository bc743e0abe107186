// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyptra-ai/deepresearch/services/agent/datatypes"
)

func threeEvidence() []datatypes.EvidenceItem {
	return []datatypes.EvidenceItem{
		{ID: "retrieval_01", Document: "a.md", Similarity: 0.9, Content: "Alpha content for the first item."},
		{ID: "retrieval_02", Document: "b.md", Similarity: 0.8, Content: "Beta content for the second item."},
		{ID: "retrieval_03", Document: "c.md", Similarity: 0.7, Content: "Gamma content for the third item."},
	}
}

func TestRenumberCitations_DenseByFirstAppearance(t *testing.T) {
	answer := "Fact one [retrieval_03]. Fact two [retrieval_01]. Fact one again [retrieval_03]."
	rewritten, citations := RenumberCitations(answer, threeEvidence())

	assert.Equal(t, "Fact one [1]. Fact two [2]. Fact one again [1].", rewritten)
	require.Len(t, citations, 2)
	assert.Equal(t, 1, citations[0].ID)
	assert.Equal(t, "retrieval_03", citations[0].SourceID)
	assert.Equal(t, "c.md", citations[0].Document)
	assert.Equal(t, 2, citations[1].ID)
	assert.Equal(t, "retrieval_01", citations[1].SourceID)
}

func TestRenumberCitations_BareNumbersArePositional(t *testing.T) {
	rewritten, citations := RenumberCitations("See [2] and [1].", threeEvidence())

	assert.Equal(t, "See [1] and [2].", rewritten)
	require.Len(t, citations, 2)
	assert.Equal(t, "retrieval_02", citations[0].SourceID)
	assert.Equal(t, "retrieval_01", citations[1].SourceID)
}

func TestRenumberCitations_UnpaddedIDResolves(t *testing.T) {
	rewritten, citations := RenumberCitations("See [retrieval_3].", threeEvidence())

	assert.Equal(t, "See [1].", rewritten)
	require.Len(t, citations, 1)
	assert.Equal(t, "retrieval_03", citations[0].SourceID)
}

func TestRenumberCitations_UnknownIDFallsBackSequentially(t *testing.T) {
	// retrieval_09 does not exist; it picks up the next unreferenced item.
	rewritten, citations := RenumberCitations("Known [retrieval_02], unknown [retrieval_09].", threeEvidence())

	assert.Equal(t, "Known [1], unknown [2].", rewritten)
	require.Len(t, citations, 2)
	assert.Equal(t, "retrieval_02", citations[0].SourceID)
	assert.Equal(t, "retrieval_01", citations[1].SourceID)
}

func TestRenumberCitations_UnresolvableLeftUntouched(t *testing.T) {
	evidence := threeEvidence()[:1]
	rewritten, citations := RenumberCitations(
		"First [retrieval_01], second [retrieval_09], third [retrieval_08].", evidence)

	assert.Equal(t, "First [1], second [retrieval_09], third [retrieval_08].", rewritten)
	assert.Len(t, citations, 1)
}

func TestRenumberCitations_NoEvidence(t *testing.T) {
	rewritten, citations := RenumberCitations("Plain answer [retrieval_01].", nil)

	assert.Equal(t, "Plain answer [retrieval_01].", rewritten)
	assert.Nil(t, citations)
}

func TestRenumberCitations_NoMarkers(t *testing.T) {
	rewritten, citations := RenumberCitations("No citations here.", threeEvidence())

	assert.Equal(t, "No citations here.", rewritten)
	assert.Empty(t, citations)
}

func TestRenumberCitations_PreviewPopulated(t *testing.T) {
	_, citations := RenumberCitations("See [retrieval_01].", threeEvidence())

	require.Len(t, citations, 1)
	assert.Equal(t, "Alpha content for the first it...", citations[0].Preview)
}
