// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/calyptra-ai/deepresearch/services/llm"
)

// DefaultDomain is used when classification fails or matches nothing.
const DefaultDomain = "general"

// DomainClassifier maps a question to knowledge-base dataset selectors
// with a single cheap LLM call.
//
// The classifier is deliberately forgiving: any failure degrades to the
// default domain so retrieval still runs, just unfocused.
type DomainClassifier struct {
	client  llm.LLMClient
	domains map[string][]string
}

// NewDomainClassifier creates a classifier over the given domain map
// (domain name to dataset ids). The map should contain DefaultDomain.
// Panics on a nil client.
func NewDomainClassifier(client llm.LLMClient, domains map[string][]string) *DomainClassifier {
	if client == nil {
		panic("classifier: llm client is required")
	}
	if domains == nil {
		domains = map[string][]string{}
	}
	return &DomainClassifier{
		client:  client,
		domains: domains,
	}
}

// Classify implements the DatasetClassifier interface.
//
// Returns the dataset ids of the best-matching domain. Never returns
// an error together with a usable result; on error the caller should
// retrieve unfiltered.
func (c *DomainClassifier) Classify(ctx context.Context, question string) ([]string, error) {
	names := make([]string, 0, len(c.domains))
	for name := range c.domains {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, nil
	}

	prompt := fmt.Sprintf(
		"Classify the question into exactly one of these knowledge domains: %s.\n"+
			"Answer with the domain name only, nothing else.\n\nQuestion: %s",
		strings.Join(names, ", "), question)

	temp := float32(0.0)
	maxTokens := 16
	raw, err := c.client.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}

	answer := strings.ToLower(strings.TrimSpace(raw))
	for _, name := range names {
		if strings.Contains(answer, strings.ToLower(name)) {
			return c.domains[name], nil
		}
	}

	slog.Debug("Classifier matched no domain, using default", "answer", answer)
	if ids, ok := c.domains[DefaultDomain]; ok {
		return ids, nil
	}
	return nil, nil
}

// Ensure DomainClassifier implements DatasetClassifier
var _ DatasetClassifier = (*DomainClassifier)(nil)
