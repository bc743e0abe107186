// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/calyptra-ai/deepresearch/services/agent/datatypes"
)

var retrievalTracer = otel.Tracer("deepresearch.tools.retrieval")

// RetrievalToolName is the name the model uses to call retrieval.
const RetrievalToolName = "retrieval"

// defaultTopK is the result count requested when the call omits top_k.
const defaultTopK = 5

// RetrievalTool queries the knowledge-base search service over HTTP.
//
// Args:
//
//	query       (string, required)  search text
//	dataset_ids ([]string, opt)     dataset selectors; filled by the
//	                                classifier when absent
//	top_k       (number, opt)       result count, default 5
//	evidence_offset (number, opt)   starting point for result ids;
//	                                absent means ids start at 1. The
//	                                agent loop renumbers evidence
//	                                itself when it merges rounds, so
//	                                it never passes this; it exists
//	                                for direct callers of the tool.
type RetrievalTool struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewRetrievalTool creates a retrieval client for the given search
// service. Panics on an empty base URL: the agent cannot run without
// retrieval.
func NewRetrievalTool(baseURL, apiKey string) *RetrievalTool {
	if baseURL == "" {
		panic("retrieval: base URL is required")
	}
	return &RetrievalTool{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// Name implements the Tool interface.
func (t *RetrievalTool) Name() string { return RetrievalToolName }

// retrievalRequest is the search service wire request.
type retrievalRequest struct {
	Query      string   `json:"query"`
	DatasetIDs []string `json:"dataset_ids,omitempty"`
	TopK       int      `json:"top_k"`
}

// retrievalResponse is the search service wire response.
type retrievalResponse struct {
	Results []struct {
		Document   string  `json:"document"`
		Similarity float64 `json:"similarity"`
		Content    string  `json:"content"`
	} `json:"results"`
}

// Invoke implements the Tool interface.
//
// The result is the evidence-block text appended to the conversation:
// one "[retrieval_NN] Document / Similarity / Content" block per hit.
func (t *RetrievalTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	ctx, span := retrievalTracer.Start(ctx, "RetrievalTool.Invoke")
	defer span.End()

	query, _ := args["query"].(string)
	if query == "" {
		return "", fmt.Errorf("retrieval: missing query argument")
	}
	span.SetAttributes(attribute.Int("retrieval.query_len", len(query)))

	items, err := t.Search(ctx, query, stringSlice(args["dataset_ids"]), intArg(args, "top_k", defaultTopK))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return "", err
	}

	offset := intArg(args, "evidence_offset", 0)
	for i := range items {
		items[i].ID = datatypes.EvidenceID(offset + i + 1)
	}
	span.SetAttributes(attribute.Int("retrieval.results", len(items)))
	return datatypes.FormatEvidence(items), nil
}

// Search runs the query and returns evidence items without ids. The
// caller assigns ids according to its running evidence count.
func (t *RetrievalTool) Search(ctx context.Context, query string, datasets []string,
	topK int) ([]datatypes.EvidenceItem, error) {

	payload := retrievalRequest{
		Query:      query,
		DatasetIDs: datasets,
		TopK:       topK,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("retrieval: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/search",
		bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("retrieval: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Error("Retrieval service error", "status", resp.StatusCode, "body", string(snippet))
		return nil, fmt.Errorf("retrieval: service returned status %d", resp.StatusCode)
	}

	var parsed retrievalResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("retrieval: decode response: %w", err)
	}

	items := make([]datatypes.EvidenceItem, len(parsed.Results))
	for i, r := range parsed.Results {
		items[i] = datatypes.EvidenceItem{
			Document:   r.Document,
			Similarity: r.Similarity,
			Content:    r.Content,
		}
	}
	return items, nil
}

// stringSlice coerces a JSON-decoded list argument to []string.
func stringSlice(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// intArg reads a numeric argument that may arrive as float64 (JSON)
// or int.
func intArg(args map[string]any, key string, fallback int) int {
	switch n := args[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return fallback
	}
}

// Ensure RetrievalTool implements Tool
var _ Tool = (*RetrievalTool)(nil)
