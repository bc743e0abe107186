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
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var parserTracer = otel.Tracer("deepresearch.tools.parsefile")

// ParseFileToolName is the name the model uses to read documents.
const ParseFileToolName = "parse_file"

// maxParsedBytes bounds how much parsed text is returned to the model.
const maxParsedBytes = 64 * 1024

// ParseFileTool extracts text from user-supplied documents (PDF, DOCX,
// HTML) via the parser service.
type ParseFileTool struct {
	httpClient *http.Client
	baseURL    string
}

// NewParseFileTool creates a parser client. Panics on an empty base URL.
func NewParseFileTool(baseURL string) *ParseFileTool {
	if baseURL == "" {
		panic("parsefile: base URL is required")
	}
	return &ParseFileTool{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// Name implements the Tool interface.
func (t *ParseFileTool) Name() string { return ParseFileToolName }

type parseRequest struct {
	URI string `json:"uri"`
}

type parseResponse struct {
	Content string `json:"content"`
}

// Invoke implements the Tool interface.
//
// Args: uri (string, required), a file reference previously uploaded
// to the parser service. The result is the parsed plain text, bounded
// to maxParsedBytes.
func (t *ParseFileTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	ctx, span := parserTracer.Start(ctx, "ParseFileTool.Invoke")
	defer span.End()

	uri, _ := args["uri"].(string)
	if uri == "" {
		// The model sometimes calls it "file" or "path".
		if alt, ok := args["file"].(string); ok {
			uri = alt
		} else if alt, ok := args["path"].(string); ok {
			uri = alt
		}
	}
	if uri == "" {
		return "", fmt.Errorf("parsefile: missing uri argument")
	}
	span.SetAttributes(attribute.String("parsefile.uri", uri))

	body, err := json.Marshal(parseRequest{URI: uri})
	if err != nil {
		return "", fmt.Errorf("parsefile: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/parse",
		bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parsefile: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return "", fmt.Errorf("parsefile: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("parsefile: service returned status %d: %s", resp.StatusCode, snippet)
	}

	var parsed parseResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("parsefile: decode response: %w", err)
	}

	content := parsed.Content
	if len(content) > maxParsedBytes {
		content = content[:maxParsedBytes] + "\n[truncated]"
	}
	return content, nil
}

// Ensure ParseFileTool implements Tool
var _ Tool = (*ParseFileTool)(nil)
