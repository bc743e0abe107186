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

var sandboxTracer = otel.Tracer("deepresearch.tools.sandbox")

// SandboxToolName is the name the model uses to run code.
const SandboxToolName = "python_interpreter"

// sandboxTimeoutSeconds is the execution budget sent to the sandbox.
const sandboxTimeoutSeconds = 30

// CodeSandboxTool executes model-written Python in an isolated sandbox
// service. The program text arrives in args["code"], extracted from the
// <code> block of the tool call.
type CodeSandboxTool struct {
	httpClient *http.Client
	baseURL    string
}

// NewCodeSandboxTool creates a sandbox client. Panics on an empty base
// URL.
func NewCodeSandboxTool(baseURL string) *CodeSandboxTool {
	if baseURL == "" {
		panic("sandbox: base URL is required")
	}
	return &CodeSandboxTool{
		httpClient: &http.Client{Timeout: 90 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// Name implements the Tool interface.
func (t *CodeSandboxTool) Name() string { return SandboxToolName }

type sandboxRequest struct {
	Code    string `json:"code"`
	Timeout int    `json:"timeout"`
}

type sandboxResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Invoke implements the Tool interface.
//
// The result is the program's stdout; stderr is appended under an
// "errors:" marker when present. A non-zero exit code is not a tool
// error: the model sees the failure output and can correct its code.
func (t *CodeSandboxTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	ctx, span := sandboxTracer.Start(ctx, "CodeSandboxTool.Invoke")
	defer span.End()

	code, _ := args["code"].(string)
	if code == "" {
		return "", fmt.Errorf("sandbox: missing code argument")
	}
	span.SetAttributes(attribute.Int("sandbox.code_len", len(code)))

	payload := sandboxRequest{Code: code, Timeout: sandboxTimeoutSeconds}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("sandbox: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/execute",
		bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("sandbox: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execute failed")
		return "", fmt.Errorf("sandbox: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("sandbox: service returned status %d: %s", resp.StatusCode, snippet)
	}

	var parsed sandboxResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("sandbox: decode response: %w", err)
	}

	span.SetAttributes(attribute.Int("sandbox.exit_code", parsed.ExitCode))
	var out strings.Builder
	if parsed.Stdout != "" {
		out.WriteString(parsed.Stdout)
	}
	if parsed.Stderr != "" {
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString("errors:\n")
		out.WriteString(parsed.Stderr)
	}
	if out.Len() == 0 {
		out.WriteString(fmt.Sprintf("(no output, exit code %d)", parsed.ExitCode))
	}
	return out.String(), nil
}

// Ensure CodeSandboxTool implements Tool
var _ Tool = (*CodeSandboxTool)(nil)
