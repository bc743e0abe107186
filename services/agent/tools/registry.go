// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tools provides the tool registry and the concrete tool
// clients available to the research agent.
//
// Every tool produces text. Structured backend responses are rendered
// to strings before they leave this package so the agent loop can
// append results to the model conversation without caring which tool
// ran.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrToolNotFound is returned when a call names a tool that is not
// registered.
var ErrToolNotFound = errors.New("tool not found")

// maxParallelTools bounds the workers used by InvokeMany.
const maxParallelTools = 5

// Tool is a single capability the agent can call.
//
// Invoke must return a textual result. Implementations should honor
// ctx cancellation and return quickly when it fires.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// DatasetClassifier picks retrieval dataset selectors for a query when
// the caller did not pin any.
type DatasetClassifier interface {
	Classify(ctx context.Context, question string) ([]string, error)
}

// Call names a tool and its arguments for dispatch.
type Call struct {
	Tool string
	Args map[string]any
}

// Result is the outcome of one dispatched call. Exactly one of Output
// and Err is meaningful; Err is recorded per entry and never aborts
// sibling calls.
type Result struct {
	Tool     string
	Output   string
	Err      error
	Duration time.Duration
}

// Registry holds the available tools and dispatches calls to them.
//
// A Registry is safe for concurrent use after construction. Tools are
// registered during startup; Register is not safe to race with Invoke.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	classifier DatasetClassifier
}

// NewRegistry creates an empty registry. The classifier may be nil, in
// which case retrieval calls without dataset selectors pass through
// unchanged.
func NewRegistry(classifier DatasetClassifier) *Registry {
	return &Registry{
		tools:      make(map[string]Tool),
		classifier: classifier,
	}
}

// Register adds a tool under its own name, replacing any previous
// registration.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns the named tool, or nil when unknown.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke dispatches a single call.
//
// Unknown tools return ErrToolNotFound (wrapped). Retrieval calls with
// no dataset selectors get them filled in by the classifier first; a
// classifier failure falls back to unfiltered retrieval rather than
// failing the call.
func (r *Registry) Invoke(ctx context.Context, call Call) (string, error) {
	tool := r.Get(call.Tool)
	if tool == nil {
		return "", fmt.Errorf("%w: %q", ErrToolNotFound, call.Tool)
	}

	args := call.Args
	if call.Tool == RetrievalToolName {
		args = r.fillDatasets(ctx, args)
	}

	return tool.Invoke(ctx, args)
}

// InvokeMany dispatches calls concurrently with at most
// maxParallelTools workers and returns results in submission order.
//
// Individual failures are captured in Result.Err; the batch itself
// never fails. Context cancellation surfaces as per-entry errors from
// the tools themselves.
func (r *Registry) InvokeMany(ctx context.Context, calls []Call) []Result {
	results := make([]Result, len(calls))
	if len(calls) == 0 {
		return results
	}

	workers := len(calls)
	if workers > maxParallelTools {
		workers = maxParallelTools
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			start := time.Now()
			output, err := r.Invoke(gctx, call)
			results[i] = Result{
				Tool:     call.Tool,
				Output:   output,
				Err:      err,
				Duration: time.Since(start),
			}
			if err != nil {
				slog.Warn("Tool call failed", "tool", call.Tool, "error", err)
			}
			// Per-entry error isolation: never abort siblings.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// fillDatasets injects dataset selectors into retrieval args when the
// caller omitted them.
func (r *Registry) fillDatasets(ctx context.Context, args map[string]any) map[string]any {
	if r.classifier == nil {
		return args
	}
	if ids, ok := args["dataset_ids"]; ok {
		if list, isList := ids.([]any); !isList || len(list) > 0 {
			return args
		}
	}
	query, _ := args["query"].(string)
	if query == "" {
		return args
	}

	datasets, err := r.classifier.Classify(ctx, query)
	if err != nil || len(datasets) == 0 {
		slog.Warn("Dataset classification failed, retrieving unfiltered", "error", err)
		return args
	}

	filled := make(map[string]any, len(args)+1)
	for k, v := range args {
		filled[k] = v
	}
	ids := make([]any, len(datasets))
	for i, d := range datasets {
		ids[i] = d
	}
	filled["dataset_ids"] = ids
	return filled
}
