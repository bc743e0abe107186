// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Doubles
// =============================================================================

// fakeTool is a configurable in-memory tool.
type fakeTool struct {
	name    string
	delay   time.Duration
	err     error
	output  string
	calls   atomic.Int32
	running atomic.Int32
	peak    atomic.Int32
}

func (f *fakeTool) Name() string { return f.name }

func (f *fakeTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	f.calls.Add(1)
	cur := f.running.Add(1)
	for {
		peak := f.peak.Load()
		if cur <= peak || f.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	defer f.running.Add(-1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.output, nil
}

// fakeClassifier records calls and returns fixed datasets.
type fakeClassifier struct {
	datasets []string
	err      error
	calls    atomic.Int32
}

func (f *fakeClassifier) Classify(ctx context.Context, question string) ([]string, error) {
	f.calls.Add(1)
	return f.datasets, f.err
}

// =============================================================================
// Registry Tests
// =============================================================================

func TestRegistry_Invoke_UnknownTool(t *testing.T) {
	reg := NewRegistry(nil)

	_, err := reg.Invoke(context.Background(), Call{Tool: "nope"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolNotFound))
	assert.Contains(t, err.Error(), "nope")
}

func TestRegistry_Invoke_Success(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&fakeTool{name: "echo", output: "hello"})

	out, err := reg.Invoke(context.Background(), Call{Tool: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestRegistry_Register_Replaces(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&fakeTool{name: "echo", output: "old"})
	reg.Register(&fakeTool{name: "echo", output: "new"})

	out, err := reg.Invoke(context.Background(), Call{Tool: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "new", out)
}

func TestRegistry_Names_Sorted(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&fakeTool{name: "b"})
	reg.Register(&fakeTool{name: "a"})
	reg.Register(&fakeTool{name: "c"})

	assert.Equal(t, []string{"a", "b", "c"}, reg.Names())
}

func TestRegistry_InvokeMany_PreservesSubmissionOrder(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&fakeTool{name: "slow", delay: 150 * time.Millisecond, output: "slow done"})
	reg.Register(&fakeTool{name: "fast", output: "fast done"})

	results := reg.InvokeMany(context.Background(), []Call{
		{Tool: "slow"},
		{Tool: "fast"},
	})

	require.Len(t, results, 2)
	assert.Equal(t, "slow", results[0].Tool)
	assert.Equal(t, "slow done", results[0].Output)
	assert.Equal(t, "fast", results[1].Tool)
	assert.Equal(t, "fast done", results[1].Output)
}

func TestRegistry_InvokeMany_ErrorIsolation(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&fakeTool{name: "ok", output: "fine"})
	reg.Register(&fakeTool{name: "broken", err: errors.New("boom")})

	results := reg.InvokeMany(context.Background(), []Call{
		{Tool: "ok"},
		{Tool: "broken"},
		{Tool: "missing"},
		{Tool: "ok"},
	})

	require.Len(t, results, 4)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "fine", results[0].Output)
	assert.EqualError(t, results[1].Err, "boom")
	assert.True(t, errors.Is(results[2].Err, ErrToolNotFound))
	assert.NoError(t, results[3].Err)
}

func TestRegistry_InvokeMany_BoundsWorkers(t *testing.T) {
	tool := &fakeTool{name: "busy", delay: 50 * time.Millisecond, output: "done"}
	reg := NewRegistry(nil)
	reg.Register(tool)

	calls := make([]Call, 12)
	for i := range calls {
		calls[i] = Call{Tool: "busy"}
	}

	results := reg.InvokeMany(context.Background(), calls)

	require.Len(t, results, 12)
	assert.EqualValues(t, 12, tool.calls.Load())
	assert.LessOrEqual(t, tool.peak.Load(), int32(maxParallelTools),
		"concurrent workers must not exceed the pool bound")
}

func TestRegistry_InvokeMany_Empty(t *testing.T) {
	reg := NewRegistry(nil)
	results := reg.InvokeMany(context.Background(), nil)
	assert.Empty(t, results)
}

// =============================================================================
// Dataset Auto-Fill Tests
// =============================================================================

// captureTool records the args it was invoked with.
type captureTool struct {
	name string
	args map[string]any
}

func (c *captureTool) Name() string { return c.name }

func (c *captureTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	c.args = args
	return "ok", nil
}

func TestRegistry_Invoke_FillsDatasetsForRetrieval(t *testing.T) {
	classifier := &fakeClassifier{datasets: []string{"hr", "legal"}}
	tool := &captureTool{name: RetrievalToolName}
	reg := NewRegistry(classifier)
	reg.Register(tool)

	_, err := reg.Invoke(context.Background(), Call{
		Tool: RetrievalToolName,
		Args: map[string]any{"query": "leave policy"},
	})
	require.NoError(t, err)

	assert.EqualValues(t, 1, classifier.calls.Load())
	assert.Equal(t, []any{"hr", "legal"}, tool.args["dataset_ids"])
}

func TestRegistry_Invoke_KeepsExplicitDatasets(t *testing.T) {
	classifier := &fakeClassifier{datasets: []string{"hr"}}
	tool := &captureTool{name: RetrievalToolName}
	reg := NewRegistry(classifier)
	reg.Register(tool)

	_, err := reg.Invoke(context.Background(), Call{
		Tool: RetrievalToolName,
		Args: map[string]any{"query": "leave policy", "dataset_ids": []any{"finance"}},
	})
	require.NoError(t, err)

	assert.EqualValues(t, 0, classifier.calls.Load())
	assert.Equal(t, []any{"finance"}, tool.args["dataset_ids"])
}

func TestRegistry_Invoke_ClassifierFailureFallsThrough(t *testing.T) {
	classifier := &fakeClassifier{err: errors.New("model down")}
	tool := &captureTool{name: RetrievalToolName}
	reg := NewRegistry(classifier)
	reg.Register(tool)

	_, err := reg.Invoke(context.Background(), Call{
		Tool: RetrievalToolName,
		Args: map[string]any{"query": "leave policy"},
	})
	require.NoError(t, err)

	_, hasDatasets := tool.args["dataset_ids"]
	assert.False(t, hasDatasets, "failed classification should retrieve unfiltered")
}

func TestRegistry_Invoke_NoClassifierFillForOtherTools(t *testing.T) {
	classifier := &fakeClassifier{datasets: []string{"hr"}}
	tool := &captureTool{name: SandboxToolName}
	reg := NewRegistry(classifier)
	reg.Register(tool)

	_, err := reg.Invoke(context.Background(), Call{
		Tool: SandboxToolName,
		Args: map[string]any{"code": "print(1)"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 0, classifier.calls.Load())
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestStringSlice(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, stringSlice([]string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, stringSlice([]any{"a", "b"}))
	assert.Equal(t, []string{"a"}, stringSlice([]any{"a", 42}))
	assert.Nil(t, stringSlice("not a list"))
	assert.Nil(t, stringSlice(nil))
}

func TestIntArg(t *testing.T) {
	args := map[string]any{"i": 3, "f": float64(7), "s": "x"}
	assert.Equal(t, 3, intArg(args, "i", 1))
	assert.Equal(t, 7, intArg(args, "f", 1))
	assert.Equal(t, 1, intArg(args, "s", 1))
	assert.Equal(t, 1, intArg(args, "missing", 1))
}

func TestIntArg_JSONRoundTrip(t *testing.T) {
	// JSON numbers decode as float64; make sure the offset survives.
	args := map[string]any{"evidence_offset": float64(4)}
	assert.Equal(t, 4, intArg(args, "evidence_offset", 0))
}
