// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrBusy is returned when no research slot frees up within the
// admission wait ceiling.
var ErrBusy = errors.New("all research slots busy")

const (
	// DefaultMaxConcurrent is the number of research turns allowed to
	// run at once.
	DefaultMaxConcurrent = 4

	// DefaultAdmissionWait is how long a request queues for a slot
	// before it is turned away.
	DefaultAdmissionWait = 300 * time.Second
)

// PermitPool gates concurrent research turns. Requests queue up to the
// wait ceiling, then fail with ErrBusy.
type PermitPool struct {
	sem  *semaphore.Weighted
	wait time.Duration
}

// NewPermitPool creates a pool of size slots. Non-positive arguments
// take defaults.
func NewPermitPool(size int, wait time.Duration) *PermitPool {
	if size <= 0 {
		size = DefaultMaxConcurrent
	}
	if wait <= 0 {
		wait = DefaultAdmissionWait
	}
	return &PermitPool{
		sem:  semaphore.NewWeighted(int64(size)),
		wait: wait,
	}
}

// Acquire blocks until a slot frees, the wait ceiling passes, or ctx
// is cancelled. The ceiling maps to ErrBusy; a caller cancellation is
// returned as the context error.
func (p *PermitPool) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.wait)
	defer cancel()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrBusy
	}
	return nil
}

// Release returns a slot to the pool. Must pair with a successful
// Acquire.
func (p *PermitPool) Release() {
	p.sem.Release(1)
}
