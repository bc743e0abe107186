// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultSessionTTL is how long an idle session survives before
	// eviction.
	DefaultSessionTTL = 24 * time.Hour

	// DefaultSweepInterval is how often the sweeper scans for idle
	// sessions.
	DefaultSweepInterval = 15 * time.Minute
)

// SweeperConfig controls session eviction timing.
type SweeperConfig struct {
	// SessionTTL is the idle age past which a session is evicted.
	SessionTTL time.Duration

	// Interval is the time between sweep cycles.
	Interval time.Duration
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		SessionTTL: DefaultSessionTTL,
		Interval:   DefaultSweepInterval,
	}
}

// Sweeper periodically evicts idle sessions from a SessionRegistry.
// Only one sweeper should run per registry.
type Sweeper struct {
	registry *SessionRegistry
	config   SweeperConfig
	done     chan struct{}
	mu       sync.Mutex
	running  bool
}

func NewSweeper(registry *SessionRegistry, config SweeperConfig) *Sweeper {
	if registry == nil {
		panic("agent: NewSweeper requires a registry")
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = DefaultSessionTTL
	}
	if config.Interval <= 0 {
		config.Interval = DefaultSweepInterval
	}
	return &Sweeper{
		registry: registry,
		config:   config,
		done:     make(chan struct{}),
	}
}

// Start begins the background sweep loop. It returns an error if the
// sweeper is already running. The loop stops when Stop is called or the
// context is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{}) // reset for restart
	s.mu.Unlock()

	slog.Info("Session sweeper starting",
		"session_ttl", s.config.SessionTTL.String(),
		"interval", s.config.Interval.String())

	go s.runLoop(ctx)
	return nil
}

// Stop signals the sweep loop to exit. Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	slog.Info("Session sweeper stopping")
	close(s.done)
	s.running = false
}

// RunNow performs a single sweep immediately and returns the number of
// sessions evicted.
func (s *Sweeper) RunNow() int {
	return s.sweep()
}

func (s *Sweeper) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Session sweeper stopped (context cancelled)")
			return
		case <-s.done:
			slog.Info("Session sweeper stopped (stop requested)")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() int {
	removed := s.registry.SweepIdle(s.config.SessionTTL)
	if removed > 0 {
		slog.Info("Evicted idle sessions", "count", removed,
			"session_ttl", s.config.SessionTTL.String())
	} else {
		slog.Debug("Sweep cycle completed, no idle sessions")
	}
	return removed
}
