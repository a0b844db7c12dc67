// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package stats

import (
	"context"
	"sync"
)

// Counters aggregates admission outcomes.
type Counters struct {
	Granted  int64
	Rejected int64
	Bytes    int64
}

// MemorySink aggregates events in memory. Useful for tests and
// development; it never expires anything.
type MemorySink struct {
	mu         sync.Mutex
	total      Counters
	byPriority map[string]Counters
	byLimiter  map[string]Counters
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		byPriority: make(map[string]Counters),
		byLimiter:  make(map[string]Counters),
	}
}

// Record implements Sink.
func (s *MemorySink) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	apply := func(c Counters) Counters {
		if ev.Granted {
			c.Granted++
			c.Bytes += ev.Bytes
		} else {
			c.Rejected++
		}
		return c
	}
	s.total = apply(s.total)
	s.byPriority[ev.Priority] = apply(s.byPriority[ev.Priority])
	if ev.Limiter != "" {
		s.byLimiter[ev.Limiter] = apply(s.byLimiter[ev.Limiter])
	}
	return nil
}

// Total returns the aggregate counters across all events recorded.
func (s *MemorySink) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// ByPriority returns a copy of the per-priority counters.
func (s *MemorySink) ByPriority() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byPriority))
	for k, v := range s.byPriority {
		out[k] = v
	}
	return out
}

// ByLimiter returns a copy of the per-limiter counters.
func (s *MemorySink) ByLimiter() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byLimiter))
	for k, v := range s.byLimiter {
		out[k] = v
	}
	return out
}
