// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package stats

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event describes one admission decision taken by a rate limiter.
//
// Priority is carried as a plain string so the package stays agnostic
// of the limiter implementation recording into it.
type Event struct {
	// unique identifier of this event, for deduplication and
	// correlation by sinks that forward individual records to
	// external systems; the bundled sinks aggregate counters
	// and do not persist it
	ID string

	// name of the limiter that took the decision
	Limiter string

	// priority class of the request, e.g. "low", "high"
	Priority string

	// number of bytes requested
	Bytes int64

	// whether the request was granted; false means it was rejected
	// outright (e.g. larger than a single burst), not queued
	Granted bool

	// how long the caller was suspended before the grant
	Waited time.Duration

	// when the decision was taken
	At time.Time
}

// NewEvent builds an Event with a fresh unique identifier and the
// decision timestamp set to now.
func NewEvent(limiter, priority string, bytes int64, granted bool, waited time.Duration) Event {
	return Event{
		ID:       uuid.NewString(),
		Limiter:  limiter,
		Priority: priority,
		Bytes:    bytes,
		Granted:  granted,
		Waited:   waited,
		At:       time.Now(),
	}
}

// Sink is the strategy for recording admission decisions.
//
// Recording is best-effort, callers must treat a returned error as
// advisory and never fail the admission itself because of it.
// Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}
