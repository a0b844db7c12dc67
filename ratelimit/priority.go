// Copyright © 2025-2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package ratelimit

// Priority classifies a byte request for admission ordering.
// Higher priorities are serviced first, subject to the fairness
// carve-out that bounds starvation of Low priority waiters.
type Priority int

// priority levels, ordered from least to most preferred
const (
	Low Priority = iota
	Medium
	High

	// number of priority levels, one waiter queue each
	numPriorities = 3
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	}
	return "unknown"
}

// valid reports whether p is one of the defined levels.
func (p Priority) valid() bool {
	return p >= Low && p <= High
}
