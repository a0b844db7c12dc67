// Package ratelimit provides a prioritized byte-rate limiter with
// blocking admission and dynamic reconfiguration.
//
// # Overview
//
// This package throttles aggregate I/O throughput across many
// concurrent callers to a configured bytes-per-second ceiling. It is
// meant to be embedded at the I/O boundaries of an owning system, for
// example a storage engine's flush and compaction write paths, where
// one limiter is shared by every writer and arbitrates among callers
// of different urgency.
//
// # Architecture
//
// The package consists of three main components:
//
//   - RateLimiter: the token bucket with per-priority waiter queues
//   - Manager: a registry of named limiters sharing an aggregate budget
//   - Rate-limited wrappers: io.Reader and http.ResponseWriter adapters
//
// # Admission Model
//
// Request(bytes, priority) is blocking by design. A request that fits
// the available budget, with no same-or-higher priority waiter queued,
// returns immediately. Anything else suspends the caller in a strict
// FIFO queue for its priority until a refill cycle grants it. Requests
// larger than a single burst are rejected outright; callers are
// expected to split large transfers into burst sized chunks, which the
// provided wrappers do automatically.
//
// Tokens are replenished once per refill period. Refill is performed
// opportunistically by whichever caller observes an elapsed period,
// backed by a timer that is armed only while waiters are queued, so an
// idle limiter costs no wakeups at all.
//
// # Priorities and Fairness
//
// Three priority levels are defined: Low, Medium and High. Refill
// cycles drain the queues highest priority first, strictly FIFO within
// a level. Under sustained high priority pressure a fairness credit
// accrues for the low queue; each cycle adds the configured fairness
// weight (1..100) and on reaching 100 the low queue leads that cycle.
// A weight of 10 therefore lets a low priority waiter through at least
// once every 10 cycles. This bounds worst-case low priority wait, it
// is not a strict round-robin guarantee.
//
// # Byte Debt
//
// A grant decided from a queue may drive the budget negative. The debt
// simply delays further grants until refills repay it; it never blocks
// a grant already decided. This keeps every queued waiter eligible for
// progress regardless of how the rate is reconfigured underneath it.
//
// # Dynamic Reconfiguration
//
// SetBytesPerSecond swaps the sustained rate atomically with respect
// to concurrent requests. Queued waiters keep their positions; only
// subsequent refills use the new rate. The Manager builds on this to
// rebalance an aggregate budget across active limiters: when a limiter
// transitions between idle and active, every active limiter is rescaled
// in proportion to its nominal rate, and released limiters return to
// their nominal rate.
//
// # Example Usage
//
//	// 10MB/s sustained, refilled every 100ms, low priority allowed to
//	// lead one refill cycle in ten
//	rl, err := ratelimit.New(10*1024*1024, 100*time.Millisecond, 10)
//	if err != nil {
//		return err
//	}
//	defer rl.Close()
//
//	// compaction writes yield to flush writes
//	if err := rl.Request(chunk, ratelimit.Low); err != nil {
//		return err
//	}
//	n, err := f.Write(buf[:chunk])
//
// Or through a manager sharing one budget across tenants:
//
//	mgr, _ := ratelimit.NewManager(1024*1024, 100*time.Millisecond, 10)
//	mgr.NewLimiter("tenant-a", 512*1024)
//	r, _ := mgr.WrapReader(ctx, "tenant-a", body, ratelimit.Medium)
//	defer r.Close()
package ratelimit
