package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/go-core-stack/throttle/errors"
)

// fairness weights are expressed as a share of this scale, a weight
// of 100 lets the low priority queue lead every refill cycle
const fairnessScale = 100

// waiter is one blocked Request call. It is owned by exactly one
// priority queue until granted; granting closes the channel, which
// both marks the waiter granted and wakes the suspended caller.
type waiter struct {
	bytes   int64
	granted chan struct{}
}

// RateLimiter throttles aggregate byte throughput across concurrent
// callers to a configured bytes-per-second ceiling, arbitrating among
// callers of different priority.
//
// Tokens are replenished once per refill period. A Request that cannot
// be satisfied immediately suspends the caller in a strict FIFO queue
// for its priority; refills drain the queues highest priority first,
// except that a deterministic fairness credit periodically lets the
// low priority queue lead a cycle so it is never starved outright.
type RateLimiter struct {
	mu sync.Mutex

	rate     int64         // configured bytes per second
	period   time.Duration // refill granularity
	quantum  int64         // bytes replenished per period, also the single burst ceiling
	fairness int           // 1..100, low priority lead share per refill cycle

	available  int64     // remaining byte budget, may go negative on a granted debt
	nextRefill time.Time // when the next replenishment is due
	lowCredit  int       // accrued fairness credit for the low priority queue

	queues [numPriorities][]*waiter

	bytesThrough int64
	requests     int64

	closed     bool
	timer      *time.Timer // armed only while waiters are queued
	timerArmed bool
}

// refillQuantum computes the bytes replenished per refill period for
// the given sustained rate.
func refillQuantum(rate int64, period time.Duration) int64 {
	return rate * period.Microseconds() / 1000000
}

// New creates a RateLimiter enforcing the given sustained rate.
//
// rate is the target throughput in bytes per second. period controls
// how often tokens are refilled; with a rate of 10MB/s and a period of
// 100ms, 1MB is replenished every 100ms. Larger periods allow burstier
// transfers while smaller ones cost more wakeups. fairness (1..100)
// controls how often the low priority queue is allowed to lead a
// refill cycle ahead of higher priorities; higher values bound the
// worst-case low priority wait more tightly.
//
// The bucket starts fully topped up so initial requests are not
// artificially delayed.
func New(rate int64, period time.Duration, fairness int) (*RateLimiter, error) {
	if rate <= 0 {
		return nil, errors.Wrapf(errors.InvalidConfiguration, "rate must be positive, got %d", rate)
	}
	if period <= 0 {
		return nil, errors.Wrapf(errors.InvalidConfiguration, "refill period must be positive, got %v", period)
	}
	if fairness < 1 || fairness > fairnessScale {
		return nil, errors.Wrapf(errors.InvalidConfiguration, "fairness must be within 1..%d, got %d", fairnessScale, fairness)
	}
	// Ensure the quantum math cannot overflow int64
	if us := period.Microseconds(); us >= 1 && rate > math.MaxInt64/us {
		return nil, errors.Wrapf(errors.InvalidConfiguration, "rate %d over period %v overflows the byte budget", rate, period)
	}
	quantum := refillQuantum(rate, period)
	if quantum < 1 {
		return nil, errors.Wrapf(errors.InvalidConfiguration, "rate %d over period %v replenishes less than one byte", rate, period)
	}
	return &RateLimiter{
		rate:       rate,
		period:     period,
		quantum:    quantum,
		fairness:   fairness,
		available:  quantum,
		nextRefill: time.Now().Add(period),
	}, nil
}

// Request blocks until the limiter grants the given number of bytes.
//
// bytes must not exceed SingleBurstBytes; larger transfers are expected
// to be split into burst sized chunks by the caller (or by WrapReader
// and WrapHTTPResponseWriter, which do this already). A request that
// cannot be granted from the available budget, or that arrives while a
// same-or-higher priority waiter is queued, suspends the caller until
// a refill cycle grants it. There is no cancellation path; a grant is
// the only way out.
func (rl *RateLimiter) Request(bytes int64, pri Priority) error {
	if !pri.valid() {
		panic("throttle: request with unknown priority")
	}
	rl.mu.Lock()
	if rl.closed {
		rl.mu.Unlock()
		panic("throttle: request on closed limiter")
	}
	if bytes <= 0 {
		rl.mu.Unlock()
		return errors.Wrapf(errors.InvalidConfiguration, "requested bytes must be positive, got %d", bytes)
	}
	if bytes > rl.quantum {
		burst := rl.quantum
		rl.mu.Unlock()
		return errors.Wrapf(errors.RequestTooLarge, "requested %d bytes exceeds single burst of %d", bytes, burst)
	}

	// opportunistic refill, whichever caller observes an elapsed
	// period performs the replenishment and drains the queues
	now := time.Now()
	rl.refillLocked(now)

	if rl.available >= bytes && rl.idleAtOrAbove(pri) {
		rl.available -= bytes
		rl.bytesThrough += bytes
		rl.requests++
		rl.mu.Unlock()
		return nil
	}

	w := &waiter{bytes: bytes, granted: make(chan struct{})}
	rl.queues[pri] = append(rl.queues[pri], w)
	rl.armLocked(now)
	rl.mu.Unlock()

	<-w.granted
	return nil
}

// SetBytesPerSecond updates the sustained rate, atomically with
// respect to concurrent Request calls. Queued waiters keep their
// positions; only subsequent refills use the new rate.
func (rl *RateLimiter) SetBytesPerSecond(rate int64) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.closed {
		panic("throttle: reconfigure on closed limiter")
	}
	if rate <= 0 {
		return errors.Wrapf(errors.InvalidConfiguration, "rate must be positive, got %d", rate)
	}
	// construction guarantees the period is at least one microsecond
	if rate > math.MaxInt64/rl.period.Microseconds() {
		return errors.Wrapf(errors.InvalidConfiguration, "rate %d over period %v overflows the byte budget", rate, rl.period)
	}
	quantum := refillQuantum(rate, rl.period)
	if quantum < 1 {
		return errors.Wrapf(errors.InvalidConfiguration, "rate %d over period %v replenishes less than one byte", rate, rl.period)
	}
	rl.rate = rate
	rl.quantum = quantum
	if rl.available > quantum {
		rl.available = quantum
	}
	return nil
}

// SingleBurstBytes returns the current per-period byte ceiling, the
// largest request that can ever be granted in one call. Callers use it
// to size chunked transfers.
func (rl *RateLimiter) SingleBurstBytes() int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.quantum
}

// Rate returns the configured sustained rate in bytes per second.
func (rl *RateLimiter) Rate() int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.rate
}

// TotalBytesThrough returns the cumulative bytes granted so far. The
// counter is updated atomically with the grant it describes and never
// decreases.
func (rl *RateLimiter) TotalBytesThrough() int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.bytesThrough
}

// TotalRequests returns the cumulative number of granted requests.
func (rl *RateLimiter) TotalRequests() int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.requests
}

// Close tears the limiter down. All Request calls must have returned
// before Close; a waiter still queued at teardown is a programming
// error in the owning system and panics.
func (rl *RateLimiter) Close() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.closed {
		panic("throttle: close on closed limiter")
	}
	if rl.queuedLocked() > 0 {
		panic("throttle: close with queued waiters")
	}
	rl.closed = true
	if rl.timer != nil {
		rl.timer.Stop()
	}
}

// idleAtOrAbove reports whether no waiter of priority pri or higher is
// queued, i.e. whether an arriving request of priority pri may be
// granted inline without overtaking anyone it must not overtake.
func (rl *RateLimiter) idleAtOrAbove(pri Priority) bool {
	for p := pri; p < numPriorities; p++ {
		if len(rl.queues[p]) > 0 {
			return false
		}
	}
	return true
}

// refillLocked replenishes the bucket if a period has elapsed and
// drains the waiter queues. Tokens never accumulate beyond one burst
// across idle periods.
func (rl *RateLimiter) refillLocked(now time.Time) {
	if now.Before(rl.nextRefill) {
		return
	}
	rl.available += rl.quantum
	if rl.available > rl.quantum {
		rl.available = rl.quantum
	}
	rl.nextRefill = now.Add(rl.period)
	rl.drainLocked()
}

// drainLocked grants queued waiters while budget remains, highest
// priority first and strictly FIFO within a priority. When the low
// queue is non-empty under higher priority pressure, the fairness
// credit accrues once per cycle; on reaching the full scale the low
// queue leads this cycle, bounding its worst-case wait.
func (rl *RateLimiter) drainLocked() {
	if len(rl.queues[Low]) > 0 && !rl.idleAtOrAbove(Medium) {
		rl.lowCredit += rl.fairness
		// the credit is only spent on a cycle that can actually grant,
		// a debt cycle must not consume the low queue's turn
		if rl.lowCredit >= fairnessScale && rl.available > 0 {
			rl.lowCredit -= fairnessScale
			rl.grantHeadLocked(Low)
		}
	}
	for pri := High; pri >= Low; pri-- {
		for rl.available > 0 && len(rl.queues[pri]) > 0 {
			rl.grantHeadLocked(pri)
		}
	}
}

// grantHeadLocked pops the head waiter of the given queue, charges its
// bytes against the budget (debt is allowed and merely delays further
// grants, it never blocks a grant already decided) and wakes the
// caller. A waiter granted twice is a fatal bug; the close below
// panics on it.
func (rl *RateLimiter) grantHeadLocked(pri Priority) {
	q := rl.queues[pri]
	w := q[0]
	q[0] = nil
	rl.queues[pri] = q[1:]
	rl.available -= w.bytes
	rl.bytesThrough += w.bytes
	rl.requests++
	close(w.granted)
}

// queuedLocked returns the number of waiters across all queues.
func (rl *RateLimiter) queuedLocked() int {
	n := 0
	for pri := range rl.queues {
		n += len(rl.queues[pri])
	}
	return n
}

// armLocked schedules a refill wakeup at the next replenishment time
// if waiters are queued and none is scheduled yet. The timer exists
// only while callers are suspended; an idle limiter performs no
// wakeups at all.
func (rl *RateLimiter) armLocked(now time.Time) {
	if rl.timerArmed || rl.queuedLocked() == 0 {
		return
	}
	d := rl.nextRefill.Sub(now)
	if d < 0 {
		d = 0
	}
	rl.timerArmed = true
	if rl.timer == nil {
		rl.timer = time.AfterFunc(d, rl.onRefillTimer)
	} else {
		rl.timer.Reset(d)
	}
}

func (rl *RateLimiter) onRefillTimer() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.timerArmed = false
	if rl.closed {
		return
	}
	now := time.Now()
	rl.refillLocked(now)
	rl.armLocked(now)
}
