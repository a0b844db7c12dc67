// Copyright © 2025-2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package ratelimit

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-core-stack/throttle/errors"
	"github.com/go-core-stack/throttle/stats"
)

// Manager tracks the configured limiters and redistributes the shared
// byte budget when individual limiters go in or out of active use.
type Manager struct {
	rate      int64                      // aggregate byte rate budget shared by all limiters
	period    time.Duration              // refill period applied to every limiter
	fairness  int                        // fairness weight applied to every limiter
	minRate   int64                      // smallest rate whose refill quantum is still non-zero
	committed int64                      // sum of nominal rates requested by registered limiters
	sink      stats.Sink                 // optional best-effort decision sink
	mu        sync.Mutex                 // protects concurrent access to the limiter state
	limiters  map[string]*ManagedLimiter // registry of all configured limiters
	inUse     map[string]*ManagedLimiter // subset of limiters currently marked as active
}

// ManagedLimiter wraps a prioritized byte limiter and reports usage
// back to the Manager so the shared capacity can be rebalanced.
type ManagedLimiter struct {
	mgr     *Manager
	key     string
	rate    int64 // nominal sustained rate
	limiter *RateLimiter
	usage   int // number of concurrent users that have marked the limiter as in-use
	mu      sync.Mutex
}

type ManagerOption func(*Manager)

// WithSink records every admission decision taken through the manager
// into the given sink, best-effort.
func WithSink(s stats.Sink) ManagerOption {
	return func(m *Manager) { m.sink = s }
}

// NewManager constructs a Manager with the specified aggregate rate
// budget. period and fairness are applied to every limiter it creates.
func NewManager(rate int64, period time.Duration, fairness int, opts ...ManagerOption) (*Manager, error) {
	if rate <= 0 {
		return nil, errors.Wrapf(errors.InvalidConfiguration, "aggregate rate must be positive, got %d", rate)
	}
	if period <= 0 {
		return nil, errors.Wrapf(errors.InvalidConfiguration, "refill period must be positive, got %v", period)
	}
	if fairness < 1 || fairness > fairnessScale {
		return nil, errors.Wrapf(errors.InvalidConfiguration, "fairness must be within 1..%d, got %d", fairnessScale, fairness)
	}
	us := period.Microseconds()
	if us < 1 {
		return nil, errors.Wrapf(errors.InvalidConfiguration, "refill period %v is shorter than a microsecond", period)
	}
	m := &Manager{
		rate:     rate,
		period:   period,
		fairness: fairness,
		minRate:  (1000000 + us - 1) / us,
		limiters: make(map[string]*ManagedLimiter),
		inUse:    make(map[string]*ManagedLimiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// NewLimiter registers a limiter with the manager and returns it for
// use. The limiter is configured with the provided nominal sustained
// rate and the manager's refill period and fairness weight.
func (m *Manager) NewLimiter(key string, rate int64) (*ManagedLimiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.limiters[key]
	if ok {
		return nil, errors.Wrapf(errors.AlreadyExists, "limiter %q, already exists", key)
	}
	rl, err := New(rate, m.period, m.fairness)
	if err != nil {
		return nil, err
	}
	lim := &ManagedLimiter{
		mgr:     m,
		key:     key,
		rate:    rate,
		limiter: rl,
	}
	m.limiters[key] = lim
	// TODO(Prabhjot) handle oversubscription of committed vs total.
	m.committed += rate
	return lim, nil
}

// updateInUse marks a limiter as being actively used and reapportions
// the available rate across the currently active limiters.
func (m *Manager) updateInUse(l *ManagedLimiter, use bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if use {
		m.inUse[l.key] = l
	} else {
		delete(m.inUse, l.key)
		_ = l.limiter.SetBytesPerSecond(l.rate)
		if len(m.inUse) == 0 {
			return
		}
	}
	var sumActive int64
	for _, l := range m.inUse {
		sumActive += l.rate
	}
	// Scale each limiter in proportion to its nominal rate so that the shared
	// budget is fully consumed while still honouring the global ceiling and
	// keeping the distribution fair across participants. The floor keeps the
	// refill quantum non-zero, so reconfiguration cannot fail here.
	for _, l := range m.inUse {
		scaled := (l.rate * m.rate) / sumActive
		if scaled < m.minRate {
			scaled = m.minRate
		}
		_ = l.limiter.SetBytesPerSecond(scaled)
	}
}

// WrapReader wraps rc so every read acquires bytes from the named
// limiter at the given priority before hitting the underlying reader.
func (m *Manager) WrapReader(ctx context.Context, key string, rc io.ReadCloser, pri Priority) (RateLimitedReader, error) {
	m.mu.Lock()
	lim, ok := m.limiters[key]
	m.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(errors.NotFound, "limiter %q not found", key)
	}
	lim.SetInUse(true)
	return &rlReader{
		ctx: ctx,
		rc:  rc,
		lim: lim,
		pri: pri,
	}, nil
}

// WrapHTTPResponseWriter wraps w so response bytes are paced through
// the named limiter at the given priority.
func (m *Manager) WrapHTTPResponseWriter(ctx context.Context, key string, w http.ResponseWriter, pri Priority) (RateLimitedHTTPResponseWriter, error) {
	m.mu.Lock()
	lim, ok := m.limiters[key]
	m.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(errors.NotFound, "limiter %q not found", key)
	}
	lim.SetInUse(true)
	return &rlWriter{
		ctx: ctx,
		w:   w,
		lim: lim,
		pri: pri,
	}, nil
}

// Close tears down every registered limiter. All in-flight requests
// must have returned first; see RateLimiter.Close.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.limiters {
		l.limiter.Close()
	}
	m.limiters = make(map[string]*ManagedLimiter)
	m.inUse = make(map[string]*ManagedLimiter)
	m.committed = 0
}

// SetInUse increments or decrements the active usage counter and
// notifies the Manager when the limiter transitions between idle and
// active states.
func (l *ManagedLimiter) SetInUse(use bool) {
	if l.mgr == nil {
		panic("limiter not initialized with manager")
	}
	l.mu.Lock()
	notify, activate := false, false
	if use {
		if l.usage == 0 {
			l.usage = 1
			notify, activate = true, true
		} else {
			l.usage++
		}
	} else {
		if l.usage == 1 {
			l.usage = 0
			notify = true
		} else if l.usage > 1 {
			l.usage--
		}
	}
	l.mu.Unlock()
	if notify {
		l.mgr.updateInUse(l, activate)
	}
}

// Request acquires bytes from the underlying limiter, blocking as
// needed, and records the decision to the manager's sink if one is
// configured.
func (l *ManagedLimiter) Request(bytes int64, pri Priority) error {
	return l.request(context.Background(), bytes, pri)
}

func (l *ManagedLimiter) request(ctx context.Context, bytes int64, pri Priority) error {
	if l.mgr == nil {
		panic("limiter not initialized with manager")
	}
	// if mgr is not nil, then it is expected that limiter is also non-nil
	// as they are created together in Manager.NewLimiter.
	start := time.Now()
	err := l.limiter.Request(bytes, pri)
	if sink := l.mgr.sink; sink != nil {
		// best-effort, a sink failure never fails the admission
		_ = sink.Record(ctx, stats.NewEvent(l.key, pri.String(), bytes, err == nil, time.Since(start)))
	}
	return err
}

// SingleBurstBytes returns the current per-period byte ceiling of the
// underlying limiter.
func (l *ManagedLimiter) SingleBurstBytes() int64 {
	return l.limiter.SingleBurstBytes()
}

// TotalBytesThrough returns the cumulative bytes granted by the
// underlying limiter.
func (l *ManagedLimiter) TotalBytesThrough() int64 {
	return l.limiter.TotalBytesThrough()
}

// TotalRequests returns the cumulative granted requests of the
// underlying limiter.
func (l *ManagedLimiter) TotalRequests() int64 {
	return l.limiter.TotalRequests()
}
