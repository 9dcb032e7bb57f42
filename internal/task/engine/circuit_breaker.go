package engine

import (
	"sync"
	"time"
)

// breaker is a consecutive-failure circuit breaker keyed by task name.
// Success closes the circuit. Once failures reach the trip count, the
// circuit opens for a cooldown that doubles with each further failure.
type breaker struct {
	mu sync.Mutex
	m  map[string]*breakerState
}

type breakerState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type breakerPolicy struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

// policyFor returns the effective policy, or false when the breaker is off.
func policyFor(cfg Config, opt TaskOptions) (breakerPolicy, bool) {
	trip := cfg.CircuitTripFailures
	if trip < 0 || opt.CircuitTripFailures < 0 {
		return breakerPolicy{}, false
	}
	if opt.CircuitTripFailures > 0 {
		trip = opt.CircuitTripFailures
	}
	return breakerPolicy{
		trip:       trip,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
	}, true
}

// stateLocked returns the state for key, forgetting stale failures. Call with b.mu held.
func (b *breaker) stateLocked(key string, now time.Time, p breakerPolicy) *breakerState {
	if b.m == nil {
		b.m = make(map[string]*breakerState)
	}
	st := b.m[key]
	if st == nil {
		st = &breakerState{}
		b.m[key] = st
	}
	if !st.lastFailure.IsZero() && p.resetAfter > 0 && now.Sub(st.lastFailure) > p.resetAfter {
		*st = breakerState{}
	}
	return st
}

func (b *breaker) isOpen(key string, now time.Time, cfg Config, opt TaskOptions) (bool, time.Time) {
	p, ok := policyFor(cfg, opt)
	if !ok {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stateLocked(key, now, p)
	if now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (b *breaker) record(key string, now time.Time, cfg Config, opt TaskOptions, err error) {
	p, ok := policyFor(cfg, opt)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stateLocked(key, now, p)
	if err == nil {
		*st = breakerState{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < p.trip {
		return
	}
	d := p.baseDelay
	for i := p.trip; i < st.fails && d < p.maxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, p.maxDelay))
}

func (b *breaker) counts(now time.Time) (total, open int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	total = len(b.m)
	for _, st := range b.m {
		if now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
