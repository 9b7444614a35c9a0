// Package circuitbreaker provides a per-key circuit breaker with
// closed, open and half-open states. The profile service keys it by backing
// store so a failing database fails fast instead of queueing requests.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/mbd888/creditscore/internal/metrics"
)

// ErrOpen is reported by Check while a key's circuit is open.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // requests flow through
	StateOpen                  // requests are rejected
	StateHalfOpen              // one probe is in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

type transition struct {
	key      string
	from, to State
}

// Breaker trips a key open after threshold consecutive failures. After
// openDuration one probe is let through; its outcome closes or reopens the
// circuit.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	onTransition func(key string, from, to State)
	now          func() time.Time
}

// New creates a circuit breaker. Non-positive arguments fall back to 5
// failures and 30 seconds.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// OnTransition sets a callback run after each state change, outside the
// breaker's lock.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a request for key may proceed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	var fired []transition
	allowed := true

	if e, ok := b.entries[key]; ok {
		switch e.state {
		case StateOpen:
			if b.now().Sub(e.lastFailure) >= b.openDuration {
				fired = b.transition(fired, e, key, StateHalfOpen)
			} else {
				allowed = false
			}
		case StateHalfOpen:
			allowed = false
		}
	}

	fn := b.onTransition
	b.mu.Unlock()
	notify(fn, fired)
	return allowed
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	var fired []transition
	if e, ok := b.entries[key]; ok {
		if e.state == StateHalfOpen {
			fired = b.transition(fired, e, key, StateClosed)
		}
		e.failures = 0
	}
	fn := b.onTransition
	b.mu.Unlock()
	notify(fn, fired)
}

// RecordFailure counts a failure. A failed probe reopens immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++
	e.lastFailure = b.now()

	var fired []transition
	switch {
	case e.state == StateHalfOpen:
		fired = b.transition(fired, e, key, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		fired = b.transition(fired, e, key, StateOpen)
	}
	fn := b.onTransition
	b.mu.Unlock()
	notify(fn, fired)
}

// Reset closes key's circuit and clears its failure count.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	var fired []transition
	if e, ok := b.entries[key]; ok {
		fired = b.transition(fired, e, key, StateClosed)
		e.failures = 0
	}
	fn := b.onTransition
	b.mu.Unlock()
	notify(fn, fired)
}

// Failures returns the consecutive failure count for key.
func (b *Breaker) Failures(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok {
		return e.failures
	}
	return 0
}

// State returns the current state for a key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// Check returns ErrOpen while key is open. It does not start a probe, so it
// is safe to call from health checks.
func (b *Breaker) Check(key string) error {
	if b.State(key) == StateOpen {
		return ErrOpen
	}
	return nil
}

// transition must be called with b.mu held.
func (b *Breaker) transition(fired []transition, e *entry, key string, to State) []transition {
	from := e.state
	if from == to {
		return fired
	}
	e.state = to
	metrics.BreakerTransitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	metrics.BreakerOpen.WithLabelValues(key).Set(boolGauge(to != StateClosed))
	return append(fired, transition{key: key, from: from, to: to})
}

func notify(fn func(key string, from, to State), fired []transition) {
	if fn == nil {
		return
	}
	for _, t := range fired {
		fn(t.key, t.from, t.to)
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
