// Package breaker implements a circuit breaker used to stop hammering a shared
// dependency (the rate-limit counter store) while it is unreachable.
package breaker

import (
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

const (
	Closed   State = iota // calls pass through
	Open                  // calls fail fast
	HalfOpen              // one trial call is let through
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker tracks consecutive failures of a dependency. After Threshold
// failures it opens for Cooldown, then admits a single trial call. A
// successful trial closes it again; a failed one reopens it.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	trial     bool // a half-open trial call is in flight

	onChange func(from, to State)
	now      func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithStateChange registers a callback invoked (under the breaker lock) on
// every state transition. It must not call back into the breaker.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a closed breaker. A threshold below 1 is treated as 1.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	b := &Breaker{
		state:     Closed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.transition(HalfOpen)
		b.trial = true
		return true
	case HalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	default:
		return true
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trial = false
	if b.state != Closed {
		b.transition(Closed)
	}
}

// Failure records a failed call and opens the breaker when the threshold is
// reached or a half-open trial fails.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.trial = false
	if b.state == HalfOpen || (b.state == Closed && b.failures >= b.threshold) {
		b.openedAt = b.now()
		b.transition(Open)
	}
}

// State returns the current state, accounting for an elapsed cool-down.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.onChange != nil && from != to {
		b.onChange(from, to)
	}
}
