// Package circuit tracks upstream failures and short-circuits calls to an
// upstream that keeps failing.
package circuit

import (
	"sync"
	"time"
)

const (
	// Threshold is the number of failures within Window that opens a circuit.
	Threshold = 10
	// Window bounds how long failures accumulate before the count restarts.
	Window = 60 * time.Second
	// Cooldown is how long an opened circuit stays open.
	Cooldown = 45 * time.Second
)

// State is a point-in-time copy of one upstream's breaker.
type State struct {
	ConsecutiveFailures int
	WindowStartedAt     time.Time
	OpenUntil           time.Time
}

// Breaker keeps one state per upstream id. An open circuit closes on its own
// once OpenUntil passes; there is no probe phase.
type Breaker struct {
	threshold int
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time

	mu     sync.Mutex
	states map[string]*State
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the breaker clock.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithThreshold overrides the failure threshold.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// New builds a breaker with the default threshold, window and cooldown.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		threshold: Threshold,
		window:    Window,
		cooldown:  Cooldown,
		now:       time.Now,
		states:    make(map[string]*State),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// IsOpen reports whether calls to upstream should be skipped.
func (b *Breaker) IsOpen(upstream string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[upstream]
	if !ok {
		return false
	}
	return b.now().Before(s.OpenUntil)
}

// RecordSuccess fully heals the breaker for upstream.
func (b *Breaker) RecordSuccess(upstream string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[upstream] = &State{WindowStartedAt: b.now()}
}

// RecordFailure counts one failed logical call and reports whether it opened
// the circuit.
func (b *Breaker) RecordFailure(upstream string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	s, ok := b.states[upstream]
	if !ok {
		s = &State{WindowStartedAt: now}
		b.states[upstream] = s
	}
	if now.Sub(s.WindowStartedAt) > b.window {
		s.ConsecutiveFailures = 0
		s.WindowStartedAt = now
	}
	s.ConsecutiveFailures++
	if s.ConsecutiveFailures < b.threshold {
		return false
	}
	s.OpenUntil = now.Add(b.cooldown)
	s.ConsecutiveFailures = 0
	s.WindowStartedAt = now
	return true
}

// Snapshot returns a copy of the state for upstream.
func (b *Breaker) Snapshot(upstream string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.states[upstream]; ok {
		return *s
	}
	return State{}
}
