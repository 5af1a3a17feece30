package cache

import (
	"sync"
	"time"
)

// breakerState is the circuit breaker position.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// breaker trips after a run of consecutive failures and short-circuits all
// cache operations while open. On expiry the next call becomes a probe:
// success closes the breaker, failure reopens it.
type breaker struct {
	mu sync.Mutex

	threshold    int
	openDuration time.Duration
	now          func() time.Time

	state     breakerState
	failures  int
	openUntil time.Time

	onTransition func(state string)
}

func newBreaker(threshold int, openDuration time.Duration, onTransition func(string)) *breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if openDuration <= 0 {
		openDuration = 5 * time.Second
	}
	return &breaker{
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
		onTransition: onTransition,
	}
}

// allow reports whether a call may proceed. While open it returns false
// until the cooldown expires, then admits a single half-open probe.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed, stateHalfOpen:
		return true
	case stateOpen:
		if b.now().Before(b.openUntil) {
			return false
		}
		b.transition(stateHalfOpen)
		return true
	}
	return true
}

// success records a successful call, closing the breaker.
func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != stateClosed {
		b.transition(stateClosed)
	}
}

// failure records a failed call. A half-open probe failure reopens
// immediately; in closed state the breaker opens after threshold
// consecutive failures.
func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.open()
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.open()
	}
}

func (b *breaker) open() {
	b.failures = 0
	b.openUntil = b.now().Add(b.openDuration)
	b.transition(stateOpen)
}

func (b *breaker) transition(next breakerState) {
	b.state = next
	if b.onTransition != nil {
		b.onTransition(next.String())
	}
}
