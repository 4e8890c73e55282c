package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures the circuit breaker behavior
type Settings struct {
	// MaxRequests is the number of trial calls admitted while half-open,
	// and the successes needed to close again
	MaxRequests uint32
	// Interval clears the closed-state counts periodically; 0 keeps them
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing
	Timeout time.Duration
	// ReadyToTrip decides, after a failure while closed, whether to open
	ReadyToTrip func(counts Counts) bool
	// IsSuccessful classifies a call result. Context cancellation counts as
	// success by default: the caller gave up, the upstream did not fail.
	IsSuccessful func(err error) bool
	// OnStateChange is called outside the breaker lock
	OnStateChange func(name string, from State, to State)
}

// Counts holds the statistics of the current generation
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) success() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker guards calls to one upstream
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a closed breaker
func New(name string, settings Settings) *Breaker {
	if settings.MaxRequests == 0 {
		settings.MaxRequests = 1
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	if settings.ReadyToTrip == nil {
		settings.ReadyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 5
		}
	}
	if settings.IsSuccessful == nil {
		settings.IsSuccessful = func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		}
	}

	b := &Breaker{name: name, settings: settings, now: time.Now}
	b.resetGeneration(b.now())
	return b
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, promoting an expired open breaker to
// half-open
func (b *Breaker) State() State {
	b.mu.Lock()
	state, _, change := b.current(b.now())
	b.mu.Unlock()
	b.notify(change)
	return state
}

// Counts returns the counts of the current generation
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Allow admits one call. The returned function must be called exactly once
// with the call's error.
func (b *Breaker) Allow() (func(err error), error) {
	b.mu.Lock()
	state, generation, change := b.current(b.now())

	var err error
	switch {
	case state == StateOpen:
		err = ErrCircuitOpen
	case state == StateHalfOpen && b.counts.Requests >= b.settings.MaxRequests:
		err = ErrTooManyRequests
	default:
		b.counts.Requests++
	}
	b.mu.Unlock()
	b.notify(change)

	if err != nil {
		return nil, err
	}
	return func(callErr error) {
		b.done(generation, b.settings.IsSuccessful(callErr))
	}, nil
}

// Execute runs fn if the breaker admits it
func (b *Breaker) Execute(fn func() error) error {
	_, err := Do(b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do runs fn through b and returns its result
func Do[T any](b *Breaker, fn func() (T, error)) (result T, err error) {
	done, err := b.Allow()
	if err != nil {
		return result, err
	}

	defer func() {
		if p := recover(); p != nil {
			done(errPanic)
			panic(p)
		}
	}()

	result, err = fn()
	done(err)
	return result, err
}

var errPanic = errors.New("panic in guarded call")

type stateChange struct {
	from, to State
	changed  bool
}

func (b *Breaker) done(generation uint64, success bool) {
	b.mu.Lock()
	now := b.now()
	state, current, change := b.current(now)
	if current == generation {
		if success {
			change = merge(change, b.onSuccess(state, now))
		} else {
			change = merge(change, b.onFailure(state, now))
		}
	}
	b.mu.Unlock()
	b.notify(change)
}

func (b *Breaker) onSuccess(state State, now time.Time) stateChange {
	b.counts.success()
	if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.MaxRequests {
		return b.moveTo(StateClosed, now)
	}
	return stateChange{}
}

func (b *Breaker) onFailure(state State, now time.Time) stateChange {
	b.counts.failure()
	switch state {
	case StateClosed:
		if b.settings.ReadyToTrip(b.counts) {
			return b.moveTo(StateOpen, now)
		}
	case StateHalfOpen:
		return b.moveTo(StateOpen, now)
	}
	return stateChange{}
}

// current applies time-based transitions. Callers hold mu.
func (b *Breaker) current(now time.Time) (State, uint64, stateChange) {
	var change stateChange
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && now.After(b.expiry) {
			b.resetGeneration(now)
		}
	case StateOpen:
		if now.After(b.expiry) {
			change = b.moveTo(StateHalfOpen, now)
		}
	}
	return b.state, b.generation, change
}

func (b *Breaker) moveTo(state State, now time.Time) stateChange {
	if b.state == state {
		return stateChange{}
	}
	prev := b.state
	b.state = state
	b.resetGeneration(now)
	return stateChange{from: prev, to: state, changed: true}
}

func (b *Breaker) resetGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}

	switch b.state {
	case StateClosed:
		b.expiry = time.Time{}
		if b.settings.Interval > 0 {
			b.expiry = now.Add(b.settings.Interval)
		}
	case StateOpen:
		b.expiry = now.Add(b.settings.Timeout)
	default:
		b.expiry = time.Time{}
	}
}

func (b *Breaker) notify(change stateChange) {
	if change.changed && b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, change.from, change.to)
	}
}

// merge keeps the outermost transition when two happen under one lock
func merge(first, second stateChange) stateChange {
	switch {
	case !first.changed:
		return second
	case !second.changed:
		return first
	default:
		return stateChange{from: first.from, to: second.to, changed: true}
	}
}
