// Package circuitbreaker stops hammering a failing dependency (body store,
// relay host, IMAP server) and lets it recover before traffic resumes.
//
// A breaker starts CLOSED. When ReadyToTrip approves the failure counts it
// moves to OPEN and rejects calls with ErrCircuitBreakerOpen until Timeout
// elapses, then moves to HALF_OPEN and admits up to MaxRequests probes. A
// successful probe closes the breaker, a failed one opens it again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/migadu/spoold/logger"
	"github.com/migadu/spoold/pkg/metrics"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

// IsRejection reports whether err was produced by the breaker itself
// rather than by the protected call.
func IsRejection(err error) bool {
	return errors.Is(err, ErrCircuitBreakerOpen) || errors.Is(err, ErrTooManyRequests)
}

type Settings struct {
	Name          string
	MaxRequests   uint32        // probes admitted while half-open (default 1)
	Interval      time.Duration // closed-state window after which counts reset; 0 never resets
	Timeout       time.Duration // open-state duration before probing (default 60s)
	ReadyToTrip   func(counts Counts) bool
	OnStateChange func(name string, from State, to State)
	IsSuccessful  func(err error) bool
}

type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) record(success bool) {
	if success {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		return
	}
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

type CircuitBreaker struct {
	settings Settings

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

func NewCircuitBreaker(st Settings) *CircuitBreaker {
	if st.Name == "" {
		st.Name = "circuit_breaker"
	}
	if st.MaxRequests == 0 {
		st.MaxRequests = 1
	}
	if st.Interval < 0 {
		st.Interval = 0
	}
	if st.Timeout <= 0 {
		st.Timeout = 60 * time.Second
	}
	if st.ReadyToTrip == nil {
		st.ReadyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures > 5
		}
	}
	if st.IsSuccessful == nil {
		st.IsSuccessful = func(err error) bool { return err == nil }
	}

	cb := &CircuitBreaker{settings: st}
	cb.newGeneration(time.Now())
	metrics.CircuitBreakerState.WithLabelValues(st.Name).Set(float64(StateClosed))
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.settings.Name
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(time.Now())
	return state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Do runs fn if the breaker admits it and records the outcome. Panics in
// fn count as failures and are re-raised.
func (cb *CircuitBreaker) Do(fn func() error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if e := recover(); e != nil {
			cb.afterRequest(generation, false)
			panic(e)
		}
	}()

	err = fn()
	cb.afterRequest(generation, cb.settings.IsSuccessful(err))
	return err
}

// Execute is Do for calls producing a value.
func Execute[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var result T
	err := cb.Do(func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

// ForceHalfOpen lets the next calls probe the dependency without waiting
// for Timeout, e.g. after an operator fixed the remote side.
func (cb *CircuitBreaker) ForceHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateHalfOpen, time.Now())
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, generation := cb.currentState(time.Now())
	switch {
	case state == StateOpen:
		return generation, ErrCircuitBreakerOpen
	case state == StateHalfOpen && cb.counts.Requests >= cb.settings.MaxRequests:
		return generation, ErrTooManyRequests
	}
	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	cb.counts.record(success)
	switch {
	case success && state == StateHalfOpen:
		cb.setState(StateClosed, now)
	case !success && state == StateHalfOpen:
		cb.setState(StateOpen, now)
	case !success && cb.settings.ReadyToTrip(cb.counts):
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.newGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.newGeneration(now)

	metrics.CircuitBreakerState.WithLabelValues(cb.settings.Name).Set(float64(state))
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, prev, state)
	}
}

func (cb *CircuitBreaker) newGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	switch cb.state {
	case StateClosed:
		if cb.settings.Interval == 0 {
			cb.expiry = time.Time{}
		} else {
			cb.expiry = now.Add(cb.settings.Interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.settings.Timeout)
	default:
		cb.expiry = time.Time{}
	}
}

// DefaultSettings trips when at least 3 requests were seen in the window and
// 60% of them failed.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			if counts.Requests == 0 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from State, to State) {
			logger.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
}
