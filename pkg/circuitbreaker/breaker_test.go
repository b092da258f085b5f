package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func tripAfter(n uint32) func(Counts) bool {
	return func(c Counts) bool { return c.ConsecutiveFailures >= n }
}

func TestBreaker_TripsAndRejects(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(Settings{
		Name:        "test-trip",
		Timeout:     time.Hour,
		ReadyToTrip: tripAfter(3),
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Do(func() error { return errBoom }), errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.True(t, IsRejection(err))
	assert.False(t, called)
	assert.Equal(t, []string{"CLOSED->OPEN"}, transitions)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:        "test-recovery",
		MaxRequests: 1,
		Timeout:     10 * time.Millisecond,
		ReadyToTrip: tripAfter(1),
	})

	require.Error(t, cb.Do(func() error { return errBoom }))
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:        "test-reopen",
		Timeout:     time.Hour,
		ReadyToTrip: tripAfter(5),
	})
	cb.ForceHalfOpen()
	assert.Equal(t, StateHalfOpen, cb.State())

	require.Error(t, cb.Do(func() error { return errBoom }))
	assert.Equal(t, StateOpen, cb.State(), "a failed probe reopens regardless of ReadyToTrip")
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "test-probes", MaxRequests: 1, Timeout: time.Hour})
	cb.ForceHalfOpen()

	inner := cb.Do(func() error {
		return cb.Do(func() error { return nil })
	})
	assert.ErrorIs(t, inner, ErrTooManyRequests)
}

func TestExecute_ReturnsValue(t *testing.T) {
	cb := NewCircuitBreaker(DefaultSettings("test-execute"))
	v, err := Execute(cb, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, uint32(1), cb.Counts().TotalSuccesses)
}

func TestBreaker_PanicCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "test-panic", ReadyToTrip: tripAfter(1), Timeout: time.Hour})
	assert.Panics(t, func() {
		_ = cb.Do(func() error { panic("mailet bug") })
	})
	assert.Equal(t, StateOpen, cb.State())
}
