// Package retry provides exponential backoff with jitter for transient
// failures against body storage, relay targets and the spool backend.
//
//	cfg := retry.BackoffConfig{
//		InitialInterval: 100 * time.Millisecond,
//		MaxInterval:     5 * time.Second,
//		Multiplier:      2.0,
//		Jitter:          true,
//		MaxRetries:      3,
//	}
//
//	err := retry.Do(ctx, cfg, func() error {
//		return store.Put(ctx, key, r, size)
//	})
//
// Returning retry.Stop(err) from the function aborts immediately with err.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int

	// OnRetry is called before each retry with the attempt number that
	// failed and its error.
	OnRetry func(attempt int, err error)
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// Delay returns the wait before the given retry attempt (1-based). With
// jitter the delay is uniformly spread over [d/2, d).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialInterval
	}
	multiplier := c.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	interval := float64(c.InitialInterval) * math.Pow(multiplier, float64(attempt-1))
	if c.MaxInterval > 0 && interval > float64(c.MaxInterval) {
		interval = float64(c.MaxInterval)
	}
	d := time.Duration(interval)
	if c.Jitter && d > 1 {
		d = d/2 + time.Duration(rand.Int64N(int64(d/2)))
	}
	return d
}

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }
func (s StopError) Unwrap() error { return s.Err }

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError checks if an error is a StopError
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns a StopError, the retry budget is
// exhausted, or ctx is cancelled.
func Do(ctx context.Context, cfg BackoffConfig, fn func() error) error {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, lastErr)
			}
			if err := Sleep(ctx, cfg.Delay(attempt)); err != nil {
				return fmt.Errorf("retry cancelled by context: %w", err)
			}
		}
		attempts++

		err := fn()
		if err == nil {
			return nil
		}
		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		lastErr = err
	}
	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
