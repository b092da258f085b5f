package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/migadu/spoold/consts"
	"github.com/migadu/spoold/logger"
	"github.com/migadu/spoold/pkg/circuitbreaker"
	"github.com/migadu/spoold/pkg/retry"
)

// Resilient wraps a BodyStore with retries on transient errors and one
// circuit breaker per operation kind.
type Resilient struct {
	store         BodyStore
	retryConfig   retry.BackoffConfig
	getBreaker    *circuitbreaker.CircuitBreaker
	putBreaker    *circuitbreaker.CircuitBreaker
	deleteBreaker *circuitbreaker.CircuitBreaker
}

func NewResilient(store BodyStore, name string, maxRetries int) *Resilient {
	getSettings := circuitbreaker.DefaultSettings(name + "_get")
	getSettings.ReadyToTrip = func(counts circuitbreaker.Counts) bool {
		failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
		return counts.Requests >= 5 && failureRatio >= 0.6
	}
	putSettings := circuitbreaker.DefaultSettings(name + "_put")
	putSettings.ReadyToTrip = func(counts circuitbreaker.Counts) bool {
		failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
		return counts.Requests >= 3 && failureRatio >= 0.5
	}
	deleteSettings := circuitbreaker.DefaultSettings(name + "_delete")

	// A missing body is an answer, not a sick backend.
	notFoundOK := func(err error) bool { return err == nil || errors.Is(err, ErrBodyNotFound) }
	getSettings.IsSuccessful = notFoundOK

	return &Resilient{
		store: store,
		retryConfig: retry.BackoffConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2.0,
			Jitter:          true,
			MaxRetries:      maxRetries,
		},
		getBreaker:    circuitbreaker.NewCircuitBreaker(getSettings),
		putBreaker:    circuitbreaker.NewCircuitBreaker(putSettings),
		deleteBreaker: circuitbreaker.NewCircuitBreaker(deleteSettings),
	}
}

// Unwrap returns the underlying store.
func (r *Resilient) Unwrap() BodyStore {
	return r.store
}

// SetRetryConfig replaces the backoff used between attempts.
func (r *Resilient) SetRetryConfig(cfg retry.BackoffConfig) {
	r.retryConfig = cfg
}

func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, ErrBodyNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	if circuitbreaker.IsRejection(err) {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, retryable := range []string{
		"connection refused",
		"connection reset",
		"i/o timeout",
		"network unreachable",
		"no such host",
		"temporary failure",
		"service unavailable",
		"internal server error",
		"bad gateway",
		"gateway timeout",
		"timeout",
		"slowdown",
		"throttling",
		"rate limit",
	} {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}
	return false
}

func (r *Resilient) do(ctx context.Context, op string, cb *circuitbreaker.CircuitBreaker, fn func() error) error {
	cfg := r.retryConfig
	cfg.OnRetry = func(attempt int, err error) {
		logger.Warn("Storage: retrying body store operation", "operation", op, "attempt", attempt, "error", err)
	}
	return retry.Do(ctx, cfg, func() error {
		err := cb.Do(fn)
		if circuitbreaker.IsRejection(err) {
			return retry.Stop(fmt.Errorf("%w: %w", consts.ErrStorageUnavailable, err))
		}
		if err != nil && !isRetryableError(err) {
			return retry.Stop(err)
		}
		return err
	})
}

// Put retries only when r can be rewound; other readers get one attempt.
func (r *Resilient) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	seeker, seekable := body.(io.Seeker)
	first := true
	err := r.do(ctx, "put", r.putBreaker, func() error {
		if !first {
			if !seekable {
				return retry.Stop(errors.New("body reader cannot be rewound for retry"))
			}
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return retry.Stop(fmt.Errorf("failed to rewind body: %w", err))
			}
		}
		first = false
		return r.store.Put(ctx, key, body, size)
	})
	return err
}

func (r *Resilient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := r.do(ctx, "get", r.getBreaker, func() error {
		var err error
		rc, err = r.store.Get(ctx, key)
		return err
	})
	return rc, err
}

func (r *Resilient) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.do(ctx, "exists", r.getBreaker, func() error {
		var err error
		exists, err = r.store.Exists(ctx, key)
		return err
	})
	return exists, err
}

// Touch forwards to the wrapped store when it supports touching.
func (r *Resilient) Touch(ctx context.Context, key string) error {
	t, ok := r.store.(Toucher)
	if !ok {
		return errors.ErrUnsupported
	}
	return r.do(ctx, "touch", r.putBreaker, func() error {
		return t.Touch(ctx, key)
	})
}

func (r *Resilient) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete", r.deleteBreaker, func() error {
		return r.store.Delete(ctx, key)
	})
}

// List is passed through; the cleaner simply retries on its next run.
func (r *Resilient) List(ctx context.Context) iter.Seq2[ObjectInfo, error] {
	return r.store.List(ctx)
}
