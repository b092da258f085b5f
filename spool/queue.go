package spool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/logger"
	"github.com/migadu/spoold/pkg/metrics"
)

// DefaultPollInterval bounds how long an idle Accept sleeps before
// rescanning when no wake-up arrives.
const DefaultPollInterval = 30 * time.Second

// Queue adds blocking accept operations on top of a Repository. All
// producers and consumers of one spool must share the same Queue so that
// stores wake waiting workers.
type Queue struct {
	Repository

	pollInterval time.Duration

	mu   sync.Mutex
	wake chan struct{}
}

func NewQueue(repo Repository, pollInterval time.Duration) *Queue {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Queue{
		Repository:   repo,
		pollInterval: pollInterval,
		wake:         make(chan struct{}),
	}
}

// waitChan returns the channel closed by the next notify.
func (q *Queue) waitChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wake
}

// notify wakes every waiter.
func (q *Queue) notify() {
	q.mu.Lock()
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}

// Store stores env and wakes any waiting Accept.
func (q *Queue) Store(ctx context.Context, env *envelope.Envelope) error {
	if err := q.Repository.Store(ctx, env); err != nil {
		return err
	}
	q.notify()
	return nil
}

// Unlock releases the lock and wakes waiters if it was held.
func (q *Queue) Unlock(ctx context.Context, key string) (bool, error) {
	ok, err := q.Repository.Unlock(ctx, key)
	if ok {
		q.notify()
	}
	return ok, err
}

// Accept blocks until any unlocked envelope is available and returns it
// locked.
func (q *Queue) Accept(ctx context.Context) (*envelope.Envelope, error) {
	return q.AcceptFilter(ctx, AcceptAll)
}

// AcceptDelay is Accept with retry backoff: an envelope whose last attempt
// failed waits RetryCount*delay after its last update.
func (q *Queue) AcceptDelay(ctx context.Context, delay time.Duration) (*envelope.Envelope, error) {
	return q.AcceptFilter(ctx, NewDelayFilter(delay))
}

// AcceptFilter blocks until an unlocked envelope accepted by f is
// available, locks it and returns it. Selection among eligible envelopes
// is arbitrary. It returns ctx.Err() when ctx is done while waiting.
func (q *Queue) AcceptFilter(ctx context.Context, f AcceptFilter) (*envelope.Envelope, error) {
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Taken before scanning so a store racing with the scan still wakes us.
		wake := q.waitChan()

		env, err := q.scan(ctx, f)
		if err != nil {
			return nil, err
		}
		if env != nil {
			metrics.AcceptWait.Observe(time.Since(start).Seconds())
			return env, nil
		}

		wait := f.WaitTime()
		if wait <= 0 || wait > q.pollInterval {
			wait = q.pollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// scan makes one pass over the repository and returns the first envelope
// it manages to lock, or nil.
func (q *Queue) scan(ctx context.Context, f AcceptFilter) (*envelope.Envelope, error) {
	metrics.AcceptScans.Inc()
	for c, err := range candidates(ctx, q.Repository) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to scan spool: %w", err)
		}
		if !f.Accept(c) {
			continue
		}

		ok, err := q.Repository.Lock(ctx, c.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to lock envelope %s: %w", c.Key, err)
		}
		if !ok {
			continue
		}

		// The candidate may have changed between listing and locking.
		env, err := q.Repository.Retrieve(ctx, c.Key)
		if errors.Is(err, ErrNotFound) {
			q.release(c.Key)
			continue
		}
		if err != nil {
			q.release(c.Key)
			return nil, err
		}
		if !f.Accept(CandidateOf(env)) {
			q.release(c.Key)
			continue
		}
		return env, nil
	}
	return nil, nil
}

// release drops a lock taken during a scan. It does not notify: nothing
// became newly eligible.
func (q *Queue) release(key string) {
	if _, err := q.Repository.Unlock(context.Background(), key); err != nil {
		logger.Error("Spool: failed to release lock after scan", "id", key, "error", err)
	}
}
