// Package spool is the durable work queue of in-flight envelopes.
//
// A Repository stores envelopes by id and offers advisory, non-blocking
// locks keyed by id. Exactly one worker may hold the lock for an id at a
// time; every mutation of a spooled envelope happens under that lock.
//
// A Queue wraps a Repository and adds the blocking Accept operations: each
// call hands one eligible, unlocked envelope to exactly one caller, already
// locked. Waiters are woken whenever an envelope is stored or unlocked
// through the Queue, and rescan at the latest after the filter's wait time
// or the poll interval, whichever is shorter.
//
// Four backends are provided: MemoryRepository (tests, ephemeral setups),
// DiskRepository (one JSON file per envelope), SQLiteRepository and
// PostgresRepository. Only the postgres backend coordinates locks across
// processes; the others keep their lock table in memory.
package spool

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/pkg/metrics"
)

var (
	// ErrNotFound is returned by Retrieve for an unknown key.
	ErrNotFound = errors.New("envelope not found")
	// ErrNotLocked is returned by Remove when the caller does not hold the
	// lock for the key.
	ErrNotLocked = errors.New("envelope is not locked")
)

// Repository is a durable keyed store of envelopes with advisory locks.
type Repository interface {
	// Store inserts or replaces the envelope with the same id and sets
	// its LastUpdated to the current time. Errors always propagate.
	Store(ctx context.Context, env *envelope.Envelope) error

	// Retrieve returns a copy of the stored envelope without locking it.
	Retrieve(ctx context.Context, key string) (*envelope.Envelope, error)

	// Remove deletes the envelope and releases its lock. The caller must
	// hold the lock, otherwise ErrNotLocked is returned. Removing a
	// locked key that is not stored succeeds.
	Remove(ctx context.Context, key string) error

	// Lock takes the lock for key. It never blocks: false means the lock
	// is held by someone else.
	Lock(ctx context.Context, key string) (bool, error)

	// Unlock releases the lock for key, reporting false if it was not held.
	Unlock(ctx context.Context, key string) (bool, error)

	// List yields the keys currently stored. Each range over the returned
	// sequence starts a new listing. Membership can change while listing,
	// so the result is a best-effort snapshot.
	List(ctx context.Context) iter.Seq2[string, error]

	Close() error
}

// Candidate is what an AcceptFilter sees of an envelope.
type Candidate struct {
	Key          string
	State        string
	LastUpdated  time.Time
	ErrorMessage string
	FailedState  string
	RetryCount   int
}

// CandidateOf extracts the filter view of env.
func CandidateOf(env *envelope.Envelope) Candidate {
	return Candidate{
		Key:          env.ID,
		State:        env.State,
		LastUpdated:  env.LastUpdated,
		ErrorMessage: env.ErrorMessage,
		FailedState:  env.FailedState,
		RetryCount:   env.RetryCount,
	}
}

// CandidateLister is implemented by repositories that can enumerate
// candidates without loading whole envelopes. Listed candidates may be
// locked; Accept re-checks after locking.
type CandidateLister interface {
	Candidates(ctx context.Context) iter.Seq2[Candidate, error]
}

// StateCounter is implemented by repositories that can count envelopes per
// state natively.
type StateCounter interface {
	StateCounts(ctx context.Context) (map[string]int64, error)
}

// BodyKeyLister is implemented by repositories that index the body key of
// each envelope.
type BodyKeyLister interface {
	BodyKeys(ctx context.Context) iter.Seq2[string, error]
}

// BodyKeys yields the body keys referenced by stored envelopes. Keys may
// repeat when the repository has no native index.
func BodyKeys(ctx context.Context, repo Repository) iter.Seq2[string, error] {
	if bl, ok := repo.(BodyKeyLister); ok {
		return bl.BodyKeys(ctx)
	}
	return func(yield func(string, error) bool) {
		for env, err := range Envelopes(ctx, repo) {
			if err != nil {
				yield("", err)
				return
			}
			if env.Body.IsZero() {
				continue
			}
			if !yield(env.Body.Key, nil) {
				return
			}
		}
	}
}

// CountByState counts the stored envelopes per state, using the
// repository's native counter when available.
func CountByState(ctx context.Context, repo Repository) (map[string]int64, error) {
	if sc, ok := repo.(StateCounter); ok {
		return sc.StateCounts(ctx)
	}
	counts := make(map[string]int64)
	for c, err := range candidates(ctx, repo) {
		if err != nil {
			return nil, err
		}
		counts[c.State]++
	}
	return counts, nil
}

// candidates enumerates repo, falling back to List and Retrieve.
func candidates(ctx context.Context, repo Repository) iter.Seq2[Candidate, error] {
	if cl, ok := repo.(CandidateLister); ok {
		return cl.Candidates(ctx)
	}
	return func(yield func(Candidate, error) bool) {
		for key, err := range repo.List(ctx) {
			if err != nil {
				yield(Candidate{}, err)
				return
			}
			env, err := repo.Retrieve(ctx, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				yield(Candidate{}, err)
				return
			}
			if !yield(CandidateOf(env), nil) {
				return
			}
		}
	}
}

// Envelopes yields every stored envelope, skipping ones removed while
// listing.
func Envelopes(ctx context.Context, repo Repository) iter.Seq2[*envelope.Envelope, error] {
	return func(yield func(*envelope.Envelope, error) bool) {
		for key, err := range repo.List(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			env, err := repo.Retrieve(ctx, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if !yield(env, err) || err != nil {
				return
			}
		}
	}
}

func observe(op string, start time.Time, err error) {
	status := "success"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case errors.Is(err, ErrNotLocked):
		status = "not_locked"
	case err != nil:
		status = "error"
	}
	metrics.SpoolOperations.WithLabelValues(op, status).Inc()
	metrics.SpoolOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func observeLock(op string, start time.Time, ok bool, err error) {
	if err == nil && !ok {
		metrics.SpoolOperations.WithLabelValues(op, "contended").Inc()
		metrics.SpoolOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		return
	}
	observe(op, start, err)
}
