package spool

import (
	"context"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/migadu/spoold/envelope"
)

// MemoryRepository keeps envelopes in a map. Stored and retrieved
// envelopes are copies, so callers never share state with the repository.
type MemoryRepository struct {
	mu        sync.RWMutex
	envelopes map[string]*envelope.Envelope
	locks     *lockTable
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		envelopes: make(map[string]*envelope.Envelope),
		locks:     newLockTable(),
	}
}

func (r *MemoryRepository) Store(ctx context.Context, env *envelope.Envelope) error {
	start := time.Now()
	env.LastUpdated = time.Now()
	r.mu.Lock()
	r.envelopes[env.ID] = env.Clone(env.ID)
	r.mu.Unlock()
	observe("store", start, nil)
	return nil
}

func (r *MemoryRepository) Retrieve(ctx context.Context, key string) (*envelope.Envelope, error) {
	start := time.Now()
	r.mu.RLock()
	env, ok := r.envelopes[key]
	r.mu.RUnlock()
	if !ok {
		observe("retrieve", start, ErrNotFound)
		return nil, ErrNotFound
	}
	observe("retrieve", start, nil)
	return env.Clone(key), nil
}

func (r *MemoryRepository) Remove(ctx context.Context, key string) error {
	start := time.Now()
	err := r.locks.removeLocked(key, func() error {
		r.mu.Lock()
		delete(r.envelopes, key)
		r.mu.Unlock()
		return nil
	})
	observe("remove", start, err)
	return err
}

func (r *MemoryRepository) Lock(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok := r.locks.lock(key)
	observeLock("lock", start, ok, nil)
	return ok, nil
}

func (r *MemoryRepository) Unlock(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok := r.locks.unlock(key)
	observeLock("unlock", start, ok, nil)
	return ok, nil
}

func (r *MemoryRepository) snapshot() []*envelope.Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := slices.Collect(maps.Values(r.envelopes))
	slices.SortFunc(out, func(a, b *envelope.Envelope) int {
		return a.LastUpdated.Compare(b.LastUpdated)
	})
	return out
}

// List yields keys oldest-updated first.
func (r *MemoryRepository) List(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, env := range r.snapshot() {
			if !yield(env.ID, nil) {
				return
			}
		}
	}
}

func (r *MemoryRepository) Candidates(ctx context.Context) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		for _, env := range r.snapshot() {
			if r.locks.held(env.ID) {
				continue
			}
			if !yield(CandidateOf(env), nil) {
				return
			}
		}
	}
}

func (r *MemoryRepository) StateCounts(ctx context.Context) (map[string]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int64)
	for _, env := range r.envelopes {
		counts[env.State]++
	}
	return counts, nil
}

func (r *MemoryRepository) Close() error {
	return nil
}
