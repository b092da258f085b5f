package spool

import "sync"

// lockTable is the in-process lock set shared by the memory, disk and
// sqlite repositories.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]struct{})}
}

func (t *lockTable) lock(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.locks[key]; held {
		return false
	}
	t.locks[key] = struct{}{}
	return true
}

func (t *lockTable) unlock(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.locks[key]; !held {
		return false
	}
	delete(t.locks, key)
	return true
}

func (t *lockTable) held(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, held := t.locks[key]
	return held
}

// removeLocked runs fn if key is locked and releases the lock when fn
// succeeds. The table mutex is held throughout so the lock cannot change
// hands in between; fn must not call back into the table.
func (t *lockTable) removeLocked(key string, fn func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.locks[key]; !held {
		return ErrNotLocked
	}
	if err := fn(); err != nil {
		return err
	}
	delete(t.locks, key)
	return nil
}
