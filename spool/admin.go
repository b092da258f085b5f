package spool

import (
	"context"
	"errors"
	"fmt"

	"github.com/migadu/spoold/envelope"
)

// ErrLocked is returned by operator actions on an envelope that a worker
// currently holds.
var ErrLocked = errors.New("envelope is locked")

// Requeue moves an idle envelope to state and clears its last failure.
// With resetRetries the retry count starts over, which also lifts any
// backoff and parking.
func Requeue(ctx context.Context, repo Repository, key, state string, resetRetries bool) (*envelope.Envelope, error) {
	if state == "" || state == envelope.StateGhost {
		return nil, fmt.Errorf("cannot requeue to state %q", state)
	}
	ok, err := repo.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	defer repo.Unlock(context.WithoutCancel(ctx), key)

	env, err := repo.Retrieve(ctx, key)
	if err != nil {
		return nil, err
	}
	env.State = state
	env.ClearError()
	if resetRetries {
		env.RetryCount = 0
	}
	if err := repo.Store(ctx, env); err != nil {
		return nil, fmt.Errorf("failed to store requeued envelope: %w", err)
	}
	return env, nil
}

// Delete removes an idle envelope. Its body stays in the body store until
// the cleaner collects it.
func Delete(ctx context.Context, repo Repository, key string) error {
	ok, err := repo.Lock(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLocked
	}
	if _, err := repo.Retrieve(ctx, key); err != nil {
		repo.Unlock(context.WithoutCancel(ctx), key)
		return err
	}
	return repo.Remove(ctx, key)
}
