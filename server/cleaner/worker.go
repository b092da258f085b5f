// Package cleaner provides a worker that periodically deletes message
// bodies no envelope refers to anymore.
//
// Removing an envelope never deletes its body, since derived envelopes and
// repeated injections share one stored copy. The worker lists the body
// store, computes the set of keys still referenced by the spool and by any
// archive repositories, and deletes the rest once they are older than the
// grace period. The grace period also protects bodies that were stored but
// whose envelope is not spooled yet.
//
// When the spool supports it, the worker also reports locks whose lease
// has expired, which point at instances that died while processing.
package cleaner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/migadu/spoold/logger"
	"github.com/migadu/spoold/pkg/metrics"
	"github.com/migadu/spoold/spool"
	"github.com/migadu/spoold/storage"
)

const minAllowedInterval = time.Minute

// StaleLockSource lists expired spool locks.
type StaleLockSource interface {
	StaleLocks(ctx context.Context) ([]spool.StaleLock, error)
}

// CleanupWorker deletes unreferenced bodies from a body store.
type CleanupWorker struct {
	repos       []spool.Repository
	bodies      storage.BodyStore
	locks       StaleLockSource
	interval    time.Duration
	gracePeriod time.Duration
	now         func() time.Time
	log         *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Result summarizes one cleanup run.
type Result struct {
	Listed     int
	Referenced int
	Deleted    int
	Failed     int
	StaleLocks int
}

// New creates a worker collecting the bodies that none of repos
// refers to. The first repository is the spool, the others are archives.
func New(bodies storage.BodyStore, repos []spool.Repository, interval, gracePeriod time.Duration) *CleanupWorker {
	w := &CleanupWorker{
		repos:       repos,
		bodies:      bodies,
		interval:    interval,
		gracePeriod: gracePeriod,
		now:         time.Now,
		log:         logger.With("component", "cleaner"),
		stopCh:      make(chan struct{}),
	}
	if len(repos) > 0 {
		if src, ok := repos[0].(StaleLockSource); ok {
			w.locks = src
		}
	}
	return w
}

func (w *CleanupWorker) Start(ctx context.Context) {
	interval := w.interval
	if interval < minAllowedInterval {
		w.log.Warn("Cleaner: configured interval is below the minimum, using minimum", "interval", interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}
	w.log.Info("Cleaner: worker starting", "interval", interval, "grace_period", w.gracePeriod, "repositories", len(w.repos))

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				w.log.Info("Cleaner: worker stopped due to context cancellation")
				return
			case <-w.stopCh:
				w.log.Info("Cleaner: worker stopped due to stop signal")
				return
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil {
					w.log.Error("Cleaner: run failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the cleanup worker to stop
func (w *CleanupWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// RunOnce performs a single cleanup pass.
func (w *CleanupWorker) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	w.reportStaleLocks(ctx, &res)

	// Candidates are listed before the referenced set is built, so a body
	// that gets referenced while listing is never deleted.
	cutoff := w.now().Add(-w.gracePeriod)
	var candidates []string
	for obj, err := range w.bodies.List(ctx) {
		if err != nil {
			metrics.CleanupRuns.WithLabelValues("error").Inc()
			return res, fmt.Errorf("failed to list body store: %w", err)
		}
		res.Listed++
		if obj.LastModified.Before(cutoff) {
			candidates = append(candidates, obj.Key)
		}
	}
	if len(candidates) == 0 {
		metrics.CleanupRuns.WithLabelValues("success").Inc()
		w.log.Debug("Cleaner: nothing old enough to collect", "listed", res.Listed)
		return res, nil
	}

	referenced, err := w.referencedKeys(ctx)
	if err != nil {
		metrics.CleanupRuns.WithLabelValues("error").Inc()
		return res, err
	}
	res.Referenced = len(referenced)

	for _, key := range candidates {
		if referenced[key] {
			continue
		}
		if ctx.Err() != nil {
			metrics.CleanupRuns.WithLabelValues("error").Inc()
			return res, fmt.Errorf("cleanup aborted: %w", ctx.Err())
		}
		if err := w.bodies.Delete(ctx, key); err != nil {
			w.log.Warn("Cleaner: failed to delete body", "key", key, "error", err)
			res.Failed++
			continue
		}
		res.Deleted++
		metrics.CleanupDeletedBodies.Inc()
	}

	result := "success"
	if res.Failed > 0 {
		result = "partial"
	}
	metrics.CleanupRuns.WithLabelValues(result).Inc()
	if res.Deleted > 0 || res.Failed > 0 {
		w.log.Info("Cleaner: collected unreferenced bodies", "deleted", res.Deleted, "failed", res.Failed, "listed", res.Listed, "referenced", res.Referenced)
	}
	return res, nil
}

func (w *CleanupWorker) referencedKeys(ctx context.Context) (map[string]bool, error) {
	keys := make(map[string]bool)
	for _, repo := range w.repos {
		for key, err := range spool.BodyKeys(ctx, repo) {
			if err != nil {
				return nil, fmt.Errorf("failed to list referenced bodies: %w", err)
			}
			keys[key] = true
		}
	}
	return keys, nil
}

func (w *CleanupWorker) reportStaleLocks(ctx context.Context, res *Result) {
	if w.locks == nil {
		return
	}
	stale, err := w.locks.StaleLocks(ctx)
	if err != nil {
		w.log.Warn("Cleaner: failed to query stale locks", "error", err)
		return
	}
	res.StaleLocks = len(stale)
	for _, l := range stale {
		w.log.Warn("Cleaner: spool lock lease expired", "id", l.Key, "owner", l.Owner, "locked_at", l.LockedAt)
	}
}
