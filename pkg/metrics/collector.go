package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/spoold/logger"
)

// StatsProvider reports the number of envelopes per state.
type StatsProvider interface {
	StateCounts(ctx context.Context) (map[string]int64, error)
}

// StatsProviderFunc adapts a function to StatsProvider.
type StatsProviderFunc func(ctx context.Context) (map[string]int64, error)

func (f StatsProviderFunc) StateCounts(ctx context.Context) (map[string]int64, error) {
	return f(ctx)
}

// Collector periodically refreshes the spool depth gauges.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	states map[string]struct{} // states reported so far, reset to zero when they disappear
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
		states:   make(map[string]struct{}),
	}
}

// Start runs the collection loop until ctx is cancelled or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector: started", "interval", c.interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector: stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector: stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Collector) collect(ctx context.Context) {
	counts, err := c.provider.StateCounts(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error collecting spool metrics", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for state := range c.states {
		if _, ok := counts[state]; !ok {
			SpoolEnvelopes.WithLabelValues(state).Set(0)
		}
	}
	var total int64
	for state, n := range counts {
		SpoolEnvelopes.WithLabelValues(state).Set(float64(n))
		c.states[state] = struct{}{}
		total += n
	}
	logger.Debug("MetricsCollector: updated spool metrics", "envelopes", total, "states", len(counts))
}
