package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_UpdatesAndResetsStates(t *testing.T) {
	counts := map[string]int64{"root": 3, "error": 1}
	provider := StatsProviderFunc(func(ctx context.Context) (map[string]int64, error) {
		return counts, nil
	})

	c := NewCollector(provider, time.Hour)
	c.collect(context.Background())

	assert.Equal(t, float64(3), testutil.ToFloat64(SpoolEnvelopes.WithLabelValues("root")))
	assert.Equal(t, float64(1), testutil.ToFloat64(SpoolEnvelopes.WithLabelValues("error")))

	counts = map[string]int64{"root": 1}
	c.collect(context.Background())

	assert.Equal(t, float64(1), testutil.ToFloat64(SpoolEnvelopes.WithLabelValues("root")))
	assert.Equal(t, float64(0), testutil.ToFloat64(SpoolEnvelopes.WithLabelValues("error")), "vanished states drop to zero")
}

func TestCollector_ProviderErrorKeepsGauges(t *testing.T) {
	SpoolEnvelopes.WithLabelValues("transport").Set(7)
	provider := StatsProviderFunc(func(ctx context.Context) (map[string]int64, error) {
		return nil, errors.New("spool unavailable")
	})

	NewCollector(provider, time.Hour).collect(context.Background())
	assert.Equal(t, float64(7), testutil.ToFloat64(SpoolEnvelopes.WithLabelValues("transport")))
}

func TestCollector_StopEndsLoop(t *testing.T) {
	provider := StatsProviderFunc(func(ctx context.Context) (map[string]int64, error) {
		return map[string]int64{}, nil
	})
	c := NewCollector(provider, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	c.Stop()
	c.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}
