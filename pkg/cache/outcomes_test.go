package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryOutcomes(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryOutcomes()

	stats, err := m.Outcomes(ctx, "restart_service")
	require.NoError(t, err)
	_, ok := stats.SuccessRate()
	assert.False(t, ok)

	require.NoError(t, m.RecordOutcome(ctx, "restart_service", true, time.Second))
	require.NoError(t, m.RecordOutcome(ctx, "restart_service", true, time.Second))
	require.NoError(t, m.RecordOutcome(ctx, "restart_service", true, time.Second))
	require.NoError(t, m.RecordOutcome(ctx, "restart_service", false, time.Second))

	stats, err = m.Outcomes(ctx, "restart_service")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(3), stats.Successes)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, 4*time.Second, stats.TotalDuration)

	rate, ok := stats.SuccessRate()
	assert.True(t, ok)
	assert.InDelta(t, 0.75, rate, 1e-9)
}

func TestMemoryOutcomesConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryOutcomes()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.RecordOutcome(ctx, "clear_cache", i%2 == 0, time.Millisecond)
		}(i)
	}
	wg.Wait()

	stats, _ := m.Outcomes(ctx, "clear_cache")
	assert.Equal(t, int64(50), stats.Total)
	assert.Equal(t, int64(25), stats.Successes)
}
