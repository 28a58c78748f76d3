package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

func TestBackoffDelayExponential(t *testing.T) {
	policy := models.RetryPolicy{
		MaxRetries:   6,
		Strategy:     models.BackoffExponential,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
	}
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for n, w := range want {
		assert.Equal(t, w, BackoffDelay(policy, n), "retry %d", n)
	}
}

func TestBackoffDelayStrategies(t *testing.T) {
	tests := []struct {
		strategy models.BackoffStrategy
		max      time.Duration
		want     []time.Duration
	}{
		{models.BackoffFixed, 0, []time.Duration{500, 500, 500, 500}},
		{models.BackoffLinear, 0, []time.Duration{500, 1000, 1500, 2000}},
		{models.BackoffLinear, 1200, []time.Duration{500, 1000, 1200, 1200}},
		{"", 0, []time.Duration{500, 1000, 2000, 4000}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.strategy, tt.max), func(t *testing.T) {
			policy := models.RetryPolicy{
				Strategy:     tt.strategy,
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     tt.max * time.Millisecond,
			}
			for n, w := range tt.want {
				assert.Equal(t, w*time.Millisecond, BackoffDelay(policy, n), "retry %d", n)
			}
		})
	}
}

func TestBackoffDelayDoesNotOverflow(t *testing.T) {
	exp := models.RetryPolicy{Strategy: models.BackoffExponential, InitialDelay: time.Hour}
	assert.Equal(t, maxDuration, BackoffDelay(exp, 200))

	capped := exp
	capped.MaxDelay = 24 * time.Hour
	assert.Equal(t, 24*time.Hour, BackoffDelay(capped, 200))

	lin := models.RetryPolicy{Strategy: models.BackoffLinear, InitialDelay: maxDuration / 2}
	assert.Equal(t, maxDuration, BackoffDelay(lin, 5))

	assert.Equal(t, time.Second, BackoffDelay(models.RetryPolicy{InitialDelay: time.Second}, -3))
}

func TestRingDropsOldest(t *testing.T) {
	r := newRing(3)
	assert.Empty(t, r.newest(0))
	_, ok := r.lastExecuted()
	assert.False(t, ok)

	for i := 1; i <= 5; i++ {
		r.push(models.ExecutionResult{ExecutionID: fmt.Sprintf("e%d", i), Skipped: i == 5})
	}

	got := r.newest(0)
	require.Len(t, got, 3)
	assert.Equal(t, "e5", got[0].ExecutionID)
	assert.Equal(t, "e4", got[1].ExecutionID)
	assert.Equal(t, "e3", got[2].ExecutionID)
	assert.Len(t, r.newest(2), 2)
	assert.Len(t, r.newest(10), 3)

	last, ok := r.lastExecuted()
	require.True(t, ok)
	assert.Equal(t, "e4", last.ExecutionID)
}
