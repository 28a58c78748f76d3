package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// OutcomeStats summarises past executions of one action type.
type OutcomeStats struct {
	Total         int64         `json:"total"`
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
}

// SuccessRate returns the success ratio in [0,1], and false when there is no history.
func (s OutcomeStats) SuccessRate() (float64, bool) {
	if s.Total == 0 {
		return 0, false
	}
	return float64(s.Successes) / float64(s.Total), true
}

// MemoryOutcomes keeps outcome statistics in process memory.
type MemoryOutcomes struct {
	mu    sync.RWMutex
	stats map[string]OutcomeStats
}

// NewMemoryOutcomes creates an empty in-memory outcome store.
func NewMemoryOutcomes() *MemoryOutcomes {
	return &MemoryOutcomes{stats: make(map[string]OutcomeStats)}
}

func (m *MemoryOutcomes) RecordOutcome(ctx context.Context, actionID string, success bool, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats[actionID]
	s.Total++
	if success {
		s.Successes++
	} else {
		s.Failures++
	}
	s.TotalDuration += d
	m.stats[actionID] = s
	return nil
}

func (m *MemoryOutcomes) Outcomes(ctx context.Context, actionID string) (OutcomeStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats[actionID], nil
}

// outcomeLua increments the hash fields of one outcome and keeps the key
// alive for ARGV[3] seconds.
var outcomeLua = redis.NewScript(`
	redis.call('HINCRBY', KEYS[1], 'total', 1)
	redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
	redis.call('HINCRBY', KEYS[1], 'duration_ms', ARGV[2])
	redis.call('EXPIRE', KEYS[1], ARGV[3])
	return 1
`)

const outcomeTTL = 90 * 24 * time.Hour

func outcomeKey(actionID string) string {
	return fmt.Sprintf("remedy:outcomes:%s", actionID)
}

// RecordOutcome atomically adds one outcome for actionID.
func (c *Cache) RecordOutcome(ctx context.Context, actionID string, success bool, d time.Duration) error {
	field := "failures"
	if success {
		field = "successes"
	}
	err := outcomeLua.Run(ctx, c.client, []string{outcomeKey(actionID)},
		field, d.Milliseconds(), int(outcomeTTL/time.Second)).Err()
	if err != nil {
		return fmt.Errorf("cache: record outcome %q: %w", actionID, err)
	}
	return nil
}

// Outcomes returns accumulated statistics for actionID.
func (c *Cache) Outcomes(ctx context.Context, actionID string) (OutcomeStats, error) {
	vals, err := c.client.HGetAll(ctx, outcomeKey(actionID)).Result()
	if err != nil {
		return OutcomeStats{}, fmt.Errorf("cache: outcomes %q: %w", actionID, err)
	}
	parse := func(k string) int64 {
		n, _ := strconv.ParseInt(vals[k], 10, 64)
		return n
	}
	return OutcomeStats{
		Total:         parse("total"),
		Successes:     parse("successes"),
		Failures:      parse("failures"),
		TotalDuration: time.Duration(parse("duration_ms")) * time.Millisecond,
	}, nil
}
