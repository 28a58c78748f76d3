package scheduler

import (
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

// BackoffDelay returns the delay before retry n (0-indexed) under policy.
// Fixed is constant, linear is initial*(n+1) and exponential is initial*2^n.
// The result is capped at MaxDelay when it is set.
func BackoffDelay(policy models.RetryPolicy, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	initial := policy.InitialDelay
	var d time.Duration

	switch policy.Strategy {
	case models.BackoffFixed:
		d = initial
	case models.BackoffLinear:
		d = initial * time.Duration(n+1)
		if d/time.Duration(n+1) != initial {
			d = maxDuration
		}
	default:
		d = initial
		for i := 0; i < n; i++ {
			if d > maxDuration/2 {
				d = maxDuration
				break
			}
			d *= 2
		}
	}

	if policy.MaxDelay > 0 && d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	return d
}

const maxDuration = time.Duration(1<<63 - 1)

// ring is a fixed-capacity execution history. The oldest entry is dropped
// once it is full.
type ring struct {
	buf   []models.ExecutionResult
	start int
	size  int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]models.ExecutionResult, capacity)}
}

func (r *ring) push(res models.ExecutionResult) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = res
		r.size++
		return
	}
	r.buf[r.start] = res
	r.start = (r.start + 1) % len(r.buf)
}

// newest returns up to limit entries, newest first. limit <= 0 returns all.
func (r *ring) newest(limit int) []models.ExecutionResult {
	if limit <= 0 || limit > r.size {
		limit = r.size
	}
	out := make([]models.ExecutionResult, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.start + r.size - 1 - i) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// lastExecuted returns the newest entry that was not skipped.
func (r *ring) lastExecuted() (models.ExecutionResult, bool) {
	for i := 0; i < r.size; i++ {
		res := r.buf[(r.start+r.size-1-i)%len(r.buf)]
		if !res.Skipped {
			return res, true
		}
	}
	return models.ExecutionResult{}, false
}
