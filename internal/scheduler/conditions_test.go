package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

func TestInWindow(t *testing.T) {
	// 2026-03-04 is a Wednesday.
	at := func(h, m int) time.Time { return time.Date(2026, 3, 4, h, m, 0, 0, time.UTC) }

	tests := []struct {
		name   string
		window models.TimeWindow
		t      time.Time
		want   bool
	}{
		{"inside", models.TimeWindow{Start: "09:00", End: "17:00"}, at(12, 0), true},
		{"start is inclusive", models.TimeWindow{Start: "09:00", End: "17:00"}, at(9, 0), true},
		{"end is exclusive", models.TimeWindow{Start: "09:00", End: "17:00"}, at(17, 0), false},
		{"before", models.TimeWindow{Start: "09:00", End: "17:00"}, at(8, 59), false},
		{"overnight late", models.TimeWindow{Start: "22:00", End: "04:00"}, at(23, 30), true},
		{"overnight early", models.TimeWindow{Start: "22:00", End: "04:00"}, at(3, 0), true},
		{"overnight outside", models.TimeWindow{Start: "22:00", End: "04:00"}, at(12, 0), false},
		{"weekday allowed", models.TimeWindow{Start: "00:00", End: "23:59", Days: []time.Weekday{time.Wednesday}}, at(12, 0), true},
		{"weekday excluded", models.TimeWindow{Start: "00:00", End: "23:59", Days: []time.Weekday{time.Saturday, time.Sunday}}, at(12, 0), false},
		{"malformed", models.TimeWindow{Start: "noon", End: "17:00"}, at(12, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inWindow(tt.window, tt.t))
		})
	}
}

func TestTimeWindowUsesScheduleTimezone(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	sched := &models.ScheduledRemediation{
		ID:     "tz",
		Config: models.ScheduleConfig{Timezone: "Asia/Tokyo"},
	}
	cond := models.ExecutionCondition{
		Type:     models.ConditionTimeWindow,
		Required: true,
		Window:   &models.TimeWindow{Start: "09:00", End: "17:00"},
	}

	// 01:00 UTC is 10:00 in Tokyo.
	ok, _ := h.s.evaluateCondition(context.Background(), sched, cond, time.Date(2026, 3, 4, 1, 0, 0, 0, time.UTC))
	assert.True(t, ok)
	ok, reason := h.s.evaluateCondition(context.Background(), sched, cond, time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))
	assert.False(t, ok)
	assert.Contains(t, reason, "09:00-17:00")
}

func TestApprovalConditionDetection(t *testing.T) {
	sched := &models.ScheduledRemediation{Conditions: []models.ExecutionCondition{
		{Type: models.ConditionSystemLoad, MaxSystemLoad: 0.5},
		{Type: models.ConditionApproval},
	}}
	present, required := hasApprovalCondition(sched)
	assert.True(t, present)
	assert.False(t, required)

	sched.Conditions = append(sched.Conditions, models.ExecutionCondition{Type: models.ConditionApproval, Required: true})
	_, required = hasApprovalCondition(sched)
	assert.True(t, required)
}
