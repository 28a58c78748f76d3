package scheduler

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

// Predicate is a custom execution condition.
type Predicate func(ctx context.Context, sched *models.ScheduledRemediation) (bool, error)

// RegisterCondition makes a custom predicate available to schedules under name.
func (s *Scheduler) RegisterCondition(name string, p Predicate) error {
	if name == "" || p == nil {
		return fmt.Errorf("scheduler: predicate name and function are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.predicates[name]; exists {
		return fmt.Errorf("scheduler: predicate %q already registered", name)
	}
	s.predicates[name] = p
	return nil
}

func validateCondition(c models.ExecutionCondition, predicates map[string]Predicate) error {
	switch c.Type {
	case models.ConditionTimeWindow:
		if c.Window == nil {
			return invalid("time_window condition requires a window")
		}
		if _, err := parseClock(c.Window.Start); err != nil {
			return invalid("time_window start: %v", err)
		}
		if _, err := parseClock(c.Window.End); err != nil {
			return invalid("time_window end: %v", err)
		}
	case models.ConditionSystemLoad:
		if c.MaxSystemLoad <= 0 || c.MaxSystemLoad > 1 {
			return invalid("system_load threshold must be in (0, 1]")
		}
	case models.ConditionDependency:
		if c.DependsOn == "" {
			return invalid("dependency condition requires depends_on")
		}
	case models.ConditionApproval:
	case models.ConditionCustom:
		if c.Predicate == "" {
			return invalid("custom condition requires a predicate name")
		}
		if _, ok := predicates[c.Predicate]; !ok {
			return invalid("predicate %q is not registered", c.Predicate)
		}
	default:
		return invalid("unknown condition type %q", c.Type)
	}
	return nil
}

// unmetConditions evaluates every condition of sched except approval
// conditions and returns the descriptions of unmet required ones.
func (s *Scheduler) unmetConditions(ctx context.Context, sched *models.ScheduledRemediation, at time.Time) []string {
	var unmet []string
	for _, c := range sched.Conditions {
		if c.Type == models.ConditionApproval {
			continue
		}
		ok, reason := s.evaluateCondition(ctx, sched, c, at)
		if ok {
			continue
		}
		if c.Required {
			unmet = append(unmet, reason)
		} else {
			s.logger.Info("optional condition not met",
				zap.String("schedule_id", sched.ID),
				zap.String("condition", string(c.Type)),
				zap.String("reason", reason))
		}
	}
	return unmet
}

func (s *Scheduler) evaluateCondition(ctx context.Context, sched *models.ScheduledRemediation, c models.ExecutionCondition, at time.Time) (bool, string) {
	switch c.Type {
	case models.ConditionTimeWindow:
		loc := time.UTC
		if sched.Config.Timezone != "" {
			if l, err := time.LoadLocation(sched.Config.Timezone); err == nil {
				loc = l
			}
		}
		if inWindow(*c.Window, at.In(loc)) {
			return true, ""
		}
		return false, fmt.Sprintf("outside time window %s-%s", c.Window.Start, c.Window.End)

	case models.ConditionSystemLoad:
		if s.deps.Load == nil {
			return false, "system load unavailable"
		}
		load, err := s.deps.Load.SystemLoad(ctx)
		if err != nil {
			return false, fmt.Sprintf("system load unavailable: %v", err)
		}
		if overall := load.Overall(); overall > c.MaxSystemLoad {
			return false, fmt.Sprintf("system load %.2f above %.2f", overall, c.MaxSystemLoad)
		}
		return true, ""

	case models.ConditionDependency:
		s.mu.RLock()
		h, ok := s.history[c.DependsOn]
		var last models.ExecutionResult
		var found bool
		if ok {
			last, found = h.lastExecuted()
		}
		s.mu.RUnlock()
		if !found {
			return false, fmt.Sprintf("dependency %s has not executed", c.DependsOn)
		}
		if !last.Success {
			return false, fmt.Sprintf("dependency %s last execution failed", c.DependsOn)
		}
		return true, ""

	case models.ConditionCustom:
		s.mu.RLock()
		p, ok := s.predicates[c.Predicate]
		s.mu.RUnlock()
		if !ok {
			return false, fmt.Sprintf("predicate %q is not registered", c.Predicate)
		}
		met, err := p(ctx, sched)
		if err != nil {
			return false, fmt.Sprintf("predicate %q: %v", c.Predicate, err)
		}
		if !met {
			return false, fmt.Sprintf("predicate %q not satisfied", c.Predicate)
		}
		return true, ""
	}
	return false, fmt.Sprintf("unknown condition type %q", c.Type)
}

func hasApprovalCondition(sched *models.ScheduledRemediation) (present, required bool) {
	for _, c := range sched.Conditions {
		if c.Type == models.ConditionApproval {
			present = true
			required = required || c.Required
		}
	}
	return present, required
}

func parseClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// inWindow reports whether t falls inside w. A window whose end is before its
// start wraps past midnight.
func inWindow(w models.TimeWindow, t time.Time) bool {
	if len(w.Days) > 0 && !slices.Contains(w.Days, t.Weekday()) {
		return false
	}
	start, err := parseClock(w.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false
	}
	now := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	if start <= end {
		return now >= start && now < end
	}
	return now >= start || now < end
}
