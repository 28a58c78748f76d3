package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/notify"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// parseCron parses a recurring expression. A schedule timezone is applied
// unless the expression carries its own CRON_TZ= prefix.
func parseCron(cfg models.ScheduleConfig) (cron.Schedule, error) {
	expr := strings.TrimSpace(cfg.Expression)
	if expr == "" {
		return nil, errors.New("empty expression")
	}
	if cfg.Timezone != "" && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		expr = "CRON_TZ=" + cfg.Timezone + " " + expr
	}
	return cronParser.Parse(expr)
}

// NextRun returns the next firing of a recurring config after t.
func NextRun(cfg models.ScheduleConfig, after time.Time) (time.Time, error) {
	sched, err := parseCron(cfg)
	if err != nil {
		return time.Time{}, invalid("cron expression %q: %v", cfg.Expression, err)
	}
	return sched.Next(after), nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}

// trigger holds the armed timers of one schedule.
type trigger struct {
	cronID   cron.EntryID
	cron     cron.Schedule
	timer    *time.Timer
	retry    *time.Timer
	notice   *time.Timer
	stopPoll context.CancelFunc

	// notified is set once the pre-execution notice for the pending run
	// has been sent.
	notified bool
}

func (s *Scheduler) armLocked(sched *models.ScheduledRemediation) error {
	s.disarmLocked(sched.ID)

	id := sched.ID
	now := s.now()
	t := &trigger{}

	switch sched.Config.Type {
	case models.ScheduleRecurring:
		cs, err := parseCron(sched.Config)
		if err != nil {
			return invalid("cron expression %q: %v", sched.Config.Expression, err)
		}
		t.cron = cs
		t.cronID = s.cron.Schedule(cs, cron.FuncJob(func() {
			_, _ = s.fire(id, models.ExecutionContext{Trigger: TriggerCron})
		}))
		next := cs.Next(now)
		sched.Status.NextExecution = &next

	case models.ScheduleOnce:
		if sched.Config.RunAt == nil {
			return invalid("once schedule requires run_at")
		}
		runAt := sched.Config.RunAt.UTC()
		t.timer = time.AfterFunc(max(runAt.Sub(now), 0), func() {
			_, _ = s.fire(id, models.ExecutionContext{Trigger: TriggerOnce})
		})
		sched.Status.NextExecution = &runAt

	case models.ScheduleConditional:
		interval := sched.Config.PollInterval
		if interval <= 0 {
			interval = s.cfg.DefaultPollInterval
		}
		ctx, cancel := context.WithCancel(s.baseCtx)
		t.stopPoll = cancel
		go s.poll(ctx, id, interval)
		sched.Status.NextExecution = nil

	default:
		return invalid("unknown schedule type %q", sched.Config.Type)
	}

	s.triggers[id] = t
	s.armNoticeLocked(sched, t, now)
	return nil
}

func (s *Scheduler) disarmLocked(id string) {
	t, ok := s.triggers[id]
	if !ok {
		return
	}
	if t.cron != nil {
		s.cron.Remove(t.cronID)
	}
	for _, timer := range []*time.Timer{t.timer, t.retry, t.notice} {
		if timer != nil {
			timer.Stop()
		}
	}
	if t.stopPoll != nil {
		t.stopPoll()
	}
	delete(s.triggers, id)
}

// armNoticeLocked schedules the pre-execution notice for the next run. A run
// closer than its lead time gets the notice at firing instead.
func (s *Scheduler) armNoticeLocked(sched *models.ScheduledRemediation, t *trigger, now time.Time) {
	t.notified = false
	if t.notice != nil {
		t.notice.Stop()
		t.notice = nil
	}
	lead := sched.Options.NotifyBefore
	next := sched.Status.NextExecution
	if lead <= 0 || next == nil {
		return
	}
	wait := next.Sub(now) - lead
	if wait <= 0 {
		return
	}
	id, runAt := sched.ID, *next
	t.notice = time.AfterFunc(wait, func() { s.sendNotice(id, runAt) })
}

func (s *Scheduler) sendNotice(id string, runAt time.Time) {
	s.mu.Lock()
	t, armed := s.triggers[id]
	sched, ok := s.schedules[id]
	if !armed || !ok {
		s.mu.Unlock()
		return
	}
	t.notified = true
	snapshot := sched.Clone()
	s.mu.Unlock()

	s.preExecutionNotice(s.baseCtx, snapshot, "", runAt)
}

func (s *Scheduler) preExecutionNotice(ctx context.Context, sched *models.ScheduledRemediation, execID string, runAt time.Time) {
	s.notify(ctx, notify.Notification{
		Type:        notify.EventPreExecution,
		ScheduleID:  sched.ID,
		ExecutionID: execID,
		Title:       fmt.Sprintf("Remediation %q is about to run", sched.Name),
		Message: fmt.Sprintf("Action %s runs at %s (priority %s)",
			sched.Action.ID, runAt.Format(time.RFC3339), sched.Options.Priority),
		Metadata: map[string]string{
			"action_id": sched.Action.ID,
			"priority":  string(sched.Options.Priority),
		},
	})
}

// poll fires a conditional schedule once all of its required conditions
// hold. It stops after the first firing that is not skipped.
func (s *Scheduler) poll(ctx context.Context, id string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sched, err := s.GetSchedule(id)
		if err != nil {
			return
		}
		if unmet := s.unmetConditions(ctx, sched, s.now()); len(unmet) > 0 {
			s.logger.Debug("conditions not met",
				zap.String("schedule_id", id),
				zap.Strings("unmet", unmet))
			continue
		}
		res, err := s.fire(id, models.ExecutionContext{Trigger: TriggerCondition})
		if err == nil && res != nil && !res.Skipped {
			return
		}
	}
}

// fire runs one triggered execution on the scheduler's base context.
func (s *Scheduler) fire(id string, ec models.ExecutionContext) (*models.ExecutionResult, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	res, err := s.ExecuteScheduledRemediation(s.baseCtx, id, ec)
	if err != nil {
		var conflict *ConflictError
		switch {
		case errors.As(err, &conflict):
			s.logger.Warn("firing skipped, previous execution still running",
				zap.String("schedule_id", id),
				zap.String("execution_id", conflict.ExecutionID),
				zap.String("trigger", ec.Trigger))
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrTerminal), errors.Is(err, ErrPaused):
			s.logger.Debug("firing ignored", zap.String("schedule_id", id), zap.Error(err))
		default:
			s.logger.Error("scheduled execution error",
				zap.String("schedule_id", id),
				zap.String("trigger", ec.Trigger),
				zap.Error(err))
		}
	}
	return res, err
}

// monitor flags executions that exceed the long-running threshold. It only
// reports; the execution's own timeout decides when to abort.
func (s *Scheduler) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			s.checkLongRunning(ctx)
		}
	}
}

func (s *Scheduler) checkLongRunning(ctx context.Context) int {
	now := s.now()
	type flagged struct {
		execID, scheduleID string
		elapsed            time.Duration
		first              bool
	}

	var found []flagged
	s.mu.Lock()
	for _, ex := range s.active {
		elapsed := now.Sub(ex.started)
		if elapsed <= s.cfg.LongRunningThreshold {
			continue
		}
		found = append(found, flagged{ex.id, ex.scheduleID, elapsed, !ex.warned})
		ex.warned = true
	}
	s.mu.Unlock()

	longRunningExecutions.Set(float64(len(found)))
	for _, f := range found {
		s.logger.Warn("long-running execution",
			zap.String("execution_id", f.execID),
			zap.String("schedule_id", f.scheduleID),
			zap.Duration("elapsed", f.elapsed),
			zap.Duration("threshold", s.cfg.LongRunningThreshold))
		if !f.first {
			continue
		}
		s.notify(ctx, notify.Notification{
			Type:        notify.EventLongRunning,
			ScheduleID:  f.scheduleID,
			ExecutionID: f.execID,
			Title:       "Long-running remediation",
			Message:     fmt.Sprintf("Execution %s has been running for %s", f.execID, f.elapsed.Round(time.Second)),
		})
	}
	return len(found)
}
