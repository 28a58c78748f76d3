package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/backup"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/engine"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/impact"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/notify"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

// StopRequest asks EmergencyStop to halt an execution.
type StopRequest struct {
	Reason string `json:"reason"`
	// Force abandons the handler immediately instead of waiting for the
	// next cancellation check. The handler still holds its queue slot
	// until it returns.
	Force       bool   `json:"force"`
	Rollback    bool   `json:"rollback"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// StopResult reports what EmergencyStop did.
type StopResult struct {
	ExecutionID        string `json:"execution_id"`
	ScheduleID         string `json:"schedule_id"`
	Forced             bool   `json:"forced"`
	RollbackScheduleID string `json:"rollback_schedule_id,omitempty"`
	// RestoreBackupID is set when the pre-execution backup is restored
	// because the action has no rollback action.
	RestoreBackupID string `json:"restore_backup_id,omitempty"`
}

type runOutcome struct {
	res *engine.Result
	err error
}

// ExecuteScheduledRemediation runs one firing of a schedule. Executions that
// run, whether they succeed or fail, return a result and a nil error; a
// firing whose required conditions or approval are missing returns a skipped
// result and leaves the schedule state unchanged. Errors are returned for
// unknown, cancelled or paused schedules and for conflicting firings.
func (s *Scheduler) ExecuteScheduledRemediation(ctx context.Context, id string, ec models.ExecutionContext) (*models.ExecutionResult, error) {
	if ec.Trigger == "" {
		ec.Trigger = TriggerManual
	}

	s.mu.Lock()
	sched, ok := s.schedules[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch {
	case sched.Status.State == models.ScheduleStateCancelled:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTerminal, id)
	case sched.Status.State == models.ScheduleStatePaused && ec.Trigger != TriggerManual:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPaused, id)
	}
	for _, ex := range s.active {
		if ex.scheduleID == id {
			s.mu.Unlock()
			return nil, &ConflictError{ScheduleID: id, ExecutionID: ex.id}
		}
	}

	execCtx, cancel := context.WithCancel(ctx)
	exec := &execution{
		id:         "exec-" + uuid.NewString(),
		scheduleID: id,
		trigger:    ec.Trigger,
		started:    s.now(),
		cancel:     cancel,
		force:      make(chan struct{}),
		settled:    make(chan struct{}),
	}
	s.active[exec.id] = exec
	notified := false
	if t := s.triggers[id]; t != nil {
		notified = t.notified
		t.notified = false
	}
	snapshot := sched.Clone()
	s.mu.Unlock()

	activeExecutions.Inc()
	defer func() {
		cancel()
		if !exec.dispatched {
			exec.settle()
		}
		s.mu.Lock()
		delete(s.active, exec.id)
		s.mu.Unlock()
		activeExecutions.Dec()
	}()

	execCtx, span := tracer.Start(execCtx, "scheduler.Execute",
		trace.WithAttributes(
			attribute.String("remedy.schedule_id", id),
			attribute.String("remedy.execution_id", exec.id),
			attribute.String("remedy.action_id", snapshot.Action.ID),
			attribute.String("remedy.trigger", ec.Trigger),
			attribute.Int("remedy.retry_attempt", ec.RetryAttempt),
		),
	)
	defer span.End()

	res := &models.ExecutionResult{
		ScheduleID:  id,
		ExecutionID: exec.id,
		Trigger:     ec.Trigger,
		StartTime:   exec.started,
	}

	if unmet := s.unmetConditions(execCtx, snapshot, res.StartTime); len(unmet) > 0 {
		return s.skip(ctx, res, "conditions not met: "+strings.Join(unmet, "; ")), nil
	}

	approver, err := s.resolveApproval(execCtx, snapshot, ec)
	if err != nil {
		s.notify(ctx, notify.Notification{
			Type:        notify.EventApprovalRequired,
			ScheduleID:  id,
			ExecutionID: exec.id,
			Title:       fmt.Sprintf("Approval required for %q", snapshot.Name),
			Message:     fmt.Sprintf("Action %s was not run: %v", snapshot.Action.ID, err),
			Metadata:    map[string]string{"action_id": snapshot.Action.ID},
		})
		return s.skip(ctx, res, err.Error()), nil
	}

	if snapshot.Options.NotifyBefore > 0 && !notified {
		s.preExecutionNotice(ctx, snapshot, exec.id, res.StartTime)
	}

	s.setRunning(ctx, id)
	s.logger.Info("scheduled execution started",
		zap.String("schedule_id", id),
		zap.String("execution_id", exec.id),
		zap.String("action_id", snapshot.Action.ID),
		zap.String("trigger", ec.Trigger),
		zap.Int("retry_attempt", ec.RetryAttempt))

	if snapshot.Options.BackupBeforeExecution {
		meta, err := s.takeBackup(execCtx, snapshot)
		if err != nil {
			return s.finish(execCtx, exec, ec, res, fmt.Errorf("pre-execution backup: %w", err)), nil
		}
		res.BackupID = meta.ID
		res.RollbackAvailable = true
		s.mu.Lock()
		exec.backupID = meta.ID
		s.mu.Unlock()
	}

	if snapshot.Options.TestBeforeExecution {
		if err := s.impactTest(execCtx, snapshot); err != nil {
			return s.finish(execCtx, exec, ec, res, err), nil
		}
	}

	if snapshot.Options.MaintenanceMode {
		s.maintenance.Enable(ctx, exec.id)
		defer s.maintenance.Disable(ctx, exec.id)
	}

	out, runErr := s.run(execCtx, exec, snapshot, approver, ec)
	if out.res != nil {
		if out.res.Attempt != nil {
			res.AttemptID = out.res.Attempt.ID
		}
		if out.res.Changes != nil {
			res.Changes = []models.ChangeSet{*out.res.Changes}
		}
	}
	switch {
	case runErr != nil:
		err = runErr
	case out.err != nil:
		err = out.err
	case out.res == nil:
		err = errors.New("engine returned no result")
	case out.res.ApprovalRequired:
		err = errors.New("approval required")
	case !out.res.Success:
		err = errors.New(out.res.Error)
	}
	if err == nil && snapshot.Action.CanRollback && len(res.Changes) > 0 {
		res.RollbackAvailable = true
	}
	return s.finish(execCtx, exec, ec, res, err), nil
}

// run pushes the action through the queue and races the handler against the
// execution timeout, a forced stop and a cooperative cancellation check.
func (s *Scheduler) run(ctx context.Context, exec *execution, sched *models.ScheduledRemediation, approver string, ec models.ExecutionContext) (runOutcome, error) {
	maxExec := sched.Options.MaxExecutionTime
	if maxExec <= 0 {
		maxExec = s.cfg.DefaultMaxExecutionTime
	}

	action := sched.Action
	var changes *models.ChangeSet
	if orig := sched.Metadata.EmergencyRollbackOf; orig != "" {
		var err error
		if action, changes, err = s.rollbackSource(ctx, exec, orig, action, maxExec); err != nil {
			return runOutcome{}, err
		}
	}

	if err := s.queue.Acquire(ctx, 1); err != nil {
		return runOutcome{}, s.interruption(exec, "cancelled while queued")
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	executedBy := ec.RequestedBy
	if executedBy == "" {
		executedBy = "scheduler"
	}

	exec.dispatched = true
	done := make(chan runOutcome, 1)
	go func() {
		defer s.queue.Release(1)
		defer exec.settle()
		r, err := s.deps.Engine.Execute(runCtx, sched.Finding, action, engine.Options{
			Connector:  s.deps.Connector,
			ApprovedBy: approver,
			ExecutedBy: executedBy,
			DryRun:     sched.Options.DryRun,
			Changes:    changes,
		})
		if r != nil && r.Attempt != nil {
			s.mu.Lock()
			exec.attemptID = r.Attempt.ID
			exec.changes = r.Attempt.ChangesMade
			s.mu.Unlock()
		}
		done <- runOutcome{res: r, err: err}
	}()

	timeout := time.NewTimer(maxExec)
	defer timeout.Stop()
	check := time.NewTicker(s.cfg.CancelCheckInterval)
	defer check.Stop()

	for {
		select {
		case out := <-done:
			if ctx.Err() != nil && (out.err != nil || out.res == nil || !out.res.Success) {
				return out, s.interruption(exec, "cancelled")
			}
			return out, nil
		case <-timeout.C:
			return runOutcome{}, fmt.Errorf("%w after %s", ErrTimeout, maxExec)
		case <-exec.force:
			return runOutcome{}, s.interruption(exec, "force stopped")
		case <-check.C:
			if ctx.Err() != nil {
				return runOutcome{}, s.interruption(exec, "cancelled")
			}
		}
	}
}

// rollbackSource waits for the stopped execution orig to leave the engine,
// then adds its attempt id and recorded changes to the rollback action's
// parameters. The wait is bounded by maxExec; after that the rollback runs
// with whatever was recorded so far.
func (s *Scheduler) rollbackSource(ctx context.Context, exec *execution, orig string, action models.RemediationAction, maxExec time.Duration) (models.RemediationAction, *models.ChangeSet, error) {
	s.mu.Lock()
	src, ok := s.halted[orig]
	delete(s.halted, orig)
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("stopped execution unknown, rolling back without recorded changes",
			zap.String("execution_id", exec.id),
			zap.String("original_execution_id", orig))
		return action, nil, nil
	}

	wait := time.NewTimer(maxExec)
	defer wait.Stop()
	select {
	case <-src.settled:
	case <-wait.C:
		s.logger.Warn("stopped handler still running, rolling back anyway",
			zap.String("execution_id", exec.id),
			zap.String("original_execution_id", orig))
	case <-ctx.Done():
		return action, nil, s.interruption(exec, "cancelled while waiting for stopped execution")
	}

	s.mu.RLock()
	attemptID, changes := src.attemptID, src.changes
	s.mu.RUnlock()

	params := make(map[string]any, len(action.Parameters)+2)
	for k, v := range action.Parameters {
		params[k] = v
	}
	if attemptID != "" {
		params["original_attempt_id"] = attemptID
	}
	action.Parameters = params
	return action, changes, nil
}

func (s *Scheduler) interruption(exec *execution, fallback string) error {
	s.mu.RLock()
	reason := exec.stopReason
	s.mu.RUnlock()
	if reason == "" {
		reason = fallback
	}
	return fmt.Errorf("%w: %s", ErrStopped, reason)
}

// resolveApproval returns the approver for this firing. An error means an
// approval is required and none is available.
func (s *Scheduler) resolveApproval(ctx context.Context, sched *models.ScheduledRemediation, ec models.ExecutionContext) (string, error) {
	_, conditionRequired := hasApprovalCondition(sched)
	need := sched.Options.RequireApproval || sched.Action.RequiresApproval || conditionRequired

	if ec.ApprovedBy != "" {
		return ec.ApprovedBy, nil
	}
	if !need {
		return "", nil
	}
	if s.deps.Approvals != nil {
		if by := s.deps.Approvals.Consume(ctx, sched.ID, sched.Action.ID); by != "" {
			return by, nil
		}
	}
	return "", errors.New("approval required and not granted")
}

func (s *Scheduler) takeBackup(ctx context.Context, sched *models.ScheduledRemediation) (*models.BackupMetadata, error) {
	if s.deps.Backups == nil {
		return nil, errors.New("backup subsystem not configured")
	}
	return s.deps.Backups.CreateBackup(ctx, s.deps.Connector, sched.ID, backup.Options{
		Type:     models.BackupFull,
		Compress: true,
	})
}

func (s *Scheduler) impactTest(ctx context.Context, sched *models.ScheduledRemediation) error {
	if s.deps.Analyzer == nil {
		return errors.New("impact test: analyzer not configured")
	}
	analysis, err := s.deps.Analyzer.Analyze(ctx, sched.Finding, sched.Action, impact.Request{At: s.now()})
	if err != nil {
		return fmt.Errorf("impact test: %w", err)
	}
	if analysis.Risk.Level == models.RiskCritical {
		return fmt.Errorf("impact test: risk is critical (score %.2f)", analysis.Risk.Score)
	}
	s.logger.Debug("impact test passed",
		zap.String("schedule_id", sched.ID),
		zap.String("risk_level", string(analysis.Risk.Level)),
		zap.Float64("risk_score", analysis.Risk.Score))
	return nil
}

func (s *Scheduler) setRunning(ctx context.Context, id string) {
	s.mu.Lock()
	sched, ok := s.schedules[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	switch sched.Status.State {
	case models.ScheduleStateCancelled, models.ScheduleStatePaused:
	default:
		sched.Status.State = models.ScheduleStateRunning
	}
	sched.Metadata.UpdatedAt = s.now()
	out := sched.Clone()
	s.mu.Unlock()
	s.persist(ctx, out)
}

// skip records a firing that did not run. The schedule's state and failure
// streak are not touched. A skipped one-time firing has consumed its
// trigger, so its next execution time is cleared.
func (s *Scheduler) skip(ctx context.Context, res *models.ExecutionResult, reason string) *models.ExecutionResult {
	res.Skipped = true
	res.Error = reason
	res.EndTime = s.now()
	res.Duration = res.EndTime.Sub(res.StartTime)

	var out *models.ScheduledRemediation
	s.mu.Lock()
	if h, ok := s.history[res.ScheduleID]; ok {
		h.push(*res)
	}
	if sched, ok := s.schedules[res.ScheduleID]; ok && res.Trigger == TriggerOnce && sched.Config.Type == models.ScheduleOnce {
		sched.Status.NextExecution = nil
		sched.Metadata.UpdatedAt = res.EndTime
		out = sched.Clone()
	}
	s.mu.Unlock()

	executionsTotal.WithLabelValues("skipped").Inc()
	if out != nil {
		s.persist(ctx, out)
	}
	s.persistExecution(ctx, *res)
	s.logger.Info("scheduled execution skipped",
		zap.String("schedule_id", res.ScheduleID),
		zap.String("execution_id", res.ExecutionID),
		zap.String("reason", reason))
	return res
}

// finish applies the outcome of an execution to its schedule, records it in
// the history and arms a retry when the policy allows one.
func (s *Scheduler) finish(ctx context.Context, exec *execution, ec models.ExecutionContext, res *models.ExecutionResult, failure error) *models.ExecutionResult {
	res.EndTime = s.now()
	res.Duration = res.EndTime.Sub(res.StartTime)
	res.Success = failure == nil
	if failure != nil {
		res.Error = failure.Error()
	}

	span := trace.SpanFromContext(ctx)
	if failure != nil {
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
	}

	now := res.EndTime
	var (
		out        *models.ScheduledRemediation
		retryDelay time.Duration
		retrying   bool
	)

	s.mu.Lock()
	stopped := exec.stopRequested
	if sched, ok := s.schedules[res.ScheduleID]; ok {
		st := &sched.Status
		start := res.StartTime
		st.LastExecution = &start

		held := st.State == models.ScheduleStateCancelled || st.State == models.ScheduleStatePaused
		if res.Success {
			if !held {
				st.State = models.ScheduleStateCompleted
			}
			st.ExecutionCount++
			st.ConsecutiveFailures = 0
			st.LastError = ""
		} else {
			if !held {
				st.State = models.ScheduleStateFailed
			}
			st.FailureCount++
			st.ConsecutiveFailures++
			st.LastError = res.Error
		}
		if n := st.ExecutionCount + st.FailureCount; n > 0 {
			st.AverageDuration += (res.Duration - st.AverageDuration) / time.Duration(n)
		}

		t := s.triggers[sched.ID]
		spent := ec.Trigger != TriggerManual
		switch sched.Config.Type {
		case models.ScheduleRecurring:
			if t != nil && t.cron != nil {
				next := t.cron.Next(now)
				st.NextExecution = &next
			}
		default:
			if spent {
				s.disarmLocked(sched.ID)
				st.NextExecution = nil
			}
		}

		policy := sched.Config.RetryPolicy
		if !res.Success && !held && !stopped && retryable(failure) &&
			policy != nil && st.ConsecutiveFailures < policy.MaxRetries {
			retrying = true
			retryDelay = BackoffDelay(*policy, st.ConsecutiveFailures-1)
			s.armRetryLocked(sched, retryDelay, st.ConsecutiveFailures, now)
		}

		if t := s.triggers[sched.ID]; t != nil && !held {
			s.armNoticeLocked(sched, t, now)
		}
		sched.Metadata.UpdatedAt = now
		out = sched.Clone()
	}
	if h, ok := s.history[res.ScheduleID]; ok {
		h.push(*res)
	}
	s.mu.Unlock()

	result := "success"
	if !res.Success {
		result = "failure"
	}
	executionsTotal.WithLabelValues(result).Inc()
	executionDuration.Observe(res.Duration.Seconds())

	if out != nil {
		s.persist(ctx, out)
	}
	s.persistExecution(ctx, *res)

	fields := []zap.Field{
		zap.String("schedule_id", res.ScheduleID),
		zap.String("execution_id", res.ExecutionID),
		zap.String("trigger", res.Trigger),
		zap.Duration("duration", res.Duration),
		zap.String("backup_id", res.BackupID),
	}
	if res.Success {
		s.logger.Info("scheduled execution completed", fields...)
		s.notify(ctx, notify.Notification{
			Type:        notify.EventExecutionDone,
			ScheduleID:  res.ScheduleID,
			ExecutionID: res.ExecutionID,
			Title:       "Remediation completed",
			Message:     fmt.Sprintf("Execution %s completed in %s", res.ExecutionID, res.Duration.Round(time.Millisecond)),
		})
		return res
	}

	fields = append(fields, zap.String("error", res.Error), zap.Bool("retry_scheduled", retrying))
	if retrying {
		fields = append(fields, zap.Duration("retry_in", retryDelay))
	}
	s.logger.Warn("scheduled execution failed", fields...)
	meta := map[string]string{"error": res.Error}
	if retrying {
		meta["retry_in"] = retryDelay.String()
	}
	s.notify(ctx, notify.Notification{
		Type:        notify.EventExecutionFailed,
		ScheduleID:  res.ScheduleID,
		ExecutionID: res.ExecutionID,
		Title:       "Remediation failed",
		Message:     fmt.Sprintf("Execution %s failed: %s", res.ExecutionID, res.Error),
		Metadata:    meta,
	})
	return res
}

// retryable reports whether a failure may be retried. Validation failures
// and operator stops are final.
func retryable(err error) bool {
	return err != nil && !errors.Is(err, engine.ErrValidation) && !errors.Is(err, ErrStopped)
}

func (s *Scheduler) armRetryLocked(sched *models.ScheduledRemediation, delay time.Duration, attempt int, now time.Time) {
	t := s.triggers[sched.ID]
	if t == nil {
		t = &trigger{}
		s.triggers[sched.ID] = t
	}
	if t.retry != nil {
		t.retry.Stop()
	}
	id := sched.ID
	t.retry = time.AfterFunc(delay, func() {
		_, _ = s.fire(id, models.ExecutionContext{Trigger: TriggerRetry, RetryAttempt: attempt})
	})

	at := now.Add(delay)
	if next := sched.Status.NextExecution; next == nil || at.Before(*next) {
		sched.Status.NextExecution = &at
	}
	retriesScheduled.Inc()
}

// EmergencyStop halts an in-flight execution. The handler is signalled
// through its context and abandoned at the next cancellation check, or
// immediately with Force. With Rollback a critical-priority one-time
// schedule running the action's rollback action is created and fires at
// once; an action without a rollback action has its pre-execution backup
// restored instead. A stopped execution is never retried.
func (s *Scheduler) EmergencyStop(ctx context.Context, executionID string, req StopRequest) (*StopResult, error) {
	reason := req.Reason
	if reason == "" {
		reason = "emergency stop"
	}

	s.mu.Lock()
	exec, ok := s.active[executionID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	exec.stopRequested = true
	exec.stopReason = "emergency stop: " + reason
	var sched *models.ScheduledRemediation
	if live, ok := s.schedules[exec.scheduleID]; ok {
		sched = live.Clone()
	}
	s.mu.Unlock()

	exec.cancel()
	if req.Force {
		exec.forceOnce.Do(func() { close(exec.force) })
	}

	mode := "graceful"
	if req.Force {
		mode = "force"
	}
	emergencyStops.WithLabelValues(mode).Inc()

	out := &StopResult{ExecutionID: executionID, ScheduleID: exec.scheduleID, Forced: req.Force}
	s.logger.Warn("emergency stop",
		zap.String("execution_id", executionID),
		zap.String("schedule_id", exec.scheduleID),
		zap.String("reason", reason),
		zap.Bool("force", req.Force),
		zap.Bool("rollback", req.Rollback),
		zap.String("requested_by", req.RequestedBy))
	s.notify(ctx, notify.Notification{
		Type:        notify.EventEmergencyStop,
		ScheduleID:  exec.scheduleID,
		ExecutionID: executionID,
		Title:       "Emergency stop",
		Message:     fmt.Sprintf("Execution %s stopped: %s", executionID, reason),
		Metadata: map[string]string{
			"mode":         mode,
			"requested_by": req.RequestedBy,
		},
	})

	if !req.Rollback || sched == nil {
		return out, nil
	}

	s.mu.RLock()
	backupID := exec.backupID
	s.mu.RUnlock()

	action := sched.Action
	if action.CanRollback && action.RollbackAction != "" {
		rb, err := s.scheduleEmergencyRollback(ctx, sched, exec, backupID, reason, req.RequestedBy)
		if err != nil {
			return out, err
		}
		out.RollbackScheduleID = rb.ID
		return out, nil
	}

	if restorer, ok := s.deps.Backups.(BackupRestorer); ok && backupID != "" {
		if err := s.restoreAfterStop(exec, restorer, backupID, req.RequestedBy); err != nil {
			return out, err
		}
		out.RestoreBackupID = backupID
		return out, nil
	}
	return out, fmt.Errorf("%w: %s", ErrNoRollbackAction, action.ID)
}

// scheduleEmergencyRollback creates the one-time rollback schedule. The
// rollback action receives the stopped execution's id, its pre-execution
// backup id, and, once the stopped handler has returned, its attempt id and
// recorded changes.
func (s *Scheduler) scheduleEmergencyRollback(ctx context.Context, sched *models.ScheduledRemediation, exec *execution, backupID, reason, requestedBy string) (*models.ScheduledRemediation, error) {
	action := sched.Action
	params := make(map[string]any, len(action.RollbackParameters)+3)
	for k, v := range action.RollbackParameters {
		params[k] = v
	}
	params["original_execution_id"] = exec.id
	params["original_schedule_id"] = sched.ID
	if backupID != "" {
		params["backup_id"] = backupID
	}

	s.mu.Lock()
	s.halted[exec.id] = exec
	s.mu.Unlock()

	runAt := s.now()
	rb, err := s.ScheduleRemediation(ctx, models.ScheduledRemediation{
		Name:        "Emergency rollback of " + exec.id,
		Description: reason,
		Finding:     sched.Finding,
		Action: models.RemediationAction{
			ID:         action.RollbackAction,
			Name:       "Rollback " + action.Name,
			Parameters: params,
			RiskLevel:  action.RiskLevel,
		},
		Config: models.ScheduleConfig{Type: models.ScheduleOnce, RunAt: &runAt},
		Options: models.ScheduleOptions{
			Priority:         models.PriorityCritical,
			MaxExecutionTime: sched.Options.MaxExecutionTime,
		},
		Metadata: models.ScheduleMetadata{
			CreatedBy:           requestedBy,
			Tags:                []string{"emergency-rollback"},
			RelatedIssues:       []string{sched.Finding.ID},
			EmergencyRollbackOf: exec.id,
		},
	})
	if err != nil {
		s.mu.Lock()
		delete(s.halted, exec.id)
		s.mu.Unlock()
		return nil, err
	}
	return rb, nil
}

// restoreAfterStop restores backupID once the stopped handler has returned,
// or after the default execution time limit if it never does.
func (s *Scheduler) restoreAfterStop(exec *execution, restorer BackupRestorer, backupID, requestedBy string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx := s.baseCtx

		wait := time.NewTimer(s.cfg.DefaultMaxExecutionTime)
		defer wait.Stop()
		select {
		case <-exec.settled:
		case <-wait.C:
			s.logger.Warn("stopped handler still running, restoring backup anyway",
				zap.String("execution_id", exec.id),
				zap.String("backup_id", backupID))
		case <-ctx.Done():
			return
		}

		res, err := restorer.RestoreBackup(ctx, backupID, s.deps.Connector, backup.RestoreOptions{Verify: true})
		if err != nil {
			s.logger.Error("emergency restore failed",
				zap.String("execution_id", exec.id),
				zap.String("backup_id", backupID),
				zap.Error(err))
			s.notify(ctx, notify.Notification{
				Type:        notify.EventEmergencyRestore,
				ScheduleID:  exec.scheduleID,
				ExecutionID: exec.id,
				Title:       "Emergency restore failed",
				Message:     fmt.Sprintf("Backup %s could not be restored: %v", backupID, err),
				Metadata:    map[string]string{"backup_id": backupID, "requested_by": requestedBy},
			})
			return
		}
		s.logger.Warn("backup restored after emergency stop",
			zap.String("execution_id", exec.id),
			zap.String("backup_id", backupID),
			zap.String("restore_point_id", res.RestorePointID),
			zap.Int("restored", len(res.Restored)))
		s.notify(ctx, notify.Notification{
			Type:        notify.EventEmergencyRestore,
			ScheduleID:  exec.scheduleID,
			ExecutionID: exec.id,
			Title:       "Backup restored",
			Message:     fmt.Sprintf("Backup %s restored after stopping execution %s", backupID, exec.id),
			Metadata: map[string]string{
				"backup_id":        backupID,
				"restore_point_id": res.RestorePointID,
				"requested_by":     requestedBy,
			},
		})
	}()
	return nil
}
