// Package engine validates, executes and rolls back single remediation
// actions against single findings.
//
// The engine dispatches to handlers held in a Registry and records every
// execution as a RemediationAttempt. Attempt status only moves forward:
// pending, executing, then completed or failed, and finally rolled_back.
// Actions that require approval stay pending until an approver is supplied.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/connector"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/logging"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

// EventType names a lifecycle event of an attempt.
type EventType string

const (
	EventStarted          EventType = "started"
	EventExecuting        EventType = "executing"
	EventCompleted        EventType = "completed"
	EventFailed           EventType = "failed"
	EventApprovalRequired EventType = "approval_required"
	EventRolledBack       EventType = "rolled_back"
)

// Event is delivered to subscribers synchronously.
type Event struct {
	Type    EventType
	Attempt models.RemediationAttempt
	Error   string
	Time    time.Time
}

// OutcomeRecorder receives per-action outcome statistics. The impact
// analyzer reads them back as historical success rates.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, actionID string, success bool, duration time.Duration) error
}

// Options tune a single execution.
type Options struct {
	Connector  connector.Connector
	ApprovedBy string
	ExecutedBy string
	DryRun     bool
	// Changes is handed to the handler as the change set to undo when the
	// action itself reverts an earlier execution.
	Changes *models.ChangeSet
}

// Result is the outcome of Execute.
type Result struct {
	Attempt          *models.RemediationAttempt `json:"attempt,omitempty"`
	Success          bool                       `json:"success"`
	ApprovalRequired bool                       `json:"approval_required"`
	Output           string                     `json:"output,omitempty"`
	Error            string                     `json:"error,omitempty"`
	Changes          *models.ChangeSet          `json:"changes,omitempty"`
	Validation       *ValidationResult          `json:"validation,omitempty"`
}

// RollbackResult is the outcome of Rollback.
type RollbackResult struct {
	AttemptID      string            `json:"attempt_id"`
	RollbackAction string            `json:"rollback_action"`
	Success        bool              `json:"success"`
	Output         string            `json:"output,omitempty"`
	Changes        *models.ChangeSet `json:"changes,omitempty"`
}

type attemptRecord struct {
	attempt   models.RemediationAttempt
	finding   models.Finding
	action    models.RemediationAction
	connector connector.Connector
}

// Engine executes remediation actions through registered handlers.
type Engine struct {
	registry *Registry
	outcomes OutcomeRecorder
	logger   *zap.Logger

	mu           sync.RWMutex
	attempts     map[string]*attemptRecord
	order        []string
	attemptLimit int
	subscribers  []func(Event)
}

// DefaultAttemptLimit bounds the attempt table of a new Engine.
const DefaultAttemptLimit = 10000

// New creates an Engine. outcomes may be nil.
func New(registry *Registry, outcomes OutcomeRecorder, logger *zap.Logger) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Engine{
		registry: registry,
		outcomes: outcomes,
		logger:   logging.OrNop(logger).Named("engine"),
		attempts: make(map[string]*attemptRecord),

		attemptLimit: DefaultAttemptLimit,
	}
}

// SetAttemptLimit bounds how many attempts are kept. Once the table is full
// the oldest attempt that is not executing is dropped. n <= 0 keeps the
// current limit.
func (e *Engine) SetAttemptLimit(n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attemptLimit = n
	e.pruneLocked()
}

// Registry returns the handler registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Subscribe registers fn to receive attempt lifecycle events.
func (e *Engine) Subscribe(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

// Validate checks whether action can be executed against finding.
func (e *Engine) Validate(finding models.Finding, action models.RemediationAction) ValidationResult {
	var res ValidationResult

	if !finding.Remediable {
		res.Errors = append(res.Errors, fmt.Sprintf("finding %q is not remediable", finding.ID))
	}
	if action.ID == "" {
		res.Errors = append(res.Errors, "action id is required")
	} else if _, ok := e.registry.Lookup(action.ID); !ok {
		res.Errors = append(res.Errors, fmt.Sprintf("no handler registered for action %q", action.ID))
	}

	for _, p := range action.RequiredParameters {
		if v, ok := action.Parameters[p]; !ok || v == nil {
			res.MissingParameters = append(res.MissingParameters, p)
		}
	}
	if len(res.MissingParameters) > 0 {
		res.Errors = append(res.Errors, "required parameters are missing")
	}

	if len(finding.Actions) > 0 && action.ID != "" {
		listed := false
		for _, a := range finding.Actions {
			if a.ID == action.ID {
				listed = true
				break
			}
		}
		if !listed {
			res.Warnings = append(res.Warnings, fmt.Sprintf("action %q is not a candidate action of finding %q", action.ID, finding.ID))
		}
	}

	if action.CanRollback {
		if action.RollbackAction == "" {
			res.Warnings = append(res.Warnings, "action declares rollback support but names no rollback action")
		} else if _, ok := e.registry.Lookup(action.RollbackAction); !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("rollback action %q has no registered handler", action.RollbackAction))
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// Execute validates and runs action against finding. A validation failure
// returns a *ValidationError. An action that requires approval and has no
// approver leaves its attempt pending and returns a result with
// ApprovalRequired set and a nil error. A handler failure returns the result
// together with an error wrapping ErrExecutionFailed.
func (e *Engine) Execute(ctx context.Context, finding models.Finding, action models.RemediationAction, opts Options) (*Result, error) {
	ctx, span := tracer.Start(ctx, "engine.Execute",
		trace.WithAttributes(
			attribute.String("remedy.finding_id", finding.ID),
			attribute.String("remedy.action_id", action.ID),
			attribute.Bool("remedy.dry_run", opts.DryRun),
		),
	)
	defer span.End()

	validation := e.Validate(finding, action)
	if !validation.Valid {
		err := &ValidationError{Result: validation}
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		e.logger.Warn("validation failed",
			zap.String("finding_id", finding.ID),
			zap.String("action_id", action.ID),
			zap.Strings("errors", validation.Errors))
		return &Result{Validation: &validation, Error: err.Error()}, err
	}

	now := time.Now().UTC()
	rec := &attemptRecord{
		attempt: models.RemediationAttempt{
			ID:         "att-" + uuid.NewString(),
			FindingID:  finding.ID,
			ActionID:   action.ID,
			Status:     models.AttemptPending,
			DryRun:     opts.DryRun,
			ExecutedBy: opts.ExecutedBy,
			ApprovedBy: opts.ApprovedBy,
			CreatedAt:  now,
		},
		finding:   finding,
		action:    action,
		connector: opts.Connector,
	}

	e.mu.Lock()
	e.attempts[rec.attempt.ID] = rec
	e.order = append(e.order, rec.attempt.ID)
	e.pruneLocked()
	e.mu.Unlock()

	span.SetAttributes(attribute.String("remedy.attempt_id", rec.attempt.ID))
	e.emit(EventStarted, rec, "")

	if action.RequiresApproval && opts.ApprovedBy == "" {
		e.logger.Info("approval required",
			zap.String("attempt_id", rec.attempt.ID),
			zap.String("action_id", action.ID))
		e.emit(EventApprovalRequired, rec, "")
		return &Result{
			Attempt:          e.snapshot(rec),
			ApprovalRequired: true,
			Validation:       &validation,
			Error:            "approval required",
		}, nil
	}

	if err := e.transition(rec, models.AttemptExecuting, nil); err != nil {
		return nil, err
	}
	e.emit(EventExecuting, rec, "")

	handler, _ := e.registry.Lookup(action.ID)
	req := HandlerRequest{
		Finding:    finding,
		Action:     action,
		Parameters: copyParams(action.Parameters),
		Connector:  opts.Connector,
		DryRun:     opts.DryRun,
		Changes:    opts.Changes,
	}
	if opts.Changes != nil {
		req.Parameters["changes"] = opts.Changes
	}

	start := time.Now()
	hres, herr := invoke(ctx, handler, req)
	elapsed := time.Since(start)
	attemptDuration.WithLabelValues(action.ID).Observe(elapsed.Seconds())

	result := &Result{Validation: &validation}
	if herr == nil && hres != nil && !hres.Success {
		msg := hres.Error
		if msg == "" {
			msg = "handler reported failure"
		}
		herr = errors.New(msg)
	}
	if herr == nil && hres == nil {
		herr = errors.New("handler returned no result")
	}

	if herr != nil {
		if hres != nil {
			result.Output = hres.Output
			result.Changes = hres.Changes
		}
		result.Error = herr.Error()
		_ = e.transition(rec, models.AttemptFailed, func(a *models.RemediationAttempt) {
			a.Success = false
			a.Error = herr.Error()
			a.Output = result.Output
			// Partial changes stay recorded so the attempt can be reverted.
			if !opts.DryRun {
				a.ChangesMade = result.Changes
			}
		})
		attemptsTotal.WithLabelValues(action.ID, "failure").Inc()
		e.recordOutcome(ctx, action.ID, false, elapsed, opts.DryRun)
		span.RecordError(herr)
		span.SetStatus(codes.Error, herr.Error())
		e.logger.Warn("remediation failed",
			zap.String("attempt_id", rec.attempt.ID),
			zap.String("action_id", action.ID),
			zap.Duration("duration", elapsed),
			zap.Error(herr))
		e.emit(EventFailed, rec, herr.Error())
		result.Attempt = e.snapshot(rec)
		return result, fmt.Errorf("%w: %s", ErrExecutionFailed, herr.Error())
	}

	result.Success = true
	result.Output = hres.Output
	result.Changes = hres.Changes
	_ = e.transition(rec, models.AttemptCompleted, func(a *models.RemediationAttempt) {
		a.Success = true
		a.Output = hres.Output
		if !opts.DryRun {
			a.ChangesMade = hres.Changes
		}
	})
	attemptsTotal.WithLabelValues(action.ID, "success").Inc()
	e.recordOutcome(ctx, action.ID, true, elapsed, opts.DryRun)
	span.SetStatus(codes.Ok, "")
	e.logger.Info("remediation completed",
		zap.String("attempt_id", rec.attempt.ID),
		zap.String("action_id", action.ID),
		zap.Bool("dry_run", opts.DryRun),
		zap.Duration("duration", elapsed))
	e.emit(EventCompleted, rec, "")
	result.Attempt = e.snapshot(rec)
	return result, nil
}

// Rollback undoes a completed attempt by invoking the action's rollback
// handler with the recorded changes. conn overrides the connector used for
// the original execution when non-nil. No partial rollback is attempted.
func (e *Engine) Rollback(ctx context.Context, attemptID string, conn connector.Connector) (*RollbackResult, error) {
	ctx, span := tracer.Start(ctx, "engine.Rollback",
		trace.WithAttributes(attribute.String("remedy.attempt_id", attemptID)))
	defer span.End()

	e.mu.RLock()
	rec, ok := e.attempts[attemptID]
	var (
		attempt models.RemediationAttempt
		action  models.RemediationAction
		finding models.Finding
	)
	if ok {
		attempt, action, finding = rec.attempt, rec.action, rec.finding
		if conn == nil {
			conn = rec.connector
		}
	}
	e.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAttemptNotFound, attemptID)
	}
	if !action.CanRollback || action.RollbackAction == "" {
		return nil, fmt.Errorf("%w: %s", ErrRollbackUnsupported, action.ID)
	}
	if attempt.ChangesMade == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRecordedChanges, attemptID)
	}
	if attempt.Status == models.AttemptRolledBack {
		return nil, fmt.Errorf("%w: attempt %s already rolled back", ErrInvalidTransition, attemptID)
	}
	handler, found := e.registry.Lookup(action.RollbackAction)
	if !found {
		return nil, fmt.Errorf("%w: rollback action %q", ErrHandlerNotFound, action.RollbackAction)
	}

	params := copyParams(action.RollbackParameters)
	params["changes"] = attempt.ChangesMade
	params["original_attempt_id"] = attemptID

	hres, err := invoke(ctx, handler, HandlerRequest{
		Finding:    finding,
		Action:     action,
		Parameters: params,
		Connector:  conn,
		Changes:    attempt.ChangesMade,
	})
	if err == nil && (hres == nil || !hres.Success) {
		msg := "rollback handler reported failure"
		if hres != nil && hres.Error != "" {
			msg = hres.Error
		}
		err = errors.New(msg)
	}
	if err != nil {
		rollbacksTotal.WithLabelValues(action.ID, "failure").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("rollback failed", zap.String("attempt_id", attemptID), zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrRollbackFailed, err.Error())
	}

	if err := e.transition(rec, models.AttemptRolledBack, nil); err != nil {
		return nil, err
	}
	rollbacksTotal.WithLabelValues(action.ID, "success").Inc()
	e.logger.Info("attempt rolled back",
		zap.String("attempt_id", attemptID),
		zap.String("rollback_action", action.RollbackAction))
	e.emit(EventRolledBack, rec, "")

	return &RollbackResult{
		AttemptID:      attemptID,
		RollbackAction: action.RollbackAction,
		Success:        true,
		Output:         hres.Output,
		Changes:        hres.Changes,
	}, nil
}

// GetAttempt returns a copy of the attempt with the given ID.
func (e *Engine) GetAttempt(id string) (*models.RemediationAttempt, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rec, ok := e.attempts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAttemptNotFound, id)
	}
	a := rec.attempt
	return &a, nil
}

// ListAttempts returns copies of all attempts, newest first. A non-empty
// findingID restricts the result to attempts for that finding.
func (e *Engine) ListAttempts(findingID string) []models.RemediationAttempt {
	e.mu.RLock()
	out := make([]models.RemediationAttempt, 0, len(e.attempts))
	for _, rec := range e.attempts {
		if findingID != "" && rec.attempt.FindingID != findingID {
			continue
		}
		out = append(out, rec.attempt)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// transition moves an attempt to next, applying mutate under the lock.
// Moving to a lower-ranked status is rejected.
func (e *Engine) transition(rec *attemptRecord, next models.AttemptStatus, mutate func(a *models.RemediationAttempt)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := rec.attempt.Status
	if next.Rank() <= cur.Rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}
	now := time.Now().UTC()
	rec.attempt.Status = next
	switch next {
	case models.AttemptExecuting:
		rec.attempt.StartedAt = &now
	case models.AttemptCompleted, models.AttemptFailed:
		rec.attempt.CompletedAt = &now
	}
	if mutate != nil {
		mutate(&rec.attempt)
	}
	return nil
}

// pruneLocked drops the oldest attempts that are not executing until the
// table fits the limit.
func (e *Engine) pruneLocked() {
	for len(e.attempts) > e.attemptLimit {
		victim := -1
		for i, id := range e.order {
			if e.attempts[id].attempt.Status != models.AttemptExecuting {
				victim = i
				break
			}
		}
		if victim < 0 {
			return
		}
		delete(e.attempts, e.order[victim])
		e.order = slices.Delete(e.order, victim, victim+1)
	}
}

func (e *Engine) snapshot(rec *attemptRecord) *models.RemediationAttempt {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a := rec.attempt
	return &a
}

func (e *Engine) emit(t EventType, rec *attemptRecord, errMsg string) {
	e.mu.RLock()
	subs := slices.Clone(e.subscribers)
	ev := Event{Type: t, Attempt: rec.attempt, Error: errMsg, Time: time.Now().UTC()}
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func (e *Engine) recordOutcome(ctx context.Context, actionID string, success bool, d time.Duration, dryRun bool) {
	if e.outcomes == nil || dryRun {
		return
	}
	if err := e.outcomes.RecordOutcome(ctx, actionID, success, d); err != nil {
		e.logger.Warn("failed to record outcome", zap.String("action_id", actionID), zap.Error(err))
	}
}

// invoke runs the handler and converts a panic into an error.
func invoke(ctx context.Context, h Handler, req HandlerRequest) (res *HandlerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Execute(ctx, req)
}

func copyParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
