package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/connector"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

type recordingOutcomes struct {
	mu       sync.Mutex
	outcomes map[string][]bool
}

func (r *recordingOutcomes) RecordOutcome(ctx context.Context, actionID string, success bool, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string][]bool)
	}
	r.outcomes[actionID] = append(r.outcomes[actionID], success)
	return nil
}

// configHandler sets a configuration key and records the previous value.
func configHandler(ctx context.Context, req HandlerRequest) (*HandlerResult, error) {
	key, _ := req.Parameters["key"].(string)
	value := req.Parameters["value"]
	current, err := req.Connector.GetSystemConfig(ctx)
	if err != nil {
		return nil, err
	}
	changes := &models.ChangeSet{
		Target: key,
		Before: map[string]any{key: current[key]},
		After:  map[string]any{key: value},
	}
	if req.DryRun {
		return &HandlerResult{Success: true, Output: "would update " + key, Changes: changes}, nil
	}
	if err := req.Connector.UpdateSystemConfig(ctx, map[string]any{key: value}); err != nil {
		return nil, err
	}
	return &HandlerResult{Success: true, Output: "updated " + key, Changes: changes}, nil
}

// revertHandler restores the "before" side of the recorded changes.
func revertHandler(ctx context.Context, req HandlerRequest) (*HandlerResult, error) {
	if req.Changes == nil {
		return nil, errors.New("no changes")
	}
	if err := req.Connector.UpdateSystemConfig(ctx, req.Changes.Before); err != nil {
		return nil, err
	}
	return &HandlerResult{Success: true, Output: "reverted"}, nil
}

func newTestEngine(t *testing.T) (*Engine, *recordingOutcomes) {
	t.Helper()
	reg := NewRegistry()
	reg.MustRegister("update_configuration", HandlerFunc(configHandler))
	reg.MustRegister("revert_configuration", HandlerFunc(revertHandler))
	reg.MustRegister("always_fail", HandlerFunc(func(ctx context.Context, req HandlerRequest) (*HandlerResult, error) {
		return nil, errors.New("boom")
	}))
	reg.MustRegister("report_fail", HandlerFunc(func(ctx context.Context, req HandlerRequest) (*HandlerResult, error) {
		return &HandlerResult{Success: false, Error: "disk full"}, nil
	}))
	reg.MustRegister("panics", HandlerFunc(func(ctx context.Context, req HandlerRequest) (*HandlerResult, error) {
		panic("unexpected nil map")
	}))
	outcomes := &recordingOutcomes{}
	return New(reg, outcomes, zaptest.NewLogger(t)), outcomes
}

func testFinding() models.Finding {
	return models.Finding{
		ID:         "f-1",
		RuleID:     "SEC-001",
		Severity:   models.SeverityHigh,
		Category:   "security",
		Title:      "Session timeout too long",
		Remediable: true,
	}
}

func configAction() models.RemediationAction {
	return models.RemediationAction{
		ID:                 "update_configuration",
		Parameters:         map[string]any{"key": "session_timeout", "value": float64(15)},
		RequiredParameters: []string{"key", "value"},
		RiskLevel:          models.RiskMedium,
		CanRollback:        true,
		RollbackAction:     "revert_configuration",
	}
}

func TestValidate(t *testing.T) {
	eng, _ := newTestEngine(t)

	tests := []struct {
		name       string
		finding    func() models.Finding
		action     func() models.RemediationAction
		valid      bool
		missing    []string
		hasWarning bool
	}{
		{
			name:    "valid",
			finding: testFinding,
			action:  configAction,
			valid:   true,
		},
		{
			name: "not remediable",
			finding: func() models.Finding {
				f := testFinding()
				f.Remediable = false
				return f
			},
			action: configAction,
		},
		{
			name:    "unknown handler",
			finding: testFinding,
			action: func() models.RemediationAction {
				a := configAction()
				a.ID = "does_not_exist"
				return a
			},
		},
		{
			name:    "missing parameter",
			finding: testFinding,
			action: func() models.RemediationAction {
				a := configAction()
				delete(a.Parameters, "value")
				return a
			},
			missing: []string{"value"},
		},
		{
			name: "action not listed on finding",
			finding: func() models.Finding {
				f := testFinding()
				f.Actions = []models.RemediationAction{{ID: "clear_cache"}}
				return f
			},
			action:     configAction,
			valid:      true,
			hasWarning: true,
		},
		{
			name:    "unregistered rollback handler",
			finding: testFinding,
			action: func() models.RemediationAction {
				a := configAction()
				a.RollbackAction = "nope"
				return a
			},
			valid:      true,
			hasWarning: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := eng.Validate(tt.finding(), tt.action())
			assert.Equal(t, tt.valid, res.Valid, "errors: %v", res.Errors)
			assert.Equal(t, tt.missing, res.MissingParameters)
			assert.Equal(t, tt.hasWarning, len(res.Warnings) > 0)
		})
	}
}

func TestExecuteValidationError(t *testing.T) {
	eng, _ := newTestEngine(t)
	action := configAction()
	action.Parameters = nil

	res, err := eng.Execute(context.Background(), testFinding(), action, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.ElementsMatch(t, []string{"key", "value"}, verr.Result.MissingParameters)
	assert.Nil(t, res.Attempt)
	assert.Empty(t, eng.ListAttempts(""))
}

func TestExecuteSuccessAndRollback(t *testing.T) {
	eng, outcomes := newTestEngine(t)
	conn := connector.NewSampleSimulated("sys-1")

	var events []EventType
	eng.Subscribe(func(ev Event) { events = append(events, ev.Type) })

	res, err := eng.Execute(context.Background(), testFinding(), configAction(), Options{Connector: conn, ExecutedBy: "alice"})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, models.AttemptCompleted, res.Attempt.Status)
	require.NotNil(t, res.Attempt.ChangesMade)
	assert.Equal(t, float64(30), res.Attempt.ChangesMade.Before["session_timeout"])
	assert.NotNil(t, res.Attempt.StartedAt)
	assert.NotNil(t, res.Attempt.CompletedAt)
	assert.Equal(t, []EventType{EventStarted, EventExecuting, EventCompleted}, events)
	assert.Equal(t, []bool{true}, outcomes.outcomes["update_configuration"])

	cfg, _ := conn.GetSystemConfig(context.Background())
	assert.Equal(t, float64(15), cfg["session_timeout"])

	rb, err := eng.Rollback(context.Background(), res.Attempt.ID, nil)
	require.NoError(t, err)
	assert.True(t, rb.Success)

	cfg, _ = conn.GetSystemConfig(context.Background())
	assert.Equal(t, float64(30), cfg["session_timeout"])

	attempt, err := eng.GetAttempt(res.Attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptRolledBack, attempt.Status)

	_, err = eng.Rollback(context.Background(), res.Attempt.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestExecuteDryRunLeavesSystemUntouched(t *testing.T) {
	eng, outcomes := newTestEngine(t)
	conn := connector.NewSampleSimulated("sys-1")

	res, err := eng.Execute(context.Background(), testFinding(), configAction(), Options{Connector: conn, DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Changes)
	assert.Nil(t, res.Attempt.ChangesMade)
	assert.True(t, res.Attempt.DryRun)
	assert.Empty(t, outcomes.outcomes)

	cfg, _ := conn.GetSystemConfig(context.Background())
	assert.Equal(t, float64(30), cfg["session_timeout"])

	_, err = eng.Rollback(context.Background(), res.Attempt.ID, nil)
	assert.ErrorIs(t, err, ErrNoRecordedChanges)
}

func TestExecuteFailures(t *testing.T) {
	for _, name := range []string{"always_fail", "report_fail", "panics"} {
		t.Run(name, func(t *testing.T) {
			eng, outcomes := newTestEngine(t)
			var events []EventType
			eng.Subscribe(func(ev Event) { events = append(events, ev.Type) })

			res, err := eng.Execute(context.Background(), testFinding(), models.RemediationAction{ID: name}, Options{})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrExecutionFailed)
			require.NotNil(t, res.Attempt)
			assert.Equal(t, models.AttemptFailed, res.Attempt.Status)
			assert.NotEmpty(t, res.Attempt.Error)
			assert.False(t, res.Success)
			assert.Equal(t, EventFailed, events[len(events)-1])
			assert.Equal(t, []bool{false}, outcomes.outcomes[name])
		})
	}
}

func TestApprovalRequiredNeverLeavesPending(t *testing.T) {
	eng, outcomes := newTestEngine(t)
	conn := connector.NewSampleSimulated("sys-1")
	action := configAction()
	action.RequiresApproval = true

	var approvalEvents, executingEvents int
	eng.Subscribe(func(ev Event) {
		switch ev.Type {
		case EventApprovalRequired:
			approvalEvents++
		case EventExecuting:
			executingEvents++
		}
	})

	for i := 0; i < 5; i++ {
		res, err := eng.Execute(context.Background(), testFinding(), action, Options{Connector: conn})
		require.NoError(t, err)
		assert.True(t, res.ApprovalRequired)
		assert.False(t, res.Success)
		assert.Equal(t, models.AttemptPending, res.Attempt.Status)
		assert.Nil(t, res.Attempt.StartedAt)
	}

	for _, a := range eng.ListAttempts("f-1") {
		assert.Equal(t, models.AttemptPending, a.Status)
	}
	assert.Equal(t, 5, approvalEvents)
	assert.Zero(t, executingEvents)
	assert.Empty(t, outcomes.outcomes)

	cfg, _ := conn.GetSystemConfig(context.Background())
	assert.Equal(t, float64(30), cfg["session_timeout"])

	res, err := eng.Execute(context.Background(), testFinding(), action, Options{Connector: conn, ApprovedBy: "bob"})
	require.NoError(t, err)
	assert.Equal(t, models.AttemptCompleted, res.Attempt.Status)
	assert.Equal(t, "bob", res.Attempt.ApprovedBy)
	assert.Equal(t, 1, executingEvents)
}

func TestRollbackErrors(t *testing.T) {
	eng, _ := newTestEngine(t)
	conn := connector.NewSampleSimulated("sys-1")

	_, err := eng.Rollback(context.Background(), "att-missing", nil)
	assert.ErrorIs(t, err, ErrAttemptNotFound)

	noRollback := configAction()
	noRollback.CanRollback = false
	res, err := eng.Execute(context.Background(), testFinding(), noRollback, Options{Connector: conn})
	require.NoError(t, err)
	_, err = eng.Rollback(context.Background(), res.Attempt.ID, nil)
	assert.ErrorIs(t, err, ErrRollbackUnsupported)

	missingHandler := configAction()
	missingHandler.RollbackAction = "not_registered"
	res, err = eng.Execute(context.Background(), testFinding(), missingHandler, Options{Connector: conn})
	require.NoError(t, err)
	_, err = eng.Rollback(context.Background(), res.Attempt.ID, nil)
	assert.ErrorIs(t, err, ErrHandlerNotFound)

	attempt, _ := eng.GetAttempt(res.Attempt.ID)
	assert.Equal(t, models.AttemptCompleted, attempt.Status)
}

func TestHandlerReceivesContextCancellation(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("slow", HandlerFunc(func(ctx context.Context, req HandlerRequest) (*HandlerResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &HandlerResult{Success: true}, nil
		}
	}))
	eng := New(reg, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := eng.Execute(ctx, testFinding(), models.RemediationAction{ID: "slow"}, Options{})
	require.Error(t, err)
	assert.Contains(t, res.Error, context.DeadlineExceeded.Error())
	assert.Equal(t, models.AttemptFailed, res.Attempt.Status)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	h := HandlerFunc(func(ctx context.Context, req HandlerRequest) (*HandlerResult, error) {
		return &HandlerResult{Success: true}, nil
	})

	require.NoError(t, reg.Register("b", h))
	require.NoError(t, reg.Register("a", h))
	assert.Error(t, reg.Register("a", h))
	assert.Error(t, reg.Register("", h))
	assert.Error(t, reg.Register("c", nil))
	assert.Equal(t, []string{"a", "b"}, reg.Names())

	_, ok := reg.Lookup("a")
	assert.True(t, ok)
	_, ok = reg.Lookup("z")
	assert.False(t, ok)

	assert.Panics(t, func() { reg.MustRegister("a", h) })
}

func TestAttemptTableIsBounded(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.SetAttemptLimit(3)
	conn := connector.NewSampleSimulated("sys-1")
	action := configAction()

	var ids []string
	for i := 0; i < 5; i++ {
		res, err := eng.Execute(context.Background(), testFinding(), action, Options{Connector: conn})
		require.NoError(t, err)
		ids = append(ids, res.Attempt.ID)
	}

	assert.Len(t, eng.ListAttempts(""), 3)
	for _, id := range ids[:2] {
		_, err := eng.GetAttempt(id)
		assert.ErrorIs(t, err, ErrAttemptNotFound)
	}
	for _, id := range ids[2:] {
		_, err := eng.GetAttempt(id)
		assert.NoError(t, err)
	}
}

func TestAttemptTableKeepsExecutingAttempts(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.SetAttemptLimit(1)
	started := make(chan struct{})
	release := make(chan struct{})
	eng.Registry().MustRegister("slow", HandlerFunc(func(ctx context.Context, req HandlerRequest) (*HandlerResult, error) {
		close(started)
		<-release
		return &HandlerResult{Success: true}, nil
	}))

	done := make(chan *Result, 1)
	go func() {
		res, _ := eng.Execute(context.Background(), testFinding(), models.RemediationAction{ID: "slow"}, Options{})
		done <- res
	}()
	<-started

	_, err := eng.Execute(context.Background(), testFinding(), models.RemediationAction{ID: "always_fail"}, Options{})
	require.Error(t, err)
	close(release)
	res := <-done

	attempts := eng.ListAttempts("")
	require.Len(t, attempts, 1)
	assert.Equal(t, res.Attempt.ID, attempts[0].ID)
}

func TestFailedAttemptKeepsPartialChanges(t *testing.T) {
	eng, _ := newTestEngine(t)
	conn := connector.NewSampleSimulated("sys-1")
	eng.Registry().MustRegister("partial_update", HandlerFunc(func(ctx context.Context, req HandlerRequest) (*HandlerResult, error) {
		if err := req.Connector.UpdateSystemConfig(ctx, map[string]any{"session_timeout": float64(5)}); err != nil {
			return nil, err
		}
		return &HandlerResult{
			Success: false,
			Error:   "second key rejected",
			Changes: &models.ChangeSet{
				Target: "session_timeout",
				Before: map[string]any{"session_timeout": float64(30)},
				After:  map[string]any{"session_timeout": float64(5)},
			},
		}, nil
	}))
	action := models.RemediationAction{ID: "partial_update", CanRollback: true, RollbackAction: "revert_configuration"}

	res, err := eng.Execute(context.Background(), testFinding(), action, Options{Connector: conn})
	require.ErrorIs(t, err, ErrExecutionFailed)
	require.NotNil(t, res.Attempt.ChangesMade)
	assert.Equal(t, models.AttemptFailed, res.Attempt.Status)

	_, err = eng.Rollback(context.Background(), res.Attempt.ID, nil)
	require.NoError(t, err)
	cfg, _ := conn.GetSystemConfig(context.Background())
	assert.Equal(t, float64(30), cfg["session_timeout"])
}

func TestExecutePassesChangesToRevert(t *testing.T) {
	eng, _ := newTestEngine(t)
	conn := connector.NewSampleSimulated("sys-1")
	require.NoError(t, conn.UpdateSystemConfig(context.Background(), map[string]any{"session_timeout": float64(5)}))

	changes := &models.ChangeSet{
		Target: "session_timeout",
		Before: map[string]any{"session_timeout": float64(30)},
		After:  map[string]any{"session_timeout": float64(5)},
	}
	res, err := eng.Execute(context.Background(), testFinding(), models.RemediationAction{ID: "revert_configuration"},
		Options{Connector: conn, Changes: changes})
	require.NoError(t, err)
	assert.True(t, res.Success)

	cfg, _ := conn.GetSystemConfig(context.Background())
	assert.Equal(t, float64(30), cfg["session_timeout"])
}
