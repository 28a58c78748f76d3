package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("scheduler: schedule not found")
	ErrInvalidSchedule   = errors.New("scheduler: invalid schedule")
	ErrTerminal          = errors.New("scheduler: schedule is cancelled")
	ErrPaused            = errors.New("scheduler: schedule is paused")
	ErrConflict          = errors.New("scheduler: execution already in progress")
	ErrExecutionNotFound = errors.New("scheduler: execution not found")
	ErrNoRollbackAction  = errors.New("scheduler: action declares no rollback action")
	ErrStopped           = errors.New("scheduler: stopped")
	ErrTimeout           = errors.New("scheduler: execution timed out")
)

// ConflictError is returned when a schedule is fired while a previous
// execution of it is still running.
type ConflictError struct {
	ScheduleID  string
	ExecutionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("scheduler: schedule %s already has execution %s in progress", e.ScheduleID, e.ExecutionID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSchedule, fmt.Sprintf(format, args...))
}
