package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/approval"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/backup"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/connector"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/engine"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/scheduler"
)

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrNotFound),
		errors.Is(err, scheduler.ErrExecutionNotFound),
		errors.Is(err, engine.ErrAttemptNotFound),
		errors.Is(err, backup.ErrBackupNotFound),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, connector.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, scheduler.ErrConflict),
		errors.Is(err, scheduler.ErrTerminal),
		errors.Is(err, scheduler.ErrPaused),
		errors.Is(err, engine.ErrInvalidTransition):
		return http.StatusConflict

	case errors.Is(err, backup.ErrConcurrencyLimit):
		return http.StatusTooManyRequests

	case errors.Is(err, engine.ErrValidation),
		errors.Is(err, engine.ErrHandlerNotFound),
		errors.Is(err, engine.ErrRollbackUnsupported),
		errors.Is(err, engine.ErrNoRecordedChanges),
		errors.Is(err, scheduler.ErrInvalidSchedule),
		errors.Is(err, scheduler.ErrNoRollbackAction),
		errors.Is(err, approval.ErrInvalid),
		errors.Is(err, backup.ErrEncryptionKeyMissing):
		return http.StatusBadRequest

	case errors.Is(err, backup.ErrChecksumMismatch):
		return http.StatusUnprocessableEntity

	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes err as {"error": ..., "details": {...}}. Details are
// included for validation failures and execution conflicts.
func respondError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}

	var verr *engine.ValidationError
	var cerr *scheduler.ConflictError
	switch {
	case errors.As(err, &verr):
		body["details"] = verr.Details()
	case errors.As(err, &cerr):
		body["details"] = gin.H{
			"schedule_id":  cerr.ScheduleID,
			"execution_id": cerr.ExecutionID,
		}
	}

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
}
