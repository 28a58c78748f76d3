package engine

import (
	"errors"
	"strings"
)

var (
	ErrValidation          = errors.New("engine: validation failed")
	ErrHandlerNotFound     = errors.New("engine: handler not found")
	ErrExecutionFailed     = errors.New("engine: execution failed")
	ErrAttemptNotFound     = errors.New("engine: attempt not found")
	ErrRollbackUnsupported = errors.New("engine: action does not support rollback")
	ErrNoRecordedChanges   = errors.New("engine: attempt has no recorded changes")
	ErrRollbackFailed      = errors.New("engine: rollback failed")
	ErrInvalidTransition   = errors.New("engine: invalid attempt status transition")
)

// ValidationResult reports whether a (finding, action) pair may be executed.
type ValidationResult struct {
	Valid             bool     `json:"valid"`
	Errors            []string `json:"errors,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`
	MissingParameters []string `json:"missing_parameters,omitempty"`
}

// ValidationError wraps a failed ValidationResult. It matches ErrValidation
// with errors.Is.
type ValidationError struct {
	Result ValidationResult
}

func (e *ValidationError) Error() string {
	msg := "engine: validation failed: " + strings.Join(e.Result.Errors, "; ")
	if len(e.Result.MissingParameters) > 0 {
		msg += " (missing parameters: " + strings.Join(e.Result.MissingParameters, ", ") + ")"
	}
	return msg
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Details returns structured detail for API responses.
func (e *ValidationError) Details() map[string]any {
	return map[string]any{
		"errors":             e.Result.Errors,
		"warnings":           e.Result.Warnings,
		"missing_parameters": e.Result.MissingParameters,
	}
}
