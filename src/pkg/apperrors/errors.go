// Package apperrors defines the error taxonomy shared by the renderer,
// the reconciler and the stage orchestrator.
//
// Each concrete type matches its sentinel through errors.Is, so callers can
// branch on the category without caring about the details:
//
//	if errors.Is(err, apperrors.ErrRejected) { ... }
package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("validation error")
	ErrConflict       = errors.New("conflict")
	ErrPermission     = errors.New("permission denied")
	ErrExternalAction = errors.New("external action failed")
	ErrRejected       = errors.New("approval rejected")
)

// ValidationError is raised before any side effect when input is malformed or missing
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Reason)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError means the repository is not in the expected state (missing base ref, moved tip)
type ConflictError struct {
	Resource string
	Reason   string
	Err      error
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("conflict on %s: %s", e.Resource, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
func (e *ConflictError) Unwrap() error        { return e.Err }

// PermissionError means the caller's credentials cannot perform Op
type PermissionError struct {
	Op  string
	Err error
}

func (e *PermissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("permission denied: %s", e.Op)
	}
	return fmt.Sprintf("permission denied: %s: %v", e.Op, e.Err)
}

func (e *PermissionError) Is(target error) bool { return target == ErrPermission }
func (e *PermissionError) Unwrap() error        { return e.Err }

// ExternalActionError wraps the failure of a stage's provisioning side effect
type ExternalActionError struct {
	Stage string
	Err   error
}

func (e *ExternalActionError) Error() string {
	return fmt.Sprintf("stage %s: external action failed: %v", e.Stage, e.Err)
}

func (e *ExternalActionError) Is(target error) bool { return target == ErrExternalAction }
func (e *ExternalActionError) Unwrap() error        { return e.Err }

// RejectionError is the normal terminal outcome of a rejected approval gate
type RejectionError struct {
	Stage    string
	Approver string
	Comment  string
}

func (e *RejectionError) Error() string {
	msg := fmt.Sprintf("stage %s: approval rejected", e.Stage)
	if e.Approver != "" {
		msg += " by " + e.Approver
	}
	if e.Comment != "" {
		msg += ": " + e.Comment
	}
	return msg
}

func (e *RejectionError) Is(target error) bool { return target == ErrRejected }

// Validation is a shorthand for building a *ValidationError
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsTerminalOutcome reports whether err is a human rejection rather than a failure
func IsTerminalOutcome(err error) bool {
	return errors.Is(err, ErrRejected)
}
