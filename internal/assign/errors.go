package assign

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code returned to API callers.
type Code string

// Error codes.
const (
	CodeInvalidInput           Code = "invalid_input"
	CodeRequestNotFound        Code = "request_not_found"
	CodeNoFirmAssigned         Code = "no_firm_assigned"
	CodeFirmNotFound           Code = "firm_not_found"
	CodeInvalidTarget          Code = "invalid_target"
	CodeSpecializationMismatch Code = "specialization_mismatch"

	CodeAlreadyAssigned Code = "already_assigned"
	CodeCommitConflict  Code = "commit_conflict"
	CodeRequestClosed   Code = "request_closed"

	CodeNoActiveMembers Code = "no_active_members"
	CodeNoEligible      Code = "no_eligible_candidates"
	CodeBelowThreshold  Code = "below_threshold"

	CodeNotFirmAdmin Code = "not_firm_admin"

	CodeDirectoryUnavailable Code = "directory_unavailable"
	CodeStoreUnavailable     Code = "store_unavailable"
)

// ValidationError reports a missing entity or malformed input.
type ValidationError struct {
	Code    Code
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("assign: %s: %s", e.Code, e.Message) }

// StateConflictError reports that the request is not in a state that allows
// the operation, including a lost race at commit time.
type StateConflictError struct {
	Code    Code
	Message string
}

func (e *StateConflictError) Error() string { return fmt.Sprintf("assign: %s: %s", e.Code, e.Message) }

// EligibilityExhaustedError reports that no candidate can be auto-assigned.
// The orchestrator converts it into a MANUAL_REQUIRED result; callers only see
// it from internal helpers.
type EligibilityExhaustedError struct {
	Code    Code
	Message string
	// Reasons explain why candidates were excluded.
	Reasons []string
}

func (e *EligibilityExhaustedError) Error() string {
	return fmt.Sprintf("assign: %s: %s", e.Code, e.Message)
}

// PermissionError reports a caller who may not perform an admin operation.
type PermissionError struct {
	Code    Code
	Message string
}

func (e *PermissionError) Error() string { return fmt.Sprintf("assign: %s: %s", e.Code, e.Message) }

// CollaboratorUnavailableError reports a dependency the operation cannot
// proceed without.
type CollaboratorUnavailableError struct {
	Code Code
	Err  error
}

func (e *CollaboratorUnavailableError) Error() string {
	return fmt.Sprintf("assign: %s: %v", e.Code, e.Err)
}

func (e *CollaboratorUnavailableError) Unwrap() error { return e.Err }

func validationErr(code Code, format string, args ...any) error {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func conflictErr(code Code, format string, args ...any) error {
	return &StateConflictError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func permissionErr(format string, args ...any) error {
	return &PermissionError{Code: CodeNotFirmAdmin, Message: fmt.Sprintf(format, args...)}
}

func unavailableErr(code Code, err error) error {
	return &CollaboratorUnavailableError{Code: code, Err: err}
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsStateConflict reports whether err is or wraps a *StateConflictError.
func IsStateConflict(err error) bool {
	var e *StateConflictError
	return errors.As(err, &e)
}

// IsEligibilityExhausted reports whether err is or wraps an *EligibilityExhaustedError.
func IsEligibilityExhausted(err error) bool {
	var e *EligibilityExhaustedError
	return errors.As(err, &e)
}

// IsPermission reports whether err is or wraps a *PermissionError.
func IsPermission(err error) bool {
	var e *PermissionError
	return errors.As(err, &e)
}

// IsCollaboratorUnavailable reports whether err is or wraps a *CollaboratorUnavailableError.
func IsCollaboratorUnavailable(err error) bool {
	var e *CollaboratorUnavailableError
	return errors.As(err, &e)
}

// CodeOf returns the code carried by a taxonomy error, or "".
func CodeOf(err error) Code {
	var (
		ve *ValidationError
		se *StateConflictError
		ee *EligibilityExhaustedError
		pe *PermissionError
		ce *CollaboratorUnavailableError
	)
	switch {
	case errors.As(err, &ve):
		return ve.Code
	case errors.As(err, &se):
		return se.Code
	case errors.As(err, &ee):
		return ee.Code
	case errors.As(err, &pe):
		return pe.Code
	case errors.As(err, &ce):
		return ce.Code
	default:
		return ""
	}
}
