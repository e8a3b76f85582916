package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrInvalidWorkflowState = "INVALID_WORKFLOW_STATE"
	ErrInvalidTransition    = "INVALID_TRANSITION"
	ErrExistingWorkflow     = "EXISTING_WORKFLOW"
	ErrWorkflowNotActive    = "WORKFLOW_NOT_ACTIVE"
	ErrWorkflowChainLimit   = "WORKFLOW_CHAIN_LIMIT"
)

// ErrorEnvelope is the standard error value returned by every component and
// rendered by the transport layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsCode reports whether err is (or wraps) an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewInvalidWorkflowStateError is returned when execution is requested on an
// instance that has no current action.
func NewInvalidWorkflowStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidWorkflowState, Message: msg}
}

// NewInvalidTransitionError is returned when a transition is not part of the
// current action's outbound set or its target cannot be resolved.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewExistingWorkflowError is returned when a target already has a live instance.
func NewExistingWorkflowError(kind, id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrExistingWorkflow,
		Message: fmt.Sprintf("target %s/%s already has a workflow in progress", kind, id),
	}
}

// NewWorkflowNotActiveError is returned for operations on terminal instances.
func NewWorkflowNotActiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrWorkflowNotActive, Message: msg}
}

// NewWorkflowChainLimitError is returned when a single call auto-advances
// through more steps than the configured limit.
func NewWorkflowChainLimitError(limit int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowChainLimit,
		Message: fmt.Sprintf("workflow auto-advanced %d steps in one call; paused", limit),
	}
}
