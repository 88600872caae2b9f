/*
errors.go - Centralized error taxonomy for the points engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every error an engine returns belongs to exactly one kind:

    validation  malformed or missing input (bad phone, missing size)
    permission  non-admin calling an admin action, foreign order cancel
    not_found   unknown account/product/order/ledger entry
    conflict    business rule violation (stock, balance, state, lock)
    internal    store failure unrelated to business rules

RETRY POLICY:
  Business-rule violations are terminal and surfaced verbatim.
  Internal errors and ErrConcurrentModification are safe to retry because
  a failed transaction never leaves a partial mutation behind.

USAGE:
  if errors.Is(err, generic.ErrInsufficientStock) { ... }

  var conflict *generic.ConflictError
  if errors.As(err, &conflict) { log(conflict.Message) }

SEE ALSO:
  - api/handlers.go: maps kinds to HTTP status codes
  - store/sqlite/sqlite.go: wraps driver errors as InternalError
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// KIND SENTINELS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation error")
	ErrPermission = errors.New("permission denied")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")

	// ErrConcurrentModification is returned when a conditional write finds
	// the document changed since it was read. Retryable.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// REASON SENTINELS - Carried by ConflictError
// =============================================================================

var (
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNegativeBalance     = errors.New("account balance is negative")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrAccountLocked       = errors.New("account is locked for exchange")
	ErrProductInactive     = errors.New("product is not active")
	ErrMembershipExpired   = errors.New("membership expired")
	ErrNotMember           = errors.New("account is not an official member")
	ErrOrderNotPending     = errors.New("only pending orders may be cancelled")
	ErrDuplicate           = errors.New("already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a malformed or missing input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// PermissionError reports an actor attempting an action it may not perform.
type PermissionError struct {
	ActorID string
	Action  string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("actor %q may not %s", e.ActorID, e.Action)
}

func (e *PermissionError) Unwrap() error { return ErrPermission }

// NotFoundError reports an unknown id.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError reports a business-rule violation.
// Reason is one of the reason sentinels above.
type ConflictError struct {
	Reason  error
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Reason != nil {
		return e.Reason.Error()
	}
	return ErrConflict.Error()
}

func (e *ConflictError) Unwrap() []error {
	if e.Reason == nil {
		return []error{ErrConflict}
	}
	return []error{ErrConflict, e.Reason}
}

// InternalError wraps a store failure.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() []error { return []error{ErrInternal, e.Err} }

// =============================================================================
// CONSTRUCTORS
// =============================================================================

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(actorID, action string) error {
	return &PermissionError{ActorID: actorID, Action: action}
}

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// Conflict builds a ConflictError whose message is the reason text.
func Conflict(reason error) error {
	return &ConflictError{Reason: reason, Message: reason.Error()}
}

// Conflictf builds a ConflictError with a custom message.
func Conflictf(reason error, format string, args ...any) error {
	return &ConflictError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps err unless it already carries a kind.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindInternal || errors.Is(err, ErrInternal) {
		return err
	}
	return &InternalError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

type Kind string

const (
	KindValidation Kind = "validation"
	KindPermission Kind = "permission"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindInternal   Kind = "internal"
)

// KindOf classifies err. Unclassified errors are internal.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrConcurrentModification) || KindOf(err) == KindInternal
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindPermission, KindNotFound, KindConflict:
		return true
	}
	return false
}
