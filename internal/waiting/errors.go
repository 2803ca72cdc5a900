package waiting

import (
	"context"
	"errors"
	"fmt"

	"waitq/waiting-service/internal/store"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindStateConflict
	KindCapacity
	KindNotFound
	KindUnavailable
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindStateConflict:
		return "conflict"
	case KindCapacity:
		return "capacity"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	case KindTransient:
		return "transient"
	default:
		return "ok"
	}
}

const (
	CodeValidation       = "VALIDATION"
	CodeTypeInactive     = "TYPE_INACTIVE"
	CodeInvalidReason    = "INVALID_REASON"
	CodeStateConflict    = "STATE_CONFLICT"
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeNotFound         = "NOT_FOUND"
	CodeNotAccepting     = "NOT_ACCEPTING"
	CodeUnavailable      = "UNAVAILABLE"
)

// Error is the only error type the service returns. Code is stable and safe to show
// to clients; Err keeps the underlying cause for logs.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func AsError(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns 0 for a nil error and KindTransient for errors that were never classified.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindTransient
}

func validationError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func conflictError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindStateConflict, Code: CodeStateConflict, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, store.ErrEntryNotFound):
		return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: "waiting entry not found", Err: err}
	case errors.Is(err, store.ErrWaitingTypeNotFound):
		return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: "waiting type not found", Err: err}
	case errors.Is(err, store.ErrSettingNotFound):
		return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: "waiting settings are not configured", Err: err}
	case errors.Is(err, store.ErrCapacityExceeded):
		return &Error{Kind: KindCapacity, Code: CodeCapacityExceeded, Message: "waiting list is full", Err: err}
	case errors.Is(err, store.ErrDuplicateEntry):
		return &Error{Kind: KindValidation, Code: CodeValidation, Message: "phone already has an active waiting today", Err: err}
	case errors.Is(err, store.ErrGuardFailed):
		return &Error{Kind: KindStateConflict, Code: CodeStateConflict, Message: "waiting entry was changed by another request", Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTransient, Code: CodeUnavailable, Message: "request cancelled", Err: err}
	default:
		return &Error{Kind: KindTransient, Code: CodeUnavailable, Message: "waiting store unavailable", Err: err}
	}
}
