// Package batcherr defines the user-visible error taxonomy shared by the
// Front-End, Driver, and Worker Client: ValidationError, NotFound, Forbidden,
// WrongState, Transient, and Fatal. Wording for billing-project errors is
// carried over unchanged from the source implementation being ported.
package batcherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP-status mapping and retry policy.
type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindForbidden
	KindWrongState
	KindTransient
	KindFatal
)

// Error is the common shape for every user-visible error in the batch core.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps a Kind to the status code the Front-End returns.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindWrongState:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error { return newf(KindValidation, format, args...) }
func NotFound(format string, args ...any) *Error    { return newf(KindNotFound, format, args...) }
func Forbidden(format string, args ...any) *Error   { return newf(KindForbidden, format, args...) }
func WrongState(format string, args ...any) *Error  { return newf(KindWrongState, format, args...) }

func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Message: "transient error", Err: err}
}

func Fatal(err error) *Error {
	return &Error{Kind: KindFatal, Message: "internal error", Err: err}
}

// Billing-project error wording is carried over unchanged from
// original_source/batch/batch/exceptions.py.
func NonExistentBillingProject(billingProject string) *Error {
	return NotFound("Billing project %s does not exist.", billingProject)
}

func NonExistentUser(user, billingProject string) *Error {
	return NotFound("User %s is not in billing project %s.", user, billingProject)
}

func ClosedBillingProject(billingProject string) *Error {
	return Forbidden("Billing project %s is closed and cannot be modified.", billingProject)
}

func InvalidBillingLimit(limit any) *Error {
	return Validation("Invalid billing_limit %v.", limit)
}

func NonExistentBatch(batchID int64) *Error {
	return NotFound("Batch %d does not exist.", batchID)
}

func OpenBatch(batchID int64) *Error {
	return WrongState("Batch %d is open.", batchID)
}

func WrongJobCount(expected, actual int) *Error {
	return WrongState("wrong number of jobs: expected %d, actual %d", expected, actual)
}

// Is reports whether err (or any error it wraps) is a batcherr of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsDeadlock recognizes Postgres' deadlock_detected error code (40P01);
// serialization failures (40001) are not matched. 40P01 is the transaction-retry trigger called out in the
// error-handling design.
func IsDeadlock(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "40P01"
	}
	return false
}
