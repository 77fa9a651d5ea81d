// Package errors defines the engine error taxonomy.
//
// Every error surfaced by the engine belongs to exactly one Kind.
// Callers branch on Kind (via KindOf or the Is* helpers), never on
// message text.
package errors

import (
	"errors"
	"fmt"
)

// Kind is the engine error category.
type Kind int

const (
	// KindValidation marks bad input: unknown document type or column,
	// a malformed change set, a dangling reference. Rejected before or
	// during the transaction, never retried.
	KindValidation Kind = iota + 1

	// KindPermission marks access denied on a document, column or
	// history view. Distinct from validation so callers can render
	// "not allowed" instead of "not found".
	KindPermission

	// KindLockConflict marks a document held by another session's
	// short or long lock.
	KindLockConflict

	// KindCannotDelete marks a deletion blocked by a surviving
	// referencing row.
	KindCannotDelete

	// KindInconsistency marks a violated internal invariant, e.g. an
	// unresolved placeholder id reaching the write phase. Always an
	// engine bug, never caller misuse.
	KindInconsistency

	// KindBackend marks an error propagated from the relational
	// backend. The transaction is rolled back before it surfaces.
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindLockConflict:
		return "lock conflict"
	case KindCannotDelete:
		return "cannot delete"
	case KindInconsistency:
		return "inconsistency"
	case KindBackend:
		return "backend"
	default:
		return "unknown"
	}
}

// Error is the structured engine error. DocType/DocID identify the
// document the error is about when one applies.
type Error struct {
	Kind    Kind
	DocType string
	DocID   int64
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.DocType != "" {
		s += fmt.Sprintf(": %s(%d)", e.DocType, e.DocID)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf builds a KindValidation error.
func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Permissionf builds a KindPermission error for a document.
func Permissionf(docType string, docID int64, format string, args ...interface{}) *Error {
	return &Error{Kind: KindPermission, DocType: docType, DocID: docID, Msg: fmt.Sprintf(format, args...)}
}

// LockConflictf builds a KindLockConflict error for a document.
func LockConflictf(docType string, docID int64, format string, args ...interface{}) *Error {
	return &Error{Kind: KindLockConflict, DocType: docType, DocID: docID, Msg: fmt.Sprintf(format, args...)}
}

// CannotDeletef builds a KindCannotDelete error naming the delete target.
func CannotDeletef(docType string, docID int64, format string, args ...interface{}) *Error {
	return &Error{Kind: KindCannotDelete, DocType: docType, DocID: docID, Msg: fmt.Sprintf(format, args...)}
}

// Inconsistencyf builds a KindInconsistency error.
func Inconsistencyf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInconsistency, Msg: fmt.Sprintf(format, args...)}
}

// Backend wraps a relational-backend error.
func Backend(op string, err error) *Error {
	return &Error{Kind: KindBackend, Msg: op, Err: err}
}

// KindOf classifies an error. Errors not produced by the engine are
// treated as backend failures; nil classifies as 0.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindBackend
}

func IsValidation(err error) bool    { return KindOf(err) == KindValidation }
func IsPermission(err error) bool    { return KindOf(err) == KindPermission }
func IsLockConflict(err error) bool  { return KindOf(err) == KindLockConflict }
func IsCannotDelete(err error) bool  { return KindOf(err) == KindCannotDelete }
func IsInconsistency(err error) bool { return KindOf(err) == KindInconsistency }
func IsBackend(err error) bool       { return KindOf(err) == KindBackend }

// Sentinels shared across packages.
var (
	// ErrEngineClosed is returned when operating on a closed engine.
	ErrEngineClosed = &Error{Kind: KindValidation, Msg: "engine is closed"}

	// ErrChangeSetConsumed is returned when a container that already
	// committed is applied again without being reloaded.
	ErrChangeSetConsumed = &Error{Kind: KindValidation, Msg: "change set already applied"}

	// ErrBusy is returned by the serial wrapper when a call overlaps
	// another in-flight call.
	ErrBusy = &Error{Kind: KindValidation, Msg: "engine is busy with another call"}
)
