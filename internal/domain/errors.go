package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures crossing the core boundary.
type Kind string

const (
	// KindValidation marks a missing or malformed input.
	KindValidation Kind = "validation"
	// KindNotFound marks an unknown session or draft.
	KindNotFound Kind = "not_found"
	// KindPermission marks an owner mismatch.
	KindPermission Kind = "permission"
	// KindUpstream marks a failed model or host call.
	KindUpstream Kind = "upstream"
	// KindExtraction marks a malformed structured block in a model reply.
	KindExtraction Kind = "extraction"
	// KindPersistence marks a failed store write or read.
	KindPersistence Kind = "persistence"
	// KindConflict marks a save against a stale session version.
	KindConflict Kind = "conflict"
)

// Error is the typed error returned by core operations.
type Error struct {
	Kind      Kind
	Op        string
	Msg       string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Msg, e.Kind)
	}
	return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Msg, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// E builds an Error.
func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Validation returns a validation error.
func Validation(op, msg string) *Error {
	return E(KindValidation, op, msg, nil)
}

// NotFound returns a not-found error.
func NotFound(op, msg string) *Error {
	return E(KindNotFound, op, msg, nil)
}

// Permission returns a permission error.
func Permission(op, msg string) *Error {
	return E(KindPermission, op, msg, nil)
}

// Upstream wraps a collaborator failure.
func Upstream(op, msg string, err error) *Error {
	return E(KindUpstream, op, msg, err)
}

// Persistence wraps a store failure.
func Persistence(op string, err error) *Error {
	return E(KindPersistence, op, "storage failure", err)
}

// Conflict returns an optimistic-lock failure.
func Conflict(op, msg string) *Error {
	return E(KindConflict, op, msg, nil)
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
