// Package kverrors implements a typed error taxonomy: Validation, Storage,
// Network, Resource and Concurrent kinds, each carrying the failing
// operation and the underlying cause, so callers can branch with errors.As
// instead of string matching.
package kverrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/propagation decisions.
type Kind int

const (
	Validation Kind = iota
	Storage
	Network
	Resource
	Concurrent
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Storage:
		return "storage"
	case Network:
		return "network"
	case Resource:
		return "resource"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Error is the typed error value propagated through this repository.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a typed error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap adds context to err without discarding its kind, if it is already a
// *Error; otherwise it is equivalent to New(kind, op, err).
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Kind: existing.Kind, Op: op, Err: existing}
	}
	return New(kind, op, err)
}

// IsRetryable reports whether the error's kind is one the retry policy
// should back off and retry, rather than surface immediately: Network and
// Resource errors are retryable, Validation and Concurrent are not.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == Network || e.Kind == Resource
}
