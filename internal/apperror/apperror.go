// Package apperror defines the error taxonomy shared by the identity store,
// the authentication flow, and the HTTP layer.
//
// Every failure mode a caller might branch on gets a sentinel error here.
// Code that produces errors wraps the sentinel (so errors.Is works) and adds
// a human-readable message; code that consumes errors checks with errors.Is
// and never string-matches.
package apperror

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound — a referenced identity (or other record) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrWriteFailed — the underlying storage rejected a write, including
	// constraint violations. Never retried automatically.
	ErrWriteFailed = errors.New("write failed")

	// ErrCannotOpen — the store could not be constructed. Fatal: the caller
	// must not proceed with a store in this state.
	ErrCannotOpen = errors.New("cannot open store")

	// ErrMigration — a schema migration failed or the on-disk schema is
	// ahead of this binary. Also fatal to store construction.
	ErrMigration = errors.New("migration failed")

	// ErrCancelled — the user declined the consent step. This is a
	// first-class alternate outcome of the authentication flow, not a
	// failure: callers can offer a retry without alarming language.
	ErrCancelled = errors.New("authentication cancelled")

	// ErrProtocolViolation — the remote side broke the OAuth contract
	// (missing authorization code, malformed redirect). Distinct from
	// transport errors to aid diagnosis.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTransport — a network round trip failed. Propagated opaquely from
	// the network gateway with no retry at this layer.
	ErrTransport = errors.New("transport error")

	// ErrConflict — a record with the same primary key already exists.
	ErrConflict = errors.New("conflict")
)

// AppError pairs a sentinel with a human-readable message.
type AppError struct {
	Err     error  // sentinel from the list above
	Message string // human-readable error message
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound returns an AppError for a missing record.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

// WriteFailed wraps a storage-level write error.
func WriteFailed(op string, err error) *AppError {
	return &AppError{
		Err:     fmt.Errorf("%w: %s: %v", ErrWriteFailed, op, err),
		Message: fmt.Sprintf("%s: %v", op, err),
	}
}

// Conflict returns an AppError for a duplicate primary key. A conflict is a
// constraint violation, so the error also matches ErrWriteFailed; callers
// that care about the distinction check ErrConflict first.
func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     fmt.Errorf("%w: %w", ErrWriteFailed, ErrConflict),
		Message: fmt.Sprintf("%s already exists with id %s", resource, id),
	}
}

// ProtocolViolation returns an AppError for a broken OAuth exchange.
func ProtocolViolation(message string) *AppError {
	return &AppError{
		Err:     ErrProtocolViolation,
		Message: message,
	}
}

// Transport wraps an underlying network error.
func Transport(op string, err error) *AppError {
	return &AppError{
		Err:     fmt.Errorf("%w: %s: %v", ErrTransport, op, err),
		Message: fmt.Sprintf("%s: %v", op, err),
	}
}
