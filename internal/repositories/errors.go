package repositories

import (
	"errors"
	"fmt"
)

// ErrOfferLimitReached is returned by OfferRepository.AddWithCap when the item already holds the maximum number of offers.
var ErrOfferLimitReached = errors.New("repositories: offer limit reached")

// ErrOrderLocked is returned by offer writes when the owning order no longer accepts offer changes.
var ErrOrderLocked = errors.New("repositories: order no longer accepts offer changes")

// ErrorKind classifies repository failures.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindConflict
	KindUnavailable
)

// Error is the RepositoryError implementation shared by the sql and memory backends.
type Error struct {
	Op   string
	Kind ErrorKind
	Err  error
}

var _ RepositoryError = (*Error)(nil)

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap exposes the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) IsNotFound() bool    { return e != nil && e.Kind == KindNotFound }
func (e *Error) IsConflict() bool    { return e != nil && e.Kind == KindConflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.Kind == KindUnavailable }

// NewNotFound builds a not-found error for op.
func NewNotFound(op string, what string) *Error {
	return &Error{Op: op, Kind: KindNotFound, Err: fmt.Errorf("%s not found", what)}
}

// NewConflict builds a conflict error for op.
func NewConflict(op string, reason string) *Error {
	return &Error{Op: op, Kind: KindConflict, Err: errors.New(reason)}
}

// NewUnavailable wraps a backend outage.
func NewUnavailable(op string, err error) *Error {
	return &Error{Op: op, Kind: KindUnavailable, Err: err}
}

// IsNotFound reports whether err is a RepositoryError classified as not found.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err is a RepositoryError classified as a conflict.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// CounterError wraps counter-specific failures with machine readable codes.
type CounterError struct {
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *CounterError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *CounterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewCounterInputError reports an invalid counter request.
func NewCounterInputError(op string, message string) *CounterError {
	return &CounterError{Op: op, Message: message}
}
