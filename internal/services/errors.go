package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/partsdesk/api/internal/platform/pagination"
	"github.com/partsdesk/api/internal/repositories"
)

var (
	// ErrValidation marks caller input that failed validation. Use errors.As with *ValidationError for field details.
	ErrValidation = errors.New("validation failed")
	// ErrOfferLimitExceeded is returned when an item already carries the maximum number of offers.
	ErrOfferLimitExceeded = errors.New("offer limit exceeded")
	// ErrUnauthorized indicates the request carries no usable principal.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates the principal may not access the order.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound indicates the addressed entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition rejects status changes outside the order state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrOfferVersionConflict reports an offer edit based on a stale version.
	ErrOfferVersionConflict = errors.New("offer version conflict")
	// ErrOrderInvalidState rejects operations the order status does not allow.
	ErrOrderInvalidState = errors.New("order state does not allow this operation")
	// ErrUpstreamFailure reports a failing payment provider.
	ErrUpstreamFailure = errors.New("upstream failure")
	// ErrUnavailable reports a backend outage.
	ErrUnavailable = errors.New("service unavailable")
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError carries field-level validation failures and matches ErrValidation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrValidation) hold for every ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NotFoundError names the missing entity and matches ErrNotFound.
type NotFoundError struct {
	Entity string
}

func (e *NotFoundError) Error() string {
	return e.Entity + " " + ErrNotFound.Error()
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func notFound(entity string) error {
	return &NotFoundError{Entity: entity}
}

// fieldErrors accumulates validation failures in input order.
type fieldErrors []FieldError

func (f *fieldErrors) add(field, code, message string) {
	*f = append(*f, FieldError{Field: field, Code: code, Message: message})
}

func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	return &ValidationError{Fields: append([]FieldError(nil), f...)}
}

func invalidField(field, code, message string) error {
	return &ValidationError{Fields: []FieldError{{Field: field, Code: code, Message: message}}}
}

// translateRepoError maps repository failures onto service sentinels.
func translateRepoError(err error, entity string) error {
	if err == nil {
		return nil
	}
	if repositories.IsNotFound(err) {
		return notFound(entity)
	}
	if errors.Is(err, repositories.ErrOrderLocked) {
		return fmt.Errorf("%w: %v", ErrOrderInvalidState, err)
	}
	if errors.Is(err, pagination.ErrInvalidPageToken) {
		return invalidField("pageToken", "invalid_page_token", "page token is invalid")
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
