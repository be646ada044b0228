package ingest

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/records"
)

var (
	// ErrUnauthenticated indicates a submission without a verified owner.
	ErrUnauthenticated = errors.New("ingest: unauthenticated")
	// ErrStoreUnavailable indicates that the relational store failed; callers may retry with retryAttempt set.
	ErrStoreUnavailable = errors.New("ingest: store unavailable")
	// ErrInvalidPayload aliases the validator sentinel so callers need a single import.
	ErrInvalidPayload = records.ErrInvalidPayload

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ServiceError carries a stable <operation>.<reason> code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func storeUnavailable(operation, reason string, cause error) error {
	return newServiceError(operation, reason, errors.Join(ErrStoreUnavailable, cause))
}
