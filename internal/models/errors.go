package models

import (
	"errors"
	"fmt"
)

// ErrKind classifies failures so the orchestrator can match on kind
// instead of parsing messages.
type ErrKind string

const (
	ErrUpstreamTransient   ErrKind = "upstream_transient"
	ErrUpstreamNotFound    ErrKind = "upstream_not_found"
	ErrUpstreamForbidden   ErrKind = "upstream_forbidden"
	ErrUpstreamBadRequest  ErrKind = "upstream_bad_request"
	ErrUpstreamRateLimited ErrKind = "upstream_rate_limited"
	ErrStorageTransient    ErrKind = "storage_transient"
	ErrStorageIntegrity    ErrKind = "storage_integrity"
	ErrSchemaMissing       ErrKind = "schema_missing"
	ErrValidation          ErrKind = "validation"
	ErrConfig              ErrKind = "config"
	ErrDeadline            ErrKind = "deadline"
	ErrCancelled           ErrKind = "cancelled"
)

// KindError carries an ErrKind alongside a wrapped cause.
type KindError struct {
	Kind ErrKind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// WrapKind attaches a kind to err. A nil err returns nil.
func WrapKind(kind ErrKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind ErrKind, format string, args ...interface{}) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from err, or empty if err carries none.
func KindOf(err error) ErrKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrKind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the failure is worth another attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrUpstreamTransient, ErrUpstreamRateLimited, ErrStorageTransient:
		return true
	}
	return false
}
