package core

import (
	"context"
	"errors"
	"net"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

var (
	// ErrSourceUnavailable indicates the desired-state source could not be read.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrStoreUnavailable indicates the live cluster could not be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrConflict indicates an optimistic-concurrency precondition failed.
	ErrConflict = errors.New("conflict")
	// ErrValidationRejected indicates the platform rejected a change as malformed.
	ErrValidationRejected = errors.New("validation rejected")
	// ErrHealthTimeout indicates a resource did not become healthy within its grace window.
	ErrHealthTimeout = errors.New("health timeout")
	// ErrOwnershipViolation indicates a live resource matches a desired key but is not owned.
	ErrOwnershipViolation = errors.New("ownership violation")
	// ErrNotFound indicates an unknown resource, track, or rollout.
	ErrNotFound = errors.New("not found")
)

// ErrorCategory describes the class of an error encountered while reconciling.
type ErrorCategory string

const (
	// ErrorCategoryNone indicates no error.
	ErrorCategoryNone ErrorCategory = ""
	// ErrorCategoryRBAC indicates insufficient permissions (Forbidden/Unauthorized).
	ErrorCategoryRBAC ErrorCategory = "rbac"
	// ErrorCategoryTransient indicates a retryable/transient failure.
	ErrorCategoryTransient ErrorCategory = "transient"
	// ErrorCategoryConflict indicates a lost optimistic write; re-diff and retry.
	ErrorCategoryConflict ErrorCategory = "conflict"
	// ErrorCategoryValidation indicates the platform rejected the payload.
	ErrorCategoryValidation ErrorCategory = "validation"
	// ErrorCategoryPermanent indicates a non-retryable failure unrelated to RBAC.
	ErrorCategoryPermanent ErrorCategory = "permanent"
)

// ClassifyError inspects an error and returns the appropriate category.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	// Walk the error chain to find a concrete classification.
	for current := err; current != nil; current = errors.Unwrap(current) {
		switch {
		case current == ErrConflict || apierrors.IsConflict(current):
			return ErrorCategoryConflict
		case current == ErrValidationRejected || apierrors.IsInvalid(current) || apierrors.IsBadRequest(current):
			return ErrorCategoryValidation
		case apierrors.IsForbidden(current) || apierrors.IsUnauthorized(current):
			return ErrorCategoryRBAC
		case current == ErrStoreUnavailable || current == ErrSourceUnavailable:
			return ErrorCategoryTransient
		case apierrors.IsTooManyRequests(current), apierrors.IsTimeout(current), apierrors.IsServerTimeout(current),
			apierrors.IsServiceUnavailable(current), apierrors.IsInternalError(current):
			return ErrorCategoryTransient
		}
		if errors.Is(current, context.DeadlineExceeded) {
			return ErrorCategoryTransient
		}
		if ne, ok := current.(net.Error); ok && ne.Timeout() {
			return ErrorCategoryTransient
		}
	}
	return ErrorCategoryPermanent
}

// IsRetryable reports whether err belongs to a class the executor retries.
func IsRetryable(err error) bool {
	switch ClassifyError(err) {
	case ErrorCategoryTransient, ErrorCategoryConflict:
		return true
	default:
		return false
	}
}
