package storage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStorageUnavailable marks a single-backend failure. It is expected and
	// makes the Router fall through to the next tier.
	ErrStorageUnavailable = errors.New("storage: backend unavailable")
	// ErrNotFound is returned by Get when the backend has no blob for the locator.
	ErrNotFound = errors.New("storage: blob not found")
	// ErrUnknownTag is returned when no configured backend owns a locator's tag.
	ErrUnknownTag = errors.New("storage: no backend for locator tag")
	// ErrImmutable is returned by Router.Delete for tiers that cannot delete.
	ErrImmutable = errors.New("storage: backend does not support deletion")
)

// UnavailableError wraps the cause of a single-backend failure.
type UnavailableError struct {
	Tag Tag
	Err error
}

// Unavailable wraps err as a StorageUnavailable failure of the given tier.
func Unavailable(tag Tag, err error) error {
	return &UnavailableError{Tag: tag, Err: err}
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("storage: %s unavailable: %v", e.Tag, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrStorageUnavailable }

// QuotaExceededError is returned by capacity bounded stores. It also matches
// ErrStorageUnavailable so a full tier is skipped like any other failure.
type QuotaExceededError struct {
	Tag       Tag
	Requested int64
	Available int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage: %s quota exceeded: need %d bytes, %d available", e.Tag, e.Requested, e.Available)
}

func (e *QuotaExceededError) Is(target error) bool { return target == ErrStorageUnavailable }

// BackendFailure records why one tier could not store a blob.
type BackendFailure struct {
	Tag Tag
	Err error
}

func (f BackendFailure) String() string {
	return fmt.Sprintf("%s: %v", f.Tag, f.Err)
}

// AllBackendsFailedError is returned by Router.Store when every tier failed.
// It carries one failure per tier in priority order.
type AllBackendsFailedError struct {
	Failures []BackendFailure
}

func (e *AllBackendsFailedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.String()
	}
	return fmt.Sprintf("storage: all %d backends failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *AllBackendsFailedError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
