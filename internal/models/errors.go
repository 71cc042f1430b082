package models

import "errors"

// Domain errors shared across the pipeline. Infrastructure errors are wrapped
// around these so callers can classify with errors.Is.
var (
	// ErrNotFound indicates a requested document does not exist for the owner.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates bad caller input; never retried.
	ErrValidation = errors.New("validation failed")

	// ErrStatusConflict indicates a compare-and-set status update lost the race.
	ErrStatusConflict = errors.New("status conflict")

	// ErrTemporarilyUnavailable indicates a dependency is degraded. Callers
	// should show degraded messaging rather than a hard failure.
	ErrTemporarilyUnavailable = errors.New("temporarily unavailable")
)
