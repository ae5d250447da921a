package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidURL = errors.New("invalid URL")
	ErrNotFound   = errors.New("job not found")
	// ErrConflict is returned when an operation is invalid for the
	// job's current status, e.g. resolving the artifact of a job that
	// has not succeeded.
	ErrConflict = errors.New("operation conflicts with job status")
	// ErrDuplicateKey is returned by repositories when an insert would
	// violate the source-key dedup constraint.
	ErrDuplicateKey = errors.New("duplicate source key")
	// ErrUnavailable is surfaced synchronously when the queue or store
	// cannot accept a submit/retry.
	ErrUnavailable = errors.New("service unavailable")
)

// FetchError is a failure of the external extraction/download step.
// The cause string is preserved verbatim for display.
type FetchError struct {
	Cause string
}

func (e *FetchError) Error() string {
	return e.Cause
}

// UploadError is an object-storage failure. Always fatal to the episode.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}
