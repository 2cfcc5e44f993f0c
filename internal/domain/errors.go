package domain

import "errors"

var (
	// ErrNotFound is terminal: the key was never materialized or was deleted.
	ErrNotFound = errors.New("profile not found")
	// ErrUnavailable is retryable by the client with backoff.
	ErrUnavailable = errors.New("partition unavailable")
	// ErrStaleOwnership is returned by an instance that received a forwarded
	// request for a partition it no longer owns.
	ErrStaleOwnership = errors.New("stale partition ownership")
	ErrCorruptEvent   = errors.New("corrupt change event")
	// ErrInvalidRequest marks a query the caller must fix before retrying.
	ErrInvalidRequest = errors.New("invalid request")
	ErrStorageFailure = errors.New("local storage failure")
)
