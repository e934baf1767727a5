package storage

import "errors"

// Store-level sentinel errors. Services translate these into the
// caller-visible taxonomy; stores never speak HTTP or domain codes.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey is returned when an insert would violate a uniqueness
	// constraint. Uniqueness is the engine's only ordering primitive: the
	// first successful create wins and later writers observe this error.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrStaleState is returned when a conditional transition finds the row
	// in a different state than expected.
	ErrStaleState = errors.New("stale state for conditional update")

	// ErrInvalidInput is returned when input validation fails at the store.
	ErrInvalidInput = errors.New("invalid input")
)
