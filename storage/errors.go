package storage

import "errors"

var (
	// ErrNotFound indicates no object exists under the requested key.
	ErrNotFound = errors.New("storage: object not found")

	// ErrEmptyKey indicates an operation was given an empty key.
	ErrEmptyKey = errors.New("storage: key must not be empty")
)
