package repo

import "errors"

// Repository error types.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrCorruptDoc    = errors.New("metadata document corrupt")
)
