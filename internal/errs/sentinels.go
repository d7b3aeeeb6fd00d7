// Package errs contains sentinel errors shared across the storage and auth
// layers for stable error mapping.
package errs

import "errors"

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates failed authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidInput indicates a request that fails basic field validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRateLimited indicates a temporarily locked login due to rate limiting.
	ErrRateLimited = errors.New("rate limited")
)
