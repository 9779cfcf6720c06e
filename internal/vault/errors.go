package vault

import "errors"

var (
	// ErrValidation marks a draft or patch that violates field bounds.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks an identity collision on (kind, identity_key).
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks an absent or expired entry.
	ErrNotFound = errors.New("entry not found")

	// ErrInvalidUpdate marks a patch that tries to change an immutable
	// field (kind or identity_key).
	ErrInvalidUpdate = errors.New("invalid update")
)
