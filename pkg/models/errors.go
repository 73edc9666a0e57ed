package models

import "errors"

// Error kinds returned by engine operations. Callers match them with
// errors.Is; the HTTP layer maps them onto status codes.
var (
	// ErrNotFound means the operation referenced a user with no session,
	// or an escalation call that is no longer ringing.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means the operation does not apply to the session's
	// current phase, e.g. confirming a check-in that was already answered.
	ErrInvalidState = errors.New("invalid state")

	// ErrValidation means a required request field was missing.
	ErrValidation = errors.New("validation failed")
)
