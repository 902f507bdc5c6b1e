package escrow

import "errors"

var (
	// ErrValidation reports malformed input. It is never retried.
	ErrValidation = errors.New("escrow: validation failed")
	// ErrNotFound reports a missing escrow or dispute.
	ErrNotFound = errors.New("escrow: not found")
	// ErrUnauthorized reports that the requester may not perform the operation.
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrInvalidState reports that the current status does not allow the
	// requested transition.
	ErrInvalidState = errors.New("escrow: invalid state")
)
