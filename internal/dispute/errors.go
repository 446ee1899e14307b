package dispute

import "errors"

var (
	ErrAuthorizationNotFound = errors.New("authorization not found")
	ErrAgentMismatch         = errors.New("agent address mismatch")
	ErrDisputeNotFound       = errors.New("dispute not found")
	ErrAlreadyResolved       = errors.New("dispute already resolved")
	ErrAlreadyDisputed       = errors.New("authorization already has a pending dispute")
	ErrInvalidResolution     = errors.New("resolution must be approved or rejected")
)
