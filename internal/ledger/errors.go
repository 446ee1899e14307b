package ledger

import "errors"

var (
	ErrAlreadyExists    = errors.New("authorization already exists")
	ErrExpired          = errors.New("authorization expired")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrNotFound         = errors.New("authorization not found")
	ErrAlreadyQueued    = errors.New("already queued")
	ErrAlreadySettled   = errors.New("already settled")
	ErrBatchNotFound    = errors.New("settlement batch not found")
	ErrAgentMismatch    = errors.New("agent address mismatch")
)
