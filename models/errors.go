package models

import "errors"

// Error taxonomy shared by every layer. Callers wrap these with context and
// the API layer maps them to HTTP status classes with errors.Is.
var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrPrecondition         = errors.New("precondition failed")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrMalformedMessage     = errors.New("malformed inbound message")
)
