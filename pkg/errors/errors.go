// Package apperr defines the sentinel error taxonomy shared by every layer
// of the router.
package apperr

import "errors"

// Common errors. Each maps to one error class surfaced to clients:
// TRANSIENT_STORE, MALFORMED_INPUT, UNAUTHORIZED, DUPLICATE_LOGIN, BUSY.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotFound        = errors.New("not found")
	ErrBusy            = errors.New("current speaker slot already held")
	ErrTransientStore  = errors.New("shared store unavailable")
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrUnsupportedType = errors.New("unsupported message type")
)
