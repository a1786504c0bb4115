// Package apperr defines the stable error taxonomy surfaced across the
// dispatch HTTP API (spec.md §7): every error carries a machine-readable
// code and the HTTP status it maps to, instead of status codes scattered
// through handler bodies the way a smaller service might write them.
package apperr

import "fmt"

// Kind is one of the ten error kinds from spec.md §7.
type Kind string

const (
	KindValidation       Kind = "VALIDATION_ERROR"
	KindMissingIdemKey   Kind = "MISSING_IDEMPOTENCY_KEY"
	KindIdemConflict     Kind = "IDEMPOTENCY_CONFLICT"
	KindNotFound         Kind = "NOT_FOUND"
	KindOfferInvalid     Kind = "OFFER_INVALID"
	KindOfferExpired     Kind = "OFFER_EXPIRED"
	KindRideBusy         Kind = "RIDE_BUSY"
	KindRateLimited      Kind = "RATE_LIMITED"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindInternal         Kind = "INTERNAL_ERROR"
)

var httpStatus = map[Kind]int{
	KindValidation:         400,
	KindMissingIdemKey:     400,
	KindIdemConflict:       422,
	KindNotFound:           404,
	KindOfferInvalid:       400,
	KindOfferExpired:       400,
	KindRideBusy:           409,
	KindRateLimited:        429,
	KindServiceUnavailable: 503,
	KindInternal:           500,
}

// Error is an application error with a stable kind/code and a
// human-readable message. It implements the standard error interface.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code this kind maps to, defaulting to 500
// for an unrecognized kind (should not happen for errors built via New).
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return 500
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind, preserving cause for logging via
// errors.Unwrap/errors.Is chains.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts an *Error from err, if any, the way callers typically use it
// alongside errors.As.
func As(err error) (*Error, bool) {
	ae, ok := err.(*Error)
	return ae, ok
}
