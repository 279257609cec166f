// Package errs defines the closed set of error kinds the chat core returns,
// per spec.md §7. Every error surfaced across package boundaries (transport,
// cipher, auth, storage, validation, routing) wraps one of these Kinds so
// callers can branch on category without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a coarse error category. The zero value is never used directly.
type Kind string

const (
	KindTransportConnect Kind = "transport.connect"
	KindTransportFrame   Kind = "transport.frame"
	KindTransportIO      Kind = "transport.io"
	KindTransportClosed  Kind = "transport.closed"

	KindCipherHandshake   Kind = "cipher.handshake"
	KindCipherAuthenticity Kind = "cipher.authenticity"
	KindCipherMalformed   Kind = "cipher.malformed"

	KindAuthInvalidCredentials Kind = "auth.invalid_credentials"
	KindAuthExpired            Kind = "auth.expired"
	KindAuthRevoked            Kind = "auth.revoked"
	KindAuthRateLimited        Kind = "auth.rate_limited"
	KindAuthForbidden          Kind = "auth.forbidden"

	KindStorageNotFound   Kind = "storage.not_found"
	KindStorageConflict   Kind = "storage.conflict"
	KindStorageConstraint Kind = "storage.constraint"
	KindStorageBackend    Kind = "storage.backend"

	KindValidationFormat    Kind = "validation.format"
	KindValidationLength    Kind = "validation.length"
	KindValidationRate      Kind = "validation.rate"
	KindValidationForbidden Kind = "validation.forbidden"

	KindRoutingNotOnline Kind = "routing.not_online"
	KindRoutingRoomFull  Kind = "routing.room_full"

	KindInternal Kind = "internal"
)

// Error is a Kind-tagged error with an optional wrapped cause.
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

// New constructs an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error that wraps cause, preserving errors.Is/As chains.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
