// Package errs defines the closed set of error kinds shared by every layer.
// Transport code maps a Kind to a status code; nothing below the api package
// knows about HTTP.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	// Internal is a store or hashing backend failure.
	Internal Kind = iota
	// Unauthenticated means no credential was presented.
	Unauthenticated
	// Unauthorized means a credential was presented but is invalid.
	Unauthorized
	// Forbidden means the credential is valid but does not grant access.
	Forbidden
	// NotFound means the referenced object or metadata is absent.
	NotFound
	// Gone means the capability is valid but the resource has expired.
	Gone
	// InvalidInput means a request field is missing or malformed.
	InvalidInput
)

var kindNames = [...]string{
	Internal:        "internal error",
	Unauthenticated: "unauthenticated",
	Unauthorized:    "unauthorized",
	Forbidden:       "forbidden",
	NotFound:        "not found",
	Gone:            "gone",
	InvalidInput:    "invalid input",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error makes a bare Kind usable as an errors.Is target:
//
//	errors.Is(err, errs.NotFound)
func (k Kind) Error() string { return k.String() }

// Error is the concrete error carried through the service layers.
type Error struct {
	Kind Kind
	// Msg is safe to show to clients.
	Msg string
	// Err is the underlying cause, logged but never sent to clients.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind target.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New returns an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap returns an error of the given kind that wraps cause.
func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf reports the kind of err. Errors that did not originate here are
// Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Message returns the client-facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return Internal.String()
}
