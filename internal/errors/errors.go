// Package errors defines the error taxonomy used throughout Stowage.
//
// Every failure surfaced by the metadata backend, the blob store, the token
// manager, or the ingestion pipeline carries one of five kinds so that callers
// can distinguish client errors (NotFound, AlreadyExists, InvalidToken) from
// transient storage failures (Backend) and streaming failures (IO) without
// parsing message strings. Errors also carry the operation name and the key
// involved so the HTTP boundary can log meaningfully; the core packages never
// log on their own behalf.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind int

const (
	// KindOther is the zero value for errors of unknown provenance.
	KindOther Kind = iota
	// KindNotFound means a bucket, token, or asset does not exist.
	KindNotFound
	// KindAlreadyExists means a create collided with an existing record.
	KindAlreadyExists
	// KindInvalidToken means an upload token did not resolve to a bucket.
	// It deliberately does not distinguish a malformed token from an
	// unissued one.
	KindInvalidToken
	// KindBackend means the metadata store failed (I/O, corruption,
	// connectivity). Possibly transient; the caller may retry with backoff.
	KindBackend
	// KindIO means the blob transport failed mid-stream.
	KindIO
)

// String returns the machine-readable code for the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindInvalidToken:
		return "InvalidToken"
	case KindBackend:
		return "BackendError"
	case KindIO:
		return "IOError"
	}
	return "Error"
}

// Error is the concrete error type carried across package boundaries.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Op is the operation that failed, e.g. "backend.CreateBucket".
	Op string
	// Key is the bucket name, token string, or asset ID involved.
	Key string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" (%s)", e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// E constructs an *Error. err may be nil for pure client errors.
func E(kind Kind, op, key string, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

// KindOf returns the kind of err, walking the wrap chain. Errors that do not
// carry a kind report KindOther.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsAlreadyExists reports whether err is an AlreadyExists error.
func IsAlreadyExists(err error) bool { return KindOf(err) == KindAlreadyExists }

// IsInvalidToken reports whether err is an InvalidToken error.
func IsInvalidToken(err error) bool { return KindOf(err) == KindInvalidToken }

// HTTPStatus maps an error to the status code the HTTP boundary should return.
// InvalidToken maps to 403: the upload token is a capability, so a token that
// does not resolve is an authorization failure, not a lookup miss.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindInvalidToken:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}
