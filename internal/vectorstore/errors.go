package vectorstore

import (
	"context"
	"errors"
)

// Error kinds. Every adapter failure is an *Error whose Kind is one of these,
// so callers can branch with errors.Is.
var (
	// ErrConfig indicates missing or invalid configuration. Never retried.
	ErrConfig = errors.New("invalid configuration")

	// ErrEmbedding indicates no vector could be produced for a document.
	ErrEmbedding = errors.New("embedding failed")

	// ErrQuery indicates the backend rejected a request or the request was invalid.
	ErrQuery = errors.New("query failed")

	// ErrBackendUnavailable indicates the backend could not be reached after retries.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrPath indicates a traversal root that is missing or not a directory.
	ErrPath = errors.New("invalid path")

	// ErrTimeout indicates the caller's deadline (or the adapter's default
	// timeout) expired before the backend answered.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidMetadata indicates non-scalar or reserved metadata. It is
	// always reported wrapped inside an ErrEmbedding or ErrQuery failure.
	ErrInvalidMetadata = errors.New("invalid metadata")
)

// Error describes a failed adapter operation.
type Error struct {
	Op      string // add, query, traverse, delete, count, open
	Backend string // local or remote
	Kind    error
	Err     error
}

func (e *Error) Error() string {
	msg := e.Backend + " " + e.Op + ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(backend, op string, kind, err error) *Error {
	// an expired deadline is reported as a timeout regardless of the
	// operation's default kind
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrTimeout
	}
	return &Error{Op: op, Backend: backend, Kind: kind, Err: err}
}

// kindOf returns the Kind of err when it is an *Error, else fallback.
func kindOf(err error, fallback error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return fallback
}
