package internal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies a failure by how the engine should react to it.
type ErrorKind int

const (
	// ErrTransient covers network faults and 5xx responses that are worth
	// retrying after a short pause.
	ErrTransient ErrorKind = iota
	// ErrThrottled means the backend asked us to slow down (HTTP 429).
	ErrThrottled
	// ErrAuthExpired means the current access token was rejected and a
	// refresh should be attempted before retrying.
	ErrAuthExpired
	// ErrAuthFatal means authentication cannot recover without user action,
	// for example a revoked refresh token.
	ErrAuthFatal
	// ErrNotStreamable means the item exists but the backend will not hand
	// out a playback manifest for it. Never retried.
	ErrNotStreamable
	// ErrDecode means the backend answered with a payload we could not parse.
	ErrDecode
	// ErrLocalIO covers filesystem failures on our side of a transfer.
	ErrLocalIO
	// ErrInvalidRef means a user-supplied media reference could not be
	// understood by any registered backend.
	ErrInvalidRef
)

// String returns the string representation of ErrorKind
func (k ErrorKind) String() string {
	switch k {
	case ErrTransient:
		return "Transient"
	case ErrThrottled:
		return "Throttled"
	case ErrAuthExpired:
		return "AuthExpired"
	case ErrAuthFatal:
		return "AuthFatal"
	case ErrNotStreamable:
		return "NotStreamable"
	case ErrDecode:
		return "Decode"
	case ErrLocalIO:
		return "LocalIO"
	case ErrInvalidRef:
		return "InvalidRef"
	default:
		return "Unknown"
	}
}

// BackendError represents a classified failure from a streaming backend or
// from the local side of a transfer. The Kind drives retry policy; everything
// else is context for logs and ledger records.
type BackendError struct {
	Kind       ErrorKind
	Backend    string
	Op         string
	Status     int
	Message    string
	URL        string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface
func (e *BackendError) Error() string {
	var parts []string

	head := fmt.Sprintf("%s error", e.Kind.String())
	if e.Backend != "" {
		head = fmt.Sprintf("%s: %s", e.Backend, head)
	}
	if e.Op != "" {
		head = fmt.Sprintf("%s during %s", head, e.Op)
	}
	if e.Status != 0 {
		head = fmt.Sprintf("%s (status %d)", head, e.Status)
	}
	parts = append(parts, head)

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.URL != "" {
		parts = append(parts, fmt.Sprintf("url: %s", redactURL(e.URL)))
	}

	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	return strings.Join(parts, ": ")
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the executor may try the request again.
func (e *BackendError) IsRetryable() bool {
	switch e.Kind {
	case ErrTransient, ErrThrottled, ErrAuthExpired:
		return true
	default:
		return false
	}
}

// NewBackendError creates a BackendError of the given kind.
func NewBackendError(kind ErrorKind, message string) *BackendError {
	return &BackendError{
		Kind:    kind,
		Message: message,
	}
}

// WithBackend records which backend produced the error.
func (e *BackendError) WithBackend(name string) *BackendError {
	e.Backend = name
	return e
}

// WithOp records the operation that failed, for example "playbackinfo".
func (e *BackendError) WithOp(op string) *BackendError {
	e.Op = op
	return e
}

// WithStatus records the HTTP status code that triggered the error.
func (e *BackendError) WithStatus(status int) *BackendError {
	e.Status = status
	return e
}

// WithURL adds URL context to the error (query string is redacted in output).
func (e *BackendError) WithURL(url string) *BackendError {
	e.URL = url
	return e
}

// WithRetryAfter sets the server-provided wait hint for throttle errors.
func (e *BackendError) WithRetryAfter(d time.Duration) *BackendError {
	e.RetryAfter = d
	return e
}

// Wrap attaches the underlying cause.
func (e *BackendError) Wrap(err error) *BackendError {
	e.Err = err
	return e
}

// KindOf extracts the ErrorKind from err. The second return is false when err
// does not carry a BackendError anywhere in its chain.
func KindOf(err error) (ErrorKind, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return 0, false
}

// IsKind reports whether err carries a BackendError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// RetryAfterHint extracts the server wait hint from a throttle error, or zero
// when none was provided.
func RetryAfterHint(err error) time.Duration {
	var be *BackendError
	if errors.As(err, &be) {
		return be.RetryAfter
	}
	return 0
}

// redactURL strips query parameters that might contain tokens or session IDs
func redactURL(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i] + "?[REDACTED]"
	}
	return url
}

// Common error constructors for frequently used errors

// NewTransientError creates an error for network faults and 5xx responses
func NewTransientError(op string, err error) *BackendError {
	return NewBackendError(ErrTransient, "temporary failure").
		WithOp(op).
		Wrap(err)
}

// NewThrottledError creates an error for rate limiting, carrying the server
// wait hint when one was supplied.
func NewThrottledError(retryAfter time.Duration) *BackendError {
	return NewBackendError(ErrThrottled, "rate limit exceeded").
		WithStatus(429).
		WithRetryAfter(retryAfter)
}

// NewAuthExpiredError creates an error for rejected access tokens
func NewAuthExpiredError(message string) *BackendError {
	return NewBackendError(ErrAuthExpired, message).WithStatus(401)
}

// NewAuthFatalError creates an error for unrecoverable authentication failures
func NewAuthFatalError(message string) *BackendError {
	return NewBackendError(ErrAuthFatal, message)
}

// NewNotStreamableError creates an error for items the backend refuses to serve
func NewNotStreamableError(id string, reason string) *BackendError {
	return NewBackendError(ErrNotStreamable, fmt.Sprintf("item %s: %s", id, reason)).
		WithStatus(404)
}

// NewDecodeError creates an error for unparseable backend payloads
func NewDecodeError(op string, err error) *BackendError {
	return NewBackendError(ErrDecode, "malformed response").
		WithOp(op).
		Wrap(err)
}

// NewLocalIOError creates an error for filesystem failures
func NewLocalIOError(path string, err error) *BackendError {
	return NewBackendError(ErrLocalIO, fmt.Sprintf("local i/o on %s", path)).
		Wrap(err)
}

// NewInvalidRefError creates an error for unrecognized media references
func NewInvalidRefError(ref string, reason string) *BackendError {
	return NewBackendError(ErrInvalidRef, fmt.Sprintf("cannot interpret %q: %s", ref, reason))
}
