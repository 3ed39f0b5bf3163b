// Package apierr defines the error-kind taxonomy shared by the session
// manager and the HTTP transport, and the mapping between the two.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel error kinds. Use errors.Is against these, never string matching.
var (
	// ErrNoSlotsAvailable is returned by CreateSession when max_sessions is reached.
	ErrNoSlotsAvailable = errors.New("no slots available")

	// ErrSessionNotFound is returned by any lookup on an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionAlreadyDone is returned by Step on a session whose last
	// response reported done=true.
	ErrSessionAlreadyDone = errors.New("session already done")

	// ErrContainerError wraps any failure starting, attaching, reading from,
	// writing to, or decoding a worker's stream.
	ErrContainerError = errors.New("container error")

	// ErrInternal is the catch-all for anything unclassified, including
	// hook errors.
	ErrInternal = errors.New("internal error")
)

// Code is the stable machine-readable error_code returned in HTTP bodies.
type Code string

const (
	CodeNoSlotsAvailable Code = "NO_SLOTS_AVAILABLE"
	CodeSessionNotFound  Code = "SESSION_NOT_FOUND"
	CodeSessionDone      Code = "SESSION_ALREADY_DONE"
	CodeContainerError   Code = "CONTAINER_ERROR"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// Wrap annotates err with msg while preserving errors.Is matching against kind.
func Wrap(kind error, msg string) error {
	return fmt.Errorf("%s: %w", msg, kind)
}

// Wrapf is Wrap with formatting.
func Wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

// ToHTTP classifies err into an HTTP status and a stable error_code.
// Unclassified errors map to 500/INTERNAL_ERROR.
func ToHTTP(err error) (status int, code Code) {
	switch {
	case errors.Is(err, ErrNoSlotsAvailable):
		return http.StatusServiceUnavailable, CodeNoSlotsAvailable
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound, CodeSessionNotFound
	case errors.Is(err, ErrSessionAlreadyDone):
		return http.StatusConflict, CodeSessionDone
	case errors.Is(err, ErrContainerError):
		return http.StatusInternalServerError, CodeContainerError
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// Body is the JSON error envelope returned to clients. The info/observation
// fields of a session are never echoed here.
type Body struct {
	Detail    string `json:"detail"`
	ErrorCode Code   `json:"error_code"`
}
