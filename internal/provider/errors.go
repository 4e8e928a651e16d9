package provider

import (
	"errors"
	"fmt"
	"net/http"

	"calplan/internal/model"
)

var (
	// ErrCursorInvalid reports an expired or unknown sync cursor. The caller
	// clears the cursor and retries once with a full sync.
	ErrCursorInvalid = errors.New("provider: sync cursor is no longer valid")

	// ErrAuth reports missing or rejected credentials. It is not retried.
	ErrAuth = errors.New("provider: missing or invalid credentials")
)

// Error is a failed provider call.
type Error struct {
	Provider model.Provider
	// StatusCode is zero for transport failures.
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: http %d: %v", e.Provider, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure may succeed on a later attempt.
func (e *Error) Transient() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsTransient reports whether err wraps a transient provider failure.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Transient()
}

// StatusError maps an HTTP failure status to the error taxonomy.
func StatusError(p model.Provider, status int, body string) error {
	e := &Error{Provider: p, StatusCode: status, Body: truncate(body, 512)}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Err = ErrAuth
	case http.StatusGone:
		e.Err = ErrCursorInvalid
	}
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
