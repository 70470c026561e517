package oauth

import (
	"errors"
	"fmt"
)

// ErrCallbackTimeout is returned when no matching redirect arrives at the
// callback listener within the bounded wait window.
var ErrCallbackTimeout = errors.New("timed out waiting for authorization callback")

// ErrStateMismatch is returned when the state parameter on the callback does
// not match the nonce generated for the attempt. This indicates a replayed
// or cross-request redirect (possible CSRF) and is always fatal to the
// attempt, never silently retried.
var ErrStateMismatch = errors.New("authorization state mismatch")

// BindError indicates the callback listener could not bind a local port.
// It is surfaced only when the dynamic-port fallback also failed; a busy
// default port alone is recovered transparently.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind callback listener on port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// ExchangeError indicates the remote token endpoint refused the
// authorization code (or refresh token). Fatal to the attempt.
type ExchangeError struct {
	Err error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token exchange rejected: %v", e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// AuthorizationError indicates the authorization server redirected back
// with an error instead of a code (e.g. the user denied access).
type AuthorizationError struct {
	Code        string
	Description string
}

func (e *AuthorizationError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization failed: %s - %s", e.Code, e.Description)
	}
	return fmt.Sprintf("authorization failed: %s", e.Code)
}
