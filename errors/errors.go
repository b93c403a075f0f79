package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuthorizationExpired is raised when the server rejects the access token.
	// The gateway recovers from it with a refresh and a single retry.
	ErrAuthorizationExpired = errors.New("authorization expired")
	// ErrSessionExpired means the refresh exchange failed and the user has to log in again.
	ErrSessionExpired = errors.New("session expired")
	// ErrNotAuthenticated is returned when no credentials are stored at all.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrCannotRevokeCurrent guards against revoking the session in use.
	ErrCannotRevokeCurrent = errors.New("cannot revoke the current session")
	// ErrInvalidTransition is returned for alert lifecycle violations.
	ErrInvalidTransition = errors.New("invalid alert transition")
	// ErrInvalidResponse is returned when a server payload breaks a client invariant.
	ErrInvalidResponse = errors.New("invalid server response")
	// ErrNotFound is returned when a session or alert is not present locally.
	ErrNotFound = errors.New("not found")
)

// SessionExpired wraps cause so that errors.Is(err, ErrSessionExpired) holds.
func SessionExpired(cause error) error {
	switch {
	case cause == nil:
		return ErrSessionExpired
	case errors.Is(cause, ErrSessionExpired):
		return cause
	}
	return fmt.Errorf("%w: %w", ErrSessionExpired, cause)
}

// TransitionError describes a rejected alert status change.
type TransitionError struct {
	AlertID string
	From    string
	Op      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("alert %s: cannot %s from %s", e.AlertID, e.Op, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// NetworkError is a transport level failure unrelated to authorization.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-2xx response that is not an authorization failure.
type ServerError struct {
	Status  int    `json:"-"`
	Code    string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *ServerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("server error %d (%s): %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("server error %d: %s", e.Status, msg)
}

// IsServerFault reports whether the failure is on the server side (5xx).
func (e *ServerError) IsServerFault() bool {
	return e.Status >= http.StatusInternalServerError
}

// IsServerFault reports whether err carries a 5xx ServerError.
func IsServerFault(err error) bool {
	var se *ServerError
	return errors.As(err, &se) && se.IsServerFault()
}

// IsNetworkFailure reports whether err carries a NetworkError.
func IsNetworkFailure(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
