package civicsession

import (
	serrors "github.com/pilab-dev/civic-session/errors"
)

// Re-exported from the errors package so callers only need the root import.
var (
	ErrAuthorizationExpired = serrors.ErrAuthorizationExpired
	ErrSessionExpired       = serrors.ErrSessionExpired
	ErrNotAuthenticated     = serrors.ErrNotAuthenticated
	ErrCannotRevokeCurrent  = serrors.ErrCannotRevokeCurrent
	ErrInvalidTransition    = serrors.ErrInvalidTransition
	ErrInvalidResponse      = serrors.ErrInvalidResponse
	ErrNotFound             = serrors.ErrNotFound
)

type (
	TransitionError = serrors.TransitionError
	NetworkError    = serrors.NetworkError
	ServerError     = serrors.ServerError
)
