// Package errors defines the daemon's sentinel errors.
package errors

import stderrors "errors"

// Configuration errors.
var (
	ErrMissingUUID      = stderrors.New("daemon UUID is required")
	ErrMissingServerURL = stderrors.New("server URL is required")
)

// Connection errors.
var ErrNotConnected = stderrors.New("not connected to server")

// Docker errors.
var (
	ErrServerNotFound  = stderrors.New("server does not exist")
	ErrNetworkNotFound = stderrors.New("network does not exist")
)
