package dispatch

import "errors"

// Peer state errors.
var (
	ErrPeerNotFound      = errors.New("peer not found in channel map")
	ErrNotAuthenticated  = errors.New("peer hasn't requested authentication")
	ErrChallengeMismatch = errors.New("challenge does not match")
	ErrOutboxClosed      = errors.New("outbox is closed")
	ErrDaemonOffline     = errors.New("daemon is not connected")
)
