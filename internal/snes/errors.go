package snes

import "errors"

// Error taxonomy for every public operation. Callers match with
// errors.Is; messages carry the operation-specific detail.
var (
	// ErrConnectionLost means the transport closed or never opened.
	// Fatal to all in-flight and queued operations on the connection.
	ErrConnectionLost = errors.New("snes: connection lost")

	// ErrTimeout means a bounded wait elapsed. Scoped to the failed
	// operation; the connection remains usable.
	ErrTimeout = errors.New("snes: timeout")

	// ErrProtocolMismatch means a reply's shape or size was
	// inconsistent with its request. The connection should be
	// considered desynchronized and reopened.
	ErrProtocolMismatch = errors.New("snes: protocol mismatch")

	// ErrIncompleteTransfer means byte-count verification failed after
	// a file operation. Recoverable by retrying the whole transfer;
	// the protocol offers nothing to resume from.
	ErrIncompleteTransfer = errors.New("snes: incomplete transfer")

	// ErrPreconditionFailed means an operation's requirements were not
	// met (device not attached, missing directory, bad arguments).
	ErrPreconditionFailed = errors.New("snes: precondition failed")
)
