package backend

import "errors"

var (
	// ErrBusy is returned by Send when the channel could not accept a
	// write within the configured send timeout.
	ErrBusy = errors.New("backend: channel busy, send timed out")

	// ErrChannelClosed is returned by Send/Recv once the shared duplex
	// channel has gone away and no reconnect has yet succeeded.
	ErrChannelClosed = errors.New("backend: channel closed")

	// ErrHandshakeFailed names the handshake-failure error kind.
	// OpenSubSession does not return it: a missing mode_ready is
	// tolerated, and a failed set_mode write returns the write error.
	ErrHandshakeFailed = errors.New("backend: handshake failed")

	// ErrSubSessionClosed is returned by operations on a sub-session
	// that has already been closed.
	ErrSubSessionClosed = errors.New("backend: sub-session closed")

	// ErrDuplicateSubSession names the duplicate-sub-session error.
	// OpenSubSession does not return it: re-opening an existing
	// (call_id, kind) reuses the open sub-session, mirroring the
	// original local-pipeline's idempotent session reuse.
	ErrDuplicateSubSession = errors.New("backend: sub-session already open with incompatible mode")
)
