package orchestrator

import "errors"

// Error kinds named in spec.md §7. Stages below this package define
// their own sentinels for internal use (llm.ErrModelUnavailable,
// backend.ErrChannelClosed, ...); these are the orchestrator-level
// kinds a caller of this package observes.
var (
	ErrTimeout            = errors.New("orchestrator: operation timed out")
	ErrModelUnavailable   = errors.New("orchestrator: model unavailable")
	ErrInvalidEncoding    = errors.New("orchestrator: invalid audio encoding")
	ErrChannelClosed      = errors.New("orchestrator: back-end channel closed")
	ErrHandshakeFailed    = errors.New("orchestrator: sub-session handshake failed")
	ErrBusy               = errors.New("orchestrator: back-end channel busy")
	ErrInvariantViolation = errors.New("orchestrator: invariant violation")
	ErrCallerGone         = errors.New("orchestrator: caller disconnected")
)
