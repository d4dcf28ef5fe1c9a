// Package orchestrator owns the per-call pipeline loop (C6), the
// turn/barge-in coordinator (C7), and call lifecycle management (C8),
// composed over the pkg/backend, pkg/stt, pkg/llm and pkg/tts stages.
//
// Grounded on the teacher's pkg/orchestrator (types.go's Logger/
// Config/ConversationSession shape, managed_stream.go's per-stream
// state machine, orchestrator.go's provider wiring), generalised from
// direct-SDK providers to the back-end-multiplexer stages this spec
// requires.
package orchestrator

import (
	"time"

	"github.com/callwire/voiceagent/pkg/logging"
)

// Logger is re-exported from pkg/logging so existing call sites that
// depend on the teacher's four-method shape keep compiling unchanged.
type Logger = logging.Logger

// NoOpLogger is re-exported for tests that want a logger that discards
// everything.
type NoOpLogger = logging.NoOpLogger

// Config holds the orchestrator-level tunables (greeting text, barge-in
// thresholds, timeouts). The STT, LLM, TTS and back-end tunables of
// spec.md §6 are not here; each of those packages has its own Config.
type Config struct {
	GreetingText string

	BargeMinChars     int
	BargeMinMs        int
	BargeRMSThreshold float64

	HandshakeTimeout time.Duration
	ResponseTimeout  time.Duration
	CleanupDeadline  time.Duration
}

// DefaultConfig matches the nominal values spec.md §4.7/§6/§9 calls out.
func DefaultConfig() Config {
	return Config{
		GreetingText:      "Hello, how can I help you today?",
		BargeMinChars:     3,
		BargeMinMs:        250,
		BargeRMSThreshold: 1200,
		HandshakeTimeout:  5 * time.Second,
		ResponseTimeout:   5 * time.Second,
		CleanupDeadline:   5 * time.Second,
	}
}
