// Package telephony describes the call-control collaborator contract
// (spec.md §6) that bridges this module to the telephony switch. The
// switch itself, the media transport, and dialplan integration are out
// of scope (spec.md §1/§6 Non-goals); only the contract surface lives
// here. OutboundCallbacks has the same method set as the
// orchestrator.TelephonyCallbacks the engine consumes, so any
// implementation of it can be handed to the engine directly.
package telephony

import "context"

// Profile describes the call-scoped pipeline selection handed to
// on_call_answered (stt/tts backend choice, voice, language — the
// enumerated options of spec.md §6 that are set per call rather than
// per process).
type Profile struct {
	CallID     string
	STTBackend string
	TTSBackend string
	TTSVoice   string
	LLMModel   string
}

// InboundEvents is what the core consumes from the switch.
type InboundEvents interface {
	// OnCallAnswered fires once per call with the caller's channel
	// identifier and the selected pipeline profile.
	OnCallAnswered(ctx context.Context, callID string, callerChannel string, profile Profile) error
	// OnCallerAudio delivers one inbound caller audio frame.
	OnCallerAudio(ctx context.Context, callID string, frame []byte) error
	// OnCallEnded signals caller hangup or switch-initiated teardown.
	OnCallEnded(ctx context.Context, callID string) error
}

// OutboundCallbacks is what the core calls back into the switch with.
// All are best-effort: failures are logged but do not abort the call,
// except a failed Redirect during a transfer, which terminates the
// session with a user-visible error (spec.md §6).
type OutboundCallbacks interface {
	Play(ctx context.Context, callID string, chunk []byte) error
	TruncatePlayback(ctx context.Context, callID string) error
	Redirect(ctx context.Context, callID string, dialplanTarget string) error
}

// Switch is the full bidirectional contract a telephony collaborator
// implements. A real Asterisk/FreeSWITCH/SIP bridge is out of this
// module's scope. Within this module the two halves are implemented
// separately: orchestrator.Manager implements InboundEvents and
// cmd/agent's demo harness implements OutboundCallbacks.
type Switch interface {
	InboundEvents
	OutboundCallbacks
}
