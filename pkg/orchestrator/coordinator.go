package orchestrator

import (
	"strings"
	"sync"
	"time"

	"github.com/callwire/voiceagent/pkg/codec"
)

// CoordinatorState names the states of the per-call turn/barge-in state
// machine from spec.md §4.7.
type CoordinatorState string

const (
	StateIdle          CoordinatorState = "idle"
	StateAgentSpeaking CoordinatorState = "agent_speaking"
	StateListening     CoordinatorState = "listening"
	StateInterrupting  CoordinatorState = "interrupting"
)

// Coordinator implements the per-call gating token and barge-in
// detection (C7). All mutation happens under mu, matching spec.md §5's
// single-writer-lock rule; callers that only need a snapshot use the
// State()/BargeRequested() readers.
//
// Grounded on the teacher's managed_stream.go (isSpeaking/userInterrupting
// fields, internalInterrupt's nonce-ish cancellation-context pattern),
// generalised into an explicit nonce-compare-and-clear gating token and
// a standalone state machine, since the teacher inlines this logic
// directly into ManagedStream rather than factoring it out.
type Coordinator struct {
	cfg Config

	mu             sync.Mutex
	state          CoordinatorState
	gatingToken    string
	bargeRequested bool

	sustainedRMSFrames int
	rmsFramesNeeded    int
	lastAboveRMSAt     time.Time
}

// NewCoordinator constructs a Coordinator using cfg's barge-in
// thresholds. rmsFrameMs is the caller's audio frame duration, used to
// convert barge_min_ms into a frame count.
func NewCoordinator(cfg Config, rmsFrameMs int) *Coordinator {
	framesNeeded := 1
	if rmsFrameMs > 0 {
		framesNeeded = cfg.BargeMinMs / rmsFrameMs
		if framesNeeded < 1 {
			framesNeeded = 1
		}
	}
	return &Coordinator{cfg: cfg, state: StateIdle, rmsFramesNeeded: framesNeeded}
}

// State returns a snapshot of the current state.
func (c *Coordinator) State() CoordinatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnTTSStart atomically sets the gating token to streamID and
// transitions to agent_speaking.
func (c *Coordinator) OnTTSStart(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gatingToken = streamID
	c.state = StateAgentSpeaking
	c.bargeRequested = false
	c.sustainedRMSFrames = 0
	c.lastAboveRMSAt = time.Time{}
}

// OnTTSEnd clears the gating token if it equals streamID (nonce
// compare-and-clear) and reports whether the clear took effect.
// Double-clears with a stale streamID are no-ops, per spec.md §4.7's
// exactly-once rule.
func (c *Coordinator) OnTTSEnd(streamID string) bool {
	return c.clearGatingToken(streamID, StateIdle)
}

// OnTTSCancel behaves like OnTTSEnd but is the cancellation path
// (barge-in confirmed, playback flushed).
func (c *Coordinator) OnTTSCancel(streamID string) bool {
	return c.clearGatingToken(streamID, StateIdle)
}

func (c *Coordinator) clearGatingToken(streamID string, next CoordinatorState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gatingToken == "" || c.gatingToken != streamID {
		return false
	}
	c.gatingToken = ""
	c.state = next
	c.bargeRequested = false
	return true
}

// GatingToken returns the currently held gating token, or "" if none.
func (c *Coordinator) GatingToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gatingToken
}

// OnCallerSpeech transitions idle -> listening; it is a no-op outside
// the idle state (agent_speaking has its own partial/RMS path below).
func (c *Coordinator) OnCallerSpeech() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle {
		c.state = StateListening
	}
}

// OnCallerFinal transitions listening back to idle.
func (c *Coordinator) OnCallerFinal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateListening {
		c.state = StateIdle
	}
}

// OnCallerPartial evaluates the char-count barge-in threshold while the
// agent is speaking (spec.md §4.7). Returns true the first time
// barge_requested becomes set for this gating-token period.
func (c *Coordinator) OnCallerPartial(partial string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAgentSpeaking || c.bargeRequested {
		return false
	}
	if nonWhitespaceLen(partial) >= c.cfg.BargeMinChars {
		c.bargeRequested = true
		return true
	}
	return false
}

// OnCallerRMS evaluates the sustained-RMS barge-in threshold: RMS above
// barge_rms_threshold for barge_min_ms of contiguous audio while the
// agent is speaking. Pass each inbound caller frame's raw PCM16 bytes.
// A below-threshold frame arriving within speechEndHold of the last
// above-threshold one is treated as a brief pause inside one continuous
// utterance and does not reset the streak; only a gap of speechEndHold
// or more resets it.
func (c *Coordinator) OnCallerRMS(pcm16 []byte) bool {
	rms := codec.RMS(pcm16)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAgentSpeaking || c.bargeRequested {
		return false
	}
	now := time.Now()
	if rms < c.cfg.BargeRMSThreshold {
		if c.sustainedRMSFrames > 0 && !c.lastAboveRMSAt.IsZero() && now.Sub(c.lastAboveRMSAt) < speechEndHold {
			return false
		}
		c.sustainedRMSFrames = 0
		return false
	}
	c.lastAboveRMSAt = now
	c.sustainedRMSFrames++
	if c.sustainedRMSFrames >= c.rmsFramesNeeded {
		c.bargeRequested = true
		return true
	}
	return false
}

// ConfirmBarge transitions agent_speaking -> interrupting once a
// barge-in has been detected and the orchestrator has decided to act
// on it (issued truncate_playback).
func (c *Coordinator) ConfirmBarge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateAgentSpeaking && c.bargeRequested {
		c.state = StateInterrupting
	}
}

// PlaybackFlushed completes the interrupting -> idle transition after
// the call-control collaborator confirms playback was truncated.
func (c *Coordinator) PlaybackFlushed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateInterrupting {
		c.state = StateIdle
		c.gatingToken = ""
		c.bargeRequested = false
	}
}

// BargeRequested reports whether a barge-in has been flagged for the
// current gating-token period.
func (c *Coordinator) BargeRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bargeRequested
}

func nonWhitespaceLen(s string) int {
	return len(strings.Join(strings.Fields(s), ""))
}

// speechEndHold is the grace period OnCallerRMS absorbs a sub-threshold
// dip within, treating it as a pause inside one continuous utterance
// rather than the end of the caller's attempt to barge in; it does not
// affect stt.Config.IdleMs, which remains the hard ceiling for the
// STT-side idle finaliser. Grounded on the teacher's managed_stream.go
// speechEndHold constant (there used to debounce VAD speech-end before
// finalising a batch transcription).
const speechEndHold = 300 * time.Millisecond
