// Package stt implements the streaming speech-to-text stage: pushing
// caller audio to the in-process back-end, collecting partials for
// barge-in decisions, and promoting a final transcript per utterance
// either from the recogniser itself or from an idle-timeout finaliser.
//
// Grounded on _examples/original_source/local_ai_server/main.py's
// _handle_final_transcript/_schedule_idle_finalizer (duplicate
// suppression, idle promotion) and the teacher's
// pkg/orchestrator/managed_stream.go streaming-STT callback shape,
// adapted from a single in-process recogniser call to envelopes
// exchanged over the back-end multiplexer (pkg/backend).
package stt

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/callwire/voiceagent/pkg/backend"
	"github.com/callwire/voiceagent/pkg/codec"
	"github.com/callwire/voiceagent/pkg/logging"
)

// AudioFormat names the wire format send_audio accepts.
type AudioFormat string

const (
	FormatPCM16_16k AudioFormat = "pcm16_16k"
	FormatPCM16_8k  AudioFormat = "pcm16_8k"
	FormatMuLaw8k   AudioFormat = "mulaw8k"
)

// Config holds the STT stage tunables (spec.md §6: stt.idle_ms).
type Config struct {
	IdleMs int
}

// DefaultConfig returns the spec's default idle finaliser timeout.
func DefaultConfig() Config {
	return Config{IdleMs: 3000}
}

// duplicateWindow is the window within which two identical (or two
// empty) finals are treated as one, per spec.md §3 and §8.
const duplicateWindow = 500 * time.Millisecond

// Stage is the per-process STT façade; one Stream is created per call.
type Stage struct {
	mux    *backend.Multiplexer
	cfg    Config
	logger logging.Logger
}

// NewStage constructs an STT stage bound to mux.
func NewStage(mux *backend.Multiplexer, cfg Config, logger logging.Logger) *Stage {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Stage{mux: mux, cfg: cfg, logger: logger}
}

// Stream is the per-call recognition context (spec.md §3).
type Stream struct {
	stage  *Stage
	callID string
	sub    *backend.SubSession

	results  chan string // finals only; closed on StopStream
	partials chan string // best-effort partials, for barge-in char-threshold checks

	mu             sync.Mutex
	idleTimer      *time.Timer
	lastPartial    string
	lastFinalText  string
	lastFinalNorm  string
	lastFinalAt    time.Time
	lastFinalEmpty bool

	cancel context.CancelFunc
}

// StartStream establishes a sub-session in mode stt and begins
// dispatching finals into a bounded result queue.
func (s *Stage) StartStream(ctx context.Context, callID string) (*Stream, error) {
	sub, err := s.mux.OpenSubSession(ctx, callID, backend.ModeSTT, nil)
	if err != nil {
		return nil, fmt.Errorf("stt: start_stream: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	st := &Stream{
		stage:   s,
		callID:  callID,
		sub:     sub,
		results:  make(chan string, 4),
		partials: make(chan string, 4),
		cancel:   cancel,
	}
	st.armIdleTimer()

	go st.receiveLoop(streamCtx)
	return st, nil
}

func (st *Stream) receiveLoop(ctx context.Context) {
	defer close(st.results)
	defer close(st.partials)
	for {
		select {
		case ev, ok := <-st.sub.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case "partial_stt":
				st.handlePartial(ev.Envelope.Text)
			case "final_stt":
				st.handleRecognizerFinal(ev.Envelope.Text)
			case "error":
				st.stage.logger.Warn("stt: stream error event", "call_id", st.callID, "message", ev.Envelope.Message)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (st *Stream) handlePartial(text string) {
	st.mu.Lock()
	st.lastPartial = text
	st.mu.Unlock()
	st.armIdleTimer()
	select {
	case st.partials <- text:
	default:
	}
}

func (st *Stream) handleRecognizerFinal(text string) {
	st.stopIdleTimer()
	st.emitFinal(text, "recognizer-final")
}

// stopIdleTimer clears the idle finaliser without rearming it, per
// spec.md §4.3's per-utterance reset: a recognizer-issued final ends the
// utterance outright, so the next countdown should only start once new
// audio or a partial for the following utterance arrives (armIdleTimer),
// not immediately after this final.
func (st *Stream) stopIdleTimer() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.idleTimer != nil {
		st.idleTimer.Stop()
	}
}

func (st *Stream) armIdleTimer() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.idleTimer != nil {
		st.idleTimer.Stop()
	}
	idleMs := st.stage.cfg.IdleMs
	if idleMs <= 0 {
		idleMs = 3000
	}
	st.idleTimer = time.AfterFunc(time.Duration(idleMs)*time.Millisecond, func() {
		st.mu.Lock()
		best := st.lastPartial
		st.mu.Unlock()
		st.emitFinal(best, "idle-timeout")
	})
}

// emitFinal applies duplicate suppression (spec.md §3/§8) then places
// the final on the result queue, resets per-utterance state, and keeps
// last-final bookkeeping for the next utterance's suppression check.
func (st *Stream) emitFinal(text string, reason string) {
	norm := normalize(text)

	st.mu.Lock()
	now := time.Now()
	isDuplicate := false
	if norm == st.lastFinalNorm && now.Sub(st.lastFinalAt) < duplicateWindow && st.lastFinalAt != (time.Time{}) {
		isDuplicate = true
	}
	if text == "" && st.lastFinalEmpty && now.Sub(st.lastFinalAt) < duplicateWindow {
		isDuplicate = true
	}

	if isDuplicate {
		st.mu.Unlock()
		st.stage.logger.Debug("stt: suppressing duplicate final", "call_id", st.callID, "reason", reason)
		return
	}

	st.lastFinalText = text
	st.lastFinalNorm = norm
	st.lastFinalAt = now
	st.lastFinalEmpty = text == ""
	st.lastPartial = ""
	st.mu.Unlock()

	select {
	case st.results <- text:
	default:
		st.stage.logger.Warn("stt: result queue full, dropping final", "call_id", st.callID)
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// SendAudio converts fmt to 16kHz PCM16 via the codec package,
// base64-wraps it, and sends it under the sub-session's send lock.
// Empty input is a no-op.
func (st *Stream) SendAudio(ctx context.Context, data []byte, format AudioFormat) error {
	if len(data) == 0 {
		return nil
	}

	pcm16k, err := toPCM16_16k(data, format)
	if err != nil {
		return err
	}

	env := &backend.Envelope{
		Type:   backend.TypeAudio,
		CallID: st.callID,
		Mode:   string(backend.ModeSTT),
		Rate:   16000,
		Format: "pcm16le",
		Data:   base64.StdEncoding.EncodeToString(pcm16k),
	}
	if err := st.sub.Send(ctx, env); err != nil {
		return fmt.Errorf("stt: send_audio: %w", err)
	}
	st.armIdleTimer()
	return nil
}

func toPCM16_16k(data []byte, format AudioFormat) ([]byte, error) {
	switch format {
	case FormatPCM16_16k:
		return data, nil
	case FormatPCM16_8k:
		return codec.Resample(data, 8000, 16000)
	case FormatMuLaw8k:
		pcm8k := codec.MuLawToPCM16(data)
		return codec.Resample(pcm8k, 8000, 16000)
	default:
		return nil, codec.ErrInvalidEncoding
	}
}

// Results yields final transcript strings until the stream is stopped,
// at which point the channel closes (the sentinel, per spec.md §4.3).
func (st *Stream) Results() <-chan string { return st.results }

// Partials yields best-effort partial transcripts for barge-in
// detection (spec.md §4.7); it closes alongside Results when the
// stream stops.
func (st *Stream) Partials() <-chan string { return st.partials }

// StopStream cancels the receive loop and stops the idle timer. Safe to
// call more than once; the stream's Results channel closes as the drain
// sentinel.
func (st *Stream) StopStream() error {
	st.mu.Lock()
	if st.idleTimer != nil {
		st.idleTimer.Stop()
	}
	st.mu.Unlock()
	st.cancel()
	return st.stage.mux.CloseSubSession(st.sub)
}
