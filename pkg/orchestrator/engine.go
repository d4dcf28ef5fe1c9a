package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/callwire/voiceagent/pkg/codec"
	"github.com/callwire/voiceagent/pkg/llm"
	"github.com/callwire/voiceagent/pkg/logging"
	"github.com/callwire/voiceagent/pkg/metrics"
	"github.com/callwire/voiceagent/pkg/stt"
	"github.com/callwire/voiceagent/pkg/tts"
)

// TelephonyCallbacks is the outbound half of the call-control
// collaborator contract (spec.md §6): play, truncate_playback,
// redirect. The engine is the consumer, so the interface lives here
// rather than in pkg/telephony, matching Go's "accept interfaces"
// convention; pkg/telephony supplies the full bidirectional contract
// description and any concrete adapters.
type TelephonyCallbacks interface {
	Play(ctx context.Context, callID string, chunk []byte) error
	TruncatePlayback(ctx context.Context, callID string) error
	Redirect(ctx context.Context, callID string, dialplanTarget string) error
}

// Engine runs the per-call pipeline loop (C6): greeting, listening,
// STT-final -> LLM -> TTS, at-most-one-reply-in-flight, ordered
// cancellation on close.
//
// Grounded on the teacher's managed_stream.go (runBatchPipeline/
// runLLMAndTTS's turn sequencing and per-stage cancellation contexts),
// generalised from direct provider calls to the stage façades over the
// shared back-end multiplexer.
type Engine struct {
	cfg  Config
	sess *Session

	stt *stt.Stage
	llm *llm.Stage
	tts *tts.Stage

	tel TelephonyCallbacks

	logger  logging.Logger
	metrics metrics.Recorder

	replyInFlight chan struct{} // 1-capacity: held while a reply is being produced

	mu     sync.Mutex
	stream *stt.Stream
}

// NewEngine constructs an Engine bound to one call's session. A nil
// recorder defaults to metrics.NoOp(); metrics are diagnostic only and
// never gate a decision this engine makes (spec.md §4.1's RMS meter
// rule extended to every stage-latency observation here).
func NewEngine(cfg Config, sess *Session, sttStage *stt.Stage, llmStage *llm.Stage, ttsStage *tts.Stage, tel TelephonyCallbacks, logger logging.Logger, rec metrics.Recorder) *Engine {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if rec == nil {
		rec = metrics.NoOp()
	}
	return &Engine{
		cfg:           cfg,
		sess:          sess,
		stt:           sttStage,
		llm:           llmStage,
		tts:           ttsStage,
		tel:           tel,
		logger:        logger,
		metrics:       rec,
		replyInFlight: make(chan struct{}, 1),
	}
}

// Run executes the call loop until ctx is cancelled (call-ended) or an
// unrecoverable error occurs.
func (e *Engine) Run(ctx context.Context) error {
	callID := e.sess.CallID

	if e.cfg.GreetingText != "" {
		if err := e.speak(ctx, callID, e.cfg.GreetingText); err != nil {
			e.logger.Warn("orchestrator: greeting playback failed", "call_id", callID, "error", err)
		}
	}

	stream, err := e.stt.StartStream(ctx, callID)
	if err != nil {
		return fmt.Errorf("orchestrator: start stt stream: %w", err)
	}
	defer stream.StopStream()

	e.mu.Lock()
	e.stream = stream
	e.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			e.shutdown(callID, stream)
			return nil

		case text, ok := <-stream.Results():
			if !ok {
				e.shutdown(callID, stream)
				return nil
			}
			e.handleFinal(ctx, callID, text)

		case partial, ok := <-stream.Partials():
			if !ok {
				continue
			}
			if e.sess.Coordinator.OnCallerPartial(partial) {
				e.confirmBargeIn(ctx, callID)
			}
		}
	}
}

// HandleCallerAudio forwards one inbound caller audio frame to the STT
// stream and evaluates the sustained-RMS barge-in threshold (spec.md
// §4.7). frame is in the wire encoding format names (mu-law 8kHz for a
// telephony caller path); the coordinator's RMS check needs PCM16
// samples, so it is decoded here purely for metering — the original
// frame and format are still what's forwarded to SendAudio, which does
// its own conversion to 16kHz PCM16 for the recogniser.
func (e *Engine) HandleCallerAudio(ctx context.Context, frame []byte, format stt.AudioFormat) error {
	rmsFrame := frame
	if format == stt.FormatMuLaw8k {
		rmsFrame = codec.MuLawToPCM16(frame)
	}
	if e.sess.Coordinator.OnCallerRMS(rmsFrame) {
		e.confirmBargeIn(ctx, e.sess.CallID)
	}

	e.mu.Lock()
	stream := e.stream
	e.mu.Unlock()
	if stream == nil {
		return nil
	}
	return stream.SendAudio(ctx, frame, format)
}

// confirmBargeIn issues the playback truncation and completes the
// agent_speaking -> interrupting -> idle transition once the
// coordinator has flagged a barge-in while the agent is speaking.
func (e *Engine) confirmBargeIn(ctx context.Context, callID string) {
	gating := e.sess.Coordinator.GatingToken()
	if gating == "" {
		return
	}
	e.sess.Coordinator.ConfirmBarge()
	e.metrics.BargeIn(callID)
	if err := e.tel.TruncatePlayback(ctx, callID); err != nil {
		e.logger.Warn("orchestrator: truncate_playback failed", "call_id", callID, "error", err)
	}
	e.sess.Coordinator.OnTTSCancel(gating)
	e.sess.Coordinator.PlaybackFlushed()
}

// handleFinal implements spec.md §4.6 step 3: ignore empty finals,
// ignore finals while the agent holds the gating token unless a
// barge-in has been flagged, otherwise invoke LLM -> TTS.
func (e *Engine) handleFinal(ctx context.Context, callID, text string) {
	if text == "" {
		return
	}

	gating := e.sess.Coordinator.GatingToken()
	if gating != "" && !e.sess.Coordinator.BargeRequested() {
		return
	}

	if gating != "" && e.sess.Coordinator.BargeRequested() {
		e.confirmBargeIn(ctx, callID)
	}

	select {
	case e.replyInFlight <- struct{}{}:
	default:
		// A reply is already being produced; spec.md §4.6's invariant
		// forbids a second concurrent reply, so this final is dropped.
		e.metrics.ReplyDropped("reply_in_flight")
		return
	}

	go func() {
		defer func() { <-e.replyInFlight }()
		e.produceReply(ctx, callID, text)
	}()
}

func (e *Engine) produceReply(ctx context.Context, callID, text string) {
	llmStart := time.Now()
	reply, err := e.llm.Generate(ctx, callID, text, e.sess.History)
	e.metrics.StageLatency("llm", time.Since(llmStart))
	if err != nil {
		if err == llm.ErrDuplicateTurn {
			return
		}
		e.logger.Warn("orchestrator: llm generate failed", "call_id", callID, "error", err)
		return
	}

	ttsStart := time.Now()
	err = e.speak(ctx, callID, reply)
	e.metrics.StageLatency("tts", time.Since(ttsStart))
	if err != nil {
		e.logger.Warn("orchestrator: tts playback failed", "call_id", callID, "error", err)
	}
}

func (e *Engine) speak(ctx context.Context, callID, text string) error {
	streamID := fmt.Sprintf("%s-%d", callID, time.Now().UnixNano())
	e.sess.Coordinator.OnTTSStart(streamID)
	defer e.sess.Coordinator.OnTTSEnd(streamID)

	return e.tts.Synthesize(ctx, callID, text, func(chunk []byte) error {
		return e.tel.Play(ctx, callID, chunk)
	})
}

// shutdown implements spec.md §4.6 step 4: close sub-sessions in the
// order TTS -> LLM -> STT. The TTS/LLM stages open their sub-sessions
// lazily per call and keyed only by call_id, so this engine closes each
// one by call_id through the stage façade rather than holding the
// *backend.SubSession handles directly, then stops the STT stream last.
func (e *Engine) shutdown(callID string, stream *stt.Stream) {
	if err := e.tts.CloseSession(callID); err != nil {
		e.logger.Warn("orchestrator: close tts sub-session failed", "call_id", callID, "error", err)
	}
	if err := e.llm.CloseSession(callID); err != nil {
		e.logger.Warn("orchestrator: close llm sub-session failed", "call_id", callID, "error", err)
	}
	stream.StopStream()
}
