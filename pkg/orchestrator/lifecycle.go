package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/callwire/voiceagent/pkg/backend"
	"github.com/callwire/voiceagent/pkg/llm"
	"github.com/callwire/voiceagent/pkg/logging"
	"github.com/callwire/voiceagent/pkg/metrics"
	"github.com/callwire/voiceagent/pkg/stt"
	"github.com/callwire/voiceagent/pkg/telephony"
	"github.com/callwire/voiceagent/pkg/tts"
)

// RMSFrameMs is the nominal duration of one inbound caller audio frame
// used to size the coordinator's sustained-RMS barge-in window. 20ms
// matches common telephony packetization (e.g. one RTP frame of G.711).
const RMSFrameMs = 20

// CallerAudioFormat is the wire format Manager.OnCallerAudio assumes
// for inbound frames; telephony audio is mu-law 8kHz per spec.md §2.
const CallerAudioFormat = stt.FormatMuLaw8k

// Session is the per-call state referenced by the engine, the
// coordinator, and each stage's receive loop. It replaces the
// teacher's ConversationSession: the rolling turn history moves to
// llm.Turns (owned here), and STT/TTS sub-sessions are opened lazily
// by the engine rather than eagerly by the arena.
//
// Grounded on spec.md §9's session-arena design note and the teacher's
// types.go ConversationSession (single-writer-lock-guarded mutable
// per-call state).
type Session struct {
	CallID string

	Coordinator *Coordinator
	History     *llm.Turns

	mu      sync.Mutex
	cancel  context.CancelFunc
	started time.Time
}

// Manager is the call-session arena keyed by call_id (C8), owning
// startup/shutdown ordering across the STT/LLM/TTS stages and the
// back-end multiplexer they share. It implements telephony.InboundEvents
// directly, so a real or demo telephony collaborator can drive it
// without an adapter layer.
type Manager struct {
	cfg    Config
	mux    *backend.Multiplexer
	stt    *stt.Stage
	llm    *llm.Stage
	tts    *tts.Stage
	tel     telephony.OutboundCallbacks
	logger  logging.Logger
	metrics metrics.Recorder

	mu       sync.Mutex
	sessions map[string]*Session
	engines  map[string]*Engine
}

// NewManager wires a Manager over already-constructed stages sharing
// one multiplexer, per spec.md §9's "resolve stages once per call".
// tel is the shared outbound call-control collaborator every call's
// engine plays audio and issues truncate/redirect through. A nil rec
// defaults to metrics.NoOp().
func NewManager(cfg Config, mux *backend.Multiplexer, sttStage *stt.Stage, llmStage *llm.Stage, ttsStage *tts.Stage, tel telephony.OutboundCallbacks, logger logging.Logger, rec metrics.Recorder) *Manager {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if rec == nil {
		rec = metrics.NoOp()
	}
	return &Manager{
		cfg:      cfg,
		mux:      mux,
		stt:      sttStage,
		llm:      llmStage,
		tts:      ttsStage,
		tel:      tel,
		logger:   logger,
		metrics:  rec,
		sessions: make(map[string]*Session),
		engines:  make(map[string]*Engine),
	}
}

// OnCallAnswered implements telephony.InboundEvents: allocates a
// session, initialises its coordinator, and spawns the per-call
// orchestrator task (C6).
func (m *Manager) OnCallAnswered(ctx context.Context, callID string, callerChannel string, profile telephony.Profile) error {
	m.mu.Lock()
	if _, exists := m.sessions[callID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: call_id %q already active", ErrInvariantViolation, callID)
	}
	callCtx, cancel := context.WithCancel(ctx)
	sess := &Session{
		CallID:      callID,
		Coordinator: NewCoordinator(m.cfg, RMSFrameMs),
		History:     llm.NewTurns(),
		cancel:      cancel,
		started:     time.Now(),
	}
	eng := NewEngine(m.cfg, sess, m.stt, m.llm, m.tts, m.tel, m.logger, m.metrics)
	m.sessions[callID] = sess
	m.engines[callID] = eng
	m.metrics.ActiveCalls(len(m.sessions))
	m.mu.Unlock()

	go func() {
		if err := eng.Run(callCtx); err != nil {
			m.logger.Warn("orchestrator: call loop exited with error", "call_id", callID, "error", err)
		}
		m.cleanup(callID)
	}()
	return nil
}

// OnCallerAudio implements telephony.InboundEvents: routes one inbound
// caller audio frame (mu-law 8kHz) to the call's engine.
func (m *Manager) OnCallerAudio(ctx context.Context, callID string, frame []byte) error {
	m.mu.Lock()
	eng, ok := m.engines[callID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no active call %q", ErrCallerGone, callID)
	}
	return eng.HandleCallerAudio(ctx, frame, CallerAudioFormat)
}

// OnCallEnded implements telephony.InboundEvents: cancels the
// orchestrator task and idempotently frees session state, within
// cleanup_deadline (default 5s); exceeding it force-releases and logs.
func (m *Manager) OnCallEnded(ctx context.Context, callID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[callID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	sess.mu.Lock()
	cancel := sess.cancel
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.cleanup(callID)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.cfg.CleanupDeadline):
		m.logger.Error("orchestrator: cleanup deadline exceeded, force-releasing session", "call_id", callID)
		m.cleanup(callID)
	}
	return nil
}

func (m *Manager) cleanup(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, callID)
	delete(m.engines, callID)
	m.metrics.ActiveCalls(len(m.sessions))
}

// Session returns the live session for callID, if any.
func (m *Manager) Session(callID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	return s, ok
}

// ActiveCalls returns the number of calls currently tracked.
func (m *Manager) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

var _ telephony.InboundEvents = (*Manager)(nil)
