// Package backend owns the single duplex message channel to the
// in-process "local AI" server and multiplexes it into per-call,
// per-component-kind sub-sessions. Grounded on the teacher's
// pkg/providers/tts/lokutor.go (one websocket, JSON request + binary/
// text response loop) and _examples/original_source's
// src/pipelines/local.py (_LocalAdapterBase: send lock, handshake
// tolerance, result queue, reconnect), generalised from "one socket per
// call" to true multiplexing of many calls over one socket, which is
// what this spec's C2 component requires.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callwire/voiceagent/pkg/logging"
)

// Config holds the tunables for the multiplexer (spec.md §6:
// session.handshake_timeout_sec, session.response_timeout_sec, plus
// reconnect backoff which the original leaves implicit).
type Config struct {
	HandshakeTimeout   time.Duration
	SendTimeout        time.Duration
	QueueSize          int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// DefaultConfig matches the defaults enumerated in spec.md §6.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:   5 * time.Second,
		SendTimeout:        5 * time.Second,
		QueueSize:          64,
		ReconnectBaseDelay: 250 * time.Millisecond,
		ReconnectMaxDelay:  5 * time.Second,
	}
}

// Event is a demultiplexed, typed item delivered to a sub-session's
// queue or the multiplexer's control channel.
type Event struct {
	Type     string // partial_stt, final_stt, llm_text, tts_meta, tts_audio, tts_response, mode_ready, status, error
	Envelope Envelope
	Binary   []byte
}

type subKey struct {
	callID string
	kind   Mode
}

// SubSession is a logical channel over the shared connection, scoped to
// one call and one stage kind.
type SubSession struct {
	callID string
	kind   Mode
	mux    *Multiplexer

	queue     chan Event
	handshake chan struct{}

	mu          sync.Mutex
	closed      bool
	closeOnce   sync.Once
	lastPartial string
}

// CallID reports the call this sub-session belongs to.
func (s *SubSession) CallID() string { return s.callID }

// Kind reports the component kind of this sub-session.
func (s *SubSession) Kind() Mode { return s.kind }

// Events yields demultiplexed events for this sub-session until it is
// closed, at which point the channel is closed (acting as the sentinel
// the spec calls for).
func (s *SubSession) Events() <-chan Event { return s.queue }

// Send serialises env through this sub-session's conceptual send lock
// (enforced, in practice, by the multiplexer's single physical write
// mutex) and fills in call_id/mode/request_id if absent. It must not
// block the caller for longer than the multiplexer's SendTimeout;
// exceeding it surfaces ErrBusy.
func (s *SubSession) Send(ctx context.Context, env *Envelope) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSubSessionClosed
	}
	s.mu.Unlock()

	if env.CallID == "" {
		env.CallID = s.callID
	}
	if env.Mode == "" {
		env.Mode = string(s.kind)
	}
	if env.RequestID == "" {
		env.RequestID = uuid.NewString()
	}
	return s.mux.writeJSON(ctx, env)
}

// SendBinary writes a raw binary frame (caller audio in, when a
// component kind accepts it) through the shared channel.
func (s *SubSession) SendBinary(ctx context.Context, b []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSubSessionClosed
	}
	s.mu.Unlock()
	return s.mux.writeBinary(ctx, b)
}

func (s *SubSession) deliver(ev Event) {
	select {
	case s.queue <- ev:
	default:
		// Bounded queue is full; drop rather than block the shared
		// receive loop. A slow consumer must not stall every other call.
	}
}

func (s *SubSession) markHandshakeDone() {
	select {
	case <-s.handshake:
	default:
		close(s.handshake)
	}
}

// Multiplexer owns the single duplex channel and every open
// sub-session over it.
type Multiplexer struct {
	dial   func(ctx context.Context) (Conn, error)
	cfg    Config
	logger logging.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    Conn
	subs    map[subKey]*SubSession
	pending map[subKey]*Envelope // tts_meta awaiting its binary frame
	lastTTS subKey
	closed  bool

	control chan Event

	baseCtx    context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewMultiplexer constructs a Multiplexer that dials via dial when
// Start is called and redials after the connection drops.
func NewMultiplexer(dial func(ctx context.Context) (Conn, error), cfg Config, logger logging.Logger) *Multiplexer {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Multiplexer{
		dial:    dial,
		cfg:     cfg,
		logger:  logger,
		subs:    make(map[subKey]*SubSession),
		pending: make(map[subKey]*Envelope),
		control: make(chan Event, cfg.QueueSize),
	}
}

// Control returns channel-level events that are not addressed to any
// specific call (status_response, reload_models/reload_llm replies).
func (m *Multiplexer) Control() <-chan Event { return m.control }

// Start dials the connection and launches the background receive loop.
// Safe to call once; subsequent calls are no-ops.
func (m *Multiplexer) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.baseCtx != nil {
		m.mu.Unlock()
		return nil
	}
	m.baseCtx, m.cancelFunc = context.WithCancel(ctx)
	m.mu.Unlock()

	conn, err := m.dial(m.baseCtx)
	if err != nil {
		return fmt.Errorf("backend: initial dial: %w", err)
	}
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	m.wg.Add(1)
	go m.receiveLoop()
	return nil
}

// Stop tears down the connection and cancels the receive loop.
func (m *Multiplexer) Stop() {
	m.mu.Lock()
	if m.cancelFunc != nil {
		m.cancelFunc()
	}
	conn := m.conn
	m.closed = true
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.wg.Wait()
}

// OpenSubSession establishes (or idempotently reuses) a sub-session for
// (callID, kind), sends set_mode, and tolerantly waits up to
// HandshakeTimeout for mode_ready: on timeout it logs a warning and
// proceeds, matching the standardised-tolerant reading of the open
// question in spec.md §9.
func (m *Multiplexer) OpenSubSession(ctx context.Context, callID string, kind Mode, options map[string]interface{}) (*SubSession, error) {
	key := subKey{callID: callID, kind: kind}

	m.mu.Lock()
	if existing, ok := m.subs[key]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	sub := &SubSession{
		callID:    callID,
		kind:      kind,
		mux:       m,
		queue:     make(chan Event, m.cfg.QueueSize),
		handshake: make(chan struct{}),
	}
	m.subs[key] = sub
	m.mu.Unlock()

	env := &Envelope{Type: TypeSetMode, CallID: callID, Mode: string(kind), RequestID: uuid.NewString()}
	if err := m.writeJSON(ctx, env); err != nil {
		return nil, fmt.Errorf("backend: open_sub_session set_mode: %w", err)
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	select {
	case <-sub.handshake:
	case <-handshakeCtx.Done():
		m.logger.Warn("sub-session handshake timed out, proceeding without mode_ready", "call_id", callID, "kind", kind)
	}

	return sub, nil
}

// CloseSubSession flushes a sentinel (channel close) into the
// sub-session's queue, unregisters it, and is idempotent: closing an
// already-closed sub-session is a no-op.
func (m *Multiplexer) CloseSubSession(s *SubSession) error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		m.mu.Lock()
		delete(m.subs, subKey{callID: s.callID, kind: s.kind})
		m.mu.Unlock()

		close(s.queue)
	})
	return nil
}

// CloseCallSubSession closes the sub-session for (callID, kind) if one is
// currently open, and is a no-op otherwise. Stage façades (pkg/llm,
// pkg/tts) that open their per-call sub-session lazily via
// OpenSubSession use this to close it again without needing to hold onto
// the *SubSession handle themselves.
func (m *Multiplexer) CloseCallSubSession(callID string, kind Mode) error {
	sub := m.lookup(subKey{callID: callID, kind: kind})
	if sub == nil {
		return nil
	}
	return m.CloseSubSession(sub)
}

// SendControl issues a channel-level control message (reload_models,
// reload_llm, status) with no call_id and waits up to timeout for the
// control reply whose request_id matches the one it sent.
func (m *Multiplexer) SendControl(ctx context.Context, kind string, timeout time.Duration) (*Envelope, error) {
	env := &Envelope{Type: kind, RequestID: uuid.NewString()}
	if err := m.writeJSON(ctx, env); err != nil {
		return nil, err
	}
	ctrlCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		select {
		case ev := <-m.control:
			if ev.Envelope.RequestID == env.RequestID {
				return &ev.Envelope, nil
			}
		case <-ctrlCtx.Done():
			return nil, fmt.Errorf("backend: control %q timed out: %w", kind, ctrlCtx.Err())
		}
	}
}

func (m *Multiplexer) writeJSON(ctx context.Context, env *Envelope) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrChannelClosed
	}

	done := make(chan error, 1)
	go func() {
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		done <- conn.WriteJSON(ctx, env)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(m.cfg.SendTimeout):
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Multiplexer) writeBinary(ctx context.Context, b []byte) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrChannelClosed
	}

	done := make(chan error, 1)
	go func() {
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		done <- conn.WriteBinary(ctx, b)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(m.cfg.SendTimeout):
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Multiplexer) receiveLoop() {
	defer m.wg.Done()
	backoff := m.cfg.ReconnectBaseDelay

	for {
		m.mu.Lock()
		conn := m.conn
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		if conn == nil {
			select {
			case <-m.baseCtx.Done():
				return
			case <-time.After(backoff):
			}
			newConn, err := m.dial(m.baseCtx)
			if err != nil {
				backoff = nextBackoff(backoff, m.cfg.ReconnectMaxDelay)
				continue
			}
			m.mu.Lock()
			m.conn = newConn
			m.mu.Unlock()
			backoff = m.cfg.ReconnectBaseDelay
			m.reopenAfterReconnect()
			conn = newConn
		}

		kind, payload, err := conn.Read(m.baseCtx)
		if err != nil {
			m.logger.Warn("backend channel closed, marking sub-sessions and reconnecting", "error", err)
			m.handleChannelClosed(conn)
			continue
		}

		switch kind {
		case FrameText:
			m.dispatchEnvelope(payload)
		case FrameBinary:
			m.dispatchBinary(payload)
		}
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	jitter := time.Duration(rand.Int63n(int64(next/4 + 1)))
	return next + jitter
}

// handleChannelClosed marks every open sub-session with an error event
// and drops the dead connection; the receive loop's next iteration
// reconnects with backoff. Reconnects do not replay state: open calls
// must re-issue set_mode, which OpenSubSession does unconditionally.
func (m *Multiplexer) handleChannelClosed(dead Conn) {
	_ = dead.Close()
	m.mu.Lock()
	m.conn = nil
	subs := make([]*SubSession, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.subs = make(map[subKey]*SubSession)
	m.mu.Unlock()

	for _, s := range subs {
		s.deliver(Event{Type: "error", Envelope: Envelope{Type: TypeError, CallID: s.callID, Mode: string(s.kind), Message: ErrChannelClosed.Error()}})
		m.CloseSubSession(s)
	}
}

// reopenAfterReconnect is a hook for future re-registration of
// long-lived sub-sessions; the current design relies on callers
// detecting the closed queue and calling OpenSubSession again, which is
// simpler and matches "reconnects do not replay state" in spec.md §4.2.
func (m *Multiplexer) reopenAfterReconnect() {}

func (m *Multiplexer) dispatchEnvelope(payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		m.logger.Warn("backend: malformed envelope, skipping", "error", err)
		return
	}

	switch env.Type {
	case TypeModeReady:
		key := subKey{callID: env.CallID, kind: Mode(env.Mode)}
		if sub := m.lookup(key); sub != nil {
			sub.markHandshakeDone()
			sub.deliver(Event{Type: "mode_ready", Envelope: env})
		}

	case TypeSTTResult:
		key := subKey{callID: env.CallID, kind: ModeSTT}
		evType := "partial_stt"
		if env.IsFinal {
			evType = "final_stt"
		}
		if sub := m.lookup(key); sub != nil {
			sub.deliver(Event{Type: evType, Envelope: env})
		}

	case TypeLLMResponse:
		key := subKey{callID: env.CallID, kind: ModeLLM}
		if sub := m.lookup(key); sub != nil {
			sub.deliver(Event{Type: "llm_text", Envelope: env})
		}

	case TypeTTSAudio:
		key := subKey{callID: env.CallID, kind: ModeTTS}
		m.mu.Lock()
		m.pending[key] = &env
		m.lastTTS = key
		m.mu.Unlock()
		if sub := m.lookup(key); sub != nil {
			sub.deliver(Event{Type: "tts_meta", Envelope: env})
		}

	case TypeTTSResponse:
		key := subKey{callID: env.CallID, kind: ModeTTS}
		if sub := m.lookup(key); sub != nil {
			sub.deliver(Event{Type: "tts_response", Envelope: env})
		}

	case TypeStatusReply, TypeReloadModels, TypeReloadLLM:
		select {
		case m.control <- Event{Type: "status", Envelope: env}:
		default:
		}

	case TypeError:
		m.broadcastError(env)

	default:
		m.logger.Warn("backend: unknown envelope type, skipping", "type", env.Type)
	}
}

func (m *Multiplexer) broadcastError(env Envelope) {
	m.mu.Lock()
	var targets []*SubSession
	for k, s := range m.subs {
		if env.CallID == "" || k.callID == env.CallID {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()
	for _, s := range targets {
		s.deliver(Event{Type: "error", Envelope: env})
	}
}

func (m *Multiplexer) dispatchBinary(payload []byte) {
	m.mu.Lock()
	key := m.lastTTS
	env, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
	}
	m.mu.Unlock()

	if ok {
		if sub := m.lookup(key); sub != nil {
			sub.deliver(Event{Type: "tts_audio", Envelope: *env, Binary: payload})
			return
		}
	}

	// No pending meta: route to the sole open tts sub-session, if there
	// is exactly one, per spec.md §4.2's fallback rule.
	m.mu.Lock()
	var sole *SubSession
	count := 0
	for k, s := range m.subs {
		if k.kind == ModeTTS {
			sole = s
			count++
		}
	}
	m.mu.Unlock()
	if count == 1 {
		sole.deliver(Event{Type: "tts_audio", Binary: payload})
		return
	}
	m.logger.Warn("backend: binary frame with no routable tts sub-session, dropping", "bytes", len(payload))
}

func (m *Multiplexer) lookup(key subKey) *SubSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[key]
}
