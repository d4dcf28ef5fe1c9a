package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/callwire/voiceagent/pkg/backend"
	"github.com/callwire/voiceagent/pkg/llm"
	"github.com/callwire/voiceagent/pkg/stt"
	"github.com/callwire/voiceagent/pkg/telephony"
	"github.com/callwire/voiceagent/pkg/tts"
)

// fakeConn is an in-memory backend.Conn double driven by a tiny fake
// "local AI server" goroutine below, mirroring pkg/backend's own test
// double and pkg/stt's.
type fakeConn struct {
	fromServer chan rawFrame
	writes     chan backend.Envelope
	closed     chan struct{}
	closeOnce  sync.Once
}

type rawFrame struct {
	kind    backend.FrameKind
	payload []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		fromServer: make(chan rawFrame, 64),
		writes:     make(chan backend.Envelope, 64),
		closed:     make(chan struct{}),
	}
}

func (f *fakeConn) WriteJSON(ctx context.Context, v *backend.Envelope) error {
	select {
	case f.writes <- *v:
	default:
	}
	return nil
}

func (f *fakeConn) WriteBinary(ctx context.Context, b []byte) error { return nil }

func (f *fakeConn) Read(ctx context.Context) (backend.FrameKind, []byte, error) {
	select {
	case fr := <-f.fromServer:
		return fr.kind, fr.payload, nil
	case <-f.closed:
		return 0, nil, errFakeClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) pushEnvelope(env backend.Envelope) {
	b, _ := json.Marshal(env)
	f.fromServer <- rawFrame{kind: backend.FrameText, payload: b}
}

func (f *fakeConn) pushBinary(b []byte) {
	f.fromServer <- rawFrame{kind: backend.FrameBinary, payload: b}
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errFakeClosed = fakeErr("fake conn closed")

// runFakeServer answers set_mode with mode_ready, tts_request with a
// canned mulaw tts_audio segment, and llm_request with a canned reply.
// If sttFinal is non-empty, it is pushed as a single final stt_result
// immediately after the first stt set_mode is acknowledged, guaranteeing
// the sub-session is already registered to receive it (avoiding a race
// against the test pushing directly onto the raw conn).
func runFakeServer(t *testing.T, conn *fakeConn, llmReply string, sttFinal string) {
	t.Helper()
	var sttFinalSent bool
	go func() {
		for {
			select {
			case env := <-conn.writes:
				switch env.Type {
				case backend.TypeSetMode:
					conn.pushEnvelope(backend.Envelope{Type: backend.TypeModeReady, CallID: env.CallID, Mode: env.Mode})
					if env.Mode == string(backend.ModeSTT) && sttFinal != "" && !sttFinalSent {
						sttFinalSent = true
						conn.pushEnvelope(backend.Envelope{Type: backend.TypeSTTResult, CallID: env.CallID, Text: sttFinal, IsFinal: true})
					}
				case backend.TypeTTSRequest:
					conn.pushEnvelope(backend.Envelope{
						Type: backend.TypeTTSAudio, CallID: env.CallID,
						Encoding: "mulaw", SampleRateHz: 8000, ByteLength: 4,
					})
					conn.pushBinary([]byte{1, 2, 3, 4})
				case backend.TypeLLMRequest:
					conn.pushEnvelope(backend.Envelope{Type: backend.TypeLLMResponse, CallID: env.CallID, Text: llmReply})
				}
			case <-conn.closed:
				return
			}
		}
	}()
}

func testFixture(t *testing.T, llmReply string) (*Manager, *fakeConn, *recordingTelephony) {
	return testFixtureWithSTTFinal(t, llmReply, "")
}

func testFixtureWithSTTFinal(t *testing.T, llmReply string, sttFinal string) (*Manager, *fakeConn, *recordingTelephony) {
	t.Helper()
	conn := newFakeConn()
	runFakeServer(t, conn, llmReply, sttFinal)

	beCfg := backend.DefaultConfig()
	beCfg.HandshakeTimeout = 200 * time.Millisecond
	mux := backend.NewMultiplexer(func(ctx context.Context) (backend.Conn, error) { return conn, nil }, beCfg, nil)
	if err := mux.Start(context.Background()); err != nil {
		t.Fatalf("mux start: %v", err)
	}
	t.Cleanup(mux.Stop)

	sttStage := stt.NewStage(mux, stt.Config{IdleMs: 3000}, nil)
	llmStage := llm.NewStage(mux, llm.DefaultConfig(), nil, nil)
	ttsStage := tts.NewStage(mux, tts.Config{ChunkSizeMs: 40, ResponseWait: time.Second}, nil)

	tel := &recordingTelephony{}
	cfg := DefaultConfig()
	cfg.GreetingText = "Hello"
	mgr := NewManager(cfg, mux, sttStage, llmStage, ttsStage, tel, nil, nil)
	return mgr, conn, tel
}

type recordingTelephony struct {
	mu         sync.Mutex
	played     [][]byte
	truncated  int
	redirected []string
}

func (r *recordingTelephony) Play(ctx context.Context, callID string, chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.played = append(r.played, chunk)
	return nil
}

func (r *recordingTelephony) TruncatePlayback(ctx context.Context, callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.truncated++
	return nil
}

func (r *recordingTelephony) Redirect(ctx context.Context, callID string, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redirected = append(r.redirected, target)
	return nil
}

func (r *recordingTelephony) playCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.played)
}

// TestGreetingThenTurn drives spec.md §8 seed scenario 1: the greeting
// plays, a caller final triggers one LLM call, and the reply plays.
func TestGreetingThenTurn(t *testing.T) {
	mgr, _, tel := testFixtureWithSTTFinal(t, "I can help with that.", "what is the time")

	ctx := context.Background()
	if err := mgr.OnCallAnswered(ctx, "call-1", "chan-1", telephony.Profile{CallID: "call-1"}); err != nil {
		t.Fatalf("on_call_answered: %v", err)
	}

	waitForPlay(t, tel, 1) // greeting audio

	if _, ok := mgr.Session("call-1"); !ok {
		t.Fatal("expected an active session")
	}

	// The fake server pushes the caller's final transcript itself, right
	// after acknowledging the stt set_mode handshake, so it lands only
	// once the STT sub-session is guaranteed registered.
	waitForPlay(t, tel, 2) // reply audio on top of the greeting

	if err := mgr.OnCallEnded(ctx, "call-1"); err != nil {
		t.Fatalf("on_call_ended: %v", err)
	}
	if mgr.ActiveCalls() != 0 {
		t.Fatalf("expected 0 active calls after hangup, got %d", mgr.ActiveCalls())
	}
}

// TestDuplicateCallAnsweredRejected guards the session arena's
// one-session-per-call_id invariant (spec.md §3).
func TestDuplicateCallAnsweredRejected(t *testing.T) {
	mgr, _, _ := testFixture(t, "ok")
	ctx := context.Background()
	if err := mgr.OnCallAnswered(ctx, "call-dup", "chan-1", telephony.Profile{CallID: "call-dup"}); err != nil {
		t.Fatalf("first answer: %v", err)
	}
	defer mgr.OnCallEnded(ctx, "call-dup")

	if err := mgr.OnCallAnswered(ctx, "call-dup", "chan-1", telephony.Profile{CallID: "call-dup"}); err == nil {
		t.Fatal("expected re-answering an already-active call_id to fail")
	}
}

// TestOnCallEndedIsIdempotent exercises C8's idempotent cleanup path.
func TestOnCallEndedIsIdempotent(t *testing.T) {
	mgr, _, tel := testFixture(t, "ok")
	ctx := context.Background()
	mgr.OnCallAnswered(ctx, "call-2", "chan-1", telephony.Profile{CallID: "call-2"})
	waitForPlay(t, tel, 1)

	if err := mgr.OnCallEnded(ctx, "call-2"); err != nil {
		t.Fatalf("first end: %v", err)
	}
	if err := mgr.OnCallEnded(ctx, "call-2"); err != nil {
		t.Fatalf("second end should be a no-op, got: %v", err)
	}
}

func waitForPlay(t *testing.T, tel *recordingTelephony, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tel.playCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d Play call(s), got %d", n, tel.playCount())
}
