package llm

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/callwire/voiceagent/pkg/backend"
)

type fakeConn struct {
	fromServer chan frame
	writes     chan backend.Envelope
}

type frame struct {
	kind    backend.FrameKind
	payload []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{fromServer: make(chan frame, 32), writes: make(chan backend.Envelope, 32)}
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
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}
func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) reply(env backend.Envelope) {
	b, _ := json.Marshal(env)
	f.fromServer <- frame{kind: backend.FrameText, payload: b}
}

func newTestStage(t *testing.T, cfg Config) (*Stage, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	bcfg := backend.DefaultConfig()
	bcfg.HandshakeTimeout = 20 * time.Millisecond
	mux := backend.NewMultiplexer(func(ctx context.Context) (backend.Conn, error) { return conn, nil }, bcfg, nil)
	if err := mux.Start(context.Background()); err != nil {
		t.Fatalf("start mux: %v", err)
	}
	t.Cleanup(mux.Stop)
	return NewStage(mux, cfg, nil, nil), conn
}

func TestGenerateReturnsModelReply(t *testing.T) {
	stage, conn := newTestStage(t, DefaultConfig())

	go func() {
		<-conn.writes // set_mode
		env := <-conn.writes // llm_request
		conn.reply(backend.Envelope{Type: backend.TypeLLMResponse, CallID: "call-1", RequestID: env.RequestID, Text: "hi there"})
	}()

	reply, err := stage.Generate(context.Background(), "call-1", "hello", NewTurns())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "hi there" {
		t.Errorf("expected 'hi there', got %q", reply)
	}
}

func TestGenerateTimesOutToFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InferTimeout = 50 * time.Millisecond
	stage, conn := newTestStage(t, cfg)
	go func() { <-conn.writes /* never reply */ }()

	start := time.Now()
	reply, err := stage.Generate(context.Background(), "call-2", "hello", NewTurns())
	if err != nil {
		t.Fatalf("Generate should absorb timeout, got error: %v", err)
	}
	if reply != FallbackReply {
		t.Errorf("expected fallback reply, got %q", reply)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Errorf("fallback took too long: %s", time.Since(start))
	}
}

func TestGenerateSkipsDuplicateTurn(t *testing.T) {
	stage, conn := newTestStage(t, DefaultConfig())
	history := NewTurns()

	go func() {
		<-conn.writes // set_mode
		env := <-conn.writes // llm_request
		conn.reply(backend.Envelope{Type: backend.TypeLLMResponse, CallID: "call-3", RequestID: env.RequestID, Text: "ok"})
	}()
	if _, err := stage.Generate(context.Background(), "call-3", "repeat that", history); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	_, err := stage.Generate(context.Background(), "call-3", "Repeat That", history)
	if err != ErrDuplicateTurn {
		t.Errorf("expected ErrDuplicateTurn for normalised-equal turn, got %v", err)
	}
}

func TestBuildPromptTrimsToFitBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Context = 150
	cfg.MaxTokens = 20
	stage := NewStage(nil, cfg, WhitespaceTokenCounter{}, nil)

	var turns []string
	for i := 0; i < 50; i++ {
		turns = append(turns, strings.Repeat("word ", 10))
	}

	prompt, kept, truncated := stage.BuildPrompt(turns)
	if !truncated {
		t.Error("expected truncation when turns exceed budget")
	}
	if len(kept) >= len(turns) {
		t.Errorf("expected fewer turns kept than submitted, got %d of %d", len(kept), len(turns))
	}
	maxTokens := cfg.Context - cfg.MaxTokens - 64
	if WhitespaceTokenCounter{}.Count(prompt) > maxTokens {
		t.Errorf("prompt token count %d exceeds budget %d", WhitespaceTokenCounter{}.Count(prompt), maxTokens)
	}
}
