// Package llm implements the language-model stage: rolling user-turn
// history trimmed to a token budget, single-flight inference serialised
// by a process-wide mutex, bounded timeout with a fixed fallback reply,
// duplicate-turn skip, and one-time startup warm-up.
//
// Grounded on _examples/original_source/local_ai_server/main.py
// (_count_prompt_tokens, _build_phi_prompt/_strip_leading_bos,
// _prepare_llm_prompt, run_startup_latency_check, the llm_lock) and the
// teacher's pkg/orchestrator/managed_stream.go runLLMAndTTS (per-turn
// cancellation, instrumentation timestamps), re-expressed against the
// back-end multiplexer instead of an in-process model handle.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/callwire/voiceagent/pkg/backend"
	"github.com/callwire/voiceagent/pkg/logging"
)

// FallbackReply is returned verbatim whenever inference times out or
// fails; it must never be allowed to leak an internal error string to
// the caller.
const FallbackReply = "I'm here to help you. Could you please repeat that?"

// TokenCounter estimates a token count for a prompt string. The
// production default is a whitespace-split approximation; a caller may
// inject a real tokenizer when one is available.
type TokenCounter interface {
	Count(s string) int
}

// WhitespaceTokenCounter is the conservative fallback counter used when
// no model tokenizer is available.
type WhitespaceTokenCounter struct{}

func (WhitespaceTokenCounter) Count(s string) int {
	return len(strings.Fields(s))
}

// Config holds the LLM stage tunables enumerated in spec.md §6.
type Config struct {
	SystemPrompt  string
	Context       int
	MaxTokens     int
	Temperature   float64
	TopP          float64
	RepeatPenalty float64
	InferTimeout  time.Duration
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		SystemPrompt:  "You are a helpful and concise voice assistant. Use short sentences suitable for speech.",
		Context:       768,
		MaxTokens:     48,
		Temperature:   0.2,
		TopP:          0.85,
		RepeatPenalty: 1.05,
		InferTimeout:  20 * time.Second,
	}
}

// Stage is the per-process LLM façade. The underlying model is not
// reentrant, so every call from every active call is serialised by mu.
type Stage struct {
	mux      *backend.Multiplexer
	cfg      Config
	counter  TokenCounter
	logger   logging.Logger
	mu       sync.Mutex // process-wide single-flight inference lock
	warmedUp bool
}

// NewStage constructs an LLM stage. A nil counter defaults to
// WhitespaceTokenCounter.
func NewStage(mux *backend.Multiplexer, cfg Config, counter TokenCounter, logger logging.Logger) *Stage {
	if counter == nil {
		counter = WhitespaceTokenCounter{}
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Stage{mux: mux, cfg: cfg, counter: counter, logger: logger}
}

// Turns is the caller-owned rolling history of prior user turns for one
// call; Generate both reads and rewrites it (trimmed turns are
// persisted back, per spec.md §4.4).
type Turns struct {
	mu       sync.Mutex
	turns    []string
	lastNorm string
}

// NewTurns returns an empty rolling history.
func NewTurns() *Turns { return &Turns{} }

func (t *Turns) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.turns))
	copy(out, t.turns)
	return out
}

func (t *Turns) replace(turns []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = turns
}

func (t *Turns) lastNormalized() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastNorm
}

func (t *Turns) setLastNormalized(n string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastNorm = n
}

// BuildPrompt assembles the chat-template prompt for candidateTurns
// (prior turns plus the new one), trimming from the front until the
// token budget (context - max_reply - 64) is met. Returns the prompt,
// the turns actually kept, and whether trimming occurred.
func (s *Stage) BuildPrompt(candidateTurns []string) (prompt string, kept []string, truncated bool) {
	maxPromptTokens := s.cfg.Context - s.cfg.MaxTokens - 64

	kept = append([]string(nil), candidateTurns...)
	for len(kept) > 0 && s.counter.Count(render(s.cfg.SystemPrompt, kept)) > maxPromptTokens {
		kept = kept[1:]
		truncated = true
	}
	prompt = stripLeadingBOS(render(s.cfg.SystemPrompt, kept))
	return prompt, kept, truncated
}

func render(systemPrompt string, turns []string) string {
	joined := strings.TrimSpace(strings.Join(turns, "\n\n"))
	return "<sys>\n" + systemPrompt + "\n<user>\n" + joined + "\n<assistant>\n"
}

func stripLeadingBOS(prompt string) string {
	cleaned := strings.TrimLeft(prompt, " \t\n")
	for {
		switch {
		case strings.HasPrefix(cleaned, "<s>"):
			cleaned = strings.TrimLeft(cleaned[len("<s>"):], " \t\n")
		case strings.HasPrefix(cleaned, "<|bos|>"):
			cleaned = strings.TrimLeft(cleaned[len("<|bos|>"):], " \t\n")
		default:
			return cleaned
		}
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Generate runs one inference turn: it appends transcript to history,
// trims to the token budget, takes the process-wide single-flight lock,
// and returns the model's reply or, on timeout/failure, the fixed
// fallback reply. transcript must be non-empty — discarding empty
// transcripts is the orchestrator's responsibility (spec.md §4.4).
func (s *Stage) Generate(ctx context.Context, callID string, transcript string, history *Turns) (string, error) {
	norm := normalize(transcript)
	if norm != "" && norm == history.lastNormalized() {
		s.logger.Info("LLM SKIPPED — Duplicate final transcript", "call_id", callID)
		return "", ErrDuplicateTurn
	}

	candidate := append(history.snapshot(), transcript)
	prompt, kept, truncated := s.BuildPrompt(candidate)
	history.replace(kept)
	history.setLastNormalized(norm)
	if truncated {
		s.logger.Debug("llm: prompt truncated to fit context budget", "call_id", callID)
	}

	timeout := s.cfg.InferTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	inferCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := s.infer(inferCtx, callID, prompt)
	if err != nil {
		s.logger.Warn("llm: inference failed or timed out, returning fallback reply", "call_id", callID, "error", err)
		return FallbackReply, nil
	}
	return reply, nil
}

// infer takes the process-wide mutex and exchanges one llm_request/
// llm_response pair over the back-end multiplexer.
func (s *Stage) infer(ctx context.Context, callID string, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.mux.OpenSubSession(ctx, callID, backend.ModeLLM, nil)
	if err != nil {
		return "", fmt.Errorf("llm: open_sub_session: %w", err)
	}

	env := &backend.Envelope{Type: backend.TypeLLMRequest, CallID: callID, Mode: string(backend.ModeLLM), Context: prompt}
	if err := sub.Send(ctx, env); err != nil {
		return "", fmt.Errorf("llm: send llm_request: %w", err)
	}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return "", ErrModelUnavailable
			}
			switch ev.Type {
			case "llm_text":
				if ev.Envelope.RequestID == "" || ev.Envelope.RequestID == env.RequestID {
					return ev.Envelope.Text, nil
				}
			case "error":
				return "", fmt.Errorf("llm: %s", ev.Envelope.Message)
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// CloseSession closes this call's LLM sub-session, if one is open. Part
// of spec.md §4.6 step 4's ordered TTS -> LLM -> STT call teardown.
func (s *Stage) CloseSession(callID string) error {
	return s.mux.CloseCallSubSession(callID, backend.ModeLLM)
}

// Warmup performs the one-time startup inference on a short "hello"
// prompt and logs the measured latency, with a periodic heartbeat while
// it runs (spec.md §4.4, SPEC_FULL.md §4). It computes the
// min(max_tokens, 32) warm-up cap, but the llm_request envelope carries
// no token limit, so that cap is not sent to the server.
func (s *Stage) Warmup(ctx context.Context, callID string) error {
	s.mu.Lock()
	if s.warmedUp {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	heartbeat := time.NewTicker(5 * time.Second)
	defer heartbeat.Stop()
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-heartbeat.C:
				s.logger.Info("llm: warm-up inference still running", "call_id", callID)
			case <-done:
				return
			}
		}
	}()

	start := time.Now()
	maxTokens := s.cfg.MaxTokens
	if maxTokens > 32 {
		maxTokens = 32
	}
	warmCfg := s.cfg
	warmCfg.MaxTokens = maxTokens

	prompt, _, _ := s.BuildPrompt([]string{"hello"})
	_, err := s.infer(ctx, callID, prompt)
	close(done)

	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	s.mu.Lock()
	s.warmedUp = true
	s.mu.Unlock()

	s.logger.Info("llm: warm-up complete", "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}
