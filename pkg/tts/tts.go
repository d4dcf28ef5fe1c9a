// Package tts implements the text-to-speech stage: sending a synthesis
// request over the back-end multiplexer and streaming the reply to the
// caller in telephony-format (mu-law 8kHz) chunks, bounded by
// chunk_size_ms, regardless of which of the two reply shapes the
// back-end used.
//
// Grounded on the teacher's pkg/providers/tts/lokutor.go (accepting
// both a binary-frame stream and a single terminal message) and
// _examples/original_source/local_ai_server/main.py's process_tts
// (22.05kHz synthesis converted to 8kHz mu-law before emission).
package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/callwire/voiceagent/pkg/backend"
	"github.com/callwire/voiceagent/pkg/codec"
	"github.com/callwire/voiceagent/pkg/logging"
)

// Config holds the TTS stage tunables.
type Config struct {
	ChunkSizeMs  int
	ResponseWait time.Duration
}

// DefaultConfig matches the spec's nominal chunk size and the session
// response timeout from spec.md §6.
func DefaultConfig() Config {
	return Config{ChunkSizeMs: 40, ResponseWait: 5 * time.Second}
}

// Stage is the per-process TTS façade.
type Stage struct {
	mux    *backend.Multiplexer
	cfg    Config
	logger logging.Logger
}

// NewStage constructs a TTS stage bound to mux.
func NewStage(mux *backend.Multiplexer, cfg Config, logger logging.Logger) *Stage {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Stage{mux: mux, cfg: cfg, logger: logger}
}

// Synthesize sends text for synthesis and streams resulting mu-law
// 8kHz audio to onChunk in chunk_size_ms-bounded frames. Empty text
// yields nothing and is not an error.
func (s *Stage) Synthesize(ctx context.Context, callID string, text string, onChunk func([]byte) error) error {
	if text == "" {
		return nil
	}

	sub, err := s.mux.OpenSubSession(ctx, callID, backend.ModeTTS, nil)
	if err != nil {
		return fmt.Errorf("tts: open_sub_session: %w", err)
	}

	env := &backend.Envelope{Type: backend.TypeTTSRequest, CallID: callID, Mode: string(backend.ModeTTS), Text: text}
	if err := sub.Send(ctx, env); err != nil {
		return fmt.Errorf("tts: send tts_request: %w", err)
	}

	audio, encoding, rate, err := s.collect(ctx, sub)
	if err != nil {
		return err
	}

	mulaw8k, err := toMuLaw8k(audio, encoding, rate)
	if err != nil {
		return fmt.Errorf("%w", codec.ErrInvalidEncoding)
	}

	frames, err := codec.Chunk(mulaw8k, codec.MuLaw, 8000, s.cfg.ChunkSizeMs)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := onChunk(f); err != nil {
			return err
		}
	}
	return nil
}

// collect drains sub's events for exactly one logical audio segment,
// accepting either the (tts_meta + binary) shape or the single
// base64 tts_response shape (spec.md §4.5).
func (s *Stage) collect(ctx context.Context, sub *backend.SubSession) (audio []byte, encoding string, rate int, err error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ResponseWait)
	defer cancel()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return nil, "", 0, fmt.Errorf("tts: sub-session closed before reply")
			}
			switch ev.Type {
			case "tts_meta":
				encoding, rate = ev.Envelope.Encoding, ev.Envelope.SampleRateHz
			case "tts_audio":
				if encoding == "" {
					encoding, rate = ev.Envelope.Encoding, ev.Envelope.SampleRateHz
				}
				return ev.Binary, encoding, rate, nil
			case "tts_response":
				data, decErr := base64.StdEncoding.DecodeString(ev.Envelope.AudioData)
				if decErr != nil {
					return nil, "", 0, fmt.Errorf("tts: decoding audio_data: %w", decErr)
				}
				return data, "pcm16", 22050, nil
			case "error":
				return nil, "", 0, fmt.Errorf("tts: %s", ev.Envelope.Message)
			}
		case <-waitCtx.Done():
			// spec.md §4.5: Timeout returns empty, never fatal.
			return []byte{}, "", 0, nil
		}
	}
}

// CloseSession closes this call's TTS sub-session, if one is open. Part
// of spec.md §4.6 step 4's ordered TTS -> LLM -> STT call teardown.
func (s *Stage) CloseSession(callID string) error {
	return s.mux.CloseCallSubSession(callID, backend.ModeTTS)
}

func toMuLaw8k(audio []byte, encoding string, rate int) ([]byte, error) {
	if len(audio) == 0 {
		return audio, nil
	}
	switch encoding {
	case "mulaw":
		if rate == 8000 || rate == 0 {
			return audio, nil
		}
		pcm := codec.MuLawToPCM16(audio)
		resampled, err := codec.Resample(pcm, rate, 8000)
		if err != nil {
			return nil, err
		}
		return codec.PCM16ToMuLaw(resampled), nil
	case "pcm16", "":
		srcRate := rate
		if srcRate == 0 {
			srcRate = 22050
		}
		resampled, err := codec.Resample(audio, srcRate, 8000)
		if err != nil {
			return nil, err
		}
		return codec.PCM16ToMuLaw(resampled), nil
	default:
		return nil, codec.ErrInvalidEncoding
	}
}
