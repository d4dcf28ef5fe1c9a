// Command agent is a local microphone/speaker demo harness for the
// voice agent core: it stands in for a real telephony switch by
// bridging a laptop's duplex audio device to the orchestrator through
// the telephony.Switch contract, so the whole C1-C8 pipeline can be
// exercised without a SIP/Asterisk bridge. Grounded on the teacher's
// cmd/agent/main.go (malgo device setup, the mic-energy console meter,
// the event-driven print loop), rewired from direct provider calls to
// the back-end multiplexer and the stage/orchestrator packages this
// spec introduces.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/callwire/voiceagent/internal/micdemo"
	"github.com/callwire/voiceagent/pkg/audio"
	"github.com/callwire/voiceagent/pkg/backend"
	"github.com/callwire/voiceagent/pkg/codec"
	"github.com/callwire/voiceagent/pkg/llm"
	"github.com/callwire/voiceagent/pkg/logging"
	"github.com/callwire/voiceagent/pkg/metrics"
	"github.com/callwire/voiceagent/pkg/orchestrator"
	"github.com/callwire/voiceagent/pkg/stt"
	"github.com/callwire/voiceagent/pkg/telephony"
	"github.com/callwire/voiceagent/pkg/tts"
)

const (
	deviceSampleRate = 44100
	deviceChannels   = 1
	callerRateHz     = 8000
	demoCallID       = "mic-demo-1"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("note: no .env file found, using system environment variables")
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("zap: %v", err)
	}
	defer zlog.Sync()
	logger := logging.NewZap(zlog)

	backendURL := getenv("LOCAL_AI_SERVER_URL", "ws://127.0.0.1:8765/ws")
	metricsAddr := os.Getenv("METRICS_ADDR")
	debugWavPath := os.Getenv("DEBUG_WAV_PATH")

	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheus(reg)
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Warn("agent: metrics server stopped", "error", err)
			}
		}()
		logger.Info("agent: metrics exposed", "addr", metricsAddr)
	}

	beCfg := backend.DefaultConfig()
	if v := os.Getenv("SESSION_HANDSHAKE_TIMEOUT_SEC"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			beCfg.HandshakeTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("SESSION_RESPONSE_TIMEOUT_SEC"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			beCfg.SendTimeout = time.Duration(secs) * time.Second
		}
	}

	mux := backend.NewMultiplexer(func(ctx context.Context) (backend.Conn, error) {
		return backend.Dial(ctx, backendURL)
	}, beCfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mux.Start(ctx); err != nil {
		log.Fatalf("agent: connect to local AI server at %s: %v", backendURL, err)
	}
	defer mux.Stop()

	sttStage := stt.NewStage(mux, stt.DefaultConfig(), logger)
	llmCfg := llm.DefaultConfig()
	if v := os.Getenv("LOCAL_LLM_INFER_TIMEOUT_SEC"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			llmCfg.InferTimeout = time.Duration(secs) * time.Second
		}
	}
	llmStage := llm.NewStage(mux, llmCfg, llm.WhitespaceTokenCounter{}, logger)
	ttsStage := tts.NewStage(mux, tts.DefaultConfig(), logger)

	echo := micdemo.NewEchoSuppressor()
	tel := newDuplexTelephony(echo)
	defer tel.close()

	agentCfg := orchestrator.DefaultConfig()
	if v := os.Getenv("GREETING_TEXT"); v != "" {
		agentCfg.GreetingText = v
	}
	mgr := orchestrator.NewManager(agentCfg, mux, sttStage, llmStage, ttsStage, tel, logger, rec)

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatalf("agent: init audio context: %v", err)
	}
	defer mctx.Uninit()

	gate := micdemo.NewSpeechGate(0.02, 500*time.Millisecond)

	var wavMu sync.Mutex
	var wavCapture []byte   // raw mic capture, device native rate/PCM16
	var mulawCapture []byte // the telephony-format bytes handed to mgr.OnCallerAudio
	captureWav := debugWavPath != ""

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			gate.Process(pInput)
			if captureWav {
				wavMu.Lock()
				wavCapture = append(wavCapture, pInput...)
				wavMu.Unlock()
			}
			if !echo.IsEcho(pInput) {
				mulawFrame, err := toCallerMuLaw(pInput)
				if err == nil {
					if captureWav {
						wavMu.Lock()
						mulawCapture = append(mulawCapture, mulawFrame...)
						wavMu.Unlock()
					}
					_ = mgr.OnCallerAudio(ctx, demoCallID, mulawFrame)
				}
			}
		}
		if pOutput != nil {
			tel.fillPlayback(pOutput)
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = deviceChannels
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = deviceChannels
	deviceConfig.SampleRate = deviceSampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		log.Fatalf("agent: init audio device: %v", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatalf("agent: start audio device: %v", err)
	}

	go meterLoop(gate)

	if err := mgr.OnCallAnswered(ctx, demoCallID, "mic", telephony.Profile{CallID: demoCallID}); err != nil {
		log.Fatalf("agent: on_call_answered: %v", err)
	}

	fmt.Println("Voice Agent Started! Listening to microphone...")
	fmt.Println("Press Ctrl+C to exit")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nShutting down...")

	if err := mgr.OnCallEnded(ctx, demoCallID); err != nil {
		logger.Warn("agent: on_call_ended", "error", err)
	}

	if captureWav {
		wavMu.Lock()
		pcm := wavCapture
		mulaw := mulawCapture
		wavMu.Unlock()
		if err := os.WriteFile(debugWavPath, audio.NewWavBuffer(pcm, deviceSampleRate), 0o644); err != nil {
			logger.Warn("agent: write debug wav", "path", debugWavPath, "error", err)
		} else {
			logger.Info("agent: wrote debug capture", "path", debugWavPath)
		}

		mulawPath := strings.TrimSuffix(debugWavPath, ".wav") + "_mulaw.wav"
		if err := os.WriteFile(mulawPath, audio.NewMuLawWavBuffer(mulaw, callerRateHz), 0o644); err != nil {
			logger.Warn("agent: write debug mulaw wav", "path", mulawPath, "error", err)
		} else {
			logger.Info("agent: wrote debug mulaw capture", "path", mulawPath)
		}
	}
}

// toCallerMuLaw downsamples one captured PCM16 frame at the device's
// native rate to 8kHz and encodes it to mu-law, matching the wire
// format C8 expects from a telephony caller channel.
func toCallerMuLaw(devicePCM16 []byte) ([]byte, error) {
	down, err := codec.Resample(devicePCM16, deviceSampleRate, callerRateHz)
	if err != nil {
		return nil, err
	}
	return codec.PCM16ToMuLaw(down), nil
}

// duplexTelephony implements telephony.OutboundCallbacks over the
// malgo playback device: Play appends mu-law 8kHz TTS audio (upsampled
// to PCM16 at the device's native rate) to a ring buffer the playback
// callback drains; TruncatePlayback discards whatever is still queued
// for the barge-in path; Redirect has nowhere to redirect to in a
// console demo, so it only logs.
type duplexTelephony struct {
	mu      sync.Mutex
	pending []byte
	echo    *micdemo.EchoSuppressor
}

func newDuplexTelephony(echo *micdemo.EchoSuppressor) *duplexTelephony {
	return &duplexTelephony{echo: echo}
}

func (d *duplexTelephony) close() {}

func (d *duplexTelephony) Play(ctx context.Context, callID string, chunk []byte) error {
	pcm16 := codec.MuLawToPCM16(chunk)
	up, err := codec.Resample(pcm16, callerRateHz, deviceSampleRate)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.pending = append(d.pending, up...)
	d.mu.Unlock()
	if d.echo != nil {
		d.echo.RecordPlayedAudio(up)
	}
	return nil
}

func (d *duplexTelephony) TruncatePlayback(ctx context.Context, callID string) error {
	d.mu.Lock()
	d.pending = nil
	d.mu.Unlock()
	if d.echo != nil {
		d.echo.ClearEchoBuffer()
	}
	return nil
}

func (d *duplexTelephony) Redirect(ctx context.Context, callID string, dialplanTarget string) error {
	log.Printf("agent: redirect requested to %q (no-op in mic demo)", dialplanTarget)
	return nil
}

func (d *duplexTelephony) fillPlayback(out []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := copy(out, d.pending)
	d.pending = d.pending[n:]
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

func meterLoop(gate *micdemo.SpeechGate) {
	for {
		level := gate.LastRMS()
		dots := int(level * 500)
		if dots > 40 {
			dots = 40
		}
		meter := ""
		for i := 0; i < dots; i++ {
			meter += "|"
		}
		state := " "
		if gate.Speaking() {
			state = "*"
		}
		fmt.Printf("\r[MIC %s %-40s] RMS: %.5f", state, meter, level)
		time.Sleep(100 * time.Millisecond)
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
