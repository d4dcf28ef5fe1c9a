package micdemo

import (
	"math"
	"time"
)

// SpeechGate is a hysteresis-confirmed RMS gate used only for the demo
// harness's console meter; it does not decide whether the echo check
// runs (every captured frame goes through it), and it never withholds audio
// from the pipeline itself (spec.md §4.6 forwards every caller audio
// frame unconditionally — the orchestrator's own barge-in coordinator
// owns the real speech/silence decision). Grounded on the teacher's
// pkg/orchestrator/vad.go RMSVAD, trimmed to the confirmed-start/
// confirmed-end edge detection the console display needs.
type SpeechGate struct {
	threshold    float64
	silenceLimit time.Duration

	speaking          bool
	consecutiveFrames int
	minConfirmed      int
	silenceStart      time.Time
	lastRMS           float64
}

// NewSpeechGate constructs a gate with an RMS threshold normalised to
// [-1,1] PCM16 samples (the mic capture path's native format) and a
// silence hold before confirmed speech is considered ended.
func NewSpeechGate(threshold float64, silenceLimit time.Duration) *SpeechGate {
	return &SpeechGate{
		threshold:    threshold,
		silenceLimit: silenceLimit,
		minConfirmed: 7, // ~70-100ms of continuous sound before triggering
	}
}

// Speaking reports the gate's confirmed state after the most recent
// Process call.
func (g *SpeechGate) Speaking() bool { return g.speaking }

// LastRMS returns the normalised RMS of the most recently processed
// chunk, for the console meter.
func (g *SpeechGate) LastRMS() float64 { return g.lastRMS }

// Process feeds one captured PCM16 chunk through the gate, updating its
// confirmed speaking state.
func (g *SpeechGate) Process(chunk []byte) {
	rms := calculateNormalizedRMS(chunk)
	g.lastRMS = rms
	now := time.Now()

	if rms > g.threshold {
		g.consecutiveFrames++
		if !g.speaking && g.consecutiveFrames >= g.minConfirmed {
			g.speaking = true
		}
		g.silenceStart = time.Time{}
		return
	}

	g.consecutiveFrames = 0
	if g.speaking {
		if g.silenceStart.IsZero() {
			g.silenceStart = now
		}
		if now.Sub(g.silenceStart) >= g.silenceLimit {
			g.speaking = false
			g.silenceStart = time.Time{}
		}
	}
}

func calculateNormalizedRMS(chunk []byte) float64 {
	if len(chunk) == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < len(chunk)-1; i += 2 {
		sample := int16(chunk[i]) | (int16(chunk[i+1]) << 8)
		f := float64(sample) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(chunk)/2))
}
