package orchestrator

import "testing"

func testCoordinatorConfig() Config {
	cfg := DefaultConfig()
	cfg.BargeMinChars = 3
	cfg.BargeMinMs = 250
	cfg.BargeRMSThreshold = 1200
	return cfg
}

func TestGatingTokenSetAndClearedExactlyOnce(t *testing.T) {
	c := NewCoordinator(testCoordinatorConfig(), 20)
	c.OnTTSStart("stream-1")
	if c.GatingToken() != "stream-1" {
		t.Fatalf("expected gating token stream-1, got %q", c.GatingToken())
	}
	if !c.OnTTSEnd("stream-1") {
		t.Fatal("expected first OnTTSEnd with matching nonce to clear")
	}
	if c.GatingToken() != "" {
		t.Fatalf("expected gating token cleared, got %q", c.GatingToken())
	}
	if c.OnTTSEnd("stream-1") {
		t.Fatal("expected second OnTTSEnd with the same nonce to be a no-op")
	}
}

func TestGatingTokenClearRejectsStaleNonce(t *testing.T) {
	c := NewCoordinator(testCoordinatorConfig(), 20)
	c.OnTTSStart("stream-1")
	if c.OnTTSEnd("stream-stale") {
		t.Fatal("expected clear with a stale/mismatched nonce to be rejected")
	}
	if c.GatingToken() != "stream-1" {
		t.Fatalf("expected gating token to remain stream-1, got %q", c.GatingToken())
	}
}

func TestOnCallerPartialTriggersBargeAtCharThreshold(t *testing.T) {
	c := NewCoordinator(testCoordinatorConfig(), 20)
	c.OnTTSStart("stream-1")

	if c.OnCallerPartial("hi") {
		t.Fatal("2 non-whitespace chars should not yet trigger barge-in (threshold 3)")
	}
	if !c.OnCallerPartial("stop") {
		t.Fatal("4 non-whitespace chars should trigger barge-in")
	}
	if !c.BargeRequested() {
		t.Fatal("expected barge_requested to be set")
	}
}

func TestOnCallerPartialIgnoredOutsideAgentSpeaking(t *testing.T) {
	c := NewCoordinator(testCoordinatorConfig(), 20)
	if c.OnCallerPartial("interrupt") {
		t.Fatal("partial barge-in check should be a no-op in idle state")
	}
}

func TestOnCallerRMSSustainedThreshold(t *testing.T) {
	cfg := testCoordinatorConfig()
	cfg.BargeMinMs = 100
	c := NewCoordinator(cfg, 20) // rmsFrameMs=20 -> 5 frames needed

	c.OnTTSStart("stream-1")
	loud := make([]byte, 320)
	for i := range loud {
		if i%2 == 0 {
			loud[i] = 0xff
		} else {
			loud[i] = 0x7f
		}
	}

	for i := 0; i < 4; i++ {
		if c.OnCallerRMS(loud) {
			t.Fatalf("barge-in triggered too early on frame %d", i)
		}
	}
	if !c.OnCallerRMS(loud) {
		t.Fatal("expected sustained loud audio to trigger barge-in on the 5th frame")
	}
}

func TestOnCallerRMSResetsStreakAfterSpeechEndHoldElapses(t *testing.T) {
	cfg := testCoordinatorConfig()
	cfg.BargeMinMs = 100
	c := NewCoordinator(cfg, 20)
	c.OnTTSStart("stream-1")

	loud := make([]byte, 320)
	for i := range loud {
		if i%2 == 0 {
			loud[i] = 0xff
		} else {
			loud[i] = 0x7f
		}
	}
	quiet := make([]byte, 320)

	for i := 0; i < 4; i++ {
		c.OnCallerRMS(loud)
	}
	c.lastAboveRMSAt = c.lastAboveRMSAt.Add(-speechEndHold) // simulate the hold elapsing
	c.OnCallerRMS(quiet)                                    // resets the streak
	if c.OnCallerRMS(loud) {
		t.Fatal("streak should have reset once a quiet frame arrived after speechEndHold")
	}
}

func TestOnCallerRMSAbsorbsBriefDipWithinSpeechEndHold(t *testing.T) {
	cfg := testCoordinatorConfig()
	cfg.BargeMinMs = 100
	c := NewCoordinator(cfg, 20) // 5 frames needed

	c.OnTTSStart("stream-1")
	loud := make([]byte, 320)
	for i := range loud {
		if i%2 == 0 {
			loud[i] = 0xff
		} else {
			loud[i] = 0x7f
		}
	}
	quiet := make([]byte, 320)

	for i := 0; i < 4; i++ {
		c.OnCallerRMS(loud)
	}
	// A single sub-threshold frame immediately after four loud ones falls
	// well within speechEndHold and must be absorbed as a pause, not reset
	// the streak.
	if c.OnCallerRMS(quiet) {
		t.Fatal("a brief dip should not itself trigger barge-in")
	}
	if !c.OnCallerRMS(loud) {
		t.Fatal("expected the streak to resume and trigger barge-in on the next loud frame")
	}
}

func TestConfirmBargeAndPlaybackFlushedTransitions(t *testing.T) {
	c := NewCoordinator(testCoordinatorConfig(), 20)
	c.OnTTSStart("stream-1")
	c.OnCallerPartial("interrupt now")
	if c.State() != StateAgentSpeaking {
		t.Fatalf("expected agent_speaking, got %s", c.State())
	}

	c.ConfirmBarge()
	if c.State() != StateInterrupting {
		t.Fatalf("expected interrupting, got %s", c.State())
	}

	c.PlaybackFlushed()
	if c.State() != StateIdle {
		t.Fatalf("expected idle after playback flushed, got %s", c.State())
	}
	if c.GatingToken() != "" {
		t.Fatal("expected gating token cleared after playback flushed")
	}
}

func TestListeningStateTransitions(t *testing.T) {
	c := NewCoordinator(testCoordinatorConfig(), 20)
	c.OnCallerSpeech()
	if c.State() != StateListening {
		t.Fatalf("expected listening, got %s", c.State())
	}
	c.OnCallerFinal()
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
}
