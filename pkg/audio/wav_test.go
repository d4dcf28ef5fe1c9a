package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestNewWavBuffer(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	sampleRate := 44100
	wav := NewWavBuffer(pcm, sampleRate)

	if !bytes.HasPrefix(wav, []byte("RIFF")) {
		t.Errorf("Expected RIFF prefix")
	}
	if !bytes.Contains(wav, []byte("WAVE")) {
		t.Errorf("Expected WAVE format identifier")
	}

	expectedLen := 44 + len(pcm)
	if len(wav) != expectedLen {
		t.Errorf("Expected length %d, got %d", expectedLen, len(wav))
	}

	formatCode := binary.LittleEndian.Uint16(wav[20:22])
	bitsPerSample := binary.LittleEndian.Uint16(wav[34:36])
	if formatCode != wavFormatPCM {
		t.Errorf("expected PCM format code %d, got %d", wavFormatPCM, formatCode)
	}
	if bitsPerSample != 16 {
		t.Errorf("expected 16 bits per sample, got %d", bitsPerSample)
	}
}

func TestNewMuLawWavBuffer(t *testing.T) {
	mulaw := []byte{0xff, 0x7f, 0x00, 0x80, 0x55}
	sampleRate := 8000
	wav := NewMuLawWavBuffer(mulaw, sampleRate)

	if !bytes.HasPrefix(wav, []byte("RIFF")) {
		t.Fatal("expected RIFF prefix")
	}
	if !bytes.Contains(wav, []byte("WAVE")) {
		t.Fatal("expected WAVE format identifier")
	}

	expectedLen := 44 + len(mulaw)
	if len(wav) != expectedLen {
		t.Fatalf("expected length %d, got %d", expectedLen, len(wav))
	}

	formatCode := binary.LittleEndian.Uint16(wav[20:22])
	channels := binary.LittleEndian.Uint16(wav[22:24])
	rate := binary.LittleEndian.Uint32(wav[24:28])
	byteRate := binary.LittleEndian.Uint32(wav[28:32])
	blockAlign := binary.LittleEndian.Uint16(wav[32:34])
	bitsPerSample := binary.LittleEndian.Uint16(wav[34:36])

	if formatCode != wavFormatMuLaw {
		t.Errorf("expected mu-law format code %d, got %d", wavFormatMuLaw, formatCode)
	}
	if channels != 1 {
		t.Errorf("expected mono, got %d channels", channels)
	}
	if rate != uint32(sampleRate) {
		t.Errorf("expected sample rate %d, got %d", sampleRate, rate)
	}
	if bitsPerSample != 8 {
		t.Errorf("expected 8 bits per sample for mu-law, got %d", bitsPerSample)
	}
	if blockAlign != 1 {
		t.Errorf("expected block align 1 for 8-bit mono, got %d", blockAlign)
	}
	if byteRate != uint32(sampleRate) {
		t.Errorf("expected byte rate %d for 8-bit mono, got %d", sampleRate, byteRate)
	}

	if !bytes.HasSuffix(wav, mulaw) {
		t.Error("expected mu-law payload to be written verbatim as the data chunk")
	}
}
