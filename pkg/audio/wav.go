// Package audio builds minimal RIFF/WAVE containers for cmd/agent's
// optional debug capture (DEBUG_WAV_PATH). Unlike the teacher's version,
// which only ever wrapped 16-bit PCM device capture, this one also
// covers telephony-format mu-law bytes (spec.md §3's Audio Frame), so a
// capture can dump exactly the caller frames cmd/agent hands to the
// orchestrator, not just what the mic recorded. (pkg/stt converts those
// frames to 16kHz PCM16 before they reach pkg/backend.)
package audio

import (
	"bytes"
	"encoding/binary"
)

// WAVE format codes (Microsoft WAVEFORMATEX wFormatTag values).
const (
	wavFormatPCM   = 1
	wavFormatMuLaw = 7 // ITU-T G.711 mu-law, per RFC 2361.
)

// NewWavBuffer builds a RIFF/WAVE container around pcm, little-endian
// signed 16-bit mono PCM at sampleRate — the format of cmd/agent's raw
// microphone capture.
func NewWavBuffer(pcm []byte, sampleRate int) []byte {
	return newWavBuffer(pcm, sampleRate, wavFormatPCM, 16)
}

// NewMuLawWavBuffer builds a RIFF/WAVE container around mulaw, 8-bit
// G.711 mu-law samples at sampleRate — the encoding of caller audio
// frames handed to the orchestrator (spec.md §3), letting a debug
// capture hold exactly those bytes instead of a PCM re-encoding of them.
func NewMuLawWavBuffer(mulaw []byte, sampleRate int) []byte {
	return newWavBuffer(mulaw, sampleRate, wavFormatMuLaw, 8)
}

func newWavBuffer(data []byte, sampleRate, formatCode, bitsPerSample int) []byte {
	const channels = 1
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	buf := new(bytes.Buffer)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(formatCode))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)

	return buf.Bytes()
}
