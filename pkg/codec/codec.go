// Package codec implements the audio transcoding and framing primitives
// shared by every stage of the conversation pipeline: mu-law/PCM16
// conversion, linear resampling between the rates the pipeline touches
// (8000/16000/22050/24000 Hz), frame chunking, and RMS metering.
//
// Every exported function here is pure: same input, same output, no
// shared state, no I/O. Resampling is deterministic linear
// interpolation with the single-sample-of-rounding length tolerance
// callers are allowed to rely on; it applies no anti-aliasing low-pass
// filter, so it is not band-limited.
package codec

import (
	"errors"
	"math"
)

// Encoding names a wire audio encoding.
type Encoding string

const (
	PCM16 Encoding = "pcm16"
	MuLaw Encoding = "mulaw"
)

// ErrInvalidEncoding is returned whenever a codec function is asked to
// operate on an encoding it does not support.
var ErrInvalidEncoding = errors.New("codec: invalid encoding")

// BytesPerSample reports the byte width of one sample in enc, or an
// error for an unsupported encoding.
func BytesPerSample(enc Encoding) (int, error) {
	switch enc {
	case PCM16:
		return 2, nil
	case MuLaw:
		return 1, nil
	default:
		return 0, ErrInvalidEncoding
	}
}

var mulawToPCM16Table [256]int16

func init() {
	// Standard G.711 mu-law decompression table (ITU-T G.711).
	for i := 0; i < 256; i++ {
		mulawToPCM16Table[i] = decodeMuLawSample(byte(i))
	}
}

func decodeMuLawSample(mu byte) int16 {
	const bias = 0x84
	mu = ^mu
	sign := mu & 0x80
	exponent := (mu >> 4) & 0x07
	mantissa := mu & 0x0F

	sample := (int32(mantissa) << 3) + bias
	sample <<= exponent
	sample -= bias

	if sign != 0 {
		sample = -sample
	}
	if sample > 32767 {
		sample = 32767
	}
	if sample < -32768 {
		sample = -32768
	}
	return int16(sample)
}

// MuLawToPCM16 decodes 8-bit mu-law samples into little-endian signed
// 16-bit PCM. len(out) == 2*len(in).
func MuLawToPCM16(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := mulawToPCM16Table[b]
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// PCM16ToMuLaw encodes little-endian signed 16-bit PCM into 8-bit
// mu-law. A trailing odd byte (an incomplete sample) is dropped.
func PCM16ToMuLaw(in []byte) []byte {
	n := len(in) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		sample := int16(in[2*i]) | int16(in[2*i+1])<<8
		out[i] = encodeMuLawSample(sample)
	}
	return out
}

func encodeMuLawSample(sample int16) byte {
	const bias = 0x84
	const clip = 32635

	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > clip {
		s = clip
	}
	s += bias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	mu := ^(sign | (exponent << 4) | mantissa)
	return mu
}

// RMS returns the root-mean-square amplitude of a PCM16 buffer in raw
// 16-bit sample units (not normalised to [-1,1]); callers compare it
// against a threshold in the same units (spec.md §4.7's barge_rms_threshold).
func RMS(pcm16 []byte) float64 {
	n := len(pcm16) / 2
	if n == 0 {
		return 0
	}
	var sumSq float64
	for i := 0; i < n; i++ {
		s := float64(int16(pcm16[2*i]) | int16(pcm16[2*i+1])<<8)
		sumSq += s * s
	}
	return math.Sqrt(sumSq / float64(n))
}

// Resample converts little-endian PCM16 samples from fromHz to toHz
// using linear interpolation. It is deterministic given identical
// inputs and preserves sample count within rounding: len(samplesOut) ==
// round(len(samplesIn) * toHz/fromHz) ± 1.
func Resample(pcm16 []byte, fromHz, toHz int) ([]byte, error) {
	if fromHz <= 0 || toHz <= 0 {
		return nil, ErrInvalidEncoding
	}
	if fromHz == toHz {
		out := make([]byte, len(pcm16))
		copy(out, pcm16)
		return out, nil
	}

	nIn := len(pcm16) / 2
	if nIn == 0 {
		return []byte{}, nil
	}
	in := make([]int16, nIn)
	for i := 0; i < nIn; i++ {
		in[i] = int16(pcm16[2*i]) | int16(pcm16[2*i+1])<<8
	}

	nOut := int(math.Round(float64(nIn) * float64(toHz) / float64(fromHz)))
	if nOut < 1 {
		nOut = 1
	}
	out := make([]byte, nOut*2)
	ratio := float64(nIn-1) / float64(maxInt(nOut-1, 1))

	for i := 0; i < nOut; i++ {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)

		var sample float64
		if idx >= nIn-1 {
			sample = float64(in[nIn-1])
		} else {
			a := float64(in[idx])
			b := float64(in[idx+1])
			sample = a + (b-a)*frac
		}

		s := int16(clampSample(sample))
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out, nil
}

func clampSample(f float64) float64 {
	if f > 32767 {
		return 32767
	}
	if f < -32768 {
		return -32768
	}
	return f
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Chunk slices data into consecutive, non-overlapping frames of
// ceil(rate*chunkMs/1000) samples worth of bytes for the given
// encoding. The final frame may be short. Fails with ErrInvalidEncoding
// for an unsupported encoding.
func Chunk(data []byte, enc Encoding, rate int, chunkMs int) ([][]byte, error) {
	bps, err := BytesPerSample(enc)
	if err != nil {
		return nil, err
	}
	if chunkMs <= 0 || rate <= 0 {
		return nil, ErrInvalidEncoding
	}

	samplesPerChunk := int(math.Ceil(float64(rate) * float64(chunkMs) / 1000.0))
	frameBytes := samplesPerChunk * bps
	if frameBytes <= 0 {
		return nil, ErrInvalidEncoding
	}

	var frames [][]byte
	for off := 0; off < len(data); off += frameBytes {
		end := off + frameBytes
		if end > len(data) {
			end = len(data)
		}
		frame := make([]byte, end-off)
		copy(frame, data[off:end])
		frames = append(frames, frame)
	}
	return frames, nil
}
