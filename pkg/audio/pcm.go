package audio

import (
	"encoding/binary"
	"math"
)

// Duration returns the seconds of audio represented by n bytes of PCM with
// the given sample rate and bytes-per-sample width.
func Duration(n, sampleRate, sampleWidth int) float64 {
	if sampleRate <= 0 || sampleWidth <= 0 {
		return 0
	}
	return float64(n) / float64(sampleRate) / float64(sampleWidth)
}

// F32LEToS16LE converts 32-bit float little-endian PCM to 16-bit signed
// little-endian. Samples outside [-1, 1] are clipped. A trailing partial
// sample is dropped.
func F32LEToS16LE(data []byte) []byte {
	samples := len(data) / 4
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		f := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(f*32767)))
	}
	return out
}

// MulawToS16LE expands 8-bit mu-law samples to 16-bit signed little-endian.
func MulawToS16LE(data []byte) []byte {
	out := make([]byte, len(data)*2)
	for i, b := range data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(mulawDecode(b)))
	}
	return out
}

// mulawDecode expands one G.711 mu-law byte.
func mulawDecode(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	sample := (int16(mantissa)<<3 + 0x84) << exponent
	sample -= 0x84
	if sign != 0 {
		return -sample
	}
	return sample
}
