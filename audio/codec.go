package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"strings"
)

// base64Chunk is the encode chunk size in bytes. It is a multiple of 3 so the
// concatenated chunks carry no inner padding.
const base64Chunk = 3 * 8192

// FloatToPCM16 converts float samples in [-1, 1] to 16-bit signed PCM.
// Samples are clamped first; negative values scale by 32768 and non-negative
// values by 32767 so that neither end overflows. Conversion truncates toward zero.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		case math.IsNaN(float64(s)):
			s = 0
		}
		if s < 0 {
			out[i] = int16(s * 32768)
		} else {
			out[i] = int16(s * 32767)
		}
	}
	return out
}

// PCM16ToFloat converts 16-bit signed PCM to float samples by scaling with 1/32768.
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// PCM16ToBytes packs samples as little-endian 16-bit PCM.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		//nolint:gosec // two's complement reinterpretation is the PCM16 wire format
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(s))
	}
	return out
}

// BytesToPCM16 unpacks little-endian 16-bit PCM. A trailing odd byte is ignored.
func BytesToPCM16(data []byte) []int16 {
	n := len(data) / bytesPerSample
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		//nolint:gosec // two's complement reinterpretation is the PCM16 wire format
		out[i] = int16(binary.LittleEndian.Uint16(data[i*bytesPerSample:]))
	}
	return out
}

// EncodeBase64 encodes data with the standard alphabet, chunk by chunk.
func EncodeBase64(data []byte) string {
	if len(data) <= base64Chunk {
		return base64.StdEncoding.EncodeToString(data)
	}

	var sb strings.Builder
	sb.Grow(base64.StdEncoding.EncodedLen(len(data)))
	for start := 0; start < len(data); start += base64Chunk {
		end := start + base64Chunk
		if end > len(data) {
			end = len(data)
		}
		sb.WriteString(base64.StdEncoding.EncodeToString(data[start:end]))
	}
	return sb.String()
}

// DecodeBase64 decodes standard base64.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
