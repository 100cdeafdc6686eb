package audio

import (
	"math"
	"time"
)

// Standard sample rates used by the live session.
const (
	SampleRate24kHz = 24000 // model audio output
	SampleRate16kHz = 16000 // model audio input
)

const bytesPerSample = 2

// Resample converts float samples from one rate to another by linear
// interpolation. Equal rates return a copy. The output holds
// floor(len(samples) / (fromRate/toRate)) samples; output sample i reads
// source position i*fromRate/toRate and interpolates between the floor and
// ceil neighbours, reusing the floor sample when the ceil is out of range.
// Non-positive rates are treated as equal rates.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	ratio := float64(fromRate) / float64(toRate)
	n := int(math.Floor(float64(len(samples)) / ratio))
	out := make([]float32, n)

	for i := range out {
		pos := float64(i) * ratio
		lo := int(math.Floor(pos))
		hi := int(math.Ceil(pos))
		if lo >= len(samples) {
			lo = len(samples) - 1
		}
		a := samples[lo]
		b := a
		if hi < len(samples) {
			b = samples[hi]
		}
		frac := float32(pos - float64(lo))
		out[i] = a + (b-a)*frac
	}

	return out
}

// SamplesDuration returns how long n samples last at the given rate.
func SamplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}
