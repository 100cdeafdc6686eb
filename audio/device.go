package audio

import "context"

// Microphone opens capture streams. The callback receives mono float samples
// at the stream's SampleRate, in device-sized batches, on a device goroutine.
type Microphone interface {
	Open(ctx context.Context, onSamples func(samples []float32)) (Capture, error)
}

// Capture is an open capture stream.
type Capture interface {
	SampleRate() int
	Close() error
}

// Speaker opens playback sinks at a requested sample rate.
type Speaker interface {
	Open(ctx context.Context, sampleRate int) (Sink, error)
}
