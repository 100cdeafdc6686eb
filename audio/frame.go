package audio

// DefaultFrameSamples is 20 ms of audio at 16 kHz.
const DefaultFrameSamples = 320

// FrameAccumulator buffers PCM samples from arbitrarily sized capture
// callbacks and hands out exact-size frames. Samples that do not fill a
// frame stay buffered for the next Push. It is not safe for concurrent use;
// the capture callback owns it.
type FrameAccumulator struct {
	size    int
	pending []int16
}

// NewFrameAccumulator creates an accumulator for frames of size samples.
// A non-positive size falls back to DefaultFrameSamples.
func NewFrameAccumulator(size int) *FrameAccumulator {
	if size <= 0 {
		size = DefaultFrameSamples
	}
	return &FrameAccumulator{
		size:    size,
		pending: make([]int16, 0, size*2),
	}
}

// FrameSize returns the configured frame length in samples.
func (a *FrameAccumulator) FrameSize() int {
	return a.size
}

// Push appends samples and returns every complete frame now available.
// Each returned frame has exactly FrameSize samples and owns its memory.
func (a *FrameAccumulator) Push(samples []int16) [][]int16 {
	a.pending = append(a.pending, samples...)
	if len(a.pending) < a.size {
		return nil
	}

	frames := make([][]int16, 0, len(a.pending)/a.size)
	offset := 0
	for len(a.pending)-offset >= a.size {
		frame := make([]int16, a.size)
		copy(frame, a.pending[offset:offset+a.size])
		frames = append(frames, frame)
		offset += a.size
	}

	rest := copy(a.pending, a.pending[offset:])
	a.pending = a.pending[:rest]
	return frames
}

// Pending reports how many samples are buffered waiting for a full frame.
func (a *FrameAccumulator) Pending() int {
	return len(a.pending)
}

// Reset drops buffered samples.
func (a *FrameAccumulator) Reset() {
	a.pending = a.pending[:0]
}
