// Package audio provides the PCM codec and playback scheduling used by the
// voice session engine.
//
// The codec is a set of pure functions:
//   - FloatToPCM16 / PCM16ToFloat convert between float samples and 16-bit PCM
//   - Resample converts between sample rates with linear interpolation
//   - PCM16ToBytes / BytesToPCM16 pack samples little-endian for the wire
//   - EncodeBase64 / DecodeBase64 wrap the wire payload
//
// FrameAccumulator slices an arbitrary capture stream into fixed-size frames,
// and Player schedules decoded chunks back-to-back on a Sink so that audio
// arriving in bursts still plays without gaps.
//
// # Capture pipeline
//
//	acc := audio.NewFrameAccumulator(audio.DefaultFrameSamples)
//	onSamples := func(in []float32) {
//	    pcm := audio.FloatToPCM16(audio.Resample(in, deviceRate, audio.SampleRate16kHz))
//	    for _, frame := range acc.Push(pcm) {
//	        send(audio.PCM16ToBytes(frame))
//	    }
//	}
//
// Resampling is linear and has no anti-aliasing filter; it trades fidelity
// for latency.
package audio
