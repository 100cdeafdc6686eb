package audio

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameAccumulator_DefaultSize(t *testing.T) {
	assert.Equal(t, DefaultFrameSamples, NewFrameAccumulator(0).FrameSize())
	assert.Equal(t, 160, NewFrameAccumulator(160).FrameSize())
}

func TestFrameAccumulator_ExactFrames(t *testing.T) {
	acc := NewFrameAccumulator(DefaultFrameSamples)
	rng := rand.New(rand.NewSource(42))

	total := 0
	frames := 0
	next := int16(0)
	for i := 0; i < 500; i++ {
		chunk := make([]int16, rng.Intn(1000))
		for j := range chunk {
			chunk[j] = next
			next++
		}
		total += len(chunk)

		for _, f := range acc.Push(chunk) {
			require.Len(t, f, DefaultFrameSamples)
			// frames are contiguous slices of the input stream
			assert.Equal(t, int16(frames*DefaultFrameSamples), f[0])
			frames++
		}
	}

	assert.Equal(t, total/DefaultFrameSamples, frames)
	assert.Equal(t, total%DefaultFrameSamples, acc.Pending())
}

func TestFrameAccumulator_LeftoverCarried(t *testing.T) {
	acc := NewFrameAccumulator(4)

	assert.Nil(t, acc.Push([]int16{1, 2, 3}))
	assert.Equal(t, 3, acc.Pending())

	frames := acc.Push([]int16{4, 5, 6, 7, 8, 9})
	require.Len(t, frames, 2)
	assert.Equal(t, []int16{1, 2, 3, 4}, frames[0])
	assert.Equal(t, []int16{5, 6, 7, 8}, frames[1])
	assert.Equal(t, 1, acc.Pending())

	acc.Reset()
	assert.Equal(t, 0, acc.Pending())
	assert.Nil(t, acc.Push([]int16{10}))
}

func TestFrameAccumulator_FramesDoNotAlias(t *testing.T) {
	acc := NewFrameAccumulator(2)
	first := acc.Push([]int16{1, 2, 3})
	acc.Push([]int16{4, 5, 6})
	assert.Equal(t, []int16{1, 2}, first[0])
}
