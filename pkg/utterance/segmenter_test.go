package utterance

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/algo-boyz/snowgate/pkg/detect"
)

func chunk(v float32) []float32 { return []float32{v, v} }

func TestUtteranceAfterHotword(t *testing.T) {
	s := NewSegmenter(DefaultConfig())

	// speech without a hotword is ignored
	_, ok := s.Push(detect.NonSilence, chunk(9))
	require.False(t, ok)
	require.False(t, s.Recording())

	_, ok = s.Push(2, chunk(1))
	require.False(t, ok)
	require.True(t, s.Recording())

	for _, r := range []detect.Result{detect.NonSilence, detect.NonSilence, detect.Error, detect.Silence, detect.Silence} {
		_, ok = s.Push(r, chunk(float32(r)))
		require.False(t, ok)
	}
	u, ok := s.Push(detect.Silence, chunk(-2))
	require.True(t, ok)
	require.Equal(t, 2, u.Hotword)
	require.Equal(t, []float32{0, 0, 0, 0, -2, -2, -2, -2, -2, -2}, u.Samples)
	require.False(t, s.Recording())
}

func TestHotwordWithoutSpeechKeepsWaiting(t *testing.T) {
	s := NewSegmenter(DefaultConfig())
	s.Push(1, chunk(1))
	for range 10 {
		_, ok := s.Push(detect.Silence, chunk(0))
		require.False(t, ok)
	}
	require.True(t, s.Recording())
	s.Push(detect.NonSilence, chunk(1))
	for range 2 {
		s.Push(detect.Silence, chunk(0))
	}
	u, ok := s.Push(detect.Silence, chunk(0))
	require.True(t, ok)
	require.Len(t, u.Samples, 2*14)
}

func TestSpeechStartsUtterance(t *testing.T) {
	s := NewSegmenter(Config{SilenceChunks: 1, MinChunks: 1})
	s.Push(detect.NonSilence, chunk(1))
	s.Push(detect.NonSilence, chunk(1))
	_, ok := s.Push(detect.Silence, chunk(0))
	require.False(t, ok)
	u, ok := s.Push(detect.Silence, chunk(0))
	require.True(t, ok)
	require.Zero(t, u.Hotword)
	require.Len(t, u.Samples, 8)

	// a new hotword discards what was collected
	s.Push(detect.NonSilence, chunk(1))
	s.Push(3, chunk(1))
	s.Reset()
	require.False(t, s.Recording())
}
