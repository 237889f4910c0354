package hotword

import (
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScoreVector(t *testing.T) {
	templates := []template{
		newTemplate([]float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0}),
		newTemplate([]float32{0.9, 0.8, 0.7, 0.6, 0.5, 0.4, 0.3, 0.2, 0.1, 0.0}),
	}
	tests := []struct {
		name        string
		inputVector []float32
		expected    float32
	}{
		{"zero vector", make([]float32, 10), 0},
		{"dimension mismatch", make([]float32, 2048), 0},
		{"exact match", []float32{0.2, 0.4, 0.6, 0.8, 1.0, 1.2, 1.4, 1.6, 1.8, 2.0}, 1},
		{"opposite", []float32{-0.1, -0.2, -0.3, -0.4, -0.5, -0.6, -0.7, -0.8, -0.9, -1.0}, 0.2509},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := ScoreVector(test.inputVector, templates)
			require.InDelta(t, test.expected, result, 1e-3, "expected %v, got %v", test.expected, result)
		})
	}
}

func TestThreshold(t *testing.T) {
	require.Equal(t, 1.0, Threshold(0))
	require.Equal(t, 0.75, Threshold(0.5))
	require.Equal(t, 0.5, Threshold(1))
}

func tone(hz float64, amplitude float32, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = amplitude * float32(math.Sin(2*math.Pi*hz*float64(i)/16000))
	}
	return s
}

func TestExtractorIsDeterministic(t *testing.T) {
	lms := DefaultLogMelSpectrogram()
	require.NoError(t, lms.Validate())
	require.Equal(t, 400, lms.WindowLen)
	require.Equal(t, 160, lms.HopLength)

	e := lms.NewExtractor()
	require.Equal(t, 26, e.Dim())

	frame := tone(1000, 0.5, 400)
	var a, b Feature
	require.NoError(t, e.Extract(frame, &a))
	require.NoError(t, lms.NewExtractor().Extract(frame, &b))
	require.Equal(t, a.Mel, b.Mel)
	require.InDelta(t, 10*math.Log10(0.125), a.EnergyDB, 0.1)

	var mean float64
	for _, v := range a.Mel {
		mean += float64(v)
	}
	require.InDelta(t, 0, mean/float64(len(a.Mel)), 1e-4)

	require.Error(t, e.Extract(frame[:100], &a))
}

func TestExtractorCMNIsReset(t *testing.T) {
	lms := DefaultLogMelSpectrogram()
	lms.CMNFrames = 4
	e := lms.NewExtractor()

	frames := [][]float32{tone(500, 0.3, 400), tone(1000, 0.3, 400), tone(2000, 0.3, 400)}
	run := func() [][]float32 {
		var out [][]float32
		var f Feature
		for _, frame := range frames {
			require.NoError(t, e.Extract(frame, &f))
			out = append(out, append([]float32(nil), f.Mel...))
		}
		return out
	}
	first := run()
	require.NotEqual(t, first, run())
	e.Reset()
	require.Equal(t, first, run())

	// a single frame is its own mean
	e.Reset()
	var f Feature
	require.NoError(t, e.Extract(frames[0], &f))
	require.Equal(t, make([]float32, 26), f.Mel)
}

func TestComputeLogMelSpectrogram(t *testing.T) {
	lms := DefaultLogMelSpectrogram()
	mels, err := lms.ComputeLogMelSpectrogram(tone(1000, 0.5, 16000))
	require.NoError(t, err)
	require.Len(t, mels, 1+(16000-400)/160)
	require.Len(t, mels[0], 26)

	_, err = lms.ComputeLogMelSpectrogram(make([]float32, 100))
	require.Error(t, err)
}

func TestEnrollPicksLoudestWindow(t *testing.T) {
	lms := DefaultLogMelSpectrogram()
	signal := append(make([]float32, 8000), tone(1000, 0.5, 8000)...)
	tmpl, err := lms.Enroll(signal, 10)
	require.NoError(t, err)
	require.Len(t, tmpl, 10*26)

	mels, err := lms.ComputeLogMelSpectrogram(signal)
	require.NoError(t, err)
	start := -1
	for s := 0; s+10 <= len(mels); s++ {
		if slices.Equal(slices.Concat(mels[s:s+10]...), tmpl) {
			start = s
			break
		}
	}
	// frame 50 is the first one fully inside the tone
	require.GreaterOrEqual(t, start, 50)

	_, err = lms.Enroll(make([]float32, 1000), 10)
	require.Error(t, err)
}

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadModel(t *testing.T) {
	path := writeFile(t, "two.json", `{
		"network": "net.onnx",
		"window_frames": 2,
		"smoothing_frames": 3,
		"hotwords": [
			{"name": "alexa", "sensitivity": 0.4, "templates": [[1, 0, 1, 0]]},
			{"name": "computer", "templates": [[0, 1, 0, 1], [1, 1, 1, 1]]}
		]
	}`)
	m, err := LoadModel(path)
	require.NoError(t, err)
	require.Equal(t, path, m.Path())
	require.Equal(t, filepath.Join(filepath.Dir(path), "net.onnx"), m.Network)
	require.Len(t, m.Hotwords, 2)
	require.Equal(t, 0.4, m.Hotwords[0].EffectiveSensitivity())
	require.Equal(t, DefaultSensitivity, m.Hotwords[1].EffectiveSensitivity())
	require.Equal(t, 3, m.Smoothing())
	frames, err := m.Frames(2)
	require.NoError(t, err)
	require.Equal(t, 2, frames)
}

func TestLoadLegacyEmbeddings(t *testing.T) {
	path := writeFile(t, "computer_ref.json", `{"embeddings": [[0.5, 0.5, 0.5, 0.5, 0.5, 0.5]]}`)
	m, err := LoadModel(path)
	require.NoError(t, err)
	require.Len(t, m.Hotwords, 1)
	require.Equal(t, "computer_ref", m.Hotwords[0].Name)
	require.Equal(t, 1, m.Smoothing())

	frames, err := m.Frames(3)
	require.NoError(t, err)
	require.Equal(t, 2, frames)
	_, err = m.Frames(4)
	require.ErrorIs(t, err, ErrModelLoad)
}

func TestLoadModelErrors(t *testing.T) {
	tests := map[string]string{
		"garbage":        `{not json`,
		"no hotwords":    `{"hotwords": []}`,
		"no templates":   `{"hotwords": [{"name": "x", "templates": []}]}`,
		"bad length":     `{"hotwords": [{"name": "x", "templates": [[1, 2], [1]]}]}`,
		"bad sensitivity": `{"hotwords": [{"name": "x", "sensitivity": 1.5, "templates": [[1]]}]}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadModel(writeFile(t, "m.json", content))
			require.ErrorIs(t, err, ErrModelLoad)
		})
	}
	_, err := LoadModel(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorIs(t, err, ErrModelLoad)
}

func TestModelSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hey.json")
	m := NewModel("hey", 0.3, 1, []float32{1, 2, 3})
	require.NoError(t, m.SaveAs(path))

	loaded, err := LoadModel(path)
	require.NoError(t, err)
	require.Equal(t, 0.3, loaded.Hotwords[0].EffectiveSensitivity())

	s := 0.9
	loaded.Hotwords[0].Sensitivity = &s
	require.NoError(t, loaded.Save())
	again, err := LoadModel(path)
	require.NoError(t, err)
	require.Equal(t, 0.9, again.Hotwords[0].EffectiveSensitivity())

	err = m.SaveAs(filepath.Join(t.TempDir(), "missing", "hey.json"))
	require.ErrorIs(t, err, ErrPersist)
}

func newTestScorer(t *testing.T, smoothing int) *Scorer {
	m := NewModel("beep", 0.5, 2, []float32{1, 0, 1, 0})
	m.SmoothingFrames = smoothing
	s, err := NewScorer(m, TemplateClassifier{}, 2, -60)
	require.NoError(t, err)
	return s
}

func push(t *testing.T, s *Scorer, mel []float32, energy float64) {
	require.NoError(t, s.Push(&Feature{Mel: mel, EnergyDB: energy}))
}

func TestScorerFiresOncePerSegment(t *testing.T) {
	s := newTestScorer(t, 1)
	var fired int
	segment := func() {
		for i := 0; i < 10; i++ {
			push(t, s, []float32{1, 0}, -10)
			if s.Fire(0, 0.5) {
				fired++
			}
		}
	}
	segment()
	require.Equal(t, 1, fired)
	require.InDelta(t, 1, s.Score(0), 1e-6)

	// quiet frames score zero and re-arm the hotword
	push(t, s, []float32{1, 0}, -90)
	require.False(t, s.Fire(0, 0.5))
	require.Zero(t, s.Score(0))

	segment()
	require.Equal(t, 2, fired)
}

func TestScorerNeedsFullWindowAndSmoothing(t *testing.T) {
	s := newTestScorer(t, 2)
	push(t, s, []float32{1, 0}, -10)
	require.Zero(t, s.Score(0))
	push(t, s, []float32{1, 0}, -10)
	require.InDelta(t, 0.5, s.Score(0), 1e-6)
	require.False(t, s.Fire(0, 0.5))
	push(t, s, []float32{1, 0}, -10)
	require.True(t, s.Fire(0, 0.5))

	s.Reset()
	require.Zero(t, s.Score(0))
	push(t, s, []float32{0, 1}, -10)
	push(t, s, []float32{0, 1}, -10)
	require.InDelta(t, 0.25, s.Score(0), 1e-6)

	require.Error(t, s.Push(&Feature{Mel: []float32{1}}))
}

func TestNewScorerRejectsMismatchedTemplates(t *testing.T) {
	m := NewModel("beep", 0.5, 3, []float32{1, 0, 1, 0})
	_, err := NewScorer(m, TemplateClassifier{}, 2, -60)
	require.ErrorIs(t, err, ErrModelLoad)
}

func TestFitWindow(t *testing.T) {
	// 3 frames of 2 bands into a [2 mel][2 frame] tensor keeps the newest frames
	window := []float32{1, 2, 3, 4, 5, 6}
	dst := make([]float32, 4)
	fitWindow(dst, window, 3, 2, 2, 2)
	require.Equal(t, []float32{3, 5, 4, 6}, dst)

	// padding when the tensor is wider
	dst = make([]float32, 3*4)
	fitWindow(dst, window, 3, 2, 3, 4)
	require.Equal(t, []float32{1, 3, 5, 0, 2, 4, 6, 0, 0, 0, 0, 0}, dst)
}
