package detect

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/algo-boyz/snowgate/pkg/hotword"
	"github.com/algo-boyz/snowgate/pkg/pcm"
	"github.com/algo-boyz/snowgate/pkg/resource"
)

const rate = 16000

// tone starts at phase zero. 1000 Hz has a 16 sample period, which divides
// the hop, so every frame fully inside the tone is identical as long as the
// tone starts at a multiple of 16 samples.
func tone(hz float64, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = 0.5 * float32(math.Sin(2*math.Pi*hz*float64(i)/rate))
	}
	return s
}

func noise(seed uint64, n int) []float32 {
	r := rand.New(rand.NewPCG(seed, seed+1))
	s := make([]float32, n)
	for i := range s {
		s[i] = r.Float32()*0.6 - 0.3
	}
	return s
}

func quiet(n int) []float32 { return make([]float32, n) }

// toneTemplate is three frames of a steady tone.
func toneTemplate(t *testing.T, hz float64) []float32 {
	e := resource.Default().Spectrogram().NewExtractor()
	var f hotword.Feature
	require.NoError(t, e.Extract(tone(hz, 400), &f))
	return slices.Concat(f.Mel, f.Mel, f.Mel)
}

// toneModel writes a single hotword model whose template is three frames of
// a steady tone.
func toneModel(t *testing.T, dir, name string, hz float64) string {
	path := filepath.Join(dir, name+".model")
	require.NoError(t, hotword.NewModel(name, 0.1, 3, toneTemplate(t, hz)).SaveAs(path))
	return path
}

// pairModel writes one model file declaring hotword x (1500 Hz) and y (1000 Hz).
func pairModel(t *testing.T, dir string) string {
	m := hotword.NewModel("x", 0.1, 3, toneTemplate(t, 1500))
	s := 0.1
	m.Hotwords = append(m.Hotwords, hotword.Hotword{Name: "y", Sensitivity: &s, Templates: [][]float32{toneTemplate(t, 1000)}})
	path := filepath.Join(dir, "xy.model")
	require.NoError(t, m.SaveAs(path))
	return path
}

// newScenario loads a.model (1500 Hz) and b.model (1000 Hz).
func newScenario(t *testing.T) (*Detector, string, string) {
	dir := t.TempDir()
	a := toneModel(t, dir, "a", 1500)
	b := toneModel(t, dir, "b", 1000)
	d, err := New("", a+","+b)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, d.Destroy()) })
	return d, a, b
}

func feed(t *testing.T, d *Detector, samples []float32, chunk int, end bool) []Result {
	var out []Result
	for len(samples) > 0 {
		n := min(chunk, len(samples))
		r, err := d.Run(pcm.NewChunk(samples[:n], 1, end && n == len(samples)))
		require.NoError(t, err)
		out = append(out, r)
		samples = samples[n:]
	}
	return out
}

func count(results []Result, want Result) int {
	n := 0
	for _, r := range results {
		if r == want {
			n++
		}
	}
	return n
}

func TestScenario(t *testing.T) {
	d, _, _ := newScenario(t)
	require.Equal(t, 2, d.NumHotwords())
	require.Equal(t, "a", d.HotwordName(1))
	require.Equal(t, "b", d.HotwordName(2))
	require.Equal(t, Listening, d.State())

	for _, r := range feed(t, d, quiet(8000), 1600, false) {
		require.Equal(t, Silence, r)
	}
	require.Equal(t, StateSilence, d.State())

	for _, r := range feed(t, d, noise(7, 16000), 1600, false) {
		require.Equal(t, NonSilence, r)
	}
	require.Equal(t, Active, d.State())

	var results []Result
	results = append(results, feed(t, d, quiet(8000), 1600, false)...)
	results = append(results, feed(t, d, tone(1000, 8000), 1600, false)...)
	require.Equal(t, 1, count(results, 2))
	results = append(results, feed(t, d, quiet(8000), 1600, false)...)
	results = append(results, feed(t, d, tone(1000, 8000), 1600, false)...)
	require.Equal(t, 2, count(results, 2))
	require.Zero(t, count(results, 1))
	require.Zero(t, count(results, Error))
	require.Equal(t, Silence, results[len(results)-1-5])
}

func stream() []float32 {
	return slices.Concat(quiet(4000), noise(3, 8000), quiet(8000), tone(1000, 8000), quiet(4000))
}

func TestDeterminism(t *testing.T) {
	d, _, _ := newScenario(t)
	first := feed(t, d, stream(), 1000, true)
	require.NoError(t, d.Reset())
	require.Equal(t, first, feed(t, d, stream(), 1000, true))
	require.Equal(t, 1, count(first, 2))
}

func TestChunkBoundaryInvariance(t *testing.T) {
	buffers := map[string]struct {
		samples []float32
		want    Result
	}{
		"silence": {quiet(6000), Silence},
		"noise":   {noise(11, 6000), NonSilence},
		"hotword": {stream(), 2},
	}
	for name, buf := range buffers {
		t.Run(name, func(t *testing.T) {
			d, _, _ := newScenario(t)
			whole := feed(t, d, buf.samples, len(buf.samples), true)
			require.Equal(t, []Result{buf.want}, whole)

			for _, size := range []int{37, 160, 400, 1013} {
				require.NoError(t, d.Reset())
				merged := Error
				for _, r := range feed(t, d, buf.samples, size, true) {
					merged = Merge(merged, r)
				}
				require.Equal(t, buf.want, merged, "chunk size %d", size)
			}
		})
	}
}

func TestResetIdempotence(t *testing.T) {
	d, _, _ := newScenario(t)
	signal := slices.Concat(quiet(1600), tone(1000, 4800))
	require.Equal(t, 1, count(feed(t, d, signal, 800, false), 2))

	require.NoError(t, d.Reset())
	require.NoError(t, d.Reset())
	require.Equal(t, Listening, d.State())
	require.Equal(t, 1, count(feed(t, d, signal, 800, false), 2))
	require.Equal(t, Active, d.State())
}

func TestRunBytes(t *testing.T) {
	d, _, _ := newScenario(t)
	signal := slices.Concat(quiet(1600), tone(1000, 4800))
	data := make([]byte, 2*len(signal))
	for i, v := range signal {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(int16(v*32767)))
	}
	r, err := d.RunBytes(data, true)
	require.NoError(t, err)
	require.Equal(t, Result(2), r)
}

func TestRejectedChunksLeaveStateAlone(t *testing.T) {
	d, _, _ := newScenario(t)
	feed(t, d, tone(1000, 3200), 3200, false)
	require.Equal(t, Triggered, d.State())

	r, err := d.Run(pcm.NewChunk(make([]int16, 320), 2, false))
	require.Equal(t, Error, r)
	require.ErrorIs(t, err, ErrFormatMismatch)

	r, err = d.RunBytes(make([]byte, 3), false)
	require.Equal(t, Error, r)
	require.ErrorIs(t, err, ErrDetectionFault)
	require.Equal(t, Triggered, d.State())

	// the tone continues without a second trigger
	require.Zero(t, count(feed(t, d, tone(1000, 3200), 1600, false), 2))
}

func TestSensitivity(t *testing.T) {
	d, _, _ := newScenario(t)
	require.Equal(t, "0.1,0.1", d.GetSensitivity())

	require.NoError(t, d.SetSensitivity("0.25, 1"))
	require.Equal(t, "0.25,1", d.GetSensitivity())
	require.NoError(t, d.SetSensitivity("0.5,0.50"))
	require.Equal(t, "0.5,0.50", d.GetSensitivity())

	require.ErrorIs(t, d.SetSensitivity("0.3"), ErrSensitivityCount)
	require.ErrorIs(t, d.SetSensitivity("0.3,0.3,0.3"), ErrSensitivityCount)
	require.ErrorIs(t, d.SetSensitivity("0.3,abc"), ErrInvalidSensitivity)
	require.ErrorIs(t, d.SetSensitivity("0.3,1.5"), ErrInvalidSensitivity)
	require.ErrorIs(t, d.SetSensitivity("-0.1,0.3"), ErrInvalidSensitivity)
	require.ErrorIs(t, d.SetSensitivity("NaN,0.5"), ErrInvalidSensitivity)
	require.ErrorIs(t, d.SetSensitivity("0.5,+Inf"), ErrInvalidSensitivity)
	require.Equal(t, "0.5,0.50", d.GetSensitivity())
}

func TestUpdateModel(t *testing.T) {
	d, a, b := newScenario(t)
	require.NoError(t, d.SetSensitivity("0.2,0.3"))
	require.NoError(t, d.UpdateModel())

	ma, err := hotword.LoadModel(a)
	require.NoError(t, err)
	require.Equal(t, 0.2, ma.Hotwords[0].EffectiveSensitivity())
	mb, err := hotword.LoadModel(b)
	require.NoError(t, err)
	require.Equal(t, 0.3, mb.Hotwords[0].EffectiveSensitivity())
}

func TestUpdateModelFailureKeepsMemoryState(t *testing.T) {
	dir, err := os.MkdirTemp("", "models")
	require.NoError(t, err)
	a := toneModel(t, dir, "a", 1500)
	d, err := New("", a)
	require.NoError(t, err)
	defer d.Destroy()
	require.NoError(t, os.RemoveAll(dir))

	require.NoError(t, d.SetSensitivity("0.7"))
	require.ErrorIs(t, d.UpdateModel(), ErrPersist)
	require.Equal(t, "0.7", d.GetSensitivity())
	require.Equal(t, 0.1, d.scorers[0].Model().Hotwords[0].EffectiveSensitivity())
}

func TestConstructionErrors(t *testing.T) {
	dir := t.TempDir()
	a := toneModel(t, dir, "a", 1500)

	_, err := New(filepath.Join(dir, "missing.yaml"), a)
	require.ErrorIs(t, err, ErrResourceLoad)

	_, err = New("", a+","+filepath.Join(dir, "missing.model"))
	require.ErrorIs(t, err, ErrModelLoad)

	_, err = New("", " , ")
	require.ErrorIs(t, err, ErrModelLoad)

	// template built for another feature dimension
	res := filepath.Join(dir, "res.yaml")
	require.NoError(t, os.WriteFile(res, []byte("features:\n  mel_bands: 40\n"), 0o644))
	_, err = New(res, a)
	require.ErrorIs(t, err, ErrModelLoad)
}

func TestDestroy(t *testing.T) {
	d, err := New("", toneModel(t, t.TempDir(), "a", 1500))
	require.NoError(t, err)
	require.NoError(t, d.Destroy())
	require.NoError(t, d.Destroy())
	require.Equal(t, Idle, d.State())

	_, err = d.Run(pcm.NewChunk(quiet(160), 1, false))
	require.ErrorIs(t, err, ErrDestroyed)
	require.ErrorIs(t, d.Reset(), ErrDestroyed)
}

func TestFormat(t *testing.T) {
	d, _, _ := newScenario(t)
	require.Equal(t, 16000, d.SampleRate())
	require.Equal(t, 1, d.NumChannels())
	require.Equal(t, 16, d.BitsPerSample())
}

func TestMerge(t *testing.T) {
	require.Equal(t, Silence, Merge(Error, Silence))
	require.Equal(t, Silence, Merge(Silence, Error))
	require.Equal(t, NonSilence, Merge(Silence, NonSilence))
	require.Equal(t, Result(3), Merge(NonSilence, 3))
	require.Equal(t, Result(2), Merge(3, 2))
	require.Equal(t, Error, Merge(Error, Error))

	idx, ok := Result(4).Hotword()
	require.True(t, ok)
	require.Equal(t, 4, idx)
	_, ok = NonSilence.Hotword()
	require.False(t, ok)
}

func TestVad(t *testing.T) {
	v, err := NewVad("")
	require.NoError(t, err)
	defer v.Destroy()

	r, err := v.Run(pcm.NewChunk(quiet(1600), 1, false))
	require.NoError(t, err)
	require.Equal(t, Silence, r)
	require.Equal(t, 8, v.SilenceRun())

	r, err = v.Run(pcm.NewChunk(noise(5, 1600), 1, false))
	require.NoError(t, err)
	require.Equal(t, NonSilence, r)

	// no complete frame: the current state is repeated
	r, err = v.Run(pcm.NewChunk(noise(6, 10), 1, false))
	require.NoError(t, err)
	require.Equal(t, NonSilence, r)

	require.NoError(t, v.Reset())
	require.Zero(t, v.SilenceRun())

	_, err = v.Run(pcm.NewChunk(make([]float32, 4), 2, false))
	require.ErrorIs(t, err, ErrFormatMismatch)
}

func TestVadFrontendKeepsFormat(t *testing.T) {
	v, err := NewVad("")
	require.NoError(t, err)
	before := []int{v.SampleRate(), v.NumChannels(), v.BitsPerSample()}
	v.ApplyFrontend(true)
	require.Equal(t, before, []int{v.SampleRate(), v.NumChannels(), v.BitsPerSample()})

	r, err := v.Run(pcm.NewChunk(noise(9, 3200), 1, true))
	require.NoError(t, err)
	require.Equal(t, NonSilence, r)
	v.ApplyFrontend(false)
	require.Equal(t, before, []int{v.SampleRate(), v.NumChannels(), v.BitsPerSample()})

	require.NoError(t, v.Destroy())
	_, err = v.RunBytes(make([]byte, 2), false)
	require.ErrorIs(t, err, ErrDestroyed)
}

func TestHotwordsAreNumberedAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	d, err := New("", toneModel(t, dir, "a", 1500)+","+pairModel(t, dir))
	require.NoError(t, err)
	defer d.Destroy()

	require.Equal(t, 3, d.NumHotwords())
	require.Equal(t, []string{"a", "x", "y"}, []string{d.HotwordName(1), d.HotwordName(2), d.HotwordName(3)})
	require.Equal(t, "0.1,0.1,0.1", d.GetSensitivity())
	require.Empty(t, d.HotwordName(4))

	results := feed(t, d, slices.Concat(quiet(1600), tone(1000, 8000)), 1600, false)
	require.Equal(t, 1, count(results, 3))
	require.Zero(t, count(results, 1))
	require.Zero(t, count(results, 2))
}

func TestLowestIndexWins(t *testing.T) {
	dir := t.TempDir()
	signal := slices.Concat(quiet(1600), tone(1000, 8000))

	// y (2) and b (3) fire on the same frame
	d, err := New("", pairModel(t, dir)+","+toneModel(t, dir, "b", 1000))
	require.NoError(t, err)
	defer d.Destroy()
	results := feed(t, d, signal, 1600, false)
	require.Equal(t, 1, count(results, 2))
	require.Zero(t, count(results, 3))

	// the same template loaded twice reports the first copy
	b := toneModel(t, dir, "b", 1000)
	d2, err := New("", b+","+b)
	require.NoError(t, err)
	defer d2.Destroy()
	results = feed(t, d2, signal, 1600, false)
	require.Equal(t, 1, count(results, 1))
	require.Zero(t, count(results, 2))
}

func TestAudioGain(t *testing.T) {
	d, _, _ := newScenario(t)
	signal := slices.Concat(quiet(1600), tone(1000, 8000))

	d.SetAudioGain(0)
	results := feed(t, d, signal, 1600, false)
	require.Equal(t, len(results), count(results, Silence))

	require.NoError(t, d.Reset())
	d.SetAudioGain(1)
	require.Equal(t, 1, count(feed(t, d, signal, 1600, false), 2))
}

func scale(samples []float32, g float32) []float32 {
	for i := range samples {
		samples[i] *= g
	}
	return samples
}

func TestDetectorFrontendLiftsQuietSpeech(t *testing.T) {
	d, _, _ := newScenario(t)
	// about -65 dBFS: below the VAD threshold and the scoring floor
	signal := slices.Concat(quiet(3200), scale(tone(1000, 8000), 0.0016))

	results := feed(t, d, signal, 1600, false)
	require.Equal(t, len(results), count(results, Silence))

	require.NoError(t, d.Reset())
	d.ApplyFrontend(true)
	results = feed(t, d, signal, 1600, false)
	require.Zero(t, count(results, Error))
	require.Less(t, count(results, Silence), len(results))
	require.Equal(t, 16000, d.SampleRate())
}

func toneAt(hz float64, sampleRate, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = 0.5 * float32(math.Sin(2*math.Pi*hz*float64(i)/float64(sampleRate)))
	}
	return s
}

func TestInputSampleRate(t *testing.T) {
	dir := t.TempDir()
	a := toneModel(t, dir, "a", 1500)
	b := toneModel(t, dir, "b", 1000)
	d, err := New("", a+","+b, WithInputSampleRate(48000))
	require.NoError(t, err)
	defer d.Destroy()
	require.Equal(t, 16000, d.SampleRate())
	require.NoError(t, d.SetSensitivity("0.1,0.8"))

	signal := slices.Concat(make([]float32, 24000), toneAt(1000, 48000, 24000), make([]float32, 24000))
	results := feed(t, d, signal, 4800, true)
	require.Len(t, results, 15)
	require.Equal(t, 1, count(results, 2))
	require.Zero(t, count(results, 1))
	require.Equal(t, Silence, results[0])
}

type flakyClassifier struct {
	hotword.TemplateClassifier
	fail bool
}

func (c *flakyClassifier) Embed(window []float32) ([]float32, error) {
	if c.fail {
		return nil, errors.New("embedding failed")
	}
	return window, nil
}

func TestFaultResetsStream(t *testing.T) {
	d, err := New("", toneModel(t, t.TempDir(), "b", 1000))
	require.NoError(t, err)
	defer d.Destroy()
	flaky := &flakyClassifier{}
	s, err := hotword.NewScorer(d.scorers[0].Model(), flaky, d.extractor.Dim(), -60)
	require.NoError(t, err)
	d.scorers[0], d.index[0].scorer = s, s

	require.Equal(t, 1, count(feed(t, d, slices.Concat(quiet(1600), tone(1000, 4800)), 1600, false), 1))
	require.Equal(t, Active, d.State())

	flaky.fail = true
	r, err := d.Run(pcm.NewChunk(tone(1000, 1600), 1, false))
	require.Equal(t, Error, r)
	require.ErrorIs(t, err, ErrDetectionFault)
	require.Equal(t, Listening, d.State())

	// the tone goes on, but the reset stream treats it as a new utterance
	flaky.fail = false
	require.Equal(t, 1, count(feed(t, d, tone(1000, 4800), 1600, false), 1))
}

func TestOptions(t *testing.T) {
	o := newOptions(nil)
	require.Equal(t, slog.Default(), o.logger)
	require.False(t, o.coreML)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	o = newOptions([]Option{WithLogger(log), WithInputSampleRate(8000), WithOnnxLibrary("lib.so"), WithCoreML(true)})
	require.Equal(t, log, o.logger)
	require.Equal(t, 8000, o.inputRate)
	require.Equal(t, "lib.so", o.onnxLib)
	require.True(t, o.coreML)
}
