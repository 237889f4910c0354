package hotword

import (
	"fmt"
	"math"

	"github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/mat"

	"github.com/algo-boyz/snowgate/pkg/pcm"
)

const logFloor = 1e-10

type LogMelSpectrogram struct {
	SampleRate   int
	WindowLen    int
	HopLength    int
	NumMelBands  int
	NFFTSize     int
	LowFreq      float32
	HighFreq     float32
	PreEmphCoeff float32
	// CMNFrames enables cepstral mean normalization over that many trailing frames.
	CMNFrames  int
	WindowFunc func(int) []float64
}

// This assumes a mono channel input
func DefaultLogMelSpectrogram() *LogMelSpectrogram {
	return NewLogMelSpectrogram(
		16000,
		0.025,    // window length (seconds)
		0.01,     // window step (seconds)
		26,       // number of mel bands
		512,      // FFT size
		0,        // low frequency
		16000./2, // high frequency
		0.97,     // preemphasis coefficient
		HannWindow,
	)
}

// NewLogMelSpectrogram creates a new LogMelSpectrogram configuration
func NewLogMelSpectrogram(
	sampleRate int,
	winlen float32,
	winstep float32,
	nfilt int,
	nfft int,
	lowfreq float32,
	highfreq float32,
	preemph float32,
	windowFunc func(int) []float64,
) *LogMelSpectrogram {
	if windowFunc == nil {
		windowFunc = DefaultWindow
	}
	return &LogMelSpectrogram{
		SampleRate:   sampleRate,
		WindowLen:    int(math.Round(float64(winlen) * float64(sampleRate))),
		HopLength:    int(math.Round(float64(winstep) * float64(sampleRate))),
		NumMelBands:  nfilt,
		NFFTSize:     nfft,
		LowFreq:      lowfreq,
		HighFreq:     highfreq,
		PreEmphCoeff: preemph,
		WindowFunc:   windowFunc,
	}
}

// Validate reports configurations the extractor cannot run with.
func (lms *LogMelSpectrogram) Validate() error {
	switch {
	case lms.WindowLen <= 0 || lms.HopLength <= 0:
		return fmt.Errorf("window %d and hop %d must be positive", lms.WindowLen, lms.HopLength)
	case lms.HopLength > lms.WindowLen:
		return fmt.Errorf("hop %d exceeds window %d", lms.HopLength, lms.WindowLen)
	case lms.NFFTSize < lms.WindowLen:
		return fmt.Errorf("fft size %d is shorter than window %d", lms.NFFTSize, lms.WindowLen)
	case lms.NumMelBands <= 0:
		return fmt.Errorf("mel bands must be positive, got %d", lms.NumMelBands)
	case lms.HighFreq <= lms.LowFreq || float64(lms.HighFreq) > float64(lms.SampleRate)/2:
		return fmt.Errorf("band limits %v-%v out of range", lms.LowFreq, lms.HighFreq)
	}
	return nil
}

// DefaultWindow is a rectangular window
func DefaultWindow(size int) []float64 {
	window := make([]float64, size)
	for i := range window {
		window[i] = 1
	}
	return window
}

// HannWindow creates a Hann window
func HannWindow(size int) []float64 {
	var window = make([]float64, size)
	for i := 0; i < size; i++ {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size-1)))
	}
	return window
}

// HzToMel converts frequency from Hz to Mel scale
func HzToMel(hz float32) float32 {
	return float32(2595 * math.Log10(1+float64(hz)/700.0))
}

// MelToHz converts frequency from Mel scale to Hz
func MelToHz(mel float32) float32 {
	return float32(700 * (math.Pow(10, float64(mel)/2595.0) - 1))
}

// CreateMelFilterbank generates mel filterbank matrix
func CreateMelFilterbank(numMelBands, windowSize, sampleRate int, lowFreq, highFreq float32) *mat.Dense {
	var (
		melMin     = HzToMel(lowFreq)
		melMax     = HzToMel(highFreq)
		fftBins    = make([]int, numMelBands+2)
		filterbank = mat.NewDense(numMelBands, windowSize/2+1, nil)
	)
	for i := 0; i < numMelBands+2; i++ {
		mel := melMin + (melMax-melMin)*float32(i)/float32(numMelBands+1)
		fftBins[i] = int(math.Floor(float64(float32(windowSize+1) * MelToHz(mel) / float32(sampleRate))))
		fftBins[i] = min(fftBins[i], windowSize/2)
	}
	for j := 0; j < numMelBands; j++ {
		for i := fftBins[j]; i < fftBins[j+1]; i++ {
			filterbank.Set(j, i, float64(i-fftBins[j])/float64(fftBins[j+1]-fftBins[j]))
		}
		for i := fftBins[j+1]; i < fftBins[j+2]; i++ {
			filterbank.Set(j, i, float64(fftBins[j+2]-i)/float64(fftBins[j+2]-fftBins[j+1]))
		}
	}
	return filterbank
}

// Feature is the per-frame output of the extractor. Mel is reused by the
// extractor that filled it.
type Feature struct {
	Mel      []float32
	EnergyDB float64
}

// Extractor turns analysis frames into log-mel feature vectors. Buffers are
// allocated once; only the optional CMN window carries state across frames.
type Extractor struct {
	lms        *LogMelSpectrogram
	window     []float64
	filterbank *mat.Dense
	padded     []float64
	magnitude  *mat.VecDense
	mel        *mat.VecDense
	cmn        *meanWindow
}

func (lms *LogMelSpectrogram) NewExtractor() *Extractor {
	e := &Extractor{
		lms:        lms,
		window:     lms.WindowFunc(lms.WindowLen),
		filterbank: CreateMelFilterbank(lms.NumMelBands, lms.NFFTSize, lms.SampleRate, lms.LowFreq, lms.HighFreq),
		padded:     make([]float64, lms.NFFTSize),
		magnitude:  mat.NewVecDense(lms.NFFTSize/2+1, nil),
		mel:        mat.NewVecDense(lms.NumMelBands, nil),
	}
	if lms.CMNFrames > 0 {
		e.cmn = newMeanWindow(lms.CMNFrames, lms.NumMelBands)
	}
	return e
}

// Dim is the feature vector length.
func (e *Extractor) Dim() int { return e.lms.NumMelBands }

// Extract fills dst with the features of one frame. Identical frames produce
// identical features unless CMN is enabled.
func (e *Extractor) Extract(frame []float32, dst *Feature) error {
	if len(frame) != e.lms.WindowLen {
		return fmt.Errorf("frame has %d samples, extractor expects %d", len(frame), e.lms.WindowLen)
	}
	if cap(dst.Mel) < e.lms.NumMelBands {
		dst.Mel = make([]float32, e.lms.NumMelBands)
	}
	dst.Mel = dst.Mel[:e.lms.NumMelBands]
	dst.EnergyDB = pcm.EnergyDB(frame)

	coeff := float64(e.lms.PreEmphCoeff)
	for i, s := range frame {
		v := float64(s)
		if i > 0 {
			v -= coeff * float64(frame[i-1])
		}
		e.padded[i] = v * e.window[i]
	}
	clear(e.padded[len(frame):])

	spectrum := fft.FFTReal(e.padded)
	for k := 0; k < e.magnitude.Len(); k++ {
		re, im := real(spectrum[k]), imag(spectrum[k])
		e.magnitude.SetVec(k, math.Sqrt(re*re+im*im))
	}
	e.mel.MulVec(e.filterbank, e.magnitude)

	// subtract the frame mean so features describe spectral shape, not loudness
	var mean float64
	for m := 0; m < e.mel.Len(); m++ {
		v := math.Log(e.mel.AtVec(m) + logFloor)
		e.mel.SetVec(m, v)
		mean += v
	}
	mean /= float64(e.mel.Len())
	for m := range dst.Mel {
		dst.Mel[m] = float32(e.mel.AtVec(m) - mean)
	}
	if e.cmn != nil {
		e.cmn.normalize(dst.Mel)
	}
	return nil
}

// Reset clears the trailing CMN window.
func (e *Extractor) Reset() {
	if e.cmn != nil {
		e.cmn.reset()
	}
}

// ComputeLogMelSpectrogram generates a log mel spectrogram from audio signal,
// one row per frame.
func (lms *LogMelSpectrogram) ComputeLogMelSpectrogram(signal []float32) ([][]float32, error) {
	var numFrames = 1 + (len(signal)-lms.WindowLen)/lms.HopLength
	if len(signal) < lms.WindowLen || numFrames <= 0 {
		return nil, fmt.Errorf("signal too short for given window and hop lengths")
	}
	var (
		e       = lms.NewExtractor()
		framer  = pcm.NewFramer(lms.WindowLen, lms.HopLength)
		feature Feature
		out     = make([][]float32, 0, numFrames)
	)
	framer.Write(signal)
	for frame := range framer.Frames() {
		if err := e.Extract(frame, &feature); err != nil {
			return nil, err
		}
		out = append(out, append([]float32(nil), feature.Mel...))
	}
	return out, nil
}

// meanWindow subtracts the mean over a bounded number of trailing vectors.
type meanWindow struct {
	rows   [][]float64
	sum    []float64
	pos    int
	filled int
}

func newMeanWindow(frames, dim int) *meanWindow {
	w := &meanWindow{rows: make([][]float64, frames), sum: make([]float64, dim)}
	for i := range w.rows {
		w.rows[i] = make([]float64, dim)
	}
	return w
}

func (w *meanWindow) normalize(v []float32) {
	row := w.rows[w.pos]
	for i, x := range v {
		w.sum[i] += float64(x) - row[i]
		row[i] = float64(x)
	}
	w.pos = (w.pos + 1) % len(w.rows)
	w.filled = min(w.filled+1, len(w.rows))
	for i := range v {
		v[i] -= float32(w.sum[i] / float64(w.filled))
	}
}

func (w *meanWindow) reset() {
	for _, row := range w.rows {
		clear(row)
	}
	clear(w.sum)
	w.pos, w.filled = 0, 0
}
