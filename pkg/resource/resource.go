// Package resource loads the acoustic resource bundle: the sample format an
// engine consumes and the parameters of every stage of its pipeline.
package resource

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/algo-boyz/snowgate/pkg/frontend"
	"github.com/algo-boyz/snowgate/pkg/hotword"
	"github.com/algo-boyz/snowgate/pkg/pcm"
	"github.com/algo-boyz/snowgate/pkg/silence"
)

var ErrLoad = errors.New("resource load error")

type Bundle struct {
	Format   Format   `yaml:"format"`
	Frame    Frame    `yaml:"frame"`
	Features Features `yaml:"features"`
	VAD      VAD      `yaml:"vad"`
	Frontend Frontend `yaml:"frontend"`
	Scorer   Scorer   `yaml:"scorer"`
}

type Format struct {
	SampleRate    int `yaml:"sample_rate"`
	NumChannels   int `yaml:"num_channels"`
	BitsPerSample int `yaml:"bits_per_sample"`
}

type Frame struct {
	WindowMs float64 `yaml:"window_ms"`
	HopMs    float64 `yaml:"hop_ms"`
}

type Features struct {
	MelBands    int     `yaml:"mel_bands"`
	FFTSize     int     `yaml:"fft_size"`
	LowFreq     float32 `yaml:"low_freq"`
	HighFreq    float32 `yaml:"high_freq"`
	Preemphasis float32 `yaml:"preemphasis"`
	CMNFrames   int     `yaml:"cmn_frames"`
}

type VAD struct {
	ThresholdDB    float64 `yaml:"threshold_db"`
	MarginDB       float64 `yaml:"margin_db"`
	SpeechFrames   int     `yaml:"speech_frames"`
	HangoverFrames int     `yaml:"hangover_frames"`
	FloorAdapt     float64 `yaml:"floor_adapt"`
	FloorCreep     float64 `yaml:"floor_creep"`
}

type Frontend struct {
	TargetDBFS   float64 `yaml:"target_dbfs"`
	MaxGainDB    float64 `yaml:"max_gain_db"`
	GateDB       float64 `yaml:"gate_db"`
	GateGainDB   float64 `yaml:"gate_gain_db"`
	AttackShift  uint    `yaml:"attack_shift"`
	ReleaseShift uint    `yaml:"release_shift"`
}

type Scorer struct {
	// MinAmplitudeDB is the frame energy below which hotwords score zero.
	MinAmplitudeDB float64 `yaml:"min_amplitude_db"`
}

// Default is the built-in bundle: 16 kHz mono 16-bit audio, 25 ms frames
// every 10 ms and 26 mel bands.
func Default() *Bundle {
	vad := silence.DefaultConfig()
	fe := frontend.DefaultConfig()
	return &Bundle{
		Format:   Format{SampleRate: 16000, NumChannels: 1, BitsPerSample: 16},
		Frame:    Frame{WindowMs: 25, HopMs: 10},
		Features: Features{MelBands: 26, FFTSize: 512, HighFreq: 8000, Preemphasis: 0.97},
		VAD: VAD{
			ThresholdDB:    vad.ThresholdDB,
			MarginDB:       vad.MarginDB,
			SpeechFrames:   vad.SpeechFrames,
			HangoverFrames: vad.HangoverFrames,
			FloorAdapt:     vad.FloorAdapt,
			FloorCreep:     vad.FloorCreep,
		},
		Frontend: Frontend{
			TargetDBFS:   fe.TargetDBFS,
			MaxGainDB:    fe.MaxGainDB,
			GateDB:       fe.GateDB,
			GateGainDB:   fe.GateGainDB,
			AttackShift:  fe.AttackShift,
			ReleaseShift: fe.ReleaseShift,
		},
		Scorer: Scorer{MinAmplitudeDB: -60},
	}
}

// Load reads the bundle at path. Sections and keys left out keep their
// Default values. An empty path yields the default bundle.
func Load(path string) (*Bundle, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %w", ErrLoad, path, err)
	}
	defer f.Close()

	b, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", path, err)
	}
	return b, nil
}

func LoadFromReader(r io.Reader) (*Bundle, error) {
	b := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(b); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: decode yaml: %w", ErrLoad, err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	return b, nil
}

// Validate lists every inconsistency of the bundle at once.
func (b *Bundle) Validate() error {
	var err error
	err = multierr.Append(err, b.PCMFormat().Validate())
	if b.Frame.WindowMs <= 0 || b.Frame.HopMs <= 0 {
		err = multierr.Append(err, fmt.Errorf("frame.window_ms %v and frame.hop_ms %v must be positive", b.Frame.WindowMs, b.Frame.HopMs))
	} else {
		err = multierr.Append(err, b.Spectrogram().Validate())
	}
	if b.Features.CMNFrames < 0 {
		err = multierr.Append(err, fmt.Errorf("features.cmn_frames %d must not be negative", b.Features.CMNFrames))
	}
	err = multierr.Append(err, b.SilenceConfig().Validate())
	if b.Frontend.MaxGainDB < 0 {
		err = multierr.Append(err, fmt.Errorf("frontend.max_gain_db %v must not be negative", b.Frontend.MaxGainDB))
	}
	return err
}

func (b *Bundle) PCMFormat() pcm.Format {
	return pcm.Format{
		SampleRate:    b.Format.SampleRate,
		NumChannels:   b.Format.NumChannels,
		BitsPerSample: b.Format.BitsPerSample,
	}
}

// Spectrogram builds the feature extractor configuration with a Hann window.
func (b *Bundle) Spectrogram() *hotword.LogMelSpectrogram {
	lms := hotword.NewLogMelSpectrogram(
		b.Format.SampleRate,
		float32(b.Frame.WindowMs/1000),
		float32(b.Frame.HopMs/1000),
		b.Features.MelBands,
		b.Features.FFTSize,
		b.Features.LowFreq,
		b.Features.HighFreq,
		b.Features.Preemphasis,
		hotword.HannWindow,
	)
	lms.CMNFrames = b.Features.CMNFrames
	return lms
}

func (b *Bundle) SilenceConfig() silence.Config {
	return silence.Config{
		ThresholdDB:    b.VAD.ThresholdDB,
		MarginDB:       b.VAD.MarginDB,
		SpeechFrames:   b.VAD.SpeechFrames,
		HangoverFrames: b.VAD.HangoverFrames,
		FloorAdapt:     b.VAD.FloorAdapt,
		FloorCreep:     b.VAD.FloorCreep,
	}
}

func (b *Bundle) FrontendConfig() frontend.Config {
	return frontend.Config{
		TargetDBFS:   b.Frontend.TargetDBFS,
		MaxGainDB:    b.Frontend.MaxGainDB,
		GateDB:       b.Frontend.GateDB,
		GateGainDB:   b.Frontend.GateGainDB,
		AttackShift:  b.Frontend.AttackShift,
		ReleaseShift: b.Frontend.ReleaseShift,
	}
}
