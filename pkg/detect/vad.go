package detect

import (
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/algo-boyz/snowgate/pkg/pcm"
	"github.com/algo-boyz/snowgate/pkg/resource"
	"github.com/algo-boyz/snowgate/pkg/silence"
)

// Vad reports voice activity only. It loads the same resource bundle as a
// Detector but no hotword models.
type Vad struct {
	log       *slog.Logger
	pipe      *pipeline
	vad       *silence.Model
	destroyed bool
}

func NewVad(resourcePath string, opts ...Option) (*Vad, error) {
	o := newOptions(opts)
	bundle, err := resource.Load(resourcePath)
	if err != nil {
		return nil, err
	}
	pipe, err := newPipeline(bundle, o)
	if err != nil {
		return nil, err
	}
	vad, err := silence.NewModel(bundle.SilenceConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResourceLoad, err)
	}
	return &Vad{log: o.logger, pipe: pipe, vad: vad}, nil
}

// Run returns NonSilence if any frame of the chunk is speech, Silence
// otherwise. Without a complete frame it repeats the current state.
func (v *Vad) Run(c pcm.Chunk) (Result, error) {
	if v.destroyed {
		return Error, ErrDestroyed
	}
	if err := v.pipe.check(c); err != nil {
		return Error, err
	}
	if err := v.pipe.ingest(c); err != nil {
		v.log.Warn("vad fault, resetting", "err", err)
		return Error, multierr.Append(err, v.Reset())
	}
	speech := v.vad.Active()
	first := true
	for frame := range v.pipe.frames(c.End) {
		if first {
			speech, first = false, false
		}
		if v.vad.Classify(pcm.EnergyDB(frame)) {
			speech = true
		}
	}
	if speech {
		return NonSilence, nil
	}
	return Silence, nil
}

func (v *Vad) RunBytes(data []byte, end bool) (Result, error) {
	if v.destroyed {
		return Error, ErrDestroyed
	}
	c, err := v.pipe.decode(data, end)
	if err != nil {
		return Error, err
	}
	return v.Run(c)
}

// Reset clears the VAD counters and the ingestion buffers.
func (v *Vad) Reset() error {
	if v.destroyed {
		return ErrDestroyed
	}
	v.vad.Reset()
	v.pipe.reset()
	return nil
}

// SilenceRun counts the consecutive silent frames seen so far.
func (v *Vad) SilenceRun() int { return v.vad.SilenceRun() }

func (v *Vad) Destroy() error {
	v.destroyed = true
	return nil
}

func (v *Vad) SetAudioGain(g float32) { v.pipe.gain = g }

func (v *Vad) ApplyFrontend(on bool) { v.pipe.useFrontend = on }

func (v *Vad) SampleRate() int    { return v.pipe.format.SampleRate }
func (v *Vad) NumChannels() int   { return v.pipe.format.NumChannels }
func (v *Vad) BitsPerSample() int { return v.pipe.format.BitsPerSample }
