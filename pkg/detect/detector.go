// Package detect exposes the engine handles. A Detector spots hotwords and
// reports voice activity for a stream of audio chunks; a Vad only reports
// voice activity. Handles are not safe for concurrent use: serialize calls
// on one handle externally. Separate handles share no mutable state.
package detect

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/algo-boyz/snowgate/pkg/hotword"
	"github.com/algo-boyz/snowgate/pkg/pcm"
	"github.com/algo-boyz/snowgate/pkg/resource"
	"github.com/algo-boyz/snowgate/pkg/silence"
)

type State int

const (
	Idle State = iota
	Listening
	StateSilence
	Active
	Triggered
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case StateSilence:
		return "silence"
	case Active:
		return "active"
	case Triggered:
		return "triggered"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// slot maps a global hotword index to the scorer owning it.
type slot struct {
	scorer *hotword.Scorer
	local  int
	name   string
}

type Detector struct {
	log       *slog.Logger
	pipe      *pipeline
	extractor *hotword.Extractor
	feature   hotword.Feature
	vad       *silence.Model
	scorers   []*hotword.Scorer
	index     []slot

	sensitivity []float64
	// sensitivityText keeps the tokens as set so they read back unchanged.
	sensitivityText []string

	state State
}

// New loads the resource bundle and every model of the comma separated
// modelSpec. Hotwords are numbered from 1 across all files in load order.
func New(resourcePath, modelSpec string, opts ...Option) (_ *Detector, err error) {
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
	d := &Detector{
		log:       o.logger,
		pipe:      pipe,
		extractor: bundle.Spectrogram().NewExtractor(),
		vad:       vad,
		state:     Listening,
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, d.Destroy())
		}
	}()

	var paths []string
	for _, p := range strings.Split(modelSpec, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no model files in %q", ErrModelLoad, modelSpec)
	}
	for _, path := range paths {
		var s *hotword.Scorer
		if s, err = d.loadScorer(path, o, bundle.Scorer.MinAmplitudeDB); err != nil {
			return nil, err
		}
		d.scorers = append(d.scorers, s)
		for j, h := range s.Model().Hotwords {
			v := h.EffectiveSensitivity()
			d.index = append(d.index, slot{scorer: s, local: j, name: h.Name})
			d.sensitivity = append(d.sensitivity, v)
			d.sensitivityText = append(d.sensitivityText, strconv.FormatFloat(v, 'f', -1, 64))
		}
		d.log.Debug("model loaded", "path", path, "hotwords", len(s.Model().Hotwords))
	}
	return d, nil
}

func (d *Detector) loadScorer(path string, o options, minEnergyDB float64) (*hotword.Scorer, error) {
	m, err := hotword.LoadModel(path)
	if err != nil {
		return nil, err
	}
	dim := d.extractor.Dim()
	var c hotword.Classifier = hotword.TemplateClassifier{}
	if m.Network != "" {
		frames, err := m.Frames(dim)
		if err != nil {
			return nil, err
		}
		if c, err = hotword.NewOnnxClassifier(o.onnxLib, m.Network, frames, dim, o.coreML); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrModelLoad, path, err)
		}
	}
	s, err := hotword.NewScorer(m, c, dim, minEnergyDB)
	if err != nil {
		return nil, multierr.Append(err, c.Destroy())
	}
	return s, nil
}

// Run feeds one chunk through the engine. It returns the lowest hotword
// index triggered by the chunk, NonSilence if any of its frames was speech,
// Silence otherwise. A rejected chunk yields Error and an error wrapping
// ErrFormatMismatch or ErrDetectionFault and leaves the handle untouched.
// A fault after the chunk was accepted (resampler, classifier) cannot be
// undone frame by frame: the stream is reset, as by Reset, and the next
// call starts a new utterance.
func (d *Detector) Run(c pcm.Chunk) (Result, error) {
	if d.state == Idle {
		return Error, ErrDestroyed
	}
	if err := d.pipe.check(c); err != nil {
		return Error, err
	}
	if err := d.pipe.ingest(c); err != nil {
		return Error, d.fault(err)
	}
	var (
		triggered Result
		speech    bool
		framed    bool
	)
	for frame := range d.pipe.frames(c.End) {
		framed = true
		if err := d.extractor.Extract(frame, &d.feature); err != nil {
			return Error, d.fault(err)
		}
		if d.vad.Classify(d.feature.EnergyDB) {
			speech = true
		}
		for _, s := range d.scorers {
			if err := s.Push(&d.feature); err != nil {
				return Error, d.fault(err)
			}
		}
		for i, sl := range d.index {
			if sl.scorer.Fire(sl.local, d.sensitivity[i]) {
				d.log.Debug("hotword triggered", "index", i+1, "name", sl.name, "score", sl.scorer.Score(sl.local))
				if triggered == 0 || Result(i+1) < triggered {
					triggered = Result(i + 1)
				}
			}
		}
	}
	if !framed {
		speech = d.vad.Active()
	}
	switch {
	case triggered > 0:
		d.state = Triggered
		return triggered, nil
	case speech:
		d.state = Active
		return NonSilence, nil
	default:
		d.state = StateSilence
		return Silence, nil
	}
}

// RunBytes feeds little-endian samples in the engine's native format.
func (d *Detector) RunBytes(data []byte, end bool) (Result, error) {
	if d.state == Idle {
		return Error, ErrDestroyed
	}
	c, err := d.pipe.decode(data, end)
	if err != nil {
		return Error, err
	}
	return d.Run(c)
}

// fault drops all rolling state after a failure in the middle of a call, so
// the next call starts from a consistent stream.
func (d *Detector) fault(err error) error {
	d.log.Warn("detection fault, resetting", "err", err)
	return multierr.Append(fmt.Errorf("%w: %w", ErrDetectionFault, err), d.Reset())
}

// Reset clears every rolling buffer and counter. Loaded models and
// sensitivities are kept.
func (d *Detector) Reset() error {
	if d.state == Idle {
		return ErrDestroyed
	}
	d.pipe.reset()
	d.extractor.Reset()
	d.vad.Reset()
	for _, s := range d.scorers {
		s.Reset()
	}
	d.state = Listening
	return nil
}

func (d *Detector) State() State { return d.state }

// Destroy releases the classifiers. Any later call fails with ErrDestroyed.
func (d *Detector) Destroy() error {
	if d.state == Idle {
		return nil
	}
	d.state = Idle
	var err error
	for _, s := range d.scorers {
		err = multierr.Append(err, s.Destroy())
	}
	d.scorers, d.index = nil, nil
	return err
}

// SetAudioGain multiplies every sample by g before framing.
func (d *Detector) SetAudioGain(g float32) { d.pipe.gain = g }

// ApplyFrontend toggles automatic gain control and noise gating.
func (d *Detector) ApplyFrontend(on bool) { d.pipe.useFrontend = on }

func (d *Detector) NumHotwords() int { return len(d.index) }

// HotwordName returns the name of the 1-based hotword index.
func (d *Detector) HotwordName(i int) string {
	if i < 1 || i > len(d.index) {
		return ""
	}
	return d.index[i-1].name
}

// GetSensitivity returns one comma separated value per hotword.
func (d *Detector) GetSensitivity() string {
	return strings.Join(d.sensitivityText, ",")
}

// SetSensitivity replaces all sensitivities at once. On error the previous
// values are kept.
func (d *Detector) SetSensitivity(csv string) error {
	tokens := strings.Split(csv, ",")
	if len(tokens) != len(d.index) {
		return fmt.Errorf("%w: got %d values for %d hotwords", ErrSensitivityCount, len(tokens), len(d.index))
	}
	values := make([]float64, len(tokens))
	for i, tok := range tokens {
		tok = strings.TrimSpace(tok)
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return fmt.Errorf("%w: %q: %w", ErrInvalidSensitivity, tok, err)
		}
		if !(v >= 0 && v <= 1) {
			return fmt.Errorf("%w: %v outside [0,1]", ErrInvalidSensitivity, v)
		}
		values[i], tokens[i] = v, tok
	}
	d.sensitivity, d.sensitivityText = values, tokens
	return nil
}

// UpdateModel writes the current sensitivities back to every model file.
// Failures are wrapped in ErrPersist and never change the loaded models.
func (d *Detector) UpdateModel() error {
	if d.state == Idle {
		return ErrDestroyed
	}
	var err error
	offset := 0
	for _, s := range d.scorers {
		m := s.Model()
		n := len(m.Hotwords)
		updated, e := m.WithSensitivities(d.sensitivity[offset : offset+n])
		offset += n
		if e != nil {
			err = multierr.Append(err, fmt.Errorf("%w: %w", ErrPersist, e))
			continue
		}
		if e = updated.Save(); e != nil {
			err = multierr.Append(err, e)
			continue
		}
		m.Hotwords = updated.Hotwords
		d.log.Debug("model updated", "path", m.Path())
	}
	return err
}

func (d *Detector) SampleRate() int    { return d.pipe.format.SampleRate }
func (d *Detector) NumChannels() int   { return d.pipe.format.NumChannels }
func (d *Detector) BitsPerSample() int { return d.pipe.format.BitsPerSample }
