package detect

import (
	"errors"
	"fmt"
	"iter"

	"github.com/algo-boyz/snowgate/pkg/frontend"
	"github.com/algo-boyz/snowgate/pkg/pcm"
	"github.com/algo-boyz/snowgate/pkg/resource"
)

// pipeline is the ingestion path shared by Detector and Vad: validation,
// normalization with gain, optional resampling, framing and the optional
// frontend.
type pipeline struct {
	format      pcm.Format
	gain        float32
	resampler   *pcm.Resampler
	framer      *pcm.Framer
	frontend    *frontend.Processor
	useFrontend bool
	mono        []float32
}

func newPipeline(b *resource.Bundle, o options) (*pipeline, error) {
	lms := b.Spectrogram()
	p := &pipeline{
		format:   b.PCMFormat(),
		gain:     1,
		framer:   pcm.NewFramer(lms.WindowLen, lms.HopLength),
		frontend: frontend.New(b.FrontendConfig()),
	}
	if o.inputRate > 0 && o.inputRate != p.format.SampleRate {
		rs, err := pcm.NewResampler(o.inputRate, p.format.SampleRate)
		if err != nil {
			return nil, err
		}
		p.resampler = rs
	}
	return p, nil
}

// check validates a chunk without touching any state.
func (p *pipeline) check(c pcm.Chunk) error {
	err := c.Check(p.format)
	if errors.Is(err, pcm.ErrMalformed) {
		return fmt.Errorf("%w: %w", ErrDetectionFault, err)
	}
	return err
}

// decode turns raw bytes in the engine's native encoding into a chunk.
func (p *pipeline) decode(data []byte, end bool) (pcm.Chunk, error) {
	enc, err := pcm.EncodingForBits(p.format.BitsPerSample)
	if err != nil {
		return pcm.Chunk{}, err
	}
	c, err := pcm.ChunkFromBytes(enc, data, p.format.NumChannels, end)
	if err != nil {
		return pcm.Chunk{}, fmt.Errorf("%w: %w", ErrDetectionFault, err)
	}
	return c, nil
}

func (p *pipeline) ingest(c pcm.Chunk) error {
	p.mono = c.AppendMono(p.mono[:0], p.gain)
	samples := p.mono
	if p.resampler == nil {
		p.framer.Write(samples)
		return nil
	}
	samples, err := p.resampler.Process(samples)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDetectionFault, err)
	}
	p.framer.Write(samples)
	if !c.End {
		return nil
	}
	// drain the filter so the final frame holds the end of the utterance
	if samples, err = p.resampler.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrDetectionFault, err)
	}
	p.framer.Write(samples)
	return nil
}

// frames yields every completed frame, then the zero-padded tail when end is
// set. Frames are conditioned by the frontend when it is enabled.
func (p *pipeline) frames(end bool) iter.Seq[[]float32] {
	return func(yield func([]float32) bool) {
		for frame := range p.framer.Frames() {
			if !yield(p.condition(frame)) {
				return
			}
		}
		if !end {
			return
		}
		if frame, ok := p.framer.Flush(); ok {
			yield(p.condition(frame))
		}
	}
}

func (p *pipeline) condition(frame []float32) []float32 {
	if p.useFrontend {
		p.frontend.Process(frame)
	}
	return frame
}

func (p *pipeline) reset() {
	p.framer.Reset()
	p.frontend.Reset()
	if p.resampler != nil {
		p.resampler.Reset()
	}
}
