package pcm

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts a mono float32 stream between sample rates. It keeps
// filter state between calls; Flush drains it at the end of a stream.
type Resampler struct {
	inRate, outRate int
	rs              resampling.Resampler
	in              []float64
	out             []float32
}

func NewResampler(inRate, outRate int) (*Resampler, error) {
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(inRate),
		OutputRate: float64(outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	return &Resampler{inRate: inRate, outRate: outRate, rs: rs}, nil
}

// Process returns resampled samples. The returned slice is reused by the
// next call to Process or Flush.
func (r *Resampler) Process(samples []float32) ([]float32, error) {
	r.in = r.in[:0]
	for _, s := range samples {
		r.in = append(r.in, float64(s))
	}
	output, err := r.rs.Process(r.in)
	if err != nil {
		return nil, fmt.Errorf("resample %d->%d: %w", r.inRate, r.outRate, err)
	}
	return r.convert(output), nil
}

// Flush returns the samples still held by the filter and starts a new stream.
func (r *Resampler) Flush() ([]float32, error) {
	output, err := r.rs.Flush()
	r.rs.Reset()
	if err != nil {
		return nil, fmt.Errorf("flush %d->%d: %w", r.inRate, r.outRate, err)
	}
	return r.convert(output), nil
}

func (r *Resampler) Reset() {
	r.rs.Reset()
}

func (r *Resampler) convert(samples []float64) []float32 {
	r.out = r.out[:0]
	for _, s := range samples {
		r.out = append(r.out, clamp(float32(s)))
	}
	return r.out
}
