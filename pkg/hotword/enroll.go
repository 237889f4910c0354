package hotword

import (
	"fmt"
	"math"

	"github.com/algo-boyz/snowgate/pkg/pcm"
)

// Enroll builds a template from a recording of the hotword: the run of
// `frames` consecutive feature frames carrying the most energy, flattened
// oldest first in the layout the scorer compares against.
func (lms *LogMelSpectrogram) Enroll(signal []float32, frames int) ([]float32, error) {
	var (
		e       = lms.NewExtractor()
		framer  = pcm.NewFramer(lms.WindowLen, lms.HopLength)
		feature Feature
		mels    [][]float32
		power   []float64
	)
	framer.Write(signal)
	for frame := range framer.Frames() {
		if err := e.Extract(frame, &feature); err != nil {
			return nil, err
		}
		mels = append(mels, append([]float32(nil), feature.Mel...))
		power = append(power, math.Pow(10, feature.EnergyDB/10))
	}
	if frames <= 0 || len(mels) < frames {
		return nil, fmt.Errorf("recording has %d frames, template needs %d", len(mels), frames)
	}
	var (
		start        int
		sum, bestSum float64
	)
	for i := range power {
		sum += power[i]
		if i >= frames {
			sum -= power[i-frames]
		}
		if i >= frames-1 && sum > bestSum {
			start, bestSum = i-frames+1, sum
		}
	}
	out := make([]float32, 0, frames*e.Dim())
	for _, mel := range mels[start : start+frames] {
		out = append(out, mel...)
	}
	return out, nil
}

// NewModel creates an in-memory template model for a single hotword, ready
// to be written with SaveAs.
func NewModel(name string, sensitivity float64, windowFrames int, templates ...[]float32) *Model {
	return &Model{
		WindowFrames: windowFrames,
		Hotwords: []Hotword{{
			Name:        name,
			Sensitivity: &sensitivity,
			Templates:   templates,
		}},
	}
}
