package hotword

import (
	"fmt"
)

// Scorer holds the rolling decision state for every hotword of one model
// file. It is not safe for concurrent use.
type Scorer struct {
	model      *Model
	classifier Classifier
	dim        int
	frames     int
	// minEnergyDB gates scoring: quieter frames score zero.
	minEnergyDB float64

	ring   []float32 // frames*dim, written round-robin
	head   int
	filled int
	window []float32 // ring unrolled oldest first

	templates [][]template
	raw       [][]float64 // per hotword, last Smoothing() raw scores
	sums      []float64
	rawPos    int
	armed     []bool
}

func NewScorer(m *Model, c Classifier, dim int, minEnergyDB float64) (*Scorer, error) {
	frames, err := m.Frames(dim)
	if err != nil {
		return nil, err
	}
	s := &Scorer{
		model:       m,
		classifier:  c,
		dim:         dim,
		frames:      frames,
		minEnergyDB: minEnergyDB,
		ring:        make([]float32, frames*dim),
		window:      make([]float32, frames*dim),
		templates:   make([][]template, len(m.Hotwords)),
		raw:         make([][]float64, len(m.Hotwords)),
		sums:        make([]float64, len(m.Hotwords)),
		armed:       make([]bool, len(m.Hotwords)),
	}
	size := c.EmbeddingSize(len(s.window))
	for i, h := range m.Hotwords {
		for _, t := range h.Templates {
			if len(t) != size {
				return nil, fmt.Errorf("%w: %s: hotword %s template has %d values, classifier produces %d",
					ErrModelLoad, m.path, h.Name, len(t), size)
			}
			s.templates[i] = append(s.templates[i], newTemplate(t))
		}
		s.raw[i] = make([]float64, m.Smoothing())
	}
	s.Reset()
	return s, nil
}

func (s *Scorer) Model() *Model { return s.model }

func (s *Scorer) NumHotwords() int { return len(s.model.Hotwords) }

// Push adds one feature frame and refreshes the smoothed score of every hotword.
func (s *Scorer) Push(f *Feature) error {
	if len(f.Mel) != s.dim {
		return fmt.Errorf("feature has %d values, scorer expects %d", len(f.Mel), s.dim)
	}
	copy(s.ring[s.head*s.dim:], f.Mel)
	s.head = (s.head + 1) % s.frames
	s.filled = min(s.filled+1, s.frames)

	var embedding []float32
	if s.filled == s.frames && f.EnergyDB >= s.minEnergyDB {
		n := copy(s.window, s.ring[s.head*s.dim:])
		copy(s.window[n:], s.ring[:s.head*s.dim])
		var err error
		if embedding, err = s.classifier.Embed(s.window); err != nil {
			return err
		}
	}
	for i := range s.raw {
		var score float64
		if embedding != nil {
			score = float64(ScoreVector(embedding, s.templates[i]))
		}
		s.sums[i] += score - s.raw[i][s.rawPos]
		s.raw[i][s.rawPos] = score
	}
	s.rawPos = (s.rawPos + 1) % s.model.Smoothing()
	return nil
}

// Score returns the smoothed score of hotword i.
func (s *Scorer) Score(i int) float64 {
	return s.sums[i] / float64(len(s.raw[i]))
}

// Fire reports whether hotword i crosses the threshold for the given
// sensitivity. A hotword fires once, then stays quiet until its score falls
// back to the threshold.
func (s *Scorer) Fire(i int, sensitivity float64) bool {
	score, threshold := s.Score(i), Threshold(sensitivity)
	if !s.armed[i] {
		if score <= threshold {
			s.armed[i] = true
		}
		return false
	}
	if score > threshold {
		s.armed[i] = false
		return true
	}
	return false
}

func (s *Scorer) Reset() {
	clear(s.ring)
	s.head, s.filled, s.rawPos = 0, 0, 0
	for i := range s.raw {
		clear(s.raw[i])
		s.sums[i] = 0
		s.armed[i] = true
	}
}

func (s *Scorer) Destroy() error {
	return s.classifier.Destroy()
}
