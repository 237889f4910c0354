// Package utterance cuts the audio that follows a hotword into utterances
// using the per-chunk results of a detector. It is caller-side policy and
// keeps no engine state.
package utterance

import "github.com/algo-boyz/snowgate/pkg/detect"

type Config struct {
	// SilenceChunks ends an utterance once more silent chunks than this follow speech.
	SilenceChunks int
	// MinChunks is how many chunks, hotword included, an utterance must exceed.
	MinChunks int
	// RequireHotword starts recording on a hotword only, not on any speech.
	RequireHotword bool
}

func DefaultConfig() Config {
	return Config{SilenceChunks: 2, MinChunks: 1, RequireHotword: true}
}

type Utterance struct {
	// Hotword is the index that opened the utterance, 0 if speech did.
	Hotword int
	Samples []float32
}

type Segmenter struct {
	cfg     Config
	rec     int
	sil     int
	hotword int
	buf     []float32
}

func NewSegmenter(cfg Config) *Segmenter {
	return &Segmenter{cfg: cfg}
}

// Recording reports whether an utterance is being collected.
func (s *Segmenter) Recording() bool { return s.rec > 0 }

// Push consumes the result of one detection call together with the chunk
// it was computed on. It returns a finished utterance when silence closes one.
func (s *Segmenter) Push(r detect.Result, chunk []float32) (*Utterance, bool) {
	switch {
	case r > 0:
		s.buf = s.buf[:0]
		s.rec, s.sil = 1, 0
		s.hotword = int(r)
	case r == detect.NonSilence:
		if s.rec == 0 && s.cfg.RequireHotword {
			return nil, false
		}
		s.buf = append(s.buf, chunk...)
		s.rec++
		s.sil = 0
	case r == detect.Silence:
		if s.rec == 0 {
			return nil, false
		}
		s.buf = append(s.buf, chunk...)
		s.sil++
		if s.sil > s.cfg.SilenceChunks && s.rec > s.cfg.MinChunks {
			u := &Utterance{Hotword: s.hotword, Samples: append([]float32(nil), s.buf...)}
			s.Reset()
			return u, true
		}
	}
	return nil, false
}

func (s *Segmenter) Reset() {
	s.rec, s.sil, s.hotword = 0, 0, 0
	s.buf = s.buf[:0]
}
