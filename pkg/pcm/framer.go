package pcm

import "iter"

// Framer slices a continuous mono stream into overlapping analysis frames.
// Samples that do not yet complete a frame are carried over to the next
// Write, so chunk boundaries never influence the frame stream.
type Framer struct {
	frameLen int
	hop      int
	buf      []float32
	off      int
	frame    []float32
	// covered counts the buffered samples that already appeared in an emitted frame.
	covered int
}

func NewFramer(frameLen, hop int) *Framer {
	if hop <= 0 || hop > frameLen {
		hop = frameLen
	}
	return &Framer{
		frameLen: frameLen,
		hop:      hop,
		buf:      make([]float32, 0, frameLen*4),
		frame:    make([]float32, frameLen),
	}
}

func (f *Framer) FrameLen() int { return f.frameLen }

func (f *Framer) Hop() int { return f.hop }

// Buffered reports how many samples wait for the next frame.
func (f *Framer) Buffered() int { return len(f.buf) - f.off }

// Write appends samples to the carry-over buffer.
func (f *Framer) Write(samples []float32) {
	f.buf = append(f.buf, samples...)
}

// Frames yields every complete frame currently buffered. The yielded slice is
// reused between iterations and must not be retained.
func (f *Framer) Frames() iter.Seq[[]float32] {
	return func(yield func([]float32) bool) {
		defer f.compact()
		for len(f.buf)-f.off >= f.frameLen {
			copy(f.frame, f.buf[f.off:f.off+f.frameLen])
			f.off += f.hop
			f.covered = f.frameLen - f.hop
			if !yield(f.frame) {
				return
			}
		}
	}
}

// Flush zero-pads and returns the pending partial frame, if any of its
// samples has not been seen in a previous frame. The buffer is emptied.
func (f *Framer) Flush() ([]float32, bool) {
	defer f.Reset()
	pending := f.buf[f.off:]
	if len(pending) <= f.covered {
		return nil, false
	}
	n := copy(f.frame, pending)
	clear(f.frame[n:])
	return f.frame, true
}

func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.off = 0
	f.covered = 0
}

func (f *Framer) compact() {
	if f.off == 0 {
		return
	}
	if f.off >= len(f.buf) {
		f.buf = f.buf[:0]
		f.off = 0
		return
	}
	n := copy(f.buf, f.buf[f.off:])
	f.buf = f.buf[:n]
	f.off = 0
}
