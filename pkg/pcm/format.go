package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrFormatMismatch is returned when a chunk disagrees with the engine's sample format.
	ErrFormatMismatch = errors.New("format mismatch")
	// ErrMalformed is returned for chunks that cannot be decoded at all.
	ErrMalformed = errors.New("malformed chunk")
)

// Encoding tags the numeric representation of the samples in a Chunk.
type Encoding int

const (
	Uint8 Encoding = iota + 1
	Int16
	Int32
	Float32
)

func (e Encoding) BitsPerSample() int {
	switch e {
	case Uint8:
		return 8
	case Int16:
		return 16
	case Int32, Float32:
		return 32
	default:
		return 0
	}
}

func (e Encoding) String() string {
	switch e {
	case Uint8:
		return "u8"
	case Int16:
		return "s16"
	case Int32:
		return "s32"
	case Float32:
		return "f32"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// EncodingForBits maps a bits_per_sample value to the integer encoding carried in raw bytes.
func EncodingForBits(bits int) (Encoding, error) {
	switch bits {
	case 8:
		return Uint8, nil
	case 16:
		return Int16, nil
	case 32:
		return Int32, nil
	default:
		return 0, fmt.Errorf("%w: unsupported bits per sample %d", ErrFormatMismatch, bits)
	}
}

// Format is the sample format an engine consumes. It is dictated by the
// loaded resource, not by the caller.
type Format struct {
	SampleRate    int
	NumChannels   int
	BitsPerSample int
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.NumChannels, f.BitsPerSample)
}

// Validate checks that the format can drive a pipeline.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	if f.NumChannels <= 0 {
		return fmt.Errorf("invalid channel count %d", f.NumChannels)
	}
	if _, err := EncodingForBits(f.BitsPerSample); err != nil {
		return err
	}
	return nil
}

// Sample is the set of sample types a Chunk can carry.
type Sample interface {
	uint8 | int16 | int32 | float32
}

// Chunk is a borrowed slice of interleaved samples. The engine never keeps a
// reference to the underlying data after a call returns.
type Chunk struct {
	Encoding Encoding
	Channels int
	// End marks the last chunk of an utterance; buffered partial frames are flushed.
	End  bool
	data any
}

// NewChunk wraps typed samples without copying them.
func NewChunk[T Sample](samples []T, channels int, end bool) Chunk {
	c := Chunk{Channels: channels, End: end, data: samples}
	switch any(samples).(type) {
	case []uint8:
		c.Encoding = Uint8
	case []int16:
		c.Encoding = Int16
	case []int32:
		c.Encoding = Int32
	case []float32:
		c.Encoding = Float32
	}
	return c
}

// ChunkFromBytes decodes little-endian bytes in the given encoding.
func ChunkFromBytes(enc Encoding, b []byte, channels int, end bool) (Chunk, error) {
	width := enc.BitsPerSample() / 8
	if width == 0 {
		return Chunk{}, fmt.Errorf("%w: unknown encoding %s", ErrMalformed, enc)
	}
	if len(b)%width != 0 {
		return Chunk{}, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformed, len(b), width)
	}
	n := len(b) / width
	switch enc {
	case Uint8:
		return NewChunk(b, channels, end), nil
	case Int16:
		s := make([]int16, n)
		for i := range s {
			s[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
		}
		return NewChunk(s, channels, end), nil
	case Int32:
		s := make([]int32, n)
		for i := range s {
			s[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
		}
		return NewChunk(s, channels, end), nil
	default:
		s := make([]float32, n)
		for i := range s {
			s[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
		}
		return NewChunk(s, channels, end), nil
	}
}

// Len is the number of interleaved samples in the chunk.
func (c Chunk) Len() int {
	switch s := c.data.(type) {
	case []uint8:
		return len(s)
	case []int16:
		return len(s)
	case []int32:
		return len(s)
	case []float32:
		return len(s)
	default:
		return 0
	}
}

// Check validates the chunk against the engine format without touching any state.
func (c Chunk) Check(f Format) error {
	if c.Channels != f.NumChannels {
		return fmt.Errorf("%w: chunk has %d channels, engine expects %d", ErrFormatMismatch, c.Channels, f.NumChannels)
	}
	if c.Encoding.BitsPerSample() == 0 {
		return fmt.Errorf("%w: unknown encoding %s", ErrMalformed, c.Encoding)
	}
	if c.Len()%c.Channels != 0 {
		return fmt.Errorf("%w: %d samples do not divide into %d channels", ErrMalformed, c.Len(), c.Channels)
	}
	return nil
}

// AppendMono normalizes the chunk to [-1,1], averages channels, applies gain
// and appends the result to dst.
func (c Chunk) AppendMono(dst []float32, gain float32) []float32 {
	ch := c.Channels
	if ch <= 0 {
		return dst
	}
	frames := c.Len() / ch
	scale := gain / float32(ch)
	for i := 0; i < frames; i++ {
		var sum float32
		for j := 0; j < ch; j++ {
			sum += c.at(i*ch + j)
		}
		dst = append(dst, clamp(sum*scale))
	}
	return dst
}

func (c Chunk) at(i int) float32 {
	switch s := c.data.(type) {
	case []uint8:
		return (float32(s[i]) - 128) / 128
	case []int16:
		return float32(s[i]) / 32768
	case []int32:
		return float32(float64(s[i]) / 2147483648)
	case []float32:
		return s[i]
	default:
		return 0
	}
}

func clamp(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// EnergyDB returns the mean-square energy of a frame in dBFS.
func EnergyDB(frame []float32) float64 {
	if len(frame) == 0 {
		return -120
	}
	var sum float64
	for _, v := range frame {
		sum += float64(v) * float64(v)
	}
	return 10 * math.Log10(sum/float64(len(frame))+1e-12)
}
