package audio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"go.uber.org/multierr"
)

// Clip is a decoded recording: interleaved samples normalized to [-1,1].
type Clip struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Mono averages the channels of the clip.
func (c *Clip) Mono() []float32 {
	if c.Channels <= 1 {
		return c.Samples
	}
	out := make([]float32, len(c.Samples)/c.Channels)
	for i := range out {
		var sum float32
		for j := 0; j < c.Channels; j++ {
			sum += c.Samples[i*c.Channels+j]
		}
		out[i] = sum / float32(c.Channels)
	}
	return out
}

// Duration in seconds.
func (c *Clip) Duration() float64 {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	return float64(len(c.Samples)/c.Channels) / float64(c.SampleRate)
}

func Load(filePath string) (*Clip, error) {
	switch ext := filepath.Ext(filePath); ext {
	case ".mp3":
		return loadMP3(filePath)
	case ".wav":
		return loadWAV(filePath)
	default:
		return nil, fmt.Errorf("unsupported audio file extension: %s", ext)
	}
}

func loadMP3(filePath string) (clip *Clip, err error) {
	audioFile, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("error opening MP3 file: %w", err)
	}
	defer func() {
		err = multierr.Combine(err, audioFile.Close())
	}()
	decoder, err := mp3.NewDecoder(audioFile)
	if err != nil {
		return nil, fmt.Errorf("error creating MP3 decoder: %w", err)
	}
	// go-mp3 always decodes to 16-bit little endian stereo
	b, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("error reading MP3 data: %w", err)
	}
	clip = &Clip{
		Samples:    make([]float32, len(b)/2),
		SampleRate: decoder.SampleRate(),
		Channels:   2,
	}
	for i := range clip.Samples {
		var sample = int16(b[i*2]) | int16(b[i*2+1])<<8
		clip.Samples[i] = float32(sample) / 32768.0
	}
	return clip, nil
}

func loadWAV(filePath string) (clip *Clip, err error) {
	audioFile, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("error opening WAV file: %w", err)
	}
	defer func() {
		err = multierr.Combine(err, audioFile.Close())
	}()
	decoder := wav.NewDecoder(audioFile)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("invalid WAV file %s", filePath)
	}
	buffer, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("error decoding WAV file: %w", err)
	}
	bitDepth := buffer.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = int(decoder.BitDepth)
	}
	clip = &Clip{
		Samples:    make([]float32, len(buffer.Data)),
		SampleRate: buffer.Format.SampleRate,
		Channels:   buffer.Format.NumChannels,
	}
	scale := float32(int64(1) << (bitDepth - 1))
	for i, sample := range buffer.Data {
		if bitDepth == 8 {
			// 8-bit WAV is unsigned
			sample -= 128
		}
		clip.Samples[i] = float32(sample) / scale
	}
	return clip, nil
}

// WriteWAV stores mono samples as a 16-bit PCM WAV file.
func WriteWAV(filePath string, samples []float32, sampleRate int) (err error) {
	out, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("error creating WAV file: %w", err)
	}
	defer func() {
		err = multierr.Combine(err, out.Close())
	}()
	encoder := wav.NewEncoder(out, sampleRate, 16, 1, 1)
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		buffer.Data[i] = int(max(min(s, 1), -1) * 32767)
	}
	if err = encoder.Write(buffer); err != nil {
		return multierr.Combine(fmt.Errorf("error encoding WAV file: %w", err), encoder.Close())
	}
	return encoder.Close()
}
