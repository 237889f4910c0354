package main

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/algo-boyz/snowgate/pkg/audio"
	"github.com/algo-boyz/snowgate/pkg/detect"
	"github.com/algo-boyz/snowgate/pkg/pcm"
)

func newDetectCmd(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "detect FILE...",
		Short: "Report hotwords in .wav or .mp3 files",
		Long: `Runs one detector per file, concurrently, and prints a line per trigger:

  FILE  TIME  INDEX  NAME

Examples:
  snowgate detect -m alexa.json,computer.json recording.wav
  snowgate detect -m alexa.json -s 0.6 --frontend *.mp3`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return eachFile(cmd.OutOrStdout(), args, func(path string, w io.Writer) error {
				return detectFile(cfg, path, w)
			})
		},
	}
}

func newVadCmd(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "vad FILE...",
		Short: "Report speech segments in .wav or .mp3 files",
		Long: `Prints one line per speech segment:

  FILE  START  END`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return eachFile(cmd.OutOrStdout(), args, func(path string, w io.Writer) error {
				return vadFile(cfg, path, w)
			})
		},
	}
}

// eachFile runs fn for every file concurrently and prints the outputs in
// argument order.
func eachFile(out io.Writer, paths []string, fn func(path string, w io.Writer) error) error {
	var (
		g    errgroup.Group
		bufs = make([]bytes.Buffer, len(paths))
	)
	for i, path := range paths {
		g.Go(func() error {
			if err := fn(path, &bufs[i]); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			return nil
		})
	}
	err := g.Wait()
	for i := range bufs {
		if _, werr := bufs[i].WriteTo(out); werr != nil {
			err = multierr.Append(err, werr)
		}
	}
	return err
}

// chunks splits a clip into detection calls; the last one ends the utterance.
func chunks(samples []float32, size int, fn func(c pcm.Chunk, endSample int) error) error {
	for start := 0; start < len(samples); start += size {
		end := min(start+size, len(samples))
		if err := fn(pcm.NewChunk(samples[start:end], 1, end == len(samples)), end); err != nil {
			return err
		}
	}
	return nil
}

func detectFile(cfg *cliConfig, path string, w io.Writer) (err error) {
	clip, err := audio.Load(path)
	if err != nil {
		return err
	}
	log := slog.Default().With("file", path)
	d, err := cfg.newDetector(clip.SampleRate, log)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, d.Destroy())
	}()
	rate := float64(clip.SampleRate)
	return chunks(clip.Mono(), cfg.chunkSize(clip.SampleRate), func(c pcm.Chunk, endSample int) error {
		r, err := d.Run(c)
		if err != nil {
			log.Warn("chunk rejected", "at", float64(endSample)/rate, "err", err)
			return nil
		}
		if i, ok := r.Hotword(); ok {
			_, err = fmt.Fprintf(w, "%s\t%.2fs\t%d\t%s\n", path, float64(endSample)/rate, i, d.HotwordName(i))
		}
		return err
	})
}

func vadFile(cfg *cliConfig, path string, w io.Writer) (err error) {
	clip, err := audio.Load(path)
	if err != nil {
		return err
	}
	v, err := detect.NewVad(cfg.resourcePath,
		detect.WithLogger(slog.Default().With("file", path)),
		detect.WithInputSampleRate(clip.SampleRate),
	)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, v.Destroy())
	}()
	v.SetAudioGain(cfg.audioGain)
	v.ApplyFrontend(cfg.applyFrontend)

	var (
		rate     = float64(clip.SampleRate)
		start    = -1.0
		previous int
	)
	err = chunks(clip.Mono(), cfg.chunkSize(clip.SampleRate), func(c pcm.Chunk, endSample int) error {
		r, err := v.Run(c)
		if err != nil {
			return err
		}
		switch {
		case r == detect.NonSilence && start < 0:
			start = float64(previous) / rate
		case r == detect.Silence && start >= 0:
			if _, err = fmt.Fprintf(w, "%s\t%.2fs\t%.2fs\n", path, start, float64(previous)/rate); err != nil {
				return err
			}
			start = -1
		}
		previous = endSample
		return nil
	})
	if err == nil && start >= 0 {
		_, err = fmt.Fprintf(w, "%s\t%.2fs\t%.2fs\n", path, start, float64(previous)/rate)
	}
	return err
}
