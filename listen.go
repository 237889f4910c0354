package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/algo-boyz/snowgate/pkg/audio"
	"github.com/algo-boyz/snowgate/pkg/detect"
	"github.com/algo-boyz/snowgate/pkg/pcm"
	"github.com/algo-boyz/snowgate/pkg/state"
	"github.com/algo-boyz/snowgate/pkg/utterance"
)

func newListenCmd(cfg *cliConfig) *cobra.Command {
	var (
		outDir    string
		segCfg    = utterance.DefaultConfig()
		anySpeech bool
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Detect hotwords on the microphone and record what follows",
		Long: `Prints every hotword heard on the default input device. With --out the
speech following a hotword is written there as one .wav per utterance.

Example:
  snowgate listen -m computer.model --out ./utterances`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			segCfg.RequireHotword = !anySpeech
			ctx := state.NewContext(cmd.Context(), slog.Default())
			l, err := NewListener(ctx, cfg, segCfg, outDir, cmd.OutOrStdout())
			if err != nil {
				return multierr.Append(err, ctx.Exit())
			}
			l.Start()
			return ctx.AwaitExit()
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "directory for recorded utterances")
	cmd.Flags().IntVar(&segCfg.SilenceChunks, "silence-chunks", segCfg.SilenceChunks, "silent chunks that end an utterance")
	cmd.Flags().IntVar(&segCfg.MinChunks, "min-chunks", segCfg.MinChunks, "chunks an utterance must exceed")
	cmd.Flags().BoolVar(&anySpeech, "any-speech", false, "record on any speech, not only after a hotword")
	return cmd
}

// Source delivers 16-bit mono buffers at the detector sample rate.
type Source interface {
	Subscribe() <-chan []int16
	Unsubscribe(ch <-chan []int16)
}

// Listener feeds microphone audio to a detector and cuts utterances from
// the results.
type Listener struct {
	ctx      state.Context
	detector *detect.Detector
	source   Source
	segments *utterance.Segmenter
	outDir   string
	out      io.Writer
	started  time.Time
	saved    int
	running  sync.WaitGroup
}

// NewListener opens the default microphone. The detector and the microphone
// are released when ctx exits.
func NewListener(ctx state.Context, cfg *cliConfig, segCfg utterance.Config, outDir string, out io.Writer) (*Listener, error) {
	d, err := cfg.newDetector(0, slog.Default())
	if err != nil {
		return nil, err
	}
	l, err := newListener(ctx, d, segCfg, outDir, out)
	if err != nil {
		return nil, multierr.Append(err, d.Destroy())
	}
	mic, err := audio.NewMicStream(ctx, d.SampleRate(), cfg.chunkSize(d.SampleRate()))
	if err != nil {
		return nil, fmt.Errorf("failed to open microphone: %w", err)
	}
	l.source = mic
	return l, nil
}

func newListener(ctx state.Context, d *detect.Detector, segCfg utterance.Config, outDir string, out io.Writer) (*Listener, error) {
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return nil, err
		}
	}
	l := &Listener{
		ctx:      ctx,
		detector: d,
		segments: utterance.NewSegmenter(segCfg),
		outDir:   outDir,
		out:      out,
		started:  time.Now(),
	}
	// the detector is not reentrant: destroy it only once Listen returned
	ctx.Defer(func() error {
		l.running.Wait()
		return d.Destroy()
	})
	return l, nil
}

// Start runs Listen in the background and exits ctx when it returns.
func (l *Listener) Start() {
	l.running.Add(1)
	go func() {
		err := l.Listen()
		l.running.Done()
		if err != nil {
			slog.Error("listener stopped", "err", err)
		}
		_ = l.ctx.Exit()
	}()
}

// Listen runs until the source closes or the context is done.
func (l *Listener) Listen() error {
	var (
		ch    = l.source.Subscribe()
		mono  []float32
		cause error
	)
	defer l.source.Unsubscribe(ch)
	for {
		var buf []int16
		select {
		case <-l.ctx.Done():
			return nil
		case b, ok := <-ch:
			if !ok {
				return nil
			}
			buf = b
		}
		chunk := pcm.NewChunk(buf, 1, false)
		r, err := l.detector.Run(chunk)
		if err != nil {
			if cause == nil {
				slog.Warn("detection failed", "err", err)
			}
			cause = err
			continue
		}
		cause = nil
		if i, ok := r.Hotword(); ok {
			fmt.Fprintf(l.out, "%s\t%d\t%s\n", time.Since(l.started).Round(time.Millisecond), i, l.detector.HotwordName(i))
		}
		if l.outDir == "" {
			continue
		}
		mono = chunk.AppendMono(mono[:0], 1)
		if u, ok := l.segments.Push(r, mono); ok {
			if err = l.save(u); err != nil {
				return err
			}
		}
	}
}

func (l *Listener) save(u *utterance.Utterance) error {
	l.saved++
	name := "speech"
	if u.Hotword > 0 {
		name = l.detector.HotwordName(u.Hotword)
	}
	path := filepath.Join(l.outDir, fmt.Sprintf("%03d-%s.wav", l.saved, name))
	if err := audio.WriteWAV(path, u.Samples, l.detector.SampleRate()); err != nil {
		return fmt.Errorf("failed to save utterance: %w", err)
	}
	slog.Info("utterance saved", "path", path, "seconds", float64(len(u.Samples))/float64(l.detector.SampleRate()))
	return nil
}
