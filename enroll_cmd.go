package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/algo-boyz/snowgate/pkg/audio"
	"github.com/algo-boyz/snowgate/pkg/detect"
	"github.com/algo-boyz/snowgate/pkg/hotword"
	"github.com/algo-boyz/snowgate/pkg/onnx"
	"github.com/algo-boyz/snowgate/pkg/pcm"
	"github.com/algo-boyz/snowgate/pkg/resource"
)

const defaultSensitivity = 0.5

func newEnrollCmd(cfg *cliConfig) *cobra.Command {
	var (
		name   string
		out    string
		frames int
	)
	cmd := &cobra.Command{
		Use:   "enroll RECORDING...",
		Short: "Build a template model from recordings of a hotword",
		Long: `Every recording contributes one template: the loudest run of --frames
feature frames. Recordings at another rate are resampled first.

Examples:
  snowgate enroll --name computer --out computer.model take1.wav take2.wav
  snowgate enroll --name alexa --out alexa.model -s 0.6 alexa.mp3`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sensitivity := defaultSensitivity
			if cfg.sensitivity != "" {
				v, err := strconv.ParseFloat(strings.TrimSpace(cfg.sensitivity), 64)
				if err != nil || !(v >= 0 && v <= 1) {
					return fmt.Errorf("%w: %q", detect.ErrInvalidSensitivity, cfg.sensitivity)
				}
				sensitivity = v
			}
			b, err := resource.Load(cfg.resourcePath)
			if err != nil {
				return err
			}
			lms := b.Spectrogram()
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(out), filepath.Ext(out))
			}

			templates := make([][]float32, 0, len(args))
			for _, path := range args {
				signal, err := loadMono(path, lms.SampleRate)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				tmpl, err := lms.Enroll(signal, frames)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				slog.Debug("template enrolled", "file", path, "values", len(tmpl))
				templates = append(templates, tmpl)
			}
			if err = hotword.NewModel(name, sensitivity, frames, templates...).SaveAs(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %q with %d templates\n", out, name, len(templates))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "hotword name (defaults to the output file name)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "model file to write")
	cmd.Flags().IntVar(&frames, "frames", 30, "feature frames per template")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

// loadMono decodes an audio file into mono samples at rate.
func loadMono(path string, rate int) ([]float32, error) {
	clip, err := audio.Load(path)
	if err != nil {
		return nil, err
	}
	signal := clip.Mono()
	if clip.SampleRate == rate {
		return signal, nil
	}
	rs, err := pcm.NewResampler(clip.SampleRate, rate)
	if err != nil {
		return nil, err
	}
	out, err := rs.Process(signal)
	if err != nil {
		return nil, err
	}
	out = append([]float32(nil), out...)
	tail, err := rs.Flush()
	if err != nil {
		return nil, err
	}
	return append(out, tail...), nil
}

func newTuneCmd(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "tune",
		Short: "Persist new sensitivities into model files",
		Long: `Loads the models given with --models, applies --sensitivity and writes
them back. Nothing is written unless every sensitivity is valid.

Example:
  snowgate tune -m alexa.model,computer.model -s 0.4,0.6`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if cfg.sensitivity == "" {
				return fmt.Errorf("--sensitivity is required")
			}
			d, err := cfg.newDetector(0, slog.Default())
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, d.Destroy())
			}()
			if err = d.UpdateModel(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), d.GetSensitivity())
			return nil
		},
	}
}

func newFetchOnnxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-onnx",
		Short: "Download the onnxruntime shared library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := onnx.FetchRuntime(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), onnx.LibPath())
			return nil
		},
	}
}
