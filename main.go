// Command snowgate spots hotwords and voice activity in audio files or live
// microphone input.
//
// Usage:
//
//	snowgate [flags] <command> [args]
//
// Commands:
//
//	detect     - report hotwords in audio files
//	vad        - report speech segments in audio files
//	listen     - detect hotwords on the microphone and record what follows
//	enroll     - build a template model from recordings of a hotword
//	tune       - persist new sensitivities into model files
//	fetch-onnx - download the onnxruntime shared library
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/algo-boyz/snowgate/pkg/detect"
)

type cliConfig struct {
	verbose       bool
	resourcePath  string
	modelSpec     string
	sensitivity   string
	audioGain     float32
	applyFrontend bool
	onnxLib       string
	coreML        bool
	chunkMs       int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}
	root := &cobra.Command{
		Use:           "snowgate",
		Short:         "Streaming hotword spotting and voice activity detection",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if cfg.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}
	flags := root.PersistentFlags()
	flags.BoolVarP(&cfg.verbose, "verbose", "v", false, "debug logging")
	flags.StringVarP(&cfg.resourcePath, "resource", "r", "", "resource bundle .yaml (built-in defaults when empty)")
	flags.StringVarP(&cfg.modelSpec, "models", "m", "", "comma separated hotword model files")
	flags.StringVarP(&cfg.sensitivity, "sensitivity", "s", "", "comma separated sensitivity per hotword")
	flags.Float32Var(&cfg.audioGain, "gain", 1, "audio gain applied before detection")
	flags.BoolVar(&cfg.applyFrontend, "frontend", false, "enable automatic gain control and noise gating")
	flags.StringVar(&cfg.onnxLib, "onnx-lib", "", "onnxruntime shared library (defaults to the fetched one)")
	flags.BoolVar(&cfg.coreML, "coreml", false, "run embedding networks on CoreML")
	flags.IntVar(&cfg.chunkMs, "chunk-ms", 100, "audio fed per detection call")

	root.AddCommand(
		newDetectCmd(cfg),
		newVadCmd(cfg),
		newListenCmd(cfg),
		newEnrollCmd(cfg),
		newTuneCmd(cfg),
		newFetchOnnxCmd(),
	)
	return root
}

// newDetector builds a detector configured from the command line.
func (cfg *cliConfig) newDetector(inputRate int, log *slog.Logger) (*detect.Detector, error) {
	if strings.TrimSpace(cfg.modelSpec) == "" {
		return nil, fmt.Errorf("--models is required")
	}
	d, err := detect.New(cfg.resourcePath, cfg.modelSpec,
		detect.WithLogger(log),
		detect.WithInputSampleRate(inputRate),
		detect.WithOnnxLibrary(cfg.onnxLib),
		detect.WithCoreML(cfg.coreML),
	)
	if err != nil {
		return nil, err
	}
	if cfg.sensitivity != "" {
		if err = d.SetSensitivity(cfg.sensitivity); err != nil {
			return nil, multierr.Append(err, d.Destroy())
		}
	}
	d.SetAudioGain(cfg.audioGain)
	d.ApplyFrontend(cfg.applyFrontend)
	return d, nil
}

func (cfg *cliConfig) chunkSize(rate int) int {
	return max(rate*cfg.chunkMs/1000, 1)
}
