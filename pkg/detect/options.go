package detect

import "log/slog"

type options struct {
	logger    *slog.Logger
	inputRate int
	onnxLib   string
	coreML    bool
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithInputSampleRate declares the rate of the audio the caller feeds. Audio
// is resampled to the engine rate when the two differ.
func WithInputSampleRate(hz int) Option {
	return func(o *options) { o.inputRate = hz }
}

// WithOnnxLibrary points the embedding networks at an onnxruntime shared
// library. By default the one installed by onnx.FetchRuntime is used.
func WithOnnxLibrary(path string) Option {
	return func(o *options) { o.onnxLib = path }
}

// WithCoreML runs embedding networks on the CoreML execution provider (macOS).
func WithCoreML(on bool) Option {
	return func(o *options) { o.coreML = on }
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
