package hotword

import (
	"fmt"
	"log/slog"

	onnx "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"

	onnxrt "github.com/algo-boyz/snowgate/pkg/onnx"
)

// OnnxClassifier embeds feature windows with an ONNX network such as
// efficient-word-net. The session and its tensors are created once and
// reused for every frame.
type OnnxClassifier struct {
	networkPath string
	frames, dim int
	options     *onnx.SessionOptions
	input       *onnx.Tensor[float32]
	output      *onnx.Tensor[float32]
	session     *onnx.AdvancedSession
	destroyed   bool
}

// NewOnnxClassifier loads networkPath. The network input is filled mel-major
// and padded or truncated to its last two dimensions. coreML runs the session
// on the CoreML execution provider.
func NewOnnxClassifier(libPath, networkPath string, frames, dim int, coreML bool) (_ *OnnxClassifier, err error) {
	if err = onnxrt.Acquire(libPath); err != nil {
		return nil, err
	}
	c := &OnnxClassifier{networkPath: networkPath, frames: frames, dim: dim}
	defer func() {
		if err != nil {
			err = multierr.Append(err, c.Destroy())
		}
	}()
	inputs, outputs, err := onnx.GetInputOutputInfo(networkPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get net info for %s: %w", networkPath, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("network %s has no inputs or outputs", networkPath)
	}
	logInfo(networkPath, inputs, outputs)
	if c.options, err = getOptions(coreML); err != nil {
		return nil, err
	}
	if c.input, err = onnx.NewEmptyTensor[float32](concrete(inputs[0].Dimensions)); err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	if c.output, err = onnx.NewEmptyTensor[float32](concrete(outputs[0].Dimensions)); err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	c.session, err = onnx.NewAdvancedSession(
		networkPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		[]onnx.ArbitraryTensor{c.input},
		[]onnx.ArbitraryTensor{c.output},
		c.options,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create onnx session: %w", err)
	}
	return c, nil
}

func getOptions(coreML bool) (options *onnx.SessionOptions, err error) {
	options, err = onnx.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create onnx session options: %w", err)
	}
	if coreML {
		if err = options.AppendExecutionProviderCoreML(0); err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to enable CoreML: %w", err), options.Destroy())
		}
	}
	return options, nil
}

// concrete replaces dynamic dimensions with 1 so tensors can be preallocated.
func concrete(shape onnx.Shape) onnx.Shape {
	out := make(onnx.Shape, len(shape))
	for i, d := range shape {
		out[i] = max(d, 1)
	}
	return out
}

func (c *OnnxClassifier) Embed(window []float32) ([]float32, error) {
	shape := c.input.GetShape()
	var rows, cols = 1, 1
	if n := len(shape); n >= 2 {
		rows, cols = int(shape[n-2]), int(shape[n-1])
	}
	fitWindow(c.input.GetData(), window, c.frames, c.dim, rows, cols)
	if err := c.session.Run(); err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", c.networkPath, err)
	}
	return c.output.GetData(), nil
}

func (c *OnnxClassifier) EmbeddingSize(int) int {
	return int(c.output.GetShape().FlattenedSize())
}

func (c *OnnxClassifier) Destroy() error {
	if c.destroyed {
		return nil
	}
	c.destroyed = true
	var err error
	if c.session != nil {
		err = multierr.Append(err, c.session.Destroy())
	}
	if c.input != nil {
		err = multierr.Append(err, c.input.Destroy())
	}
	if c.output != nil {
		err = multierr.Append(err, c.output.Destroy())
	}
	if c.options != nil {
		err = multierr.Append(err, c.options.Destroy())
	}
	c.session, c.input, c.output, c.options = nil, nil, nil, nil
	return multierr.Append(err, onnxrt.Release())
}

// fitWindow writes a frame-major window into a [rows=mel][cols=frame] tensor,
// padding with zeros or truncating on both axes. The newest frames are kept.
func fitWindow(dst, window []float32, frames, dim, rows, cols int) {
	clear(dst)
	skip := max(frames-cols, 0)
	for t := skip; t < frames; t++ {
		for m := 0; m < dim && m < rows; m++ {
			i := m*cols + (t - skip)
			if i < len(dst) {
				dst[i] = window[t*dim+m]
			}
		}
	}
}

func logInfo(networkPath string, inputs, outputs []onnx.InputOutputInfo) {
	for _, i := range inputs {
		slog.Debug("onnx input", "network", networkPath, "name", i.Name, "dims", i.Dimensions.String())
	}
	for _, o := range outputs {
		slog.Debug("onnx output", "network", networkPath, "name", o.Name, "dims", o.Dimensions.String())
	}
}
