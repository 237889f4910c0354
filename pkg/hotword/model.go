package hotword

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
)

// DefaultSensitivity applies to hotwords whose model file does not set one.
const DefaultSensitivity = 0.5

// defaultNetworkFrames matches the input width of the efficient-word-net embedding network.
const defaultNetworkFrames = 149

var (
	ErrModelLoad = errors.New("model load error")
	ErrPersist   = errors.New("model persist failure")
)

// Hotword is one keyword declared by a model file.
type Hotword struct {
	Name        string      `json:"name"`
	Sensitivity *float64    `json:"sensitivity,omitempty"`
	Templates   [][]float32 `json:"templates"`
}

func (h Hotword) EffectiveSensitivity() float64 {
	if h.Sensitivity == nil {
		return DefaultSensitivity
	}
	return *h.Sensitivity
}

// Model is the on-disk description of one model file: the embedding network
// (if any), the scoring window and the hotwords it declares in file order.
type Model struct {
	Network         string    `json:"network,omitempty"`
	WindowFrames    int       `json:"window_frames,omitempty"`
	SmoothingFrames int       `json:"smoothing_frames,omitempty"`
	Hotwords        []Hotword `json:"hotwords"`

	path string
}

// legacyModel is the single-hotword embeddings file written by earlier releases.
type legacyModel struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func LoadModel(path string) (*Model, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read model file %s: %w", ErrModelLoad, path, err)
	}
	var m = &Model{path: path}
	if err = json.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal model file %s: %w", ErrModelLoad, path, err)
	}
	if len(m.Hotwords) == 0 {
		var legacy legacyModel
		if err = json.Unmarshal(b, &legacy); err == nil && len(legacy.Embeddings) > 0 {
			name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			m.Hotwords = []Hotword{{Name: name, Templates: legacy.Embeddings}}
		}
	}
	if err = m.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrModelLoad, path, err)
	}
	if m.Network != "" && !filepath.IsAbs(m.Network) {
		m.Network = filepath.Join(filepath.Dir(path), m.Network)
	}
	return m, nil
}

func (m *Model) validate() error {
	if len(m.Hotwords) == 0 {
		return errors.New("no hotwords declared")
	}
	if m.WindowFrames < 0 || m.SmoothingFrames < 0 {
		return fmt.Errorf("negative window %d or smoothing %d", m.WindowFrames, m.SmoothingFrames)
	}
	for i, h := range m.Hotwords {
		if len(h.Templates) == 0 {
			return fmt.Errorf("hotword %d (%s) has no templates", i, h.Name)
		}
		if s := h.EffectiveSensitivity(); !(s >= 0 && s <= 1) {
			return fmt.Errorf("hotword %d (%s) sensitivity %v outside [0,1]", i, h.Name, s)
		}
		for _, t := range h.Templates {
			if len(t) != len(h.Templates[0]) || len(t) != len(m.Hotwords[0].Templates[0]) {
				return fmt.Errorf("hotword %d (%s) templates differ in length", i, h.Name)
			}
		}
	}
	return nil
}

// Path is the file the model was loaded from and is persisted to.
func (m *Model) Path() string { return m.path }

// Frames returns the scoring window length for a feature dimension.
func (m *Model) Frames(dim int) (int, error) {
	if m.WindowFrames > 0 {
		return m.WindowFrames, nil
	}
	if m.Network != "" {
		return defaultNetworkFrames, nil
	}
	n := len(m.Hotwords[0].Templates[0])
	if dim <= 0 || n%dim != 0 {
		return 0, fmt.Errorf("%w: %s: template length %d is not a multiple of feature dim %d", ErrModelLoad, m.path, n, dim)
	}
	return n / dim, nil
}

// Smoothing is the number of frames averaged before a decision.
func (m *Model) Smoothing() int {
	return max(m.SmoothingFrames, 1)
}

// WithSensitivities returns a copy of the model bound to the same file with
// the hotword sensitivities replaced. The receiver is left untouched.
func (m *Model) WithSensitivities(s []float64) (*Model, error) {
	if len(s) != len(m.Hotwords) {
		return nil, fmt.Errorf("%d sensitivities for %d hotwords", len(s), len(m.Hotwords))
	}
	out := *m
	out.Hotwords = make([]Hotword, len(m.Hotwords))
	for i, h := range m.Hotwords {
		v := s[i]
		h.Sensitivity = &v
		out.Hotwords[i] = h
	}
	return &out, nil
}

// Save writes the model back to its file through a temporary file and rename,
// so a failed write never leaves a truncated model behind.
func (m *Model) Save() (err error) {
	return m.SaveAs(m.path)
}

func (m *Model) SaveAs(path string) (err error) {
	out := *m
	if out.Network != "" {
		if rel, relErr := filepath.Rel(filepath.Dir(path), out.Network); relErr == nil {
			out.Network = rel
		}
	}
	b, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal model %s: %w", ErrPersist, path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, os.Remove(tmp.Name()))
		}
	}()
	if _, err = tmp.Write(b); err != nil {
		err = multierr.Append(fmt.Errorf("%w: failed to write %s: %w", ErrPersist, path, err), tmp.Close())
		return err
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("%w: failed to close %s: %w", ErrPersist, tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: failed to replace %s: %w", ErrPersist, path, err)
	}
	return nil
}
