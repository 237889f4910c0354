package silence

import "fmt"

type Config struct {
	// ThresholdDB is the absolute frame energy (dBFS) speech must exceed.
	ThresholdDB float64
	// MarginDB is how far above the tracked noise floor speech must be.
	MarginDB float64
	// SpeechFrames consecutive hits switch the detector to speech.
	SpeechFrames int
	// HangoverFrames consecutive misses switch it back to silence.
	HangoverFrames int
	// FloorAdapt is the smoothing factor of the floor on quiet frames,
	// FloorCreep the much slower one on loud frames.
	FloorAdapt float64
	FloorCreep float64
}

func DefaultConfig() Config {
	return Config{
		ThresholdDB:    -50,
		MarginDB:       10,
		SpeechFrames:   3,
		HangoverFrames: 20,
		FloorAdapt:     0.05,
		FloorCreep:     0.001,
	}
}

func (c Config) Validate() error {
	switch {
	case c.SpeechFrames < 1 || c.HangoverFrames < 1:
		return fmt.Errorf("speech frames %d and hangover frames %d must be at least 1", c.SpeechFrames, c.HangoverFrames)
	case c.MarginDB < 0:
		return fmt.Errorf("noise margin %v must not be negative", c.MarginDB)
	case c.FloorAdapt <= 0 || c.FloorAdapt > 1 || c.FloorCreep < 0 || c.FloorCreep > 1:
		return fmt.Errorf("floor rates %v/%v outside (0,1]", c.FloorAdapt, c.FloorCreep)
	}
	return nil
}

const initialFloorDB = -100

// Model is an energy based voice activity detector with hysteresis.
type Model struct {
	cfg        Config
	floorDB    float64
	active     bool
	hits       int
	misses     int
	silenceRun int
}

func NewModel(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{cfg: cfg}
	m.Reset()
	return m, nil
}

// Classify consumes the energy of one frame and reports whether the
// detector considers it speech.
func (m *Model) Classify(energyDB float64) bool {
	hit := energyDB > m.cfg.ThresholdDB && energyDB > m.floorDB+m.cfg.MarginDB
	if hit {
		m.hits++
		m.misses = 0
		m.floorDB += m.cfg.FloorCreep * (energyDB - m.floorDB)
	} else {
		m.misses++
		m.hits = 0
		m.floorDB += m.cfg.FloorAdapt * (energyDB - m.floorDB)
	}
	switch {
	case !m.active && m.hits >= m.cfg.SpeechFrames:
		m.active = true
	case m.active && m.misses >= m.cfg.HangoverFrames:
		m.active = false
	}
	if m.active {
		m.silenceRun = 0
	} else {
		m.silenceRun++
	}
	return m.active
}

// Active is the classification of the last frame.
func (m *Model) Active() bool { return m.active }

// SilenceRun counts consecutive frames classified as silence.
func (m *Model) SilenceRun() int { return m.silenceRun }

// FloorDB is the tracked noise floor.
func (m *Model) FloorDB() float64 { return m.floorDB }

func (m *Model) Reset() {
	m.floorDB = initialFloorDB
	m.active = false
	m.hits, m.misses, m.silenceRun = 0, 0, 0
}
