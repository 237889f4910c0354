// Package frontend conditions analysis frames before feature extraction: a
// noise floor tracker that gates low-level frames and a fixed-point automatic
// gain control that pulls speech toward a target level.
package frontend

import "math"

const (
	gainBits = 16
	unity    = 1 << gainBits
	q15      = 1 << 15
)

type Config struct {
	TargetDBFS float64 // AGC target level
	MaxGainDB  float64 // upper bound on AGC gain
	GateDB     float64 // frames below floor+GateDB are attenuated
	GateGainDB float64 // attenuation applied to gated frames
	// AttackShift and ReleaseShift set the per-frame gain smoothing as 1/2^shift.
	AttackShift  uint
	ReleaseShift uint
}

func DefaultConfig() Config {
	return Config{
		TargetDBFS:   -20,
		MaxGainDB:    30,
		GateDB:       6,
		GateGainDB:   -12,
		AttackShift:  1,
		ReleaseShift: 4,
	}
}

// Processor holds the AGC and noise tracking state of one engine instance.
type Processor struct {
	cfg       Config
	target    int64 // Q15 rms
	maxGain   int64 // Q16
	gateGain  int64 // Q16
	gateRatio int64 // Q16, applied to the floor energy
	gain      int64 // Q16
	floor     int64 // mean square in Q30
}

// initialFloor is -60 dBFS expressed as a Q30 mean square.
var initialFloor = int64(math.Pow(dbToLinear(-60)*q15, 2))

func New(cfg Config) *Processor {
	p := &Processor{
		cfg:       cfg,
		target:    int64(dbToLinear(cfg.TargetDBFS) * q15),
		maxGain:   int64(dbToLinear(cfg.MaxGainDB) * unity),
		gateGain:  int64(dbToLinear(cfg.GateGainDB) * unity),
		gateRatio: int64(dbToLinear(2*cfg.GateDB) * unity),
	}
	p.Reset()
	return p
}

func (p *Processor) Reset() {
	p.gain = unity
	p.floor = initialFloor
}

// Gain returns the current AGC gain as a linear factor.
func (p *Processor) Gain() float64 {
	return float64(p.gain) / unity
}

// Process conditions frame in place.
func (p *Processor) Process(frame []float32) {
	if len(frame) == 0 {
		return
	}
	var energy int64
	for _, v := range frame {
		s := toQ15(v)
		energy += s * s
	}
	energy /= int64(len(frame))

	p.trackFloor(energy)
	gated := energy <= p.floor*p.gateRatio>>gainBits

	if !gated && energy > 0 {
		rms := int64(math.Sqrt(float64(energy)))
		desired := p.target << gainBits / max(rms, 1)
		desired = min(desired, p.maxGain)
		if desired < p.gain {
			p.gain += (desired - p.gain) >> p.cfg.AttackShift
		} else {
			p.gain += (desired - p.gain) >> p.cfg.ReleaseShift
		}
	}

	g := p.gain
	if gated {
		g = g * p.gateGain >> gainBits
	}
	for i, v := range frame {
		s := toQ15(v) * g >> gainBits
		frame[i] = float32(clampQ15(s)) / q15
	}
}

// trackFloor follows the minimum energy quickly and rises slowly.
func (p *Processor) trackFloor(energy int64) {
	if energy < p.floor {
		p.floor += (energy - p.floor) >> 1
		return
	}
	p.floor += (energy - p.floor) >> 9
}

func toQ15(v float32) int64 {
	return clampQ15(int64(v * q15))
}

func clampQ15(s int64) int64 {
	if s > q15-1 {
		return q15 - 1
	}
	if s < -q15 {
		return -q15
	}
	return s
}

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}
