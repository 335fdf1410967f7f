package steering

import (
	"math"

	"crowdsim/internal/sim/geom"
)

// Params are the per-agent tuning values. They are fixed at construction.
type Params struct {
	Radius   float64 `yaml:"radius" json:"radius"`
	MaxSpeed float64 `yaml:"max_speed" json:"max_speed"`
	MaxForce float64 `yaml:"max_force" json:"max_force"`
	Horizon  float64 `yaml:"horizon" json:"horizon"`
	K        float64 `yaml:"k" json:"k"`
	Avoid    float64 `yaml:"avoid" json:"avoid"`
	Sidestep float64 `yaml:"sidestep" json:"sidestep"`
}

func (p Params) Validate() error {
	positive := []struct {
		name string
		v    float64
	}{
		{"radius", p.Radius},
		{"max_speed", p.MaxSpeed},
		{"max_force", p.MaxForce},
		{"k", p.K},
	}
	for _, f := range positive {
		if !finite(f.v) || f.v <= 0 {
			return &ConfigError{Kind: ErrInvalidParams, Field: f.name, Value: f.v}
		}
	}
	nonNegative := []struct {
		name string
		v    float64
	}{
		{"horizon", p.Horizon},
		{"avoid", p.Avoid},
		{"sidestep", p.Sidestep},
	}
	for _, f := range nonNegative {
		if !finite(f.v) || f.v < 0 {
			return &ConfigError{Kind: ErrInvalidParams, Field: f.name, Value: f.v}
		}
	}
	return nil
}

// Agent is a circular body steered toward Target. Pos and Vel are written only
// by the engine; Target is written only by the controlling scenario.
type Agent struct {
	ID     int
	Pos    geom.Vec2
	Vel    geom.Vec2
	Target geom.Vec2

	params Params

	// Controller overrides of the speed cap and horizon. Zero means unset.
	speedCap   float64
	horizonCap float64
	hasHorizon bool
}

func NewAgent(id int, pos geom.Vec2, p Params) (*Agent, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !pos.Finite() {
		return nil, &ConfigError{Kind: ErrInvalidParams, Field: "position", Value: math.NaN()}
	}
	return &Agent{ID: id, Pos: pos, Target: pos, params: p}, nil
}

func (a *Agent) Params() Params   { return a.params }
func (a *Agent) Radius() float64  { return a.params.Radius }
func (a *Agent) MaxForce() float64 { return a.params.MaxForce }

// MaxSpeed is the effective speed cap: the override when set, else the
// construction-time value.
func (a *Agent) MaxSpeed() float64 {
	if a.speedCap > 0 {
		return a.speedCap
	}
	return a.params.MaxSpeed
}

func (a *Agent) Horizon() float64 {
	if a.hasHorizon {
		return a.horizonCap
	}
	return a.params.Horizon
}

// SetSpeedCap overrides the speed cap. Non-positive values clear it.
func (a *Agent) SetSpeedCap(v float64) {
	if !finite(v) || v <= 0 {
		a.speedCap = 0
		return
	}
	a.speedCap = v
}

// SetHorizon overrides the avoidance horizon. Negative values clear it.
func (a *Agent) SetHorizon(v float64) {
	if !finite(v) || v < 0 {
		a.hasHorizon = false
		a.horizonCap = 0
		return
	}
	a.hasHorizon = true
	a.horizonCap = v
}

func (a *Agent) ClearOverrides() {
	a.speedCap = 0
	a.hasHorizon = false
	a.horizonCap = 0
}

// Overrides reports the raw override values for snapshots.
func (a *Agent) Overrides() (speedCap float64, horizon float64, hasHorizon bool) {
	return a.speedCap, a.horizonCap, a.hasHorizon
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
