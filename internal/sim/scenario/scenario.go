// Package scenario builds the demo crowds and drives their goals. Each
// scenario returns its agents, walls and a world.Controller that owns every
// Target write for the run.
package scenario

import (
	"fmt"
	"math/rand"
	"sort"

	"crowdsim/internal/sim/geom"
	"crowdsim/internal/sim/sampling"
	"crowdsim/internal/sim/steering"
	"crowdsim/internal/sim/tuning"
	"crowdsim/internal/sim/world"
)

// Screen is the side length of the square play area used by every scenario.
const Screen = 600.0

type Setup struct {
	Name       string
	Agents     []*steering.Agent
	Obstacles  []*steering.Obstacle
	Controller world.Controller
}

type builder func(st tuning.ScenarioTuning, rng *rand.Rand) (*Setup, error)

var builders = map[string]builder{
	"room":      buildRoom,
	"walkway":   buildWalkway,
	"subway":    buildSubway,
	"museum":    buildMuseum,
	"performer": buildPerformer,
	"airplane":  buildAirplane,
	"crossing":  buildCrossing,
}

func Names() []string {
	names := make([]string, 0, len(builders))
	for n := range builders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build constructs a scenario. The same name, tuning and seed always yield
// the same setup and the same controller decisions.
func Build(name string, st tuning.ScenarioTuning, seed int64) (*Setup, error) {
	b, ok := builders[name]
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q", name)
	}
	if err := st.Agent.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", name, err)
	}
	s, err := b(st, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", name, err)
	}
	s.Name = name
	return s, nil
}

// NewWorld builds a scenario and wraps it in a world. cfg.Seed selects the
// scenario seed; a zero cfg.Timestep takes the scenario's.
func NewWorld(name string, st tuning.ScenarioTuning, cfg world.WorldConfig) (*world.World, error) {
	s, err := Build(name, st, cfg.Seed)
	if err != nil {
		return nil, err
	}
	cfg.Scenario = name
	if cfg.Timestep == 0 {
		cfg.Timestep = st.Timestep
	}
	return world.New(cfg, s.Agents, s.Obstacles, s.Controller)
}

type wallSpec struct {
	length float64
	orient steering.Orientation
	center geom.Vec2
}

func buildWalls(specs []wallSpec) ([]*steering.Obstacle, error) {
	out := make([]*steering.Obstacle, 0, len(specs))
	for i, w := range specs {
		o, err := steering.NewObstacle(w.length, w.orient, w.center, 0)
		if err != nil {
			return nil, fmt.Errorf("wall %d: %w", i, err)
		}
		out = append(out, o)
	}
	return out, nil
}

// drawSpeed picks a per-agent max speed from [MinSpeed, MaxSpeed).
func drawSpeed(rng *rand.Rand, st tuning.ScenarioTuning) float64 {
	if st.MinSpeed <= 0 || st.MinSpeed >= st.Agent.MaxSpeed {
		return st.Agent.MaxSpeed
	}
	return sampling.Uniform(rng, st.MinSpeed, st.Agent.MaxSpeed)
}

func withSpeed(p steering.Params, speed float64) steering.Params {
	p.MaxSpeed = speed
	return p
}

// toScreen maps the layout coordinates used by the subway and airplane
// floor plans (x, z in [-100, 100]) to play-area pixels.
func toScreen(x, z float64) geom.Vec2 {
	return geom.V((x+100)*3, (z+100)*3)
}

func fromScreenZ(y float64) float64 { return y/3 - 100 }

// bestPoint returns the index of the point with the lowest score, or -1.
func bestPoint(points []geom.Vec2, score func(geom.Vec2) float64) int {
	best, bestScore := -1, 0.0
	for i, p := range points {
		s := score(p)
		if best < 0 || s < bestScore {
			best, bestScore = i, s
		}
	}
	return best
}

// takePoint removes and returns the best-scoring point, or fallback when none
// remain.
func takePoint(points *[]geom.Vec2, fallback geom.Vec2, score func(geom.Vec2) float64) geom.Vec2 {
	i := bestPoint(*points, score)
	if i < 0 {
		return fallback
	}
	p := (*points)[i]
	*points = append((*points)[:i], (*points)[i+1:]...)
	return p
}

// fixed is a controller for crowds whose goals never change after setup.
type fixed struct{ name string }

func (f fixed) Name() string   { return f.name }
func (fixed) Update(world.Env) {}
