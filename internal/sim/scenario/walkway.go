package scenario

import (
	"math"
	"math/rand"

	"crowdsim/internal/sim/geom"
	"crowdsim/internal/sim/sampling"
	"crowdsim/internal/sim/steering"
	"crowdsim/internal/sim/tuning"
	"crowdsim/internal/sim/world"
)

// Walkway: two moving walkways run left to right. Agents queue at the lane
// entrances, ride at boosted speed and leave to the right.
const (
	walkwayEntryX   = 202.5
	walkwayUpperY   = 337.5
	walkwayLowerY   = 262.5
	walkwayExitX    = 900.0
	walkwayBoost    = 1.5
	walkwayLaneMinX = 210.0
	walkwayLaneMaxX = 390.0
)

var walkwayWalls = []wallSpec{
	{180, steering.Horizontal, geom.V(300, 345)},
	{180, steering.Horizontal, geom.V(300, 330)},
	{180, steering.Horizontal, geom.V(300, 270)},
	{180, steering.Horizontal, geom.V(300, 255)},
	// Screen edges keep agents inside [r, Screen-r] vertically.
	{3 * Screen, steering.Horizontal, geom.V(300, -steering.DefaultThickness/2)},
	{3 * Screen, steering.Horizontal, geom.V(300, Screen+steering.DefaultThickness/2)},
}

func buildWalkway(st tuning.ScenarioTuning, rng *rand.Rand) (*Setup, error) {
	walls, err := buildWalls(walkwayWalls)
	if err != nil {
		return nil, err
	}
	agents := make([]*steering.Agent, 0, st.Count)
	for i := 0; i < st.Count; i++ {
		pos := sampling.UniformIn(rng, 150, 210, 150, 450)
		a, err := steering.NewAgent(i, pos, withSpeed(st.Agent, drawSpeed(rng, st)))
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return &Setup{
		Agents:     agents,
		Obstacles:  walls,
		Controller: &walkwayController{st: st, rng: rng},
	}, nil
}

type walkwayController struct {
	st  tuning.ScenarioTuning
	rng *rand.Rand
}

func (c *walkwayController) Name() string { return "walkway" }

func (c *walkwayController) Update(env world.Env) {
	for _, a := range env.Agents() {
		p := a.Pos
		if p.Y > Screen/2 {
			a.Target.Y = walkwayUpperY
		} else {
			a.Target.Y = walkwayLowerY
		}
		a.Target.X = walkwayEntryX

		if p.X >= walkwayLaneMinX && p.X <= walkwayLaneMaxX {
			if (p.Y > 300 && p.Y < 345) || (p.Y > 255 && p.Y < 300) {
				a.SetSpeedCap(c.st.Agent.MaxSpeed * walkwayBoost)
			} else {
				a.SetSpeedCap(drawSpeed(c.rng, c.st))
			}
		}

		nearEntry := math.Abs(p.X-walkwayEntryX) <= 22.5
		inUpper := p.Y > 330 && p.Y < 345
		inLower := p.Y > 255 && p.Y < 270
		onLane := inUpper || inLower
		if (nearEntry && onLane) || (p.X >= walkwayLaneMinX && onLane) || p.X >= 375 {
			a.Target.X = walkwayExitX
		}
	}
}
