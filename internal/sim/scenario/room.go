package scenario

import (
	"math/rand"

	"crowdsim/internal/sim/geom"
	"crowdsim/internal/sim/sampling"
	"crowdsim/internal/sim/steering"
	"crowdsim/internal/sim/tuning"
	"crowdsim/internal/sim/world"
)

// Room: a crowd in an open box drains through a three-lane funnel at the
// bottom and walks off screen.
const (
	roomFunnelY = 375.0
	roomGateY   = 405.0
	roomExitY   = 900.0
)

var roomWalls = []wallSpec{
	{300, steering.Horizontal, geom.V(300, 150)},
	{225, steering.Vertical, geom.V(450, 262.5)},
	{225, steering.Vertical, geom.V(150, 262.5)},
	{120, steering.Horizontal, geom.V(390, 375)},
	{120, steering.Horizontal, geom.V(210, 375)},
	{75, steering.Vertical, geom.V(330, 412.5)},
	{75, steering.Vertical, geom.V(270, 412.5)},
}

func buildRoom(st tuning.ScenarioTuning, rng *rand.Rand) (*Setup, error) {
	walls, err := buildWalls(roomWalls)
	if err != nil {
		return nil, err
	}
	agents := make([]*steering.Agent, 0, st.Count)
	for i := 0; i < st.Count; i++ {
		pos := sampling.UniformIn(rng, 175, 425, 175, 275)
		a, err := steering.NewAgent(i, pos, withSpeed(st.Agent, drawSpeed(rng, st)))
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return &Setup{Agents: agents, Obstacles: walls, Controller: roomController{}}, nil
}

type roomController struct{}

func (roomController) Name() string { return "room" }

func (roomController) Update(env world.Env) {
	for _, a := range env.Agents() {
		if a.Pos.Y < roomFunnelY {
			// Cross over to the far gate so the middle lane stays usable.
			switch {
			case a.Pos.X > 330:
				a.Target.X = 270
			case a.Pos.X < 270:
				a.Target.X = 330
			default:
				a.Target.X = 300
			}
			a.Target.Y = roomGateY
		} else {
			a.Target.Y = roomExitY
		}
	}
}
