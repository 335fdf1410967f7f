package scenario

import (
	"math/rand"

	"crowdsim/internal/sim/geom"
	"crowdsim/internal/sim/steering"
	"crowdsim/internal/sim/tuning"
)

// Crossing: a faster walker comes up behind a slower one heading for the same
// goal and has to get around it.
const crossingSpeedBonus = 5.0

func buildCrossing(st tuning.ScenarioTuning, _ *rand.Rand) (*Setup, error) {
	goal := geom.V(300, 350)
	fast, err := steering.NewAgent(0, geom.V(300, 250), withSpeed(st.Agent, st.Agent.MaxSpeed+crossingSpeedBonus))
	if err != nil {
		return nil, err
	}
	slow, err := steering.NewAgent(1, geom.V(300, 270), st.Agent)
	if err != nil {
		return nil, err
	}
	fast.Target, slow.Target = goal, goal
	return &Setup{Agents: []*steering.Agent{fast, slow}, Controller: fixed{name: "crossing"}}, nil
}
