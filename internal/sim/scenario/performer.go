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

// Performer: pedestrians pace along a plaza past a street performer. Every
// few seconds one of them stops to watch, taking the free spot that best
// balances walking distance and closeness to the performer. Watchers near
// the stage shorten their avoidance horizon so the audience can pack in.
const (
	performerLeftX        = 150.0
	performerRightX       = 450.0
	performerTurnTol      = 5.0
	performerMinComfort   = 30.0
	performerMaxComfort   = 75.0
	performerWeightAgent  = 30.0
	performerWeightStage  = 80.0
	performerStageY       = 360.0
	performerStageHorizon = 3.0
	// performerAttractEvery is the number of ticks between new watchers.
	performerAttractEvery = 40
)

var performerPos = geom.V(300, 435)

type performerState uint8

const (
	performerWalking performerState = iota
	performerViewing
)

var performerTransitions = transitions[performerState]{
	performerWalking: {performerViewing},
}

func buildPerformer(st tuning.ScenarioTuning, rng *rand.Rand) (*Setup, error) {
	c := &performerController{
		rng:    rng,
		states: make(map[int]performerState, st.Count),
	}
	agents := make([]*steering.Agent, 0, st.Count)
	for i := 0; i < st.Count; i++ {
		pos := sampling.UniformIn(rng, 105, 495, 255, 345)
		speed := drawSpeed(rng, st)
		tx := performerLeftX
		if rng.Float64() >= 0.5 {
			tx = performerRightX
		}
		a, err := steering.NewAgent(i, pos, withSpeed(st.Agent, speed))
		if err != nil {
			return nil, err
		}
		a.Target = geom.V(tx, pos.Y)
		c.states[i] = performerWalking
		agents = append(agents, a)
	}
	c.spots = sampling.Filter(
		sampling.PoissonDisc(rng, Screen, Screen, 2*st.Agent.Radius, 20),
		func(p geom.Vec2) bool {
			d := p.Dist(performerPos)
			return d > performerMinComfort && d < performerMaxComfort
		},
	)
	return &Setup{Agents: agents, Controller: c}, nil
}

type performerController struct {
	rng    *rand.Rand
	spots  []geom.Vec2
	states map[int]performerState
}

func (c *performerController) Name() string { return "performer" }

func (c *performerController) Update(env world.Env) {
	agents := env.Agents()
	if env.Tick()%performerAttractEvery == 0 {
		c.attract(agents)
	}
	for _, a := range agents {
		switch c.states[a.ID] {
		case performerWalking:
			// Turn around at the ends of the plaza.
			if math.Abs(a.Pos.X-a.Target.X) < performerTurnTol {
				if a.Target.X == performerLeftX {
					a.Target.X = performerRightX
				} else {
					a.Target.X = performerLeftX
				}
			}
		case performerViewing:
			if a.Pos.Y > performerStageY {
				a.SetHorizon(performerStageHorizon)
			}
		}
	}
}

func (c *performerController) attract(agents []*steering.Agent) {
	walking := make([]*steering.Agent, 0, len(agents))
	for _, a := range agents {
		if c.states[a.ID] == performerWalking {
			walking = append(walking, a)
		}
	}
	if len(walking) == 0 {
		return
	}
	a := walking[c.rng.Intn(len(walking))]
	st := c.states[a.ID]
	performerTransitions.step(&st, performerViewing)
	c.states[a.ID] = st
	a.Target = takePoint(&c.spots, geom.V(Screen/2, Screen/2), func(p geom.Vec2) float64 {
		return performerWeightAgent*p.Dist(a.Pos) + performerWeightStage*p.Dist(performerPos)
	})
}

// Watchers returns how many agents have stopped to watch.
func (c *performerController) Watchers() int {
	n := 0
	for _, s := range c.states {
		if s == performerViewing {
			n++
		}
	}
	return n
}
