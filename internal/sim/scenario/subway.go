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

// Subway: a train pulls in beside a platform. Riders (group 1) leave through
// the nearest door and walk off the platform; waiting passengers (group 2)
// board through the nearest door once the train has stopped.
const (
	subwayTrainOffset = 200.0 // layout units the train starts away from its berth
	subwayLerp        = 0.1
	subwayArriveTol   = 1.0
	subwayDoorTol     = 5.0
	subwayRiderDoorX  = 25.0
	subwayBoardDoorX  = 42.0
	subwayWalkOff     = 50.0
)

var subwayDoors = []float64{-33, -11, 11, 33}

// Layout units; lengths are scaled by 3 to pixels at build time.
var subwayTrain = []wallSpec{
	{100, steering.Vertical, geom.V(50, 0)},
	{15, steering.Horizontal, geom.V(42.5, -50)},
	{15, steering.Horizontal, geom.V(42.5, 50)},
	{12, steering.Vertical, geom.V(35, -44)},
	{12, steering.Vertical, geom.V(35, -22)},
	{12, steering.Vertical, geom.V(35, 0)},
	{12, steering.Vertical, geom.V(35, 22)},
	{12, steering.Vertical, geom.V(35, 44)},
}

type subwayGroup uint8

const (
	subwayRider subwayGroup = iota + 1
	subwayBoarder
)

type subwayPhase uint8

const (
	subwayHold subwayPhase = iota
	subwayToDoor
	subwayInside
	subwayWalkingOff
)

func (p subwayPhase) String() string {
	switch p {
	case subwayHold:
		return "hold"
	case subwayToDoor:
		return "door"
	case subwayInside:
		return "inside"
	case subwayWalkingOff:
		return "walking_off"
	default:
		return "unknown"
	}
}

var subwayTransitions = transitions[subwayPhase]{
	subwayHold:       {subwayToDoor},
	subwayToDoor:     {subwayInside, subwayWalkingOff},
	subwayWalkingOff: {subwayWalkingOff},
}

type subwayRecord struct {
	group subwayGroup
	phase subwayPhase
}

func nearestDoor(z float64) float64 {
	best := subwayDoors[0]
	for _, d := range subwayDoors[1:] {
		if math.Abs(z-d) < math.Abs(z-best) {
			best = d
		}
	}
	return best
}

func buildSubway(st tuning.ScenarioTuning, rng *rand.Rand) (*Setup, error) {
	specs := make([]wallSpec, len(subwayTrain))
	berths := make([]geom.Vec2, len(subwayTrain))
	for i, w := range subwayTrain {
		berths[i] = toScreen(w.center.X, w.center.Y)
		// Segments slide in along the track from the nearer end of the
		// screen, so none sweeps across the riders standing inside.
		off := subwayTrainOffset
		if w.center.Y < 0 {
			off = -off
		}
		specs[i] = wallSpec{length: w.length * 3, orient: w.orient, center: toScreen(w.center.X, w.center.Y+off)}
	}
	walls, err := buildWalls(specs)
	if err != nil {
		return nil, err
	}

	c := &subwayController{
		rng:     rng,
		walls:   walls,
		berths:  berths,
		records: make(map[int]*subwayRecord, 2*st.Count),
	}
	agents := make([]*steering.Agent, 0, 2*st.Count)
	for i := 0; i < st.Count; i++ {
		pos := sampling.UniformIn(rng, 40, 47.5, -39, 39)
		a, err := steering.NewAgent(i, toScreen(pos.X, pos.Y), withSpeed(st.Agent, drawSpeed(rng, st)))
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
		c.records[a.ID] = &subwayRecord{group: subwayRider}
	}
	for i := 0; i < st.Count; i++ {
		pos := sampling.UniformIn(rng, 0, 23, -39, 39)
		a, err := steering.NewAgent(st.Count+i, toScreen(pos.X, pos.Y), withSpeed(st.Agent, drawSpeed(rng, st)))
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
		c.records[a.ID] = &subwayRecord{group: subwayBoarder}
	}
	return &Setup{Agents: agents, Obstacles: walls, Controller: c}, nil
}

type subwayController struct {
	rng     *rand.Rand
	walls   []*steering.Obstacle
	berths  []geom.Vec2
	arrived bool
	records map[int]*subwayRecord
}

func (c *subwayController) Name() string { return "subway" }

// Arrived reports whether the train has reached its berth.
func (c *subwayController) Arrived() bool { return c.arrived }

func (c *subwayController) Update(env world.Env) {
	if !c.arrived {
		done := true
		for i, w := range c.walls {
			if w.Approach(c.berths[i], subwayLerp) > subwayArriveTol {
				done = false
			}
		}
		if done {
			for i, w := range c.walls {
				w.Reposition(c.berths[i])
			}
			c.arrived = true
		}
		return
	}

	for _, a := range env.Agents() {
		rec := c.records[a.ID]
		if rec == nil {
			continue
		}
		switch rec.phase {
		case subwayHold:
			door := nearestDoor(fromScreenZ(a.Pos.Y))
			if rec.group == subwayRider {
				a.Target = toScreen(subwayRiderDoorX, door)
			} else {
				a.Target = toScreen(subwayBoardDoorX, door)
			}
			subwayTransitions.step(&rec.phase, subwayToDoor)
		case subwayToDoor, subwayWalkingOff:
			if a.Target.Sub(a.Pos).Len() >= subwayDoorTol {
				continue
			}
			if rec.group == subwayRider {
				a.Target.X -= subwayWalkOff
				subwayTransitions.step(&rec.phase, subwayWalkingOff)
			} else {
				p := sampling.UniformIn(c.rng, 40, 47.5, -39, 39)
				a.Target = toScreen(p.X, p.Y)
				subwayTransitions.step(&rec.phase, subwayInside)
			}
		}
	}
}
